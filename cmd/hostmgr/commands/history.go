package commands

import (
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostmanager/pkg/engine"
	"github.com/openfroyo/hostmanager/pkg/stores"
)

// openHistory opens the record store for read-only history queries.
func openHistory(cmd *cobra.Command) (stores.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cmd.Context(), cfg.Database)
}

func newAuditCommand() *cobra.Command {
	var (
		target int64
		op     string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		Long: `Show the audit trail of kernel operations, newest first. Every create,
modify, action, attach, detach and removal is recorded with its outcome.`,
		Example: `  hostmgr audit --target 12
  hostmgr audit --owner alice --op element.action --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.ListAudit(cmd.Context(), stores.AuditFilter{
				Target: engine.ID(target),
				Owner:  owner,
				Op:     op,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entries)
			}

			t := newTable("TIME", "OWNER", "TARGET", "TYPE", "OP", "ACTION", "STATE", "RESULT")
			for _, e := range entries {
				result := text.FgGreen.Sprint(e.Result)
				if e.ErrorMsg != "" {
					result = text.FgRed.Sprint(e.Result + ": " + e.ErrorMsg)
				}
				t.AppendRow(table.Row{
					e.Time.Local().Format(time.DateTime), e.Owner, e.Target, e.Type, e.Op, e.Action,
					transition(e.From, e.To), result,
				})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().Int64Var(&target, "target", 0, "only entries for this record")
	cmd.Flags().StringVar(&op, "op", "", "only entries of this operation")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (default 100)")

	return cmd
}

func transition(from, to engine.State) string {
	if from == to || to == "" {
		return string(from)
	}
	return string(from) + " -> " + string(to)
}

func newEventsCommand() *cobra.Command {
	var (
		target    int64
		eventType string
		since     time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show stored lifecycle events",
		Long: `Show lifecycle events journaled by hostmgr serve, newest first: record
creation and removal, state changes, attachments and policy denials.`,
		Example: `  hostmgr events --since 1h
  hostmgr events --target 12 --type record.state_changed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := stores.EventFilter{Target: target, Type: eventType, Limit: limit}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			events, err := store.ListEvents(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(events)
			}

			t := newTable("TIME", "TYPE", "TARGET", "KIND", "OWNER", "MESSAGE")
			for _, ev := range events {
				t.AppendRow(table.Row{ev.Timestamp.Local().Format(time.DateTime), ev.Type, ev.Target, ev.Kind, ev.Owner, ev.Message})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().Int64Var(&target, "target", 0, "only events for this record")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum events (default 100)")

	return cmd
}
