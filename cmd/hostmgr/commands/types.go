package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostmanager/pkg/engine"
)

func newTypesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "types [TYPE]",
		Short: "Show the registered element and connection types",
		Long: `Show the types registered on this host. Types whose prerequisites are
missing (a package, a command, a kernel module) are listed as skipped.

With a type name, show its capability table: states, actions, writable
attributes and connection concepts.`,
		Example: `  hostmgr types
  hostmgr types kvmqm --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(_ context.Context, a *app) error {
				registry := a.manager.Registry()
				if len(args) == 1 {
					ct, err := registry.Table(engine.TypeName(args[0]))
					if err != nil {
						return err
					}
					return printCapabilities(engine.TypeName(args[0]), ct)
				}
				return printTypes(registry.Types(), registry.Skipped())
			})
		},
	}

	return cmd
}

func printTypes(types []engine.TypeInfo, skipped []engine.SkippedType) error {
	if jsonOutput {
		return printJSON(map[string]interface{}{"types": types, "skipped": skipped})
	}

	t := newTable("TYPE", "KIND", "STATES", "CONCEPTS")
	for _, ti := range types {
		t.AppendRow(table.Row{ti.Name, ti.Table.Kind, joinStates(ti.Table.States), joinConcepts(ti.Table.Concepts)})
	}
	t.Render()

	if len(skipped) > 0 {
		fmt.Fprintln(stdout, text.FgYellow.Sprint("Skipped types:"))
		s := newTable("TYPE", "REASON")
		for _, st := range skipped {
			s.AppendRow(table.Row{st.Name, st.Reason})
		}
		s.Render()
	}
	return nil
}

func printCapabilities(name engine.TypeName, ct *engine.CapabilityTable) error {
	if jsonOutput {
		return printJSON(engine.TypeInfo{Name: name, Table: ct})
	}

	fmt.Fprintf(stdout, "Type %s (%s)\n", text.FgHiCyan.Sprint(name), ct.Kind)
	fmt.Fprintf(stdout, "  States:   %s\n", joinStates(ct.States))
	if len(ct.Concepts) > 0 {
		fmt.Fprintf(stdout, "  Concepts: %s\n", joinConcepts(ct.Concepts))
	}

	actions := make([]string, 0, len(ct.Actions))
	for a := range ct.Actions {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)

	t := newTable("ACTION", "FROM", "TO")
	for _, a := range actions {
		to := "-"
		if next, ok := ct.Transition(engine.ActionName(a)); ok {
			to = string(next)
		}
		t.AppendRow(table.Row{a, joinStates(ct.Actions[engine.ActionName(a)]), to})
	}
	t.Render()

	attrs := make([]string, 0, len(ct.AttrStates))
	for k := range ct.AttrStates {
		attrs = append(attrs, string(k))
	}
	sort.Strings(attrs)

	w := newTable("ATTRIBUTE", "WRITABLE IN", "RULES")
	for _, k := range attrs {
		w.AppendRow(table.Row{k, joinStates(ct.AttrStates[engine.AttrName(k)]), ct.AttrRules[engine.AttrName(k)]})
	}
	w.Render()
	return nil
}

func joinStates(states []engine.State) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

func joinConcepts(concepts []engine.ConceptName) string {
	parts := make([]string, len(concepts))
	for i, c := range concepts {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}
