package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostmanager/pkg/blueprint"
	"github.com/openfroyo/hostmanager/pkg/config"
	"github.com/openfroyo/hostmanager/pkg/engine"
)

func newTopologyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Build topologies from blueprints",
		Long: `Blueprints declare a whole topology in CUE, optionally generated by a
Starlark script: elements with their parents, attributes and actions, and
connections with their members.`,
	}

	cmd.AddCommand(newTopologyValidateCommand())
	cmd.AddCommand(newTopologyPlanCommand())
	cmd.AddCommand(newTopologyApplyCommand())

	return cmd
}

// loadBlueprint parses the blueprint at paths, or the blueprints found in the
// current directory.
func loadBlueprint(ctx context.Context, paths []string) (*config.Blueprint, error) {
	if len(paths) == 0 {
		found, err := config.FindBlueprints(".")
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, fmt.Errorf("no blueprint files in the current directory")
		}
		paths = found
	}

	b, err := config.NewBlueprintParser().Load(ctx, paths)
	if err != nil {
		return nil, err
	}
	if owner != "" {
		b.Owner = owner
	}
	return b, nil
}

func newTopologyValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [paths...]",
		Short: "Check a blueprint without touching the host",
		Example: `  hostmgr topology validate lab.cue
  hostmgr topology validate ./lab lab.star`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				found, err := config.FindBlueprints(".")
				if err != nil {
					return err
				}
				paths = found
			}

			b, err := config.NewBlueprintParser().Parse(cmd.Context(), paths)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(b)
			}

			if b.Valid() {
				fmt.Fprintf(stdout, "%s %s: %d elements, %d connections\n",
					text.FgGreen.Sprint("valid"), b.Name, len(b.Elements), len(b.Connections))
				return nil
			}
			for _, e := range b.Errors {
				fmt.Fprintln(stdout, text.FgRed.Sprint(e.String()))
			}
			return b.Err()
		},
	}

	return cmd
}

func newTopologyPlanCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "plan [paths...]",
		Short: "Show the steps applying a blueprint takes",
		Example: `  hostmgr topology plan lab.cue
  hostmgr topology plan lab.cue --dot | dot -Tsvg > lab.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := loadBlueprint(cmd.Context(), args)
			if err != nil {
				return err
			}
			plan, err := blueprint.NewPlan(b)
			if err != nil {
				return err
			}

			switch {
			case dot:
				fmt.Fprint(stdout, plan.ToDOT())
				return nil
			case jsonOutput:
				return printJSON(plan)
			}

			t := newTable("LEVEL", "STEP", "KIND", "DEPENDS ON")
			for _, s := range plan.Ordered() {
				t.AppendRow(table.Row{s.Level, s.ID, s.Kind, strings.Join(s.DependsOn, ", ")})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "output the plan in Graphviz DOT format")

	return cmd
}

func newTopologyApplyCommand() *cobra.Command {
	var (
		dryRun   bool
		parallel int
		failFast bool
		rollback bool
	)

	cmd := &cobra.Command{
		Use:   "apply [paths...]",
		Short: "Create the records of a blueprint",
		Long: `Create the elements and connections of a blueprint, attach members and
run the declared actions. Independent steps run in parallel; a step whose
dependency failed is skipped.

With --rollback every record created by a failed apply is destroyed again.`,
		Example: `  hostmgr topology apply lab.cue
  hostmgr topology apply lab.cue --dry-run
  hostmgr topology apply ./lab --parallel 4 --fail-fast --rollback`,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := loadBlueprint(cmd.Context(), args)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				x := blueprint.NewExecutor(a.manager, a.logger, blueprint.Options{
					MaxParallel: parallel,
					FailFast:    failFast,
					DryRun:      dryRun,
				})

				res, applyErr := x.Apply(ctx, b)
				if res != nil {
					if err := printApplyResult(res); err != nil {
						return err
					}
				}
				if applyErr == nil {
					return nil
				}

				if rollback && res != nil {
					log.Warn().Str("blueprint", b.Name).Msg("Apply failed, destroying created records")
					if err := x.Teardown(ctx, b, res); err != nil {
						log.Error().Err(err).Msg("Rollback incomplete")
					}
				}
				return applyErr
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan without changing anything")
	cmd.Flags().IntVar(&parallel, "parallel", 10, "maximum steps running at once")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop after the first level with a failure")
	cmd.Flags().BoolVar(&rollback, "rollback", false, "destroy created records when the apply fails")

	return cmd
}

func printApplyResult(res *blueprint.Result) error {
	if jsonOutput {
		return printJSON(res)
	}

	t := newTable("LEVEL", "STEP", "STATUS", "DURATION", "ERROR")
	for _, s := range res.Steps {
		t.AppendRow(table.Row{s.Level, s.Step, stepStatusText(s.Status), s.Duration.Round(time.Millisecond), s.Error})
	}
	t.Render()

	records := newTable("NAME", "KIND", "ID")
	for _, name := range sortedKeys(res.Elements) {
		records.AppendRow(table.Row{name, engine.KindElement, res.Elements[name]})
	}
	for _, name := range sortedKeys(res.Connections) {
		records.AppendRow(table.Row{name, engine.KindConnection, res.Connections[name]})
	}
	if records.Length() > 0 {
		records.Render()
	}
	return nil
}

func stepStatusText(s blueprint.StepStatus) string {
	switch s {
	case blueprint.StepSucceeded:
		return text.FgGreen.Sprint(s)
	case blueprint.StepFailed:
		return text.FgRed.Sprint(s)
	case blueprint.StepSkipped:
		return text.FgYellow.Sprint(s)
	default:
		return text.FgHiBlack.Sprint(s)
	}
}

func sortedKeys(m map[string]engine.ID) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
