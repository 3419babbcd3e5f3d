package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostmanager/pkg/engine"
	"github.com/openfroyo/hostmanager/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect admission policies",
		Long: `Admission policies are Rego modules evaluated after the capability
checks of every create, modify, action and attach. A policy denies a request
by adding a message to its deny set.`,
	}

	cmd.AddCommand(newPolicyCheckCommand())
	cmd.AddCommand(newPolicyListCommand())

	return cmd
}

// policyEngine builds the admission engine from the host configuration
// without opening the record store.
func policyEngine(cmd *cobra.Command, extra []string) (*policy.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	pe, err := policy.NewEngine(log.Logger, cfg.Policy.Limits)
	if err != nil {
		return nil, err
	}
	paths := append(append([]string(nil), cfg.Policy.Paths...), extra...)
	if len(paths) > 0 {
		if err := pe.LoadPolicies(cmd.Context(), paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

func newPolicyCheckCommand() *cobra.Command {
	var paths []string

	cmd := &cobra.Command{
		Use:   "check REQUEST",
		Short: "Evaluate an admission request",
		Long: `Evaluate an admission request read from a JSON file, or from stdin when
REQUEST is "-". The request is checked against the built-in policies, the
configured policy paths and any --policy given.`,
		Example: `  echo '{"operation":"create","owner":"alice","kind":"element","type":"kvmqm","attrs":{"ram":65536}}' \
    | hostmgr policy check -

  hostmgr policy check request.json --policy ./policies`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readAdmissionRequest(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			pe, err := policyEngine(cmd, paths)
			if err != nil {
				return err
			}

			decision, err := pe.Evaluate(cmd.Context(), req, true)
			if err != nil {
				return err
			}
			if err := printDecision(decision); err != nil {
				return err
			}
			if !decision.Allowed {
				return fmt.Errorf("request denied: %s", decision.Violations[0].Message)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&paths, "policy", "p", nil, "additional policy file or directory (repeatable)")

	return cmd
}

func readAdmissionRequest(path string, stdin io.Reader) (engine.AdmissionRequest, error) {
	var req engine.AdmissionRequest

	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return req, fmt.Errorf("failed to read request: %w", err)
	}

	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Operation == "" || req.Type == "" {
		return req, fmt.Errorf("request needs an operation and a type")
	}
	return req, nil
}

func printDecision(d *policy.Decision) error {
	if jsonOutput {
		return printJSON(d)
	}

	if d.Allowed {
		fmt.Fprintln(stdout, text.FgGreen.Sprint("allowed"))
	} else {
		fmt.Fprintln(stdout, text.FgRed.Sprint("denied"))
	}

	if len(d.Violations)+len(d.Warnings) > 0 {
		t := newTable("POLICY", "SEVERITY", "MESSAGE")
		for _, v := range d.Violations {
			t.AppendRow(table.Row{v.Policy, text.FgRed.Sprint(v.Severity), v.Message})
		}
		for _, v := range d.Warnings {
			t.AppendRow(table.Row{v.Policy, text.FgYellow.Sprint(v.Severity), v.Message})
		}
		t.Render()
	}
	fmt.Fprintf(stdout, "Evaluated: %s\n", strings.Join(d.EvaluatedPolicies, ", "))
	return nil
}

func newPolicyListCommand() *cobra.Command {
	var paths []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the active policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pe, err := policyEngine(cmd, paths)
			if err != nil {
				return err
			}

			policies := pe.ListPolicies()
			if jsonOutput {
				return printJSON(policies)
			}

			t := newTable("NAME", "SEVERITY", "ENABLED", "DESCRIPTION")
			for _, p := range policies {
				t.AppendRow(table.Row{p.Name, p.Severity, p.Enabled, p.Description})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&paths, "policy", "p", nil, "additional policy file or directory (repeatable)")

	return cmd
}
