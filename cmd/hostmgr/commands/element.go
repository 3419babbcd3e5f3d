package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostmanager/pkg/engine"
)

func newElementCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "element",
		Aliases: []string{"el"},
		Short:   "Manage elements",
		Long: `Create, change and remove elements: virtual machines, containers,
their interfaces and external network attachments.`,
	}

	cmd.AddCommand(newElementCreateCommand())
	cmd.AddCommand(newElementModifyCommand())
	cmd.AddCommand(newElementActionCommand())
	cmd.AddCommand(newElementRenewCommand())
	cmd.AddCommand(newElementRemoveCommand())
	cmd.AddCommand(newElementInfoCommand())
	cmd.AddCommand(newElementListCommand())

	return cmd
}

func newElementCreateCommand() *cobra.Command {
	var (
		parent   int64
		attrs    []string
		lifetime time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create TYPE",
		Short: "Create an element",
		Example: `  # Create a KVM machine with 1 GiB of memory
  hostmgr element create kvmqm --attr ram=1024 --owner alice

  # Add an interface to element 12
  hostmgr element create kvmqm_interface --parent 12`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseAttrs(attrs)
			if err != nil {
				return err
			}

			req := engine.CreateRequest{
				Type:   engine.TypeName(args[0]),
				Owner:  owner,
				Parent: engine.ID(parent),
				Attrs:  values,
			}
			if lifetime > 0 {
				req.Timeout = time.Now().Add(lifetime)
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				info, err := a.manager.Create(ctx, req)
				if err != nil {
					return err
				}
				log.Info().Int64("element_id", int64(info.ID)).Str("type", string(info.Type)).Msg("Element created")
				return printElement(info)
			})
		},
	}

	cmd.Flags().Int64Var(&parent, "parent", 0, "parent element id")
	cmd.Flags().StringArrayVarP(&attrs, "attr", "a", nil, "attribute as key=value (repeatable)")
	cmd.Flags().DurationVar(&lifetime, "lifetime", 0, "lifetime of a top-level element (default from configuration)")

	return cmd
}

func newElementModifyCommand() *cobra.Command {
	var attrs []string

	cmd := &cobra.Command{
		Use:     "modify ID",
		Short:   "Change element attributes",
		Example: `  hostmgr element modify 12 --attr ram=2048 --attr cpus=2`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			values, err := parseAttrs(attrs)
			if err != nil {
				return err
			}
			if len(values) == 0 {
				return errors.New("nothing to modify, pass at least one --attr")
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				info, err := a.manager.Modify(ctx, id, values)
				if err != nil {
					return err
				}
				return printElement(info)
			})
		},
	}

	cmd.Flags().StringArrayVarP(&attrs, "attr", "a", nil, "attribute as key=value (repeatable)")

	return cmd
}

func newElementActionCommand() *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "action ID ACTION",
		Short: "Run an action on an element",
		Example: `  hostmgr element action 12 prepare
  hostmgr element action 12 start
  hostmgr element action 14 upload_grant --arg size=1048576`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			values, err := parseAssignments(params)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				info, err := a.manager.Action(ctx, id, engine.ActionName(args[1]), engine.Args(values))
				if err != nil {
					return err
				}
				log.Info().Int64("element_id", int64(id)).Str("action", args[1]).Str("state", string(info.State)).Msg("Action completed")
				return printElement(info)
			})
		},
	}

	cmd.Flags().StringArrayVar(&params, "arg", nil, "action argument as key=value (repeatable)")

	return cmd
}

func newElementRenewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "renew ID DURATION",
		Short:   "Extend the lifetime of a top-level element",
		Example: `  hostmgr element renew 12 48h`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			d, err := time.ParseDuration(args[1])
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", args[1], err)
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				info, err := a.manager.Renew(ctx, id, time.Now().Add(d))
				if err != nil {
					return err
				}
				return printElement(info)
			})
		},
	}

	return cmd
}

func newElementRemoveCommand() *cobra.Command {
	var (
		cascade bool
		destroy bool
	)

	cmd := &cobra.Command{
		Use:   "remove ID",
		Short: "Remove an element",
		Long: `Remove an element. The element must be in a state that allows removal
and have no children unless --cascade is given.

--destroy first drives the element and its subtree to a removable state,
detaching it from its connection, the way expired elements are reaped.`,
		Example: `  hostmgr element remove 12 --cascade
  hostmgr element remove 12 --destroy`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if destroy {
					err = a.manager.Destroy(ctx, id)
				} else {
					err = a.manager.Remove(ctx, id, cascade)
				}

				var removal *engine.RemovalError
				if errors.As(err, &removal) && jsonOutput {
					_ = printJSON(removal)
				}
				if err != nil {
					return err
				}
				log.Info().Int64("element_id", int64(id)).Msg("Element removed")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&cascade, "cascade", false, "remove children first")
	cmd.Flags().BoolVar(&destroy, "destroy", false, "stop and detach before removing")

	return cmd
}

func newElementInfoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info ID",
		Short: "Show an element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				info, err := a.manager.Info(id)
				if err != nil {
					return err
				}
				return printElement(info)
			})
		},
	}

	return cmd
}

func newElementListCommand() *cobra.Command {
	var (
		typeName string
		state    string
		parent   int64
		roots    bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List elements",
		Example: `  hostmgr element list --type kvmqm --state started
  hostmgr element list --parent 12
  hostmgr element list --roots --owner alice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.ElementFilter{
				Owner: owner,
				Type:  engine.TypeName(typeName),
				State: engine.State(state),
			}
			switch {
			case roots:
				var none engine.ID
				filter.Parent = &none
			case parent != 0:
				p := engine.ID(parent)
				filter.Parent = &p
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return printElements(a.manager.List(filter))
			})
		},
	}

	cmd.Flags().StringVar(&typeName, "type", "", "only elements of this type")
	cmd.Flags().StringVar(&state, "state", "", "only elements in this state")
	cmd.Flags().Int64Var(&parent, "parent", 0, "only children of this element")
	cmd.Flags().BoolVar(&roots, "roots", false, "only top-level elements")
	cmd.MarkFlagsMutuallyExclusive("parent", "roots")

	return cmd
}
