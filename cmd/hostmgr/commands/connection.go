package commands

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostmanager/pkg/engine"
)

func newConnectionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connection",
		Aliases: []string{"con"},
		Short:   "Manage connections",
		Long: `Create connections (bridges, switches, hubs, routers, tunnels) and
attach elements to them. An element can be attached when the concepts it
offers in its current state overlap with the concepts the connection accepts.`,
	}

	cmd.AddCommand(newConnectionCreateCommand())
	cmd.AddCommand(newConnectionModifyCommand())
	cmd.AddCommand(newConnectionActionCommand())
	cmd.AddCommand(newConnectionRemoveCommand())
	cmd.AddCommand(newConnectionAttachCommand())
	cmd.AddCommand(newConnectionDetachCommand())
	cmd.AddCommand(newConnectionInfoCommand())
	cmd.AddCommand(newConnectionListCommand())

	return cmd
}

func newConnectionCreateCommand() *cobra.Command {
	var attrs []string

	cmd := &cobra.Command{
		Use:   "create TYPE",
		Short: "Create a connection",
		Example: `  hostmgr connection create bridge --attr delay_to=20 --attr lossratio_to=0.01
  hostmgr connection create vpn_tunnel --owner alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseAttrs(attrs)
			if err != nil {
				return err
			}
			req := engine.ConnectionRequest{Type: engine.TypeName(args[0]), Owner: owner, Attrs: values}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				info, err := a.manager.CreateConnection(ctx, req)
				if err != nil {
					return err
				}
				log.Info().Int64("connection_id", int64(info.ID)).Str("type", string(info.Type)).Msg("Connection created")
				return printConnection(info)
			})
		},
	}

	cmd.Flags().StringArrayVarP(&attrs, "attr", "a", nil, "attribute as key=value (repeatable)")

	return cmd
}

func newConnectionModifyCommand() *cobra.Command {
	var attrs []string

	cmd := &cobra.Command{
		Use:     "modify ID",
		Short:   "Change connection attributes",
		Example: `  hostmgr connection modify 20 --attr bandwidth_to=10000`,
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
				info, err := a.manager.ModifyConnection(ctx, id, values)
				if err != nil {
					return err
				}
				return printConnection(info)
			})
		},
	}

	cmd.Flags().StringArrayVarP(&attrs, "attr", "a", nil, "attribute as key=value (repeatable)")

	return cmd
}

func newConnectionActionCommand() *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:     "action ID ACTION",
		Short:   "Run an action on a connection",
		Example: `  hostmgr connection action 20 start`,
		Args:    cobra.ExactArgs(2),
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
				info, err := a.manager.ConnectionAction(ctx, id, engine.ActionName(args[1]), engine.Args(values))
				if err != nil {
					return err
				}
				log.Info().Int64("connection_id", int64(id)).Str("action", args[1]).Str("state", string(info.State)).Msg("Action completed")
				return printConnection(info)
			})
		},
	}

	cmd.Flags().StringArrayVar(&params, "arg", nil, "action argument as key=value (repeatable)")

	return cmd
}

func newConnectionRemoveCommand() *cobra.Command {
	var destroy bool

	cmd := &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a connection",
		Long: `Remove a connection. Attached elements must be detached first unless
--destroy is given, which detaches them and stops the connection.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if destroy {
					err = a.manager.DestroyConnection(ctx, id)
				} else {
					err = a.manager.RemoveConnection(ctx, id)
				}
				if err != nil {
					return err
				}
				log.Info().Int64("connection_id", int64(id)).Msg("Connection removed")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&destroy, "destroy", false, "detach members and stop before removing")

	return cmd
}

func newConnectionAttachCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "attach CONNECTION ELEMENT",
		Short:   "Attach an element to a connection",
		Example: `  hostmgr connection attach 20 13`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return membership(cmd, args, func(ctx context.Context, a *app, cid, eid engine.ID) (engine.ConnectionInfo, error) {
				return a.manager.Attach(ctx, cid, eid)
			})
		},
	}

	return cmd
}

func newConnectionDetachCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "detach CONNECTION ELEMENT",
		Short:   "Detach an element from a connection",
		Example: `  hostmgr connection detach 20 13`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return membership(cmd, args, func(ctx context.Context, a *app, cid, eid engine.ID) (engine.ConnectionInfo, error) {
				return a.manager.Detach(ctx, cid, eid)
			})
		},
	}

	return cmd
}

func membership(cmd *cobra.Command, args []string, fn func(ctx context.Context, a *app, cid, eid engine.ID) (engine.ConnectionInfo, error)) error {
	cid, err := parseID(args[0])
	if err != nil {
		return err
	}
	eid, err := parseID(args[1])
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		info, err := fn(ctx, a, cid, eid)
		if err != nil {
			return err
		}
		return printConnection(info)
	})
}

func newConnectionInfoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info ID",
		Short: "Show a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				info, err := a.manager.ConnectionInfo(id)
				if err != nil {
					return err
				}
				return printConnection(info)
			})
		},
	}

	return cmd
}

func newConnectionListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return printConnections(a.manager.ListConnections())
			})
		},
	}

	return cmd
}
