package commands

import (
	"github.com/spf13/cobra"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective host configuration",
		Long: `Print the configuration after layering the defaults, the --config file,
HOSTMGR_ environment variables and flags. Secrets are printed as configured.`,
		Example: `  HOSTMGR_EXECUTOR_MODE=ssh hostmgr config --config hostmgr.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cfg)
			}

			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = stdout.Write(out)
			return err
		},
	}

	return cmd
}
