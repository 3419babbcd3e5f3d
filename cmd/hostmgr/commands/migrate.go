package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the record database",
		Long: `Apply pending schema migrations to the record database. Every other
command migrates on startup as well; migrate does only that, without
touching the host.`,
		Example: `  hostmgr migrate --db /var/lib/hostmgr/hostmgr.db`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.HealthCheck(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("path", cfg.Database.Path).Bool("ephemeral", cfg.Database.Ephemeral).Msg("Database is up to date")
			return nil
		},
	}

	return cmd
}
