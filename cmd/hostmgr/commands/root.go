package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfroyo/hostmanager/pkg/config"
)

var (
	// Global flags
	configPath string
	dbPath     string
	jsonOutput bool
	owner      string

	// settings layers flags over the configuration file and environment.
	settings = viper.New()
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hostmgr",
		Short: "Host manager for virtual network topologies",
		Long: `hostmgr manages the elements and connections of virtual network
topologies on one host: virtual machines, containers, interfaces,
bridges, tunnels and external network attachments.

Every record has a type whose capability table decides which actions,
attribute writes, children and connections are allowed in each state.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "host configuration file")
	flags.StringVar(&dbPath, "db", "", "record database path (overrides database.path)")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flags.StringVar(&owner, "owner", "", "owner of created records")

	_ = settings.BindPFlag("database.path", flags.Lookup("db"))

	rootCmd.AddCommand(newTypesCommand())
	rootCmd.AddCommand(newElementCommand())
	rootCmd.AddCommand(newConnectionCommand())
	rootCmd.AddCommand(newTopologyCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}

// loadConfig builds the host configuration from defaults, the --config file,
// HOSTMGR_ variables and flags.
func loadConfig() (*config.HostConfig, error) {
	return config.Load(settings, configPath)
}
