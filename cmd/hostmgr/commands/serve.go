package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostmanager/pkg/engine"
	"github.com/openfroyo/hostmanager/pkg/policy"
	"github.com/openfroyo/hostmanager/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var healthInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host manager daemon",
		Long: `Run the background services of the host manager until interrupted:

  - the metrics endpoint (telemetry.metrics.listen_address)
  - the reaper, which destroys elements whose lifetime has run out
  - the event journal, which stores lifecycle events in the database
  - policy hot reload when policy.watch is set
  - periodic health checks of the database and the SSH executor`,
		Example: `  hostmgr serve --config /etc/hostmgr/hostmgr.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.serve(ctx, healthInterval)
			})
		},
	}

	cmd.Flags().DurationVar(&healthInterval, "health-interval", time.Minute, "interval between health checks")

	return cmd
}

func (a *app) serve(ctx context.Context, healthInterval time.Duration) error {
	if server := a.tel.Metrics.StartMetricsServer(); server != nil {
		log.Info().Str("addr", server.Addr).Str("path", a.cfg.Telemetry.Metrics.Path).Msg("Metrics endpoint listening")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	if err := a.journalEvents(ctx); err != nil {
		return err
	}

	if a.policy != nil && a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
		loader := policy.NewLoader(a.logger)
		err := loader.Watch(ctx, a.cfg.Policy.Paths, func(policies []policy.Policy) error {
			return a.policy.SetPolicies(ctx, policies)
		})
		if err != nil {
			return err
		}
		defer func() { _ = loader.StopWatching() }()
	}

	a.manager.RefreshGauges(ctx)

	done := make(chan struct{})
	if a.cfg.Reaper.Enabled {
		reaper := engine.NewReaper(a.manager, a.cfg.Reaper.Interval, a.logger)
		go func() {
			defer close(done)
			reaper.Run(ctx)
		}()
	} else {
		close(done)
	}

	log.Info().Int("types", len(a.manager.Registry().Types())).Bool("reaper", a.cfg.Reaper.Enabled).
		Msg("Host manager running")

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			log.Info().Msg("Host manager stopped")
			return nil
		case <-ticker.C:
			if err := a.healthCheck(ctx); err != nil {
				log.Warn().Err(err).Msg("Health check failed")
			}
		}
	}
}

// journalEvents stores every published lifecycle event.
func (a *app) journalEvents(ctx context.Context) error {
	return a.tel.Events.Subscribe(func(ev telemetry.Event) {
		if err := a.store.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
			a.logger.Warn().Err(err).Str("event", ev.Type).Msg("Failed to store event")
		}
	}, nil)
}

func (a *app) healthCheck(ctx context.Context) error {
	var errs []error
	if err := a.store.HealthCheck(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.transport != nil {
		if err := a.transport.HealthCheck(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
