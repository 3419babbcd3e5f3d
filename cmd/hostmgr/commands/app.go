package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/hostmanager/pkg/config"
	"github.com/openfroyo/hostmanager/pkg/drivers"
	"github.com/openfroyo/hostmanager/pkg/engine"
	"github.com/openfroyo/hostmanager/pkg/hostexec"
	"github.com/openfroyo/hostmanager/pkg/policy"
	"github.com/openfroyo/hostmanager/pkg/resources"
	"github.com/openfroyo/hostmanager/pkg/stores"
	"github.com/openfroyo/hostmanager/pkg/telemetry"
	"github.com/openfroyo/hostmanager/pkg/transports/ssh"
)

// app is a bootstrapped host manager: configuration, store, drivers,
// admission policies and the kernel with its records restored.
type app struct {
	cfg       *config.HostConfig
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	store     stores.Store
	transport *ssh.Client
	builtin   *drivers.Builtin
	policy    *policy.Engine
	manager   *engine.Manager

	closers []func() error
}

// openStore opens and migrates the record store.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (stores.Store, error) {
	if cfg.Ephemeral {
		return stores.NewMemoryStore(), nil
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// openRunner returns where host commands run.
func (a *app) openRunner(ctx context.Context) (hostexec.Runner, error) {
	if a.cfg.Executor.Mode != "ssh" {
		return hostexec.NewLocalRunner(a.logger), nil
	}

	client, err := ssh.NewClient(&a.cfg.Executor.SSH)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", a.cfg.Executor.SSH.Host, err)
	}
	a.transport = client
	a.closers = append(a.closers, client.Close)
	return hostexec.NewSSHRunner(client, a.logger), nil
}

// openApp bootstraps the kernel. The returned context carries telemetry and
// must be used for every kernel call.
func openApp(ctx context.Context) (context.Context, *app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return ctx, nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	ctx = tel.WithContext(ctx)

	a := &app{cfg: cfg, tel: tel, logger: tel.Logger}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})

	if err := a.bootstrap(ctx); err != nil {
		a.Close()
		return ctx, nil, err
	}
	return ctx, a, nil
}

func (a *app) bootstrap(ctx context.Context) error {
	store, err := openStore(ctx, a.cfg.Database)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	runner, err := a.openRunner(ctx)
	if err != nil {
		return err
	}

	pool, err := resources.NewPool(a.cfg.Pools.Ranges(), store, a.logger)
	if err != nil {
		return err
	}
	if err := pool.Restore(ctx); err != nil {
		return err
	}

	a.builtin = drivers.NewBuiltin(a.cfg.Drivers.Host(runner, a.logger), a.cfg.Drivers.Options())
	a.closers = append(a.closers, func() error {
		a.builtin.Close()
		return nil
	})

	registry := engine.NewTypeRegistry(a.logger)
	if _, err := registry.RegisterAvailable(ctx, a.builtin.Registrations()...); err != nil {
		return err
	}
	if err := registry.Verify(); err != nil {
		return err
	}

	opts := engine.ManagerOptions{
		Store:           store,
		Pool:            pool,
		Logger:          a.logger,
		DefaultLifetime: a.cfg.Manager.DefaultLifetime,
		ActionTimeout:   a.cfg.Manager.ActionTimeout,
	}
	if a.cfg.Policy.Enabled {
		a.policy, err = policy.NewEngine(a.logger, a.cfg.Policy.Limits)
		if err != nil {
			return err
		}
		if len(a.cfg.Policy.Paths) > 0 {
			if err := a.policy.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
				return err
			}
		}
		opts.Admission = a.policy
	}

	a.manager = engine.NewManager(registry, opts)
	if err := a.manager.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore records: %w", err)
	}
	return nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
}

// withApp runs fn against a bootstrapped kernel.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	ctx, a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
