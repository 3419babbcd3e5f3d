package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/hostmanager/cmd/hostmgr/commands"
	"github.com/openfroyo/hostmanager/pkg/engine"
	"github.com/openfroyo/hostmanager/pkg/telemetry"
)

// Set with -ldflags "-X main.Version=..." at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Commands log here until the host configuration replaces it.
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(telemetry.ParseLevel(os.Getenv("HOSTMGR_LOG_LEVEL"))).
		With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx, Version, Commit, BuildDate)
	stop()
	if err == nil {
		return
	}

	ev := log.Error().Err(err)
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		ev = ev.Str("kind", string(ee.Kind)).Str("code", ee.Code)
	}
	ev.Msg("hostmgr failed")
	os.Exit(1)
}
