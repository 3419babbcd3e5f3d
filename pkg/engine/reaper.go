package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmanager/pkg/telemetry"
)

// Expired returns the top-level elements whose timeout is before now.
func (m *Manager) Expired(now time.Time) []*Element {
	var out []*Element
	for _, e := range m.topology.Elements(ElementFilter{}) {
		if e.Parent == 0 && !e.Timeout.IsZero() && e.Timeout.Before(now) {
			out = append(out, e)
		}
	}
	return out
}

// Reaper periodically destroys expired elements.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	logger   zerolog.Logger
}

// NewReaper creates a reaper checking every interval.
func NewReaper(manager *Manager, interval time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		manager:  manager,
		interval: interval,
		logger:   logger.With().Str("component", "reaper").Logger(),
	}
}

// Run reaps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("Reaper started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Reaper stopped")
			return
		case <-ticker.C:
			r.ReapOnce(ctx)
			r.manager.RefreshGauges(ctx)
		}
	}
}

// ReapOnce destroys every element expired at the manager's current time and
// returns how many were removed. Failures are logged and retried next round.
func (r *Reaper) ReapOnce(ctx context.Context) int {
	reaped := 0
	for _, e := range r.manager.Expired(r.manager.now()) {
		if ctx.Err() != nil {
			break
		}
		if err := r.manager.Destroy(ctx, e.ID); err != nil {
			if IsNotFound(err) {
				continue
			}
			r.logger.Warn().Err(err).Int64("element_id", int64(e.ID)).Str("type", string(e.Type)).
				Time("timeout", e.Timeout).Msg("Failed to reap expired element")
			continue
		}

		reaped++
		r.logger.Info().Int64("element_id", int64(e.ID)).Str("type", string(e.Type)).
			Time("timeout", e.Timeout).Msg("Reaped expired element")
		if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
			tel.Metrics.RecordReaped()
			_ = tel.Events.PublishReaped(int64(e.ID), string(e.Type), e.Owner, e.Timeout)
		}
	}
	return reaped
}
