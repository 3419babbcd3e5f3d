package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmanager/pkg/telemetry"
)

// Dispatcher validates actions against capability tables and runs driver
// handlers. It never changes records itself; callers store the returned state.
type Dispatcher struct {
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger.With().Str("component", "dispatcher").Logger()}
}

// Authorize checks that action may be invoked from state. It has no side
// effects. Actions the type never declares carry ErrCodeUnknownAction, those
// only disallowed in state carry ErrCodeNotAllowed.
func (d *Dispatcher) Authorize(table *CapabilityTable, typeName TypeName, state State, action ActionName) error {
	if !table.Declares(action) {
		return NewCapabilityError("action is not declared for type").
			WithCode(ErrCodeUnknownAction).WithType(typeName).WithState(state).WithAction(action)
	}
	if !table.CanInvoke(action, state) {
		return NewCapabilityError("action is not allowed in current state").
			WithType(typeName).WithState(state).WithAction(action)
	}
	return nil
}

// Invoke authorizes the action, runs the driver handler with h and returns the
// state to record. On failure the returned state is the unchanged current state.
func (d *Dispatcher) Invoke(ctx context.Context, table *CapabilityTable, driver Driver, h *Handle, action ActionName, args Args) (State, error) {
	if err := d.Authorize(table, h.typeName, h.state, action); err != nil {
		return h.state, err
	}

	handler, ok := driver.Handler(action)
	if !ok {
		return h.state, NewInternalError("driver has no handler for declared action", nil).
			WithType(h.typeName).WithAction(action)
	}

	d.logger.Debug().
		Int64("element_id", int64(h.id)).
		Str("type", string(h.typeName)).
		Str("state", string(h.state)).
		Str("action", string(action)).
		Msg("Invoking action")

	err := telemetry.RecordDriverOperation(ctx, string(h.typeName), string(action), func() error {
		return handler(ctx, h, cloneArgs(args))
	})
	if err != nil {
		return h.state, classifyDriverError(err, h, action)
	}

	if next, ok := table.Transition(action); ok {
		return next, nil
	}
	return h.state, nil
}

// classifyDriverError turns a driver failure into an engine error carrying the
// record context.
func classifyDriverError(err error, h *Handle, action ActionName) *EngineError {
	e := asDriverError(err, fmt.Sprintf("driver failed to execute %s", action))
	if errors.Is(err, context.DeadlineExceeded) && e.Kind == KindResource {
		e.Code = ErrCodeTimeout
	}
	if e.Type == "" {
		e.Type = h.typeName
	}
	if e.State == "" {
		e.State = h.state
	}
	if e.Action == "" {
		e.Action = action
	}
	if e.ID == 0 {
		e.ID = h.id
	}
	return e
}
