package blueprint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/hostmanager/pkg/config"
	"github.com/openfroyo/hostmanager/pkg/engine"
)

// Manager is the part of the kernel a blueprint is applied through.
// *engine.Manager implements it.
type Manager interface {
	Create(ctx context.Context, req engine.CreateRequest) (engine.ElementInfo, error)
	Action(ctx context.Context, id engine.ID, action engine.ActionName, args engine.Args) (engine.ElementInfo, error)
	Destroy(ctx context.Context, id engine.ID) error
	CreateConnection(ctx context.Context, req engine.ConnectionRequest) (engine.ConnectionInfo, error)
	ConnectionAction(ctx context.Context, id engine.ID, action engine.ActionName, args engine.Args) (engine.ConnectionInfo, error)
	Attach(ctx context.Context, cid, eid engine.ID) (engine.ConnectionInfo, error)
	DestroyConnection(ctx context.Context, id engine.ID) error
}

var _ Manager = (*engine.Manager)(nil)

// StepStatus is the outcome of a step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepPlanned   StepStatus = "planned"
)

// StepResult records what happened to one step.
type StepResult struct {
	Step     string        `json:"step"`
	Level    int           `json:"level"`
	Status   StepStatus    `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result maps blueprint names to the records created for them.
type Result struct {
	Blueprint   string               `json:"blueprint"`
	Elements    map[string]engine.ID `json:"elements"`
	Connections map[string]engine.ID `json:"connections"`
	Steps       []StepResult         `json:"steps"`
	StartedAt   time.Time            `json:"started_at"`
	Duration    time.Duration        `json:"duration"`
}

// Failed returns the results of failed steps.
func (r *Result) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Status == StepFailed {
			out = append(out, s)
		}
	}
	return out
}

// Options tunes an Executor.
type Options struct {
	// MaxParallel bounds the steps running at once. Zero means 10.
	MaxParallel int

	// FailFast stops after the first level with a failed step.
	FailFast bool

	// DryRun plans without calling the kernel.
	DryRun bool
}

// Executor applies blueprints level by level, running the steps of a level in
// parallel. A step whose dependency failed or was skipped is skipped.
type Executor struct {
	manager Manager
	logger  zerolog.Logger
	opts    Options
	now     func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(manager Manager, logger zerolog.Logger, opts Options) *Executor {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 10
	}
	return &Executor{
		manager: manager,
		logger:  logger.With().Str("component", "blueprint").Logger(),
		opts:    opts,
		now:     time.Now,
	}
}

// run holds the state of one Apply.
type run struct {
	plan   *Plan
	result *Result

	mu     sync.Mutex
	status map[string]StepStatus
}

func (r *run) setStatus(id string, st StepStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[id] = st
}

func (r *run) ready(s *Step) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range s.DependsOn {
		if r.status[dep] != StepSucceeded {
			return false
		}
	}
	return true
}

func (r *run) elementID(name string) (engine.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.result.Elements[name]
	return id, ok
}

func (r *run) connectionID(name string) (engine.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.result.Connections[name]
	return id, ok
}

func (r *run) record(sr StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Steps = append(r.result.Steps, sr)
}

// Apply plans and applies b. The result lists every record created, also
// when Apply returns an error, so the caller can tear them down.
func (x *Executor) Apply(ctx context.Context, b *config.Blueprint) (*Result, error) {
	plan, err := NewPlan(b)
	if err != nil {
		return nil, err
	}

	r := &run{
		plan: plan,
		result: &Result{
			Blueprint:   b.Name,
			Elements:    make(map[string]engine.ID),
			Connections: make(map[string]engine.ID),
			StartedAt:   x.now(),
		},
		status: make(map[string]StepStatus, plan.Size()),
	}

	x.logger.Info().Str("blueprint", b.Name).Int("steps", plan.Size()).Int("levels", len(plan.Levels)).
		Bool("dry_run", x.opts.DryRun).Msg("Applying blueprint")

	var firstErr error
	for level, ids := range plan.Levels {
		if err := ctx.Err(); err != nil {
			x.skipFrom(r, level)
			firstErr = errors.Join(firstErr, err)
			break
		}

		if err := x.runLevel(ctx, r, ids); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if x.opts.FailFast {
				x.skipFrom(r, level+1)
				break
			}
		}
	}

	sort.Slice(r.result.Steps, func(i, j int) bool {
		a, c := r.result.Steps[i], r.result.Steps[j]
		if a.Level != c.Level {
			return a.Level < c.Level
		}
		return a.Step < c.Step
	})
	r.result.Duration = x.now().Sub(r.result.StartedAt)

	failed := len(r.result.Failed())
	if firstErr != nil {
		x.logger.Error().Err(firstErr).Str("blueprint", b.Name).Int("failed", failed).Msg("Blueprint apply failed")
		return r.result, fmt.Errorf("blueprint %s: %d of %d steps failed: %w", b.Name, failed, plan.Size(), firstErr)
	}

	x.logger.Info().Str("blueprint", b.Name).Int("elements", len(r.result.Elements)).
		Int("connections", len(r.result.Connections)).Dur("duration", r.result.Duration).Msg("Blueprint applied")
	return r.result, nil
}

// runLevel runs the steps of one level and returns the first failure.
func (x *Executor) runLevel(ctx context.Context, r *run, ids []string) error {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		firstErr error
	)
	g.SetLimit(x.opts.MaxParallel)

	for _, id := range ids {
		s := r.plan.Steps[id]
		if !r.ready(s) {
			r.setStatus(id, StepSkipped)
			r.record(StepResult{Step: id, Level: s.Level, Status: StepSkipped, Error: "dependencies failed"})
			continue
		}

		g.Go(func() error {
			start := x.now()
			err := x.runStep(ctx, r, s)
			sr := StepResult{Step: s.ID, Level: s.Level, Status: StepSucceeded, Duration: x.now().Sub(start)}
			switch {
			case err != nil:
				sr.Status = StepFailed
				sr.Error = err.Error()
				x.logger.Warn().Err(err).Str("step", s.ID).Msg("Blueprint step failed")
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("step %s: %w", s.ID, err)
				}
				mu.Unlock()
			case x.opts.DryRun:
				sr.Status = StepPlanned
			}
			// Dry runs mark steps succeeded so dependents are planned too.
			if err == nil {
				r.setStatus(s.ID, StepSucceeded)
			} else {
				r.setStatus(s.ID, StepFailed)
			}
			r.record(sr)
			return nil
		})
	}

	_ = g.Wait()
	return firstErr
}

// skipFrom marks every step from level on as skipped.
func (x *Executor) skipFrom(r *run, level int) {
	for _, ids := range r.plan.Levels[level:] {
		for _, id := range ids {
			r.setStatus(id, StepSkipped)
			r.record(StepResult{Step: id, Level: r.plan.Steps[id].Level, Status: StepSkipped, Error: "apply stopped"})
		}
	}
}

// runStep performs one step against the kernel.
func (x *Executor) runStep(ctx context.Context, r *run, s *Step) error {
	if x.opts.DryRun {
		return nil
	}

	b := r.plan.Blueprint
	switch s.Kind {
	case StepCreateElement:
		spec, _ := b.Element(s.Name)
		req := engine.CreateRequest{
			Type:  engine.TypeName(spec.Type),
			Owner: spec.Owner,
			Attrs: spec.ElementAttrs(),
		}
		if spec.Parent != "" {
			parent, ok := r.elementID(spec.Parent)
			if !ok {
				return fmt.Errorf("parent %s was not created", spec.Parent)
			}
			req.Parent = parent
		} else {
			if req.Owner == "" {
				req.Owner = b.Owner
			}
			if b.Lifetime > 0 {
				req.Timeout = x.now().Add(b.Lifetime)
			}
		}
		info, err := x.manager.Create(ctx, req)
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.result.Elements[s.Name] = info.ID
		r.mu.Unlock()
		x.logger.Debug().Str("element", s.Name).Int64("element_id", int64(info.ID)).Str("type", spec.Type).Msg("Element created")
		return nil

	case StepCreateConnection:
		spec := connectionSpec(b, s.Name)
		owner := spec.Owner
		if owner == "" {
			owner = b.Owner
		}
		info, err := x.manager.CreateConnection(ctx, engine.ConnectionRequest{
			Type:  engine.TypeName(spec.Type),
			Owner: owner,
			Attrs: spec.ConnectionAttrs(),
		})
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.result.Connections[s.Name] = info.ID
		r.mu.Unlock()
		x.logger.Debug().Str("connection", s.Name).Int64("connection_id", int64(info.ID)).Str("type", spec.Type).Msg("Connection created")
		return nil

	case StepConnectionActions:
		id, ok := r.connectionID(s.Name)
		if !ok {
			return fmt.Errorf("connection %s was not created", s.Name)
		}
		for _, a := range s.Actions {
			if _, err := x.manager.ConnectionAction(ctx, id, engine.ActionName(a), nil); err != nil {
				return fmt.Errorf("action %s: %w", a, err)
			}
		}
		return nil

	case StepAttach:
		cid, ok := r.connectionID(s.Name)
		if !ok {
			return fmt.Errorf("connection %s was not created", s.Name)
		}
		eid, ok := r.elementID(s.Member)
		if !ok {
			return fmt.Errorf("element %s was not created", s.Member)
		}
		_, err := x.manager.Attach(ctx, cid, eid)
		return err

	case StepElementActions:
		id, ok := r.elementID(s.Name)
		if !ok {
			return fmt.Errorf("element %s was not created", s.Name)
		}
		for _, a := range s.Actions {
			if _, err := x.manager.Action(ctx, id, engine.ActionName(a), nil); err != nil {
				return fmt.Errorf("action %s: %w", a, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown step kind %s", s.Kind)
	}
}

func connectionSpec(b *config.Blueprint, name string) config.ConnectionSpec {
	for _, c := range b.Connections {
		if c.Name == name {
			return c
		}
	}
	return config.ConnectionSpec{}
}

// Teardown destroys what res records: top-level elements first, with their
// children and attachments, then the connections. It keeps going past
// failures and returns them joined.
func (x *Executor) Teardown(ctx context.Context, b *config.Blueprint, res *Result) error {
	var errs []error

	var roots []string
	for name := range res.Elements {
		spec, ok := b.Element(name)
		if !ok || spec.Parent == "" || res.Elements[spec.Parent] == 0 {
			roots = append(roots, name)
		}
	}
	sort.Strings(roots)

	for _, name := range roots {
		if err := x.manager.Destroy(ctx, res.Elements[name]); err != nil && !engine.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("element %s: %w", name, err))
		}
	}

	names := make([]string, 0, len(res.Connections))
	for name := range res.Connections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := x.manager.DestroyConnection(ctx, res.Connections[name]); err != nil && !engine.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("connection %s: %w", name, err))
		}
	}

	if len(errs) > 0 {
		x.logger.Warn().Str("blueprint", res.Blueprint).Int("failed", len(errs)).Msg("Blueprint teardown incomplete")
		return errors.Join(errs...)
	}
	x.logger.Info().Str("blueprint", res.Blueprint).Int("elements", len(roots)).Int("connections", len(names)).Msg("Blueprint torn down")
	return nil
}
