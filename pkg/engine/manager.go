package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmanager/pkg/telemetry"
)

// ManagerOptions configures a Manager. Every collaborator is optional.
type ManagerOptions struct {
	// Store persists records. Without a store records live in memory only.
	Store StateStore

	// Pool hands out ports and vm ids to drivers.
	Pool ResourcePool

	// Admission is consulted after capability checks pass.
	Admission Admission

	Logger zerolog.Logger

	// DefaultLifetime is the timeout given to top-level elements created
	// without one. Zero means elements never expire.
	DefaultLifetime time.Duration

	// ActionTimeout bounds a single driver call. Zero means unbounded.
	ActionTimeout time.Duration

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Manager is the kernel. It validates every request against the registry,
// serializes changes per record and runs drivers without holding any lock but
// those of the records involved.
type Manager struct {
	registry   *TypeRegistry
	gate       *AttributeGate
	dispatcher *Dispatcher
	resolver   *ConceptResolver
	topology   *Topology
	locks      *lockTable

	store     StateStore
	pool      ResourcePool
	admission Admission
	logger    zerolog.Logger
	opts      ManagerOptions

	lastID atomic.Int64
}

// NewManager creates a kernel over registry.
func NewManager(registry *TypeRegistry, opts ManagerOptions) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.With().Str("component", "kernel").Logger()
	return &Manager{
		registry:   registry,
		gate:       NewAttributeGate(),
		dispatcher: NewDispatcher(opts.Logger),
		resolver:   NewConceptResolver(registry),
		topology:   NewTopology(),
		locks:      newLockTable(),
		store:      opts.Store,
		pool:       opts.Pool,
		admission:  opts.Admission,
		logger:     logger,
		opts:       opts,
	}
}

// Registry returns the type registry.
func (m *Manager) Registry() *TypeRegistry { return m.registry }

// Topology returns the record arena.
func (m *Manager) Topology() *Topology { return m.topology }

// Resolver returns the connection concept resolver.
func (m *Manager) Resolver() *ConceptResolver { return m.resolver }

// Restore loads every stored record into the topology. It must run before the
// first operation.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	elements, connections, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load records: %w", err)
	}
	if err := m.topology.restore(elements, connections); err != nil {
		return err
	}

	for _, e := range elements {
		if _, err := m.registry.Table(e.Type); err != nil {
			m.logger.Warn().Int64("element_id", int64(e.ID)).Str("type", string(e.Type)).
				Msg("Restored element has an unavailable type; it can only be inspected")
		}
	}
	for _, c := range connections {
		if _, err := m.registry.Table(c.Type); err != nil {
			m.logger.Warn().Int64("connection_id", int64(c.ID)).Str("type", string(c.Type)).
				Msg("Restored connection has an unavailable type; it can only be inspected")
		}
	}

	m.lastID.Store(int64(m.topology.maxID()))
	m.logger.Info().Int("elements", len(elements)).Int("connections", len(connections)).Msg("Restored records")
	return nil
}

func (m *Manager) nextID() ID {
	return ID(m.lastID.Add(1))
}

func (m *Manager) now() time.Time {
	return m.opts.Now().UTC()
}

// lockStable locks the ids returned by scope. The scope is computed from
// unlocked snapshots, so it is recomputed under the locks and the attempt is
// repeated if the topology changed in between.
func (m *Manager) lockStable(scope func() []ID) (func(), error) {
	for attempt := 0; attempt < 16; attempt++ {
		want := normalizeIDs(scope())
		unlock := m.locks.lock(want...)
		if slices.Equal(want, normalizeIDs(scope())) {
			return unlock, nil
		}
		unlock()
	}
	return nil, NewResourceError("topology kept changing while acquiring locks", nil).WithCode(ErrCodeTimeout)
}

func normalizeIDs(ids []ID) []ID {
	out := make([]ID, 0, len(ids))
	for _, id := range ids {
		if id != 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// driverContext applies the action timeout.
func (m *Manager) driverContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opts.ActionTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.opts.ActionTimeout)
}

func (m *Manager) admit(ctx context.Context, req AdmissionRequest) error {
	if m.admission == nil {
		return nil
	}

	reasons, err := m.admission.Admit(ctx, req)
	if err != nil {
		return NewInternalError("admission evaluation failed", err).WithType(req.Type)
	}
	if len(reasons) == 0 {
		return nil
	}

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordDenial(req.Operation)
		_ = tel.Events.PublishPolicyDenied(req.Operation, string(req.Type), req.Owner, reasons)
	}
	return NewCapabilityError(fmt.Sprintf("denied by policy: %s", reasons[0])).
		WithCode(ErrCodePolicyDenied).WithType(req.Type).WithState(req.State).WithAction(req.Action).
		WithID(req.Target).WithDetail("reasons", reasons)
}

func (m *Manager) saveElement(ctx context.Context, e *Element) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveElement(ctx, e); err != nil {
		return NewResourceError("failed to persist element", err).WithID(e.ID).WithType(e.Type)
	}
	return nil
}

func (m *Manager) deleteElementRecord(ctx context.Context, e *Element) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.DeleteElement(ctx, e.ID); err != nil {
		return NewResourceError("failed to delete element record", err).WithID(e.ID).WithType(e.Type)
	}
	return nil
}

func (m *Manager) saveConnection(ctx context.Context, c *Connection) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveConnection(ctx, c); err != nil {
		return NewResourceError("failed to persist connection", err).WithID(c.ID).WithType(c.Type)
	}
	return nil
}

func (m *Manager) deleteConnectionRecord(ctx context.Context, c *Connection) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.DeleteConnection(ctx, c.ID); err != nil {
		return NewResourceError("failed to delete connection record", err).WithID(c.ID).WithType(c.Type)
	}
	return nil
}

func (m *Manager) releaseAll(ctx context.Context, id ID) {
	if m.pool == nil {
		return
	}
	if err := m.pool.ReleaseAll(ctx, id); err != nil {
		m.logger.Warn().Err(err).Int64("element_id", int64(id)).Msg("Failed to release pooled resources")
	}
}

func (m *Manager) audit(ctx context.Context, entry AuditEntry) {
	if m.store == nil {
		return
	}
	entry.Time = m.now()
	if entry.Result == "" {
		entry.Result = "success"
	}
	if err := m.store.RecordAudit(ctx, entry); err != nil {
		m.logger.Warn().Err(err).Str("op", entry.Op).Int64("target", int64(entry.Target)).Msg("Failed to record audit entry")
	}
}

func (m *Manager) events(ctx context.Context) *telemetry.EventPublisher {
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		return tel.Events
	}
	return nil
}

// observe wraps one kernel operation with a span, metrics and, on failure, an
// audit entry.
func (m *Manager) observe(ctx context.Context, kind Kind, op string, typeName TypeName, target ID, fn func(ctx context.Context) error) error {
	ic := telemetry.StartOperation(ctx, string(kind)+"."+op,
		telemetry.AttrRecordKind.String(string(kind)),
		telemetry.AttrRecordType.String(string(typeName)),
		telemetry.AttrRecordID.Int64(int64(target)),
	)
	err := fn(ic.Ctx)
	ic.End(err)

	status := "success"
	if err != nil {
		status = "failed"
		m.audit(ctx, AuditEntry{Target: target, Type: typeName, Op: string(kind) + "." + op, Result: status, ErrorMsg: err.Error()})
	}

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		if err != nil {
			var ee *EngineError
			if errors.As(err, &ee) {
				tel.Metrics.RecordError(string(ee.Kind), ee.Code)
			}
		}
		tel.Metrics.RecordOperation(string(kind), string(typeName), op, status, ic.Timer.Duration())
	}
	return err
}

func (m *Manager) typeOfElement(id ID) TypeName {
	if e, ok := m.topology.Element(id); ok {
		return e.Type
	}
	return ""
}

func (m *Manager) typeOfConnection(id ID) TypeName {
	if c, ok := m.topology.Connection(id); ok {
		return c.Type
	}
	return ""
}

func (m *Manager) parentOf(e *Element) *Element {
	if e.Parent == 0 {
		return nil
	}
	p, _ := m.topology.Element(e.Parent)
	return p
}

func peerOf(e *Element) *PeerRecord {
	if e == nil {
		return nil
	}
	return &PeerRecord{ID: e.ID, Type: e.Type, State: e.State, Attrs: e.Attrs.Clone()}
}

// RefreshGauges recounts records into the telemetry gauges.
func (m *Manager) RefreshGauges(ctx context.Context) {
	tel := telemetry.FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	type key struct{ kind, typ, state string }
	counts := make(map[key]int)
	for _, e := range m.topology.Elements(ElementFilter{}) {
		counts[key{string(KindElement), string(e.Type), string(e.State)}]++
	}
	for _, c := range m.topology.Connections() {
		counts[key{string(KindConnection), string(c.Type), string(c.State)}]++
	}

	tel.Metrics.ResetRecords()
	for k, n := range counts {
		tel.Metrics.SetRecordCount(k.kind, k.typ, k.state, float64(n))
	}
}
