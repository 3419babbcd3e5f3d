package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/hostmanager/pkg/engine"
	"github.com/openfroyo/hostmanager/pkg/resources"
	"github.com/openfroyo/hostmanager/pkg/telemetry"
)

type allocationKey struct {
	kind engine.ResourceKind
	num  int
}

// MemoryStore implements Store in memory. It is used for tests and for runs
// that must not touch disk.
type MemoryStore struct {
	mu          sync.RWMutex
	elements    map[engine.ID]*engine.Element
	connections map[engine.ID]*engine.Connection
	audit       []engine.AuditEntry
	events      []telemetry.Event
	eventIDs    map[string]struct{}
	allocations map[allocationKey]resources.Allocation
	closed      bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		elements:    make(map[engine.ID]*engine.Element),
		connections: make(map[engine.ID]*engine.Connection),
		eventIDs:    make(map[string]struct{}),
		allocations: make(map[allocationKey]resources.Allocation),
	}
}

// Init is a no-op.
func (m *MemoryStore) Init(context.Context) error { return nil }

// Migrate is a no-op.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// HealthCheck fails once the store is closed.
func (m *MemoryStore) HealthCheck(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store closed")
	}
	return nil
}

func (m *MemoryStore) SaveElement(_ context.Context, e *engine.Element) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.elements[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) DeleteElement(_ context.Context, id engine.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.elements, id)
	return nil
}

func (m *MemoryStore) SaveConnection(_ context.Context, c *engine.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) DeleteConnection(_ context.Context, id engine.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, id)
	return nil
}

// Load returns clones of every record ordered by id.
func (m *MemoryStore) Load(context.Context) ([]*engine.Element, []*engine.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elements := make([]*engine.Element, 0, len(m.elements))
	for _, e := range m.elements {
		elements = append(elements, e.Clone())
	}
	sort.Slice(elements, func(i, j int) bool { return elements[i].ID < elements[j].ID })

	connections := make([]*engine.Connection, 0, len(m.connections))
	for _, c := range m.connections {
		connections = append(connections, c.Clone())
	}
	sort.Slice(connections, func(i, j int) bool { return connections[i].ID < connections[j].ID })

	return elements, connections, nil
}

func (m *MemoryStore) RecordAudit(_ context.Context, entry engine.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

// ListAudit lists audit entries, newest first.
func (m *MemoryStore) ListAudit(_ context.Context, filter AuditFilter) ([]engine.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := limitOrDefault(filter.Limit)
	out := []engine.AuditEntry{}
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		entry := m.audit[i]
		if filter.Target != 0 && entry.Target != filter.Target {
			continue
		}
		if filter.Owner != "" && entry.Owner != filter.Owner {
			continue
		}
		if filter.Op != "" && entry.Op != filter.Op {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// AppendEvent stores an event once per id.
func (m *MemoryStore) AppendEvent(_ context.Context, event telemetry.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.eventIDs[event.ID]; ok {
		return nil
	}
	m.eventIDs[event.ID] = struct{}{}
	m.events = append(m.events, event)
	return nil
}

// ListEvents lists events, oldest first.
func (m *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]telemetry.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := []telemetry.Event{}
	for _, event := range m.events {
		if filter.Target != 0 && event.Target != filter.Target {
			continue
		}
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && event.Timestamp.Before(filter.Since) {
			continue
		}
		matched = append(matched, event)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })

	if limit := limitOrDefault(filter.Limit); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryStore) SaveAllocation(_ context.Context, a resources.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := allocationKey{a.Kind, a.Num}
	if _, ok := m.allocations[key]; ok {
		return fmt.Errorf("%s %d already allocated", a.Kind, a.Num)
	}
	m.allocations[key] = a
	return nil
}

func (m *MemoryStore) DeleteAllocation(_ context.Context, kind engine.ResourceKind, num int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.allocations, allocationKey{kind, num})
	return nil
}

func (m *MemoryStore) DeleteAllocations(_ context.Context, holder engine.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, a := range m.allocations {
		if a.Holder == holder {
			delete(m.allocations, key)
		}
	}
	return nil
}

func (m *MemoryStore) LoadAllocations(context.Context) ([]resources.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]resources.Allocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Num < out[j].Num
	})
	return out, nil
}
