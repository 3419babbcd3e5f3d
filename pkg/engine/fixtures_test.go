package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeDriver records every call and fails the actions listed in fail.
type fakeDriver struct {
	mu       sync.Mutex
	calls    []string
	fail     map[ActionName]error
	initErr  error
	takePort bool
	gate     chan struct{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{fail: make(map[ActionName]error)}
}

func (d *fakeDriver) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *fakeDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDriver) failOn(a ActionName, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[a] = err
}

func (d *fakeDriver) Init(ctx context.Context, h *Handle) error {
	d.record(fmt.Sprintf("init %d", h.ID()))
	if d.takePort {
		port, err := h.Take(ctx, ResourcePort)
		if err != nil {
			return err
		}
		if err := h.SetAttr("port", port); err != nil {
			return err
		}
	}
	return d.initErr
}

func (d *fakeDriver) Handler(a ActionName) (ActionHandler, bool) {
	return func(ctx context.Context, h *Handle, args Args) error {
		d.record(fmt.Sprintf("%s %d", a, h.ID()))
		if d.gate != nil {
			select {
			case <-d.gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		d.mu.Lock()
		err := d.fail[a]
		d.mu.Unlock()
		if err != nil {
			return err
		}
		if a == "start" {
			return h.SetAttr("pid", 4242)
		}
		return nil
	}, true
}

func (d *fakeDriver) ApplyAttributes(ctx context.Context, h *Handle, changed Attributes) error {
	d.record(fmt.Sprintf("apply %d %v", h.ID(), changed.Keys()))
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fail["apply"]
}

// fakeLinker is a connection driver that records wiring.
type fakeLinker struct {
	*fakeDriver
	linkErr error
	linked  map[ID]bool
}

func newFakeLinker() *fakeLinker {
	return &fakeLinker{fakeDriver: newFakeDriver(), linked: make(map[ID]bool)}
}

func (l *fakeLinker) Link(ctx context.Context, con *Handle, iface *Handle) error {
	l.record(fmt.Sprintf("link %d %d", con.ID(), iface.ID()))
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.linkErr != nil {
		return l.linkErr
	}
	l.linked[iface.ID()] = true
	return nil
}

func (l *fakeLinker) Unlink(ctx context.Context, con *Handle, iface *Handle) error {
	l.record(fmt.Sprintf("unlink %d %d", con.ID(), iface.ID()))
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.linked, iface.ID())
	return nil
}

func (l *fakeLinker) isLinked(id ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.linked[id]
}

// fakePool hands out sequential numbers per kind up to limit.
type fakePool struct {
	mu    sync.Mutex
	limit int
	next  int
	held  map[ID][]int
}

func newFakePool(limit int) *fakePool {
	return &fakePool{limit: limit, next: 1000, held: make(map[ID][]int)}
}

func (p *fakePool) Take(ctx context.Context, kind ResourceKind, holder ID) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUseLocked() >= p.limit {
		return 0, errors.New("pool exhausted")
	}
	p.next++
	p.held[holder] = append(p.held[holder], p.next)
	return p.next, nil
}

func (p *fakePool) Give(ctx context.Context, kind ResourceKind, num int, holder ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	nums := p.held[holder]
	for i, n := range nums {
		if n == num {
			p.held[holder] = append(nums[:i], nums[i+1:]...)
			break
		}
	}
	return nil
}

func (p *fakePool) ReleaseAll(ctx context.Context, holder ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.held, holder)
	return nil
}

func (p *fakePool) inUseLocked() int {
	n := 0
	for _, nums := range p.held {
		n += len(nums)
	}
	return n
}

func (p *fakePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUseLocked()
}

// fakeStore keeps clones of saved records.
type fakeStore struct {
	mu          sync.Mutex
	elements    map[ID]*Element
	connections map[ID]*Connection
	audit       []AuditEntry
	saveErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{elements: make(map[ID]*Element), connections: make(map[ID]*Connection)}
}

func (s *fakeStore) SaveElement(ctx context.Context, e *Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.elements[e.ID] = e.Clone()
	return nil
}

func (s *fakeStore) DeleteElement(ctx context.Context, id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.elements, id)
	return nil
}

func (s *fakeStore) SaveConnection(ctx context.Context, c *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.connections[c.ID] = c.Clone()
	return nil
}

func (s *fakeStore) DeleteConnection(ctx context.Context, id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
	return nil
}

func (s *fakeStore) Load(ctx context.Context) ([]*Element, []*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var elements []*Element
	for _, e := range s.elements {
		elements = append(elements, e.Clone())
	}
	sort.Slice(elements, func(i, j int) bool { return elements[i].ID < elements[j].ID })
	var connections []*Connection
	for _, c := range s.connections {
		connections = append(connections, c.Clone())
	}
	return elements, connections, nil
}

func (s *fakeStore) RecordAudit(ctx context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// admissionFunc adapts a function to Admission.
type admissionFunc func(ctx context.Context, req AdmissionRequest) ([]string, error)

func (f admissionFunc) Admit(ctx context.Context, req AdmissionRequest) ([]string, error) {
	return f(ctx, req)
}

func sandboxTable() *CapabilityTable {
	return &CapabilityTable{
		Kind:   KindElement,
		States: []State{"created", "started"},
		Actions: map[ActionName][]State{
			"start":      {"created"},
			"stop":       {"started"},
			"ping":       {"created", "started"},
			RemoveAction: {"created"},
		},
		NextState: map[ActionName]State{
			"start": "started",
			"stop":  "created",
		},
		AttrStates: map[AttrName][]State{
			"cpus":      {"created"},
			"ram":       {"created"},
			"bandwidth": {"created"},
			"label":     {"created", "started"},
		},
		AttrRules: map[AttrName]string{
			"cpus": "gte=0.01,lte=4",
			"ram":  "gte=10,lte=4096",
		},
		ChildTypes:  map[State][]TypeName{"created": {"sandbox_interface"}},
		ParentTypes: []TypeName{NoParent},
		LinkStates:  []State{"started"},
		DefaultAttrs: Attributes{
			"cpus":      0.25,
			"ram":       25,
			"bandwidth": 1000000,
			"label":     "",
		},
	}
}

func interfaceTable() *CapabilityTable {
	return &CapabilityTable{
		Kind:         KindElement,
		States:       []State{"created", "started"},
		FollowParent: true,
		Actions:      map[ActionName][]State{RemoveAction: {"created"}},
		AttrStates:   map[AttrName][]State{"name": {"created"}},
		ParentTypes:  []TypeName{"sandbox"},
		Concepts:     []ConceptName{"interface"},
		DefaultAttrs: Attributes{"name": "eth0"},
	}
}

func plainTable() *CapabilityTable {
	return &CapabilityTable{
		Kind:        KindElement,
		States:      []State{"created"},
		Actions:     map[ActionName][]State{RemoveAction: {"created"}},
		ParentTypes: []TypeName{NoParent},
	}
}

func bridgeTable() *CapabilityTable {
	return &CapabilityTable{
		Kind:   KindConnection,
		States: []State{"created", "started"},
		Actions: map[ActionName][]State{
			"start":      {"created"},
			"stop":       {"started"},
			RemoveAction: {"created", "started"},
		},
		NextState:    map[ActionName]State{"start": "started", "stop": "created"},
		AttrStates:   map[AttrName][]State{"delay": {"created", "started"}},
		ParentTypes:  []TypeName{NoParent},
		Concepts:     []ConceptName{"interface"},
		DefaultAttrs: Attributes{"delay": 0},
	}
}

type fixture struct {
	manager *Manager
	sandbox *fakeDriver
	iface   *fakeDriver
	plain   *fakeDriver
	bridge  *fakeLinker
	pool    *fakePool
	store   *fakeStore
	clock   *time.Time
}

type fixtureOption func(*ManagerOptions)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	f := &fixture{
		sandbox: newFakeDriver(),
		iface:   newFakeDriver(),
		plain:   newFakeDriver(),
		bridge:  newFakeLinker(),
		pool:    newFakePool(100),
		store:   newFakeStore(),
	}
	f.sandbox.takePort = true

	registry := NewTypeRegistry(zerolog.Nop())
	regs := []struct {
		name   TypeName
		table  *CapabilityTable
		driver Driver
	}{
		{"sandbox", sandboxTable(), f.sandbox},
		{"sandbox_interface", interfaceTable(), f.iface},
		{"plain", plainTable(), f.plain},
		{"bridge", bridgeTable(), f.bridge},
	}
	for _, r := range regs {
		if err := registry.Register(r.name, r.table, r.driver); err != nil {
			t.Fatalf("Register(%s) failed: %v", r.name, err)
		}
	}
	if err := registry.Verify(); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	f.clock = &now
	mo := ManagerOptions{
		Store:  f.store,
		Pool:   f.pool,
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return *f.clock },
	}
	for _, o := range opts {
		o(&mo)
	}
	f.manager = NewManager(registry, mo)
	return f
}

func (f *fixture) mustCreate(t *testing.T, typeName TypeName, parent ID, attrs Attributes) ElementInfo {
	t.Helper()
	info, err := f.manager.Create(context.Background(), CreateRequest{
		Type:   typeName,
		Owner:  "alice",
		Parent: parent,
		Attrs:  attrs,
	})
	if err != nil {
		t.Fatalf("Create(%s) failed: %v", typeName, err)
	}
	return info
}

func (f *fixture) mustAction(t *testing.T, id ID, action ActionName) ElementInfo {
	t.Helper()
	info, err := f.manager.Action(context.Background(), id, action, nil)
	if err != nil {
		t.Fatalf("Action(%d, %s) failed: %v", id, action, err)
	}
	return info
}

func (f *fixture) mustConnection(t *testing.T) ConnectionInfo {
	t.Helper()
	info, err := f.manager.CreateConnection(context.Background(), ConnectionRequest{Type: "bridge", Owner: "alice"})
	if err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}
	return info
}

func errorKind(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func errorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
