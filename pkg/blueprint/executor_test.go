package blueprint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostmanager/pkg/config"
	"github.com/openfroyo/hostmanager/pkg/engine"
)

// fakeManager records kernel calls in order.
type fakeManager struct {
	mu       sync.Mutex
	nextID   engine.ID
	calls    []string
	creates  map[engine.ID]engine.CreateRequest
	conns    map[engine.ID]engine.ConnectionRequest
	failType map[engine.TypeName]error
	failAct  map[engine.ActionName]error
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		creates:  make(map[engine.ID]engine.CreateRequest),
		conns:    make(map[engine.ID]engine.ConnectionRequest),
		failType: make(map[engine.TypeName]error),
		failAct:  make(map[engine.ActionName]error),
	}
}

func (m *fakeManager) record(format string, args ...interface{}) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *fakeManager) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *fakeManager) Create(_ context.Context, req engine.CreateRequest) (engine.ElementInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failType[req.Type]; err != nil {
		return engine.ElementInfo{}, err
	}
	m.nextID++
	m.creates[m.nextID] = req
	m.record("create %s %d", req.Type, m.nextID)
	return engine.ElementInfo{ID: m.nextID, Type: req.Type, Owner: req.Owner, Parent: req.Parent}, nil
}

func (m *fakeManager) Action(_ context.Context, id engine.ID, action engine.ActionName, _ engine.Args) (engine.ElementInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failAct[action]; err != nil {
		return engine.ElementInfo{}, err
	}
	m.record("action %d %s", id, action)
	return engine.ElementInfo{ID: id}, nil
}

func (m *fakeManager) Destroy(_ context.Context, id engine.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("destroy %d", id)
	return nil
}

func (m *fakeManager) CreateConnection(_ context.Context, req engine.ConnectionRequest) (engine.ConnectionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failType[req.Type]; err != nil {
		return engine.ConnectionInfo{}, err
	}
	m.nextID++
	m.conns[m.nextID] = req
	m.record("connection %s %d", req.Type, m.nextID)
	return engine.ConnectionInfo{ID: m.nextID, Type: req.Type, Owner: req.Owner}, nil
}

func (m *fakeManager) ConnectionAction(_ context.Context, id engine.ID, action engine.ActionName, _ engine.Args) (engine.ConnectionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failAct[action]; err != nil {
		return engine.ConnectionInfo{}, err
	}
	m.record("connection_action %d %s", id, action)
	return engine.ConnectionInfo{ID: id}, nil
}

func (m *fakeManager) Attach(_ context.Context, cid, eid engine.ID) (engine.ConnectionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("attach %d %d", cid, eid)
	return engine.ConnectionInfo{ID: cid, Elements: []engine.ID{eid}}, nil
}

func (m *fakeManager) DestroyConnection(_ context.Context, id engine.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("destroy_connection %d", id)
	return nil
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}

func TestApply(t *testing.T) {
	m := newFakeManager()
	x := NewExecutor(m, zerolog.Nop(), Options{MaxParallel: 4})
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	x.now = func() time.Time { return now }

	b := labBlueprint()
	b.Lifetime = 2 * time.Hour

	res, err := x.Apply(context.Background(), b)
	require.NoError(t, err)
	require.Len(t, res.Elements, 3)
	require.Len(t, res.Connections, 1)
	assert.Empty(t, res.Failed())
	assert.Len(t, res.Steps, 8)

	vm, eth, uplink, lan := res.Elements["vm1"], res.Elements["vm1_eth0"], res.Elements["uplink"], res.Connections["lan"]

	vmReq := m.creates[vm]
	assert.Equal(t, "alice", vmReq.Owner)
	assert.Equal(t, now.Add(2*time.Hour), vmReq.Timeout)
	assert.Equal(t, 512, vmReq.Attrs["ram"])

	ethReq := m.creates[eth]
	assert.Equal(t, vm, ethReq.Parent)
	assert.Empty(t, ethReq.Owner, "children inherit their parent's owner")
	assert.True(t, ethReq.Timeout.IsZero())

	assert.Equal(t, "alice", m.conns[lan].Owner)

	calls := m.Calls()
	start := indexOf(calls, fmt.Sprintf("connection_action %d start", lan))
	attachEth := indexOf(calls, fmt.Sprintf("attach %d %d", lan, eth))
	attachUplink := indexOf(calls, fmt.Sprintf("attach %d %d", lan, uplink))
	prepare := indexOf(calls, fmt.Sprintf("action %d prepare", vm))
	vmStart := indexOf(calls, fmt.Sprintf("action %d start", vm))
	require.True(t, start >= 0 && attachEth >= 0 && attachUplink >= 0 && prepare >= 0 && vmStart >= 0, "calls: %v", calls)

	assert.Less(t, start, attachEth, "connection actions run before attach")
	assert.Less(t, attachEth, prepare, "element actions run after its interfaces are attached")
	assert.Less(t, prepare, vmStart, "actions run in declared order")
	assert.Less(t, indexOf(calls, fmt.Sprintf("create kvmqm %d", vm)), indexOf(calls, fmt.Sprintf("create kvmqm_interface %d", eth)))
}

func TestApplySkipsDependents(t *testing.T) {
	m := newFakeManager()
	m.failAct["start"] = errors.New("bridge is down")
	x := NewExecutor(m, zerolog.Nop(), Options{})

	res, err := x.Apply(context.Background(), labBlueprint())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge is down")

	status := make(map[string]StepStatus)
	for _, s := range res.Steps {
		status[s.Step] = s.Status
	}
	assert.Equal(t, StepFailed, status["actions:lan"])
	assert.Equal(t, StepSkipped, status["attach:lan/vm1_eth0"])
	assert.Equal(t, StepSkipped, status["actions:vm1"])
	assert.Equal(t, StepSucceeded, status["element:vm1"])

	// Records created before the failure are reported for teardown.
	assert.Len(t, res.Elements, 3)
	assert.Contains(t, res.Connections, "lan")
}

func TestApplyFailFast(t *testing.T) {
	m := newFakeManager()
	m.failType["kvmqm_interface"] = errors.New("no free vmid")
	x := NewExecutor(m, zerolog.Nop(), Options{FailFast: true})

	res, err := x.Apply(context.Background(), labBlueprint())
	require.Error(t, err)

	for _, s := range res.Steps {
		if s.Level > 1 {
			assert.Equal(t, StepSkipped, s.Status, "step %s", s.Step)
		}
	}
	for _, c := range m.Calls() {
		assert.NotContains(t, c, "attach", "no step after the failed level may run")
	}
}

func TestApplyDryRun(t *testing.T) {
	m := newFakeManager()
	x := NewExecutor(m, zerolog.Nop(), Options{DryRun: true})

	res, err := x.Apply(context.Background(), labBlueprint())
	require.NoError(t, err)
	assert.Empty(t, m.Calls())
	assert.Empty(t, res.Elements)
	for _, s := range res.Steps {
		assert.Equal(t, StepPlanned, s.Status, "step %s", s.Step)
	}
}

func TestApplyCancelled(t *testing.T) {
	m := newFakeManager()
	x := NewExecutor(m, zerolog.Nop(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := x.Apply(ctx, labBlueprint())
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.Calls())
	assert.Len(t, res.Steps, 8)
}

func TestApplyInvalidBlueprint(t *testing.T) {
	x := NewExecutor(newFakeManager(), zerolog.Nop(), Options{})
	b := labBlueprint()
	b.Errors = []config.ValidationError{{Message: "broken", Severity: "error"}}

	_, err := x.Apply(context.Background(), b)
	require.Error(t, err)
}

func TestTeardown(t *testing.T) {
	m := newFakeManager()
	x := NewExecutor(m, zerolog.Nop(), Options{})
	b := labBlueprint()

	res, err := x.Apply(context.Background(), b)
	require.NoError(t, err)
	before := len(m.Calls())

	require.NoError(t, x.Teardown(context.Background(), b, res))
	calls := m.Calls()[before:]
	assert.Equal(t, []string{
		fmt.Sprintf("destroy %d", res.Elements["uplink"]),
		fmt.Sprintf("destroy %d", res.Elements["vm1"]),
		fmt.Sprintf("destroy_connection %d", res.Connections["lan"]),
	}, calls)
}
