package drivers

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostmanager/pkg/engine"
	"github.com/openfroyo/hostmanager/pkg/hostexec/hostexectest"
	"github.com/openfroyo/hostmanager/pkg/resources"
)

const (
	testDataDir     = "/var/lib/hostmgr/data"
	testTemplateDir = "/var/lib/hostmgr/templates"
)

type testEnv struct {
	ctx     context.Context
	runner  *hostexectest.Runner
	host    *Host
	builtin *Builtin
	pool    *resources.Pool
	manager *engine.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	runner := hostexectest.New()
	host := &Host{
		Runner:           runner,
		DataDir:          testDataDir,
		TemplateDir:      testTemplateDir,
		ExternalNetworks: map[string]string{"internet": "vmbr0", "lab": "vmbr1"},
		Logger:           zerolog.Nop(),
	}
	builtin := NewBuiltin(host, Options{SkipPrerequisites: true})
	t.Cleanup(builtin.Close)

	registry := engine.NewTypeRegistry(zerolog.Nop())
	skipped, err := registry.RegisterAvailable(context.Background(), builtin.Registrations()...)
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.NoError(t, registry.Verify())

	pool, err := resources.NewPool(map[engine.ResourceKind]resources.Range{
		engine.ResourceVMID: {Start: 1000, End: 1009},
		engine.ResourcePort: {Start: 5900, End: 5909},
	}, nil, zerolog.Nop())
	require.NoError(t, err)

	return &testEnv{
		ctx:     context.Background(),
		runner:  runner,
		host:    host,
		builtin: builtin,
		pool:    pool,
		manager: engine.NewManager(registry, engine.ManagerOptions{Pool: pool, Logger: zerolog.Nop()}),
	}
}

func (e *testEnv) create(t *testing.T, typeName engine.TypeName, parent engine.ID, attrs engine.Attributes) engine.ElementInfo {
	t.Helper()
	info, err := e.manager.Create(e.ctx, engine.CreateRequest{Type: typeName, Owner: "alice", Parent: parent, Attrs: attrs})
	require.NoError(t, err)
	return info
}

func (e *testEnv) action(t *testing.T, id engine.ID, action engine.ActionName) engine.ElementInfo {
	t.Helper()
	info, err := e.manager.Action(e.ctx, id, action, nil)
	require.NoError(t, err)
	return info
}

// scriptSpawn makes spawning program answer with pid.
func (e *testEnv) scriptSpawn(program string, pid int) {
	e.runner.On("sh -c 'nohup "+program, fmt.Sprintf("%d\n", pid), nil)
}

func dataPath(id engine.ID, name string) string {
	return fmt.Sprintf("%s/%d/%s", testDataDir, id, name)
}
