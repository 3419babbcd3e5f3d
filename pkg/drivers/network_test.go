package drivers

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostmanager/pkg/engine"
	"github.com/openfroyo/hostmanager/pkg/hostexec"
)

func TestBridgeWiresInterfacesOfRunningElements(t *testing.T) {
	env := newTestEnv(t)
	repy := env.create(t, TypeRepy, 0, nil)
	iface := env.create(t, TypeRepyInterface, repy.ID, nil)
	device := iface.Attrs["device"].(string)

	con, err := env.manager.CreateConnection(env.ctx, engine.ConnectionRequest{
		Type: TypeBridge, Owner: "alice", Attrs: engine.Attributes{"delay_to": 20, "lossratio_to": 0.1},
	})
	require.NoError(t, err)
	bridge := fmt.Sprintf("gbr_%d", con.ID)
	assert.Equal(t, bridge, con.Attrs["bridge"])

	_, err = env.manager.Attach(env.ctx, con.ID, iface.ID)
	require.NoError(t, err)

	_, err = env.manager.ConnectionAction(env.ctx, con.ID, ActionStart, nil)
	require.NoError(t, err)
	assert.True(t, env.runner.Ran("brctl addbr "+bridge))
	assert.False(t, env.runner.Ran("brctl addif"), "element is not running yet")

	env.scriptSpawn("tomato-repy", 100)
	env.scriptSpawn("vncterm", 101)
	env.action(t, repy.ID, ActionStart)
	assert.True(t, env.runner.Ran(fmt.Sprintf("brctl addif %s %s", bridge, device)))
	assert.True(t, env.runner.Ran(fmt.Sprintf("tc qdisc replace dev %s root netem delay 20ms loss 10%%", device)))

	env.runner.Reset()
	_, err = env.manager.ModifyConnection(env.ctx, con.ID, engine.Attributes{"bandwidth_to": 512})
	require.NoError(t, err)
	assert.True(t, env.runner.Ran(fmt.Sprintf("tc qdisc replace dev %s root netem delay 20ms loss 10%% rate 512kbit", device)))

	env.runner.Reset()
	env.action(t, repy.ID, ActionStop)
	commands := env.runner.Commands()
	require.NotEmpty(t, commands)
	delif := -1
	kill := -1
	for i, c := range commands {
		if c == fmt.Sprintf("brctl delif %s %s", bridge, device) {
			delif = i
		}
		if c == "kill -TERM 100" {
			kill = i
		}
	}
	require.NotEqual(t, -1, delif)
	require.NotEqual(t, -1, kill)
	assert.Less(t, delif, kill, "wiring is undone before the element stops")
}

func TestBridgeShapesOnlyWiredMembers(t *testing.T) {
	env := newTestEnv(t)
	running := env.create(t, TypeRepy, 0, nil)
	runningIface := env.create(t, TypeRepyInterface, running.ID, nil)
	stopped := env.create(t, TypeRepy, 0, nil)
	stoppedIface := env.create(t, TypeRepyInterface, stopped.ID, nil)
	wired := runningIface.Attrs["device"].(string)
	missing := stoppedIface.Attrs["device"].(string)

	con, err := env.manager.CreateConnection(env.ctx, engine.ConnectionRequest{Type: TypeBridge, Owner: "alice"})
	require.NoError(t, err)
	for _, id := range []engine.ID{runningIface.ID, stoppedIface.ID} {
		_, err = env.manager.Attach(env.ctx, con.ID, id)
		require.NoError(t, err)
	}
	_, err = env.manager.ConnectionAction(env.ctx, con.ID, ActionStart, nil)
	require.NoError(t, err)

	env.scriptSpawn("tomato-repy", 100)
	env.scriptSpawn("vncterm", 101)
	env.action(t, running.ID, ActionStart)
	env.runner.Fail("tc qdisc replace dev "+missing, 2, "Cannot find device "+missing)

	env.runner.Reset()
	_, err = env.manager.ModifyConnection(env.ctx, con.ID, engine.Attributes{"delay_to": 10})
	require.NoError(t, err)
	assert.True(t, env.runner.Ran(fmt.Sprintf("tc qdisc replace dev %s root netem delay 10ms", wired)))
	assert.False(t, env.runner.Ran("tc qdisc replace dev "+missing))

	info, err := env.manager.ConnectionInfo(con.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, info.Attrs["delay_to"])
}

func TestBridgeRejectsElementsWithoutInterfaceConcept(t *testing.T) {
	env := newTestEnv(t)
	repy := env.create(t, TypeRepy, 0, nil)
	con, err := env.manager.CreateConnection(env.ctx, engine.ConnectionRequest{Type: TypeBridge, Owner: "alice"})
	require.NoError(t, err)

	_, err = env.manager.Attach(env.ctx, con.ID, repy.ID)
	require.Error(t, err)
	assert.True(t, engine.IsCapability(err))

	var ee *engine.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engine.ErrCodeIncompatible, ee.Code)
}

func TestBridgeRemovalRequiresDetach(t *testing.T) {
	env := newTestEnv(t)
	repy := env.create(t, TypeRepy, 0, nil)
	iface := env.create(t, TypeRepyInterface, repy.ID, nil)
	con, err := env.manager.CreateConnection(env.ctx, engine.ConnectionRequest{Type: TypeBridge, Owner: "alice"})
	require.NoError(t, err)
	_, err = env.manager.Attach(env.ctx, con.ID, iface.ID)
	require.NoError(t, err)

	err = env.manager.RemoveConnection(env.ctx, con.ID)
	assert.True(t, engine.IsCapability(err))

	_, err = env.manager.Detach(env.ctx, con.ID, iface.ID)
	require.NoError(t, err)
	require.NoError(t, env.manager.RemoveConnection(env.ctx, con.ID))
}

func TestExternalNetworkOnBridge(t *testing.T) {
	env := newTestEnv(t)

	net := env.create(t, TypeExternalNetwork, 0, nil)
	assert.Equal(t, "internet", net.Attrs["network"])
	assert.Equal(t, "vmbr0", net.Attrs["bridge"])

	_, err := env.manager.Create(env.ctx, engine.CreateRequest{Type: TypeExternalNetwork, Owner: "alice", Attrs: engine.Attributes{"network": "mars"}})
	assert.True(t, engine.IsCapability(err))

	con, err := env.manager.CreateConnection(env.ctx, engine.ConnectionRequest{Type: TypeBridge, Owner: "alice"})
	require.NoError(t, err)
	_, err = env.manager.ConnectionAction(env.ctx, con.ID, ActionStart, nil)
	require.NoError(t, err)
	_, err = env.manager.Attach(env.ctx, con.ID, net.ID)
	require.NoError(t, err)

	env.action(t, net.ID, ActionStart)
	uplink := fmt.Sprintf("gup%d_%d", con.ID, net.ID)
	assert.True(t, env.runner.Ran(fmt.Sprintf("ip link add %s type veth peer name %sp", uplink, uplink)))
	assert.True(t, env.runner.Ran(fmt.Sprintf("brctl addif vmbr0 %sp", uplink)))
	assert.True(t, env.runner.Ran(fmt.Sprintf("brctl addif gbr_%d %s", con.ID, uplink)))

	env.action(t, net.ID, ActionStop)
	assert.True(t, env.runner.Ran("ip link del "+uplink))
}

func TestFixedBridge(t *testing.T) {
	env := newTestEnv(t)
	vm := env.create(t, TypeKVMQM, 0, nil)
	iface := env.create(t, TypeKVMQMInterface, vm.ID, nil)

	con, err := env.manager.CreateConnection(env.ctx, engine.ConnectionRequest{Type: TypeFixedBridge, Owner: "alice", Attrs: engine.Attributes{"bridge": "vmbr1"}})
	require.NoError(t, err)
	assert.Equal(t, StateStarted, con.State)

	_, err = env.manager.CreateConnection(env.ctx, engine.ConnectionRequest{Type: TypeFixedBridge, Owner: "alice", Attrs: engine.Attributes{"bridge": "a-bridge-name-that-is-too-long"}})
	assert.True(t, engine.IsCapability(err))

	_, err = env.manager.Attach(env.ctx, con.ID, iface.ID)
	require.NoError(t, err)
	env.action(t, vm.ID, ActionPrepare)
	env.action(t, vm.ID, ActionStart)
	assert.True(t, env.runner.Ran("brctl addif vmbr1 tap1000i0"))
}

func TestNetemArgs(t *testing.T) {
	assert.Empty(t, netemArgs(0, 0, 0))
	assert.Equal(t, []string{"delay", "12.5ms"}, netemArgs(0, 12.5, 0))
	assert.Equal(t, []string{"loss", "50%", "rate", "1000kbit"}, netemArgs(1000, 0, 0.5))
}

func TestIsMissingQdisc(t *testing.T) {
	assert.True(t, isMissingQdisc(&hostexec.ExitError{Command: "tc", Code: 2, Stderr: "RTNETLINK answers: No such file or directory"}))
	assert.False(t, isMissingQdisc(&hostexec.ExitError{Command: "tc", Code: 2, Stderr: "permission denied"}))
}
