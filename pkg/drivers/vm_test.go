package drivers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostmanager/pkg/engine"
)

func TestOpenVZLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ct := env.create(t, TypeOpenVZ, 0, engine.Attributes{"template": "debian-12", "hostname": "web1"})
	iface := env.create(t, TypeOpenVZInterface, ct.ID, engine.Attributes{"ip4address": "10.0.0.5/24"})
	assert.Equal(t, "veth1000.0", iface.Attrs["device"])
	assert.False(t, env.runner.Ran("vzctl set 1000 --netif_add"), "no container yet")

	env.action(t, ct.ID, ActionPrepare)
	assert.True(t, env.runner.Ran("vzctl create 1000 --ostemplate debian-12"))
	assert.True(t, env.runner.Ran("vzctl set 1000 --ram 256M --diskspace 10240M"))
	assert.True(t, env.runner.Ran("vzctl set 1000 --netif_add eth0,,veth1000.0 --save"))

	// Interfaces added to a prepared container are created right away.
	second := env.create(t, TypeOpenVZInterface, ct.ID, nil)
	assert.Equal(t, "eth1", second.Attrs["name"])
	assert.Equal(t, StatePrepared, second.State)
	assert.True(t, env.runner.Ran("vzctl set 1000 --netif_add eth1,,veth1000.1 --save"))

	_, err := env.manager.Modify(env.ctx, ct.ID, engine.Attributes{"ram": 512.0})
	require.NoError(t, err)
	assert.True(t, env.runner.Ran("vzctl set 1000 --ram 512M --save"))

	_, err = env.manager.Modify(env.ctx, ct.ID, engine.Attributes{"diskspace": 2048.0})
	assert.True(t, engine.IsCapability(err))

	started := env.action(t, ct.ID, ActionStart)
	assert.Equal(t, StateStarted, started.State)
	assert.True(t, env.runner.Ran("vzctl exec 1000 'ip addr add 10.0.0.5/24 dev eth0'"))

	ifaceInfo, err := env.manager.Info(iface.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStarted, ifaceInfo.State)
	_, err = env.manager.Modify(env.ctx, iface.ID, engine.Attributes{"ip4address": "10.0.0.6/24"})
	assert.True(t, engine.IsCapability(err), "addresses are fixed while running")
	assert.True(t, engine.IsCapability(env.manager.Remove(env.ctx, second.ID, false)))

	_, err = env.manager.Create(env.ctx, engine.CreateRequest{Type: TypeOpenVZInterface, Parent: ct.ID})
	assert.True(t, engine.IsCapability(err), "no interfaces while running")

	env.action(t, ct.ID, ActionStop)
	require.NoError(t, env.manager.Remove(env.ctx, second.ID, false))
	assert.True(t, env.runner.Ran("vzctl set 1000 --netif_del eth1 --save"))

	// Removal is only allowed once the container is destroyed.
	err = env.manager.Remove(env.ctx, ct.ID, true)
	require.Error(t, err)
	env.action(t, ct.ID, ActionDestroy)
	assert.True(t, env.runner.Ran("vzctl destroy 1000"))
	require.NoError(t, env.manager.Remove(env.ctx, ct.ID, true))
}

func TestOpenVZInterfaceValidation(t *testing.T) {
	env := newTestEnv(t)
	ct := env.create(t, TypeOpenVZ, 0, nil)

	_, err := env.manager.Create(env.ctx, engine.CreateRequest{
		Type: TypeOpenVZInterface, Parent: ct.ID, Attrs: engine.Attributes{"ip4address": "not-an-address"},
	})
	assert.True(t, engine.IsCapability(err))

	_, err = env.manager.Modify(env.ctx, ct.ID, engine.Attributes{"hostname": "bad_host!"})
	assert.True(t, engine.IsCapability(err))
}

func TestKVMQMLifecycle(t *testing.T) {
	env := newTestEnv(t)
	vm := env.create(t, TypeKVMQM, 0, engine.Attributes{"template": "ubuntu", "cpus": 2})
	iface := env.create(t, TypeKVMQMInterface, vm.ID, nil)
	assert.Equal(t, "tap1000i0", iface.Attrs["device"])

	env.action(t, vm.ID, ActionPrepare)
	assert.True(t, env.runner.Ran("qm create 1000 --name vm"))
	assert.True(t, env.runner.Ran("cp "+testTemplateDir+"/kvmqm/ubuntu.qcow2 /var/lib/vz/images/1000/disk.qcow2"))
	assert.True(t, env.runner.Ran("qm set 1000 --net0 e1000,bridge=dummy0"))

	_, err := env.manager.Modify(env.ctx, vm.ID, engine.Attributes{"ram": 1024, "kblang": "en-us"})
	require.NoError(t, err)
	assert.True(t, env.runner.Ran("qm set 1000 --memory 1024 --keyboard en-us"))

	_, err = env.manager.Modify(env.ctx, vm.ID, engine.Attributes{"kblang": "klingon"})
	assert.True(t, engine.IsCapability(err))

	env.action(t, vm.ID, ActionStart)
	assert.True(t, env.runner.Ran("qm start 1000"))
	assert.True(t, env.runner.Ran("ip link set tap1000i0 nomaster"))

	env.action(t, vm.ID, ActionStop)
	env.action(t, vm.ID, ActionDestroy)
	assert.True(t, env.runner.Ran("qm destroy 1000"))
}

func TestVMDriverFailureLeavesState(t *testing.T) {
	env := newTestEnv(t)
	vm := env.create(t, TypeKVMQM, 0, nil)
	env.runner.Fail("qm create", 2, "storage full")

	_, err := env.manager.Action(env.ctx, vm.ID, ActionPrepare, nil)
	require.Error(t, err)
	assert.True(t, engine.IsResource(err))
	assert.Contains(t, err.Error(), "storage full")

	info, err := env.manager.Info(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, info.State)
}
