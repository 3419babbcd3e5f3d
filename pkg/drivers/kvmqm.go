package drivers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/openfroyo/hostmanager/pkg/engine"
)

const (
	TypeKVMQM          engine.TypeName = "kvmqm"
	TypeKVMQMInterface engine.TypeName = "kvmqm_interface"
)

// KVMQMTable returns the capability table of a Proxmox qm virtual machine.
func KVMQMTable() *engine.CapabilityTable {
	created := []engine.State{StateCreated}
	t := vmTable(TypeKVMQMInterface, map[engine.AttrName][]engine.State{
		"cpus":      {StateCreated, StatePrepared},
		"ram":       {StateCreated, StatePrepared},
		"kblang":    {StateCreated, StatePrepared},
		"usbtablet": {StateCreated, StatePrepared},
		"template":  created,
	})
	t.AttrRules = map[engine.AttrName]string{
		"cpus":   "gte=1,lte=4",
		"ram":    "gte=64,lte=8192",
		"kblang": "oneof=en-us de fr es it ja pt",
	}
	t.DefaultAttrs = engine.Attributes{
		"cpus":      1.0,
		"ram":       256.0,
		"kblang":    "de",
		"usbtablet": true,
	}
	return t
}

// KVMQMInterfaceTable returns the capability table of a VM network interface.
func KVMQMInterfaceTable() *engine.CapabilityTable {
	return interfaceTable(TypeKVMQM, KVMQMTable())
}

// KVMQMDriver manages virtual machines through the Proxmox qm tool.
type KVMQMDriver struct {
	host *Host
	handlers
}

var (
	_ engine.Driver           = (*KVMQMDriver)(nil)
	_ engine.AttributeApplier = (*KVMQMDriver)(nil)
)

// NewKVMQMDriver creates the kvmqm driver.
func NewKVMQMDriver(host *Host) *KVMQMDriver {
	d := &KVMQMDriver{host: host}
	d.handlers = handlers{
		ActionPrepare:       d.prepare,
		ActionDestroy:       d.destroy,
		ActionStart:         d.start,
		ActionStop:          d.stop,
		engine.RemoveAction: noop,
	}
	return d
}

func (d *KVMQMDriver) Init(ctx context.Context, h *engine.Handle) error {
	return initVM(ctx, h)
}

func (d *KVMQMDriver) qm(ctx context.Context, h *engine.Handle, args ...string) error {
	_, err := run(ctx, d.host, "qm", append([]string{args[0], strconv.Itoa(h.Int("vmid"))}, args[1:]...)...)
	return err
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (d *KVMQMDriver) prepare(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	vmid := h.Int("vmid")
	if err := d.qm(ctx, h, "create",
		"--name", fmt.Sprintf("vm%d", h.ID()),
		"--sockets", "1",
		"--cores", strconv.Itoa(h.Int("cpus")),
		"--memory", strconv.Itoa(h.Int("ram")),
		"--keyboard", h.String("kblang"),
		"--tablet", boolFlag(h.Bool("usbtablet")),
		"--vnc", fmt.Sprintf("unix:/var/run/qemu-server/%d.vnc,password", vmid),
	); err != nil {
		return err
	}

	disk := fmt.Sprintf("/var/lib/vz/images/%d/disk.qcow2", vmid)
	if _, err := run(ctx, d.host, "mkdir", "-p", fmt.Sprintf("/var/lib/vz/images/%d", vmid)); err != nil {
		return err
	}
	if _, err := run(ctx, d.host, "cp", d.host.templatePath(TypeKVMQM, h.String("template"), ".qcow2"), disk); err != nil {
		return err
	}
	if err := d.qm(ctx, h, "set", "--ide0", fmt.Sprintf("local:%d/disk.qcow2", vmid)); err != nil {
		return err
	}
	for _, iface := range h.Children() {
		if err := addQMInterface(ctx, d.host, vmid, ifaceName(iface)); err != nil {
			return err
		}
	}
	return nil
}

func addQMInterface(ctx context.Context, host *Host, vmid int, name string) error {
	n := interfaceIndex(name)
	_, err := run(ctx, host, "qm", "set", strconv.Itoa(vmid), fmt.Sprintf("--net%d", n), fmt.Sprintf("e1000,bridge=dummy%d", n))
	return err
}

func (d *KVMQMDriver) destroy(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	return d.qm(ctx, h, "destroy")
}

func (d *KVMQMDriver) start(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	if err := d.qm(ctx, h, "start"); err != nil {
		return err
	}
	vmid := h.Int("vmid")
	for _, iface := range h.Children() {
		device := kvmqmDevice(vmid, ifaceName(iface))
		if err := d.host.waitForDevice(ctx, device); err != nil {
			return err
		}
		// qm attaches taps to a placeholder bridge; wiring moves them.
		if _, err := run(ctx, d.host, "ip", "link", "set", device, "nomaster"); err != nil {
			return err
		}
	}
	return nil
}

func (d *KVMQMDriver) stop(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	return d.qm(ctx, h, "stop")
}

func (d *KVMQMDriver) ApplyAttributes(ctx context.Context, h *engine.Handle, changed engine.Attributes) error {
	if h.State() != StatePrepared {
		return nil
	}
	var args []string
	if _, ok := changed["cpus"]; ok {
		args = append(args, "--cores", strconv.Itoa(h.Int("cpus")))
	}
	if _, ok := changed["ram"]; ok {
		args = append(args, "--memory", strconv.Itoa(h.Int("ram")))
	}
	if _, ok := changed["kblang"]; ok {
		args = append(args, "--keyboard", h.String("kblang"))
	}
	if _, ok := changed["usbtablet"]; ok {
		args = append(args, "--tablet", boolFlag(h.Bool("usbtablet")))
	}
	if len(args) == 0 {
		return nil
	}
	return d.qm(ctx, h, append([]string{"set"}, args...)...)
}

// kvmqmDevice is the host side tap device of a VM interface.
func kvmqmDevice(vmid int, name string) string {
	return fmt.Sprintf("tap%di%d", vmid, interfaceIndex(name))
}

// KVMQMInterfaceDriver manages VM network cards.
type KVMQMInterfaceDriver struct {
	host *Host
	handlers
}

// NewKVMQMInterfaceDriver creates the kvmqm interface driver.
func NewKVMQMInterfaceDriver(host *Host) *KVMQMInterfaceDriver {
	d := &KVMQMInterfaceDriver{host: host}
	d.handlers = handlers{engine.RemoveAction: d.remove}
	return d
}

func (d *KVMQMInterfaceDriver) Init(ctx context.Context, h *engine.Handle) error {
	parent, ok := h.Parent()
	if !ok {
		return engine.NewInternalError("kvmqm interface without parent", nil).WithType(h.Type())
	}
	vmid := intAttr(parent.Attrs, "vmid")
	name := nextInterfaceName(h.Siblings())
	if err := h.SetAttr("name", name); err != nil {
		return err
	}
	if err := h.SetAttr("device", kvmqmDevice(vmid, name)); err != nil {
		return err
	}
	if parent.State == StateCreated {
		return nil
	}
	return addQMInterface(ctx, d.host, vmid, name)
}

func (d *KVMQMInterfaceDriver) remove(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	parent, ok := h.Parent()
	if !ok || parent.State == StateCreated {
		return nil
	}
	_, err := run(ctx, d.host, "qm", "set", strconv.Itoa(intAttr(parent.Attrs, "vmid")),
		"--delete", fmt.Sprintf("net%d", interfaceIndex(h.String("name"))))
	return err
}
