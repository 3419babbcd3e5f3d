package drivers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/openfroyo/hostmanager/pkg/engine"
)

const (
	TypeOpenVZ          engine.TypeName = "openvz"
	TypeOpenVZInterface engine.TypeName = "openvz_interface"
)

// vmTable is the lifecycle shared by openvz and kvmqm: created, prepared
// (disk exists) and started.
func vmTable(child engine.TypeName, attrs map[engine.AttrName][]engine.State) *engine.CapabilityTable {
	return &engine.CapabilityTable{
		Kind:   engine.KindElement,
		States: []engine.State{StateCreated, StatePrepared, StateStarted},
		Actions: map[engine.ActionName][]engine.State{
			ActionPrepare:       {StateCreated},
			ActionDestroy:       {StatePrepared},
			ActionStart:         {StatePrepared},
			ActionStop:          {StateStarted},
			engine.RemoveAction: {StateCreated},
		},
		NextState: map[engine.ActionName]engine.State{
			ActionPrepare: StatePrepared,
			ActionDestroy: StateCreated,
			ActionStart:   StateStarted,
			ActionStop:    StatePrepared,
		},
		AttrStates: attrs,
		ChildTypes: map[engine.State][]engine.TypeName{
			StateCreated:  {child},
			StatePrepared: {child},
		},
		ParentTypes: []engine.TypeName{engine.NoParent},
		LinkStates:  []engine.State{StateStarted},
	}
}

// OpenVZTable returns the capability table of an OpenVZ container.
func OpenVZTable() *engine.CapabilityTable {
	created := []engine.State{StateCreated}
	t := vmTable(TypeOpenVZInterface, map[engine.AttrName][]engine.State{
		"template":  created,
		"ram":       {StateCreated, StatePrepared},
		"diskspace": created,
		"hostname":  {StateCreated, StatePrepared},
		"gateway":   created,
	})
	t.AttrRules = map[engine.AttrName]string{
		"ram":       "gte=64,lte=65536",
		"diskspace": "gte=512,lte=1048576",
		"hostname":  "omitempty,hostname_rfc1123",
		"gateway":   "omitempty,ip4_addr",
	}
	t.DefaultAttrs = engine.Attributes{
		"ram":       256.0,
		"diskspace": 10240.0,
	}
	return t
}

// OpenVZInterfaceTable returns the capability table of a container interface.
func OpenVZInterfaceTable() *engine.CapabilityTable {
	t := interfaceTable(TypeOpenVZ, OpenVZTable(), "ip4address", "use_dhcp")
	t.AttrRules = map[engine.AttrName]string{
		"ip4address": "omitempty,cidrv4",
	}
	t.DefaultAttrs = engine.Attributes{"use_dhcp": false}
	return t
}

// OpenVZDriver manages containers with vzctl.
type OpenVZDriver struct {
	host *Host
	handlers
}

var (
	_ engine.Driver           = (*OpenVZDriver)(nil)
	_ engine.AttributeApplier = (*OpenVZDriver)(nil)
)

// NewOpenVZDriver creates the OpenVZ driver.
func NewOpenVZDriver(host *Host) *OpenVZDriver {
	d := &OpenVZDriver{host: host}
	d.handlers = handlers{
		ActionPrepare:       d.prepare,
		ActionDestroy:       d.destroy,
		ActionStart:         d.start,
		ActionStop:          d.stop,
		engine.RemoveAction: d.remove,
	}
	return d
}

func (d *OpenVZDriver) Init(ctx context.Context, h *engine.Handle) error {
	return initVM(ctx, h)
}

// initVM allocates the vm id and VNC port shared by the VM types.
func initVM(ctx context.Context, h *engine.Handle) error {
	vmid, err := h.Take(ctx, engine.ResourceVMID)
	if err != nil {
		return err
	}
	port, err := h.Take(ctx, engine.ResourcePort)
	if err != nil {
		return err
	}
	password, err := randomPassword()
	if err != nil {
		return err
	}
	if err := h.SetAttr("vmid", vmid); err != nil {
		return err
	}
	if err := h.SetAttr("vncport", port); err != nil {
		return err
	}
	return h.SetAttr("vncpassword", password)
}

func (d *OpenVZDriver) vzctl(ctx context.Context, h *engine.Handle, args ...string) error {
	_, err := run(ctx, d.host, "vzctl", append([]string{args[0], strconv.Itoa(h.Int("vmid"))}, args[1:]...)...)
	return err
}

func (d *OpenVZDriver) prepare(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	template := h.String("template")
	if template == "" {
		template = "default"
	}
	if err := d.vzctl(ctx, h, "create", "--ostemplate", template); err != nil {
		return err
	}
	settings := []string{"set",
		"--ram", fmt.Sprintf("%dM", h.Int("ram")),
		"--diskspace", fmt.Sprintf("%dM", h.Int("diskspace")),
		"--devices", "c:10:200:rw",
		"--capability", "net_admin:on",
	}
	if hostname := h.String("hostname"); hostname != "" {
		settings = append(settings, "--hostname", hostname)
	}
	settings = append(settings, "--save")
	if err := d.vzctl(ctx, h, settings...); err != nil {
		return err
	}
	for _, iface := range h.Children() {
		if err := d.vzctl(ctx, h, "set", "--netif_add", netifSpec(h.Int("vmid"), ifaceName(iface)), "--save"); err != nil {
			return err
		}
	}
	return nil
}

func (d *OpenVZDriver) destroy(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	return d.vzctl(ctx, h, "destroy")
}

func (d *OpenVZDriver) start(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	if err := d.vzctl(ctx, h, "start"); err != nil {
		return err
	}
	vmid := h.Int("vmid")
	for _, iface := range h.Children() {
		name := ifaceName(iface)
		if err := d.host.waitForDevice(ctx, openvzDevice(vmid, name)); err != nil {
			return err
		}
		if err := configureGuestInterface(ctx, d.host, vmid, name, iface.Attrs); err != nil {
			return err
		}
	}
	if gateway := h.String("gateway"); gateway != "" {
		if err := d.vzctl(ctx, h, "exec", "ip route replace default via "+gateway); err != nil {
			return err
		}
	}
	return nil
}

func (d *OpenVZDriver) stop(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	return d.vzctl(ctx, h, "stop")
}

func (d *OpenVZDriver) remove(context.Context, *engine.Handle, engine.Args) error {
	return nil
}

func (d *OpenVZDriver) ApplyAttributes(ctx context.Context, h *engine.Handle, changed engine.Attributes) error {
	if h.State() != StatePrepared {
		return nil
	}
	if _, ok := changed["ram"]; ok {
		if err := d.vzctl(ctx, h, "set", "--ram", fmt.Sprintf("%dM", h.Int("ram")), "--save"); err != nil {
			return err
		}
	}
	if _, ok := changed["hostname"]; ok {
		if err := d.vzctl(ctx, h, "set", "--hostname", h.String("hostname"), "--save"); err != nil {
			return err
		}
	}
	return nil
}

func ifaceName(iface engine.ElementInfo) string {
	name, _ := iface.Attrs["name"].(string)
	return name
}

// openvzDevice is the host side veth device of a container interface.
func openvzDevice(vmid int, name string) string {
	return fmt.Sprintf("veth%d.%d", vmid, interfaceIndex(name))
}

func netifSpec(vmid int, name string) string {
	return fmt.Sprintf("%s,,%s", name, openvzDevice(vmid, name))
}

// configureGuestInterface sets up addressing inside a running container.
func configureGuestInterface(ctx context.Context, host *Host, vmid int, name string, attrs engine.Attributes) error {
	id := strconv.Itoa(vmid)
	if addr, _ := attrs["ip4address"].(string); addr != "" {
		if _, err := run(ctx, host, "vzctl", "exec", id, fmt.Sprintf("ip addr add %s dev %s", addr, name)); err != nil {
			return err
		}
	}
	if dhcp, _ := attrs["use_dhcp"].(bool); dhcp {
		if _, err := run(ctx, host, "vzctl", "exec", id, "dhclient "+name); err != nil {
			return err
		}
	}
	_, err := run(ctx, host, "vzctl", "exec", id, fmt.Sprintf("ip link set %s up", name))
	return err
}

// OpenVZInterfaceDriver manages container interfaces. Interfaces created after
// the container exists are added to it right away.
type OpenVZInterfaceDriver struct {
	host *Host
	handlers
}

// NewOpenVZInterfaceDriver creates the OpenVZ interface driver.
func NewOpenVZInterfaceDriver(host *Host) *OpenVZInterfaceDriver {
	d := &OpenVZInterfaceDriver{host: host}
	d.handlers = handlers{engine.RemoveAction: d.remove}
	return d
}

func (d *OpenVZInterfaceDriver) Init(ctx context.Context, h *engine.Handle) error {
	parent, ok := h.Parent()
	if !ok {
		return engine.NewInternalError("openvz interface without parent", nil).WithType(h.Type())
	}
	vmid := intAttr(parent.Attrs, "vmid")
	name := nextInterfaceName(h.Siblings())
	if err := h.SetAttr("name", name); err != nil {
		return err
	}
	if err := h.SetAttr("device", openvzDevice(vmid, name)); err != nil {
		return err
	}
	if parent.State == StateCreated {
		return nil
	}
	_, err := run(ctx, d.host, "vzctl", "set", strconv.Itoa(vmid), "--netif_add", netifSpec(vmid, name), "--save")
	return err
}

func (d *OpenVZInterfaceDriver) remove(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	parent, ok := h.Parent()
	if !ok || parent.State == StateCreated {
		return nil
	}
	_, err := run(ctx, d.host, "vzctl", "set", strconv.Itoa(intAttr(parent.Attrs, "vmid")), "--netif_del", h.String("name"), "--save")
	return err
}

func intAttr(attrs engine.Attributes, k engine.AttrName) int {
	f, _ := attrs[k].(float64)
	return int(f)
}
