package drivers

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/openfroyo/hostmanager/pkg/engine"
)

const (
	TypeExternalNetwork engine.TypeName = "external_network"
	TypeBridge          engine.TypeName = "bridge"
	TypeFixedBridge     engine.TypeName = "fixed_bridge"
)

// ExternalNetworkTable returns the capability table of an external network.
func ExternalNetworkTable() *engine.CapabilityTable {
	created := []engine.State{StateCreated}
	return &engine.CapabilityTable{
		Kind:   engine.KindElement,
		States: []engine.State{StateCreated, StateStarted},
		Actions: map[engine.ActionName][]engine.State{
			ActionStart:         created,
			ActionStop:          {StateStarted},
			engine.RemoveAction: created,
		},
		NextState: map[engine.ActionName]engine.State{
			ActionStart: StateStarted,
			ActionStop:  StateCreated,
		},
		AttrStates: map[engine.AttrName][]engine.State{
			"network": created,
		},
		ParentTypes: []engine.TypeName{engine.NoParent},
		Concepts:    []engine.ConceptName{ConceptInterface},
		LinkStates:  []engine.State{StateStarted},
		DefaultAttrs: engine.Attributes{
			"network": "",
		},
	}
}

// ExternalNetworkDriver maps a network name onto an existing host bridge.
// The network has no device of its own; connecting it means joining its bridge.
type ExternalNetworkDriver struct {
	host *Host
	handlers
}

var (
	_ engine.Driver           = (*ExternalNetworkDriver)(nil)
	_ engine.AttributeApplier = (*ExternalNetworkDriver)(nil)
)

// NewExternalNetworkDriver creates the external network driver.
func NewExternalNetworkDriver(host *Host) *ExternalNetworkDriver {
	d := &ExternalNetworkDriver{host: host}
	d.handlers = handlers{
		ActionStart:         d.start,
		ActionStop:          noop,
		engine.RemoveAction: noop,
	}
	return d
}

func (d *ExternalNetworkDriver) Init(ctx context.Context, h *engine.Handle) error {
	return d.resolve(h)
}

func (d *ExternalNetworkDriver) ApplyAttributes(ctx context.Context, h *engine.Handle, changed engine.Attributes) error {
	if _, ok := changed["network"]; ok {
		return d.resolve(h)
	}
	return nil
}

// resolve sets the host bridge of the configured network. An empty network
// picks the first configured one.
func (d *ExternalNetworkDriver) resolve(h *engine.Handle) error {
	network := h.String("network")
	if network == "" {
		names := make([]string, 0, len(d.host.ExternalNetworks))
		for name := range d.host.ExternalNetworks {
			names = append(names, name)
		}
		if len(names) == 0 {
			return engine.NewResourceError("no external networks configured", nil).WithType(h.Type())
		}
		sort.Strings(names)
		network = names[0]
		if err := h.SetAttr("network", network); err != nil {
			return err
		}
	}
	bridge, ok := d.host.ExternalNetworks[network]
	if !ok {
		return engine.NewCapabilityError(fmt.Sprintf("unknown external network %q", network)).
			WithCode(engine.ErrCodeInvalidValue).WithType(h.Type()).WithAttribute("network")
	}
	return h.SetAttr("bridge", bridge)
}

func (d *ExternalNetworkDriver) start(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	_, err := run(ctx, d.host, "ip", "link", "show", h.String("bridge"))
	return err
}

// BridgeTable returns the capability table of a bridge connection.
func BridgeTable() *engine.CapabilityTable {
	all := []engine.State{StateCreated, StateStarted}
	rule := "gte=0"
	return &engine.CapabilityTable{
		Kind:   engine.KindConnection,
		States: all,
		Actions: map[engine.ActionName][]engine.State{
			ActionStart:         {StateCreated},
			ActionStop:          {StateStarted},
			engine.RemoveAction: {StateCreated},
		},
		NextState: map[engine.ActionName]engine.State{
			ActionStart: StateStarted,
			ActionStop:  StateCreated,
		},
		AttrStates: map[engine.AttrName][]engine.State{
			"bandwidth_to":   all,
			"bandwidth_from": all,
			"delay_to":       all,
			"delay_from":     all,
			"lossratio_to":   all,
			"lossratio_from": all,
			"capturing":      all,
		},
		AttrRules: map[engine.AttrName]string{
			"bandwidth_to":   rule,
			"bandwidth_from": rule,
			"delay_to":       rule,
			"delay_from":     rule,
			"lossratio_to":   "gte=0,lte=1",
			"lossratio_from": "gte=0,lte=1",
		},
		ParentTypes: []engine.TypeName{engine.NoParent},
		Concepts:    []engine.ConceptName{ConceptInterface},
		LinkStates:  []engine.State{StateStarted},
		DefaultAttrs: engine.Attributes{
			"capturing": false,
		},
	}
}

// BridgeDriver joins interfaces in a dedicated Linux bridge and emulates link
// properties on their devices with tc netem.
type BridgeDriver struct {
	host *Host
	handlers
}

var (
	_ engine.Driver           = (*BridgeDriver)(nil)
	_ engine.Linker           = (*BridgeDriver)(nil)
	_ engine.AttributeApplier = (*BridgeDriver)(nil)
)

// NewBridgeDriver creates the bridge connection driver.
func NewBridgeDriver(host *Host) *BridgeDriver {
	d := &BridgeDriver{host: host}
	d.handlers = handlers{
		ActionStart:         d.start,
		ActionStop:          d.stop,
		engine.RemoveAction: noop,
	}
	return d
}

func (d *BridgeDriver) Init(ctx context.Context, h *engine.Handle) error {
	return h.SetAttr("bridge", fmt.Sprintf("gbr_%d", h.ID()))
}

func (d *BridgeDriver) start(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	bridge := h.String("bridge")
	if _, err := run(ctx, d.host, "brctl", "addbr", bridge); err != nil {
		return err
	}
	if _, err := run(ctx, d.host, "ip", "link", "set", bridge, "up"); err != nil {
		return err
	}
	return d.capture(ctx, h)
}

func (d *BridgeDriver) stop(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	bridge := h.String("bridge")
	if err := d.stopCapture(ctx, h); err != nil {
		return err
	}
	if _, err := run(ctx, d.host, "ip", "link", "set", bridge, "down"); err != nil {
		return err
	}
	_, err := run(ctx, d.host, "brctl", "delbr", bridge)
	return err
}

// Link adds the interface device to the bridge, or for an external network
// connects the two bridges with a veth pair.
func (d *BridgeDriver) Link(ctx context.Context, con *engine.Handle, iface *engine.Handle) error {
	bridge := con.String("bridge")
	device := iface.String("device")
	if device == "" && iface.String("bridge") != "" {
		device = uplinkDevice(con.ID(), iface.ID())
		if _, err := run(ctx, d.host, "ip", "link", "add", device, "type", "veth", "peer", "name", device+"p"); err != nil {
			return err
		}
		if _, err := run(ctx, d.host, "brctl", "addif", iface.String("bridge"), device+"p"); err != nil {
			return err
		}
		if _, err := run(ctx, d.host, "ip", "link", "set", device+"p", "up"); err != nil {
			return err
		}
	}
	if device == "" {
		return engine.NewInternalError("interface has no device", nil).WithType(iface.Type()).WithID(iface.ID())
	}
	if _, err := run(ctx, d.host, "brctl", "addif", bridge, device); err != nil {
		return err
	}
	if _, err := run(ctx, d.host, "ip", "link", "set", device, "up"); err != nil {
		return err
	}
	return d.shape(ctx, con, device)
}

func (d *BridgeDriver) Unlink(ctx context.Context, con *engine.Handle, iface *engine.Handle) error {
	device := iface.String("device")
	if device == "" && iface.String("bridge") != "" {
		// Deleting one end removes the pair and both bridge ports.
		_, err := run(ctx, d.host, "ip", "link", "del", uplinkDevice(con.ID(), iface.ID()))
		return err
	}
	if device == "" {
		return nil
	}
	if _, err := run(ctx, d.host, "tc", "qdisc", "del", "dev", device, "root"); err != nil && !isMissingQdisc(err) {
		return err
	}
	_, err := run(ctx, d.host, "brctl", "delif", con.String("bridge"), device)
	return err
}

func uplinkDevice(con, element engine.ID) string {
	return fmt.Sprintf("gup%d_%d", con, element)
}

func isMissingQdisc(err error) bool {
	return strings.Contains(err.Error(), "No such file") || strings.Contains(err.Error(), "Cannot delete qdisc")
}

// ApplyAttributes re-applies emulation on every linked member device while
// the bridge runs. Members that are not wired have no device to shape; they
// pick up the attributes when they are linked.
func (d *BridgeDriver) ApplyAttributes(ctx context.Context, h *engine.Handle, changed engine.Attributes) error {
	if h.State() != StateStarted {
		return nil
	}
	if _, ok := changed["capturing"]; ok {
		if err := d.capture(ctx, h); err != nil {
			return err
		}
	}
	members := h.Members()
	for _, m := range members {
		device, _ := m.Attrs["device"].(string)
		if device == "" || !m.Linked {
			continue
		}
		if err := d.shapeDirection(ctx, h, device, firstDevice(members, device)); err != nil {
			return err
		}
	}
	return nil
}

// shape applies the emulation attributes to a newly linked device.
func (d *BridgeDriver) shape(ctx context.Context, con *engine.Handle, device string) error {
	return d.shapeDirection(ctx, con, device, firstDevice(con.Members(), device))
}

// firstDevice reports whether device belongs to the first member carrying a
// device. That member gets the "to" direction and the others "from", whether
// or not they are wired right now.
func firstDevice(members []engine.ElementInfo, device string) bool {
	for _, m := range members {
		if dev, _ := m.Attrs["device"].(string); dev != "" {
			return dev == device
		}
	}
	return true
}

func (d *BridgeDriver) shapeDirection(ctx context.Context, con *engine.Handle, device string, to bool) error {
	suffix := "_from"
	if to {
		suffix = "_to"
	}
	args := netemArgs(
		con.Float(engine.AttrName("bandwidth"+suffix)),
		con.Float(engine.AttrName("delay"+suffix)),
		con.Float(engine.AttrName("lossratio"+suffix)),
	)
	if len(args) == 0 {
		if _, err := run(ctx, d.host, "tc", "qdisc", "del", "dev", device, "root"); err != nil && !isMissingQdisc(err) {
			return err
		}
		return nil
	}
	_, err := run(ctx, d.host, "tc", append([]string{"qdisc", "replace", "dev", device, "root", "netem"}, args...)...)
	return err
}

// netemArgs renders bandwidth in kbit/s, delay in ms and loss as a ratio.
func netemArgs(bandwidth, delay, loss float64) []string {
	var args []string
	if delay > 0 {
		args = append(args, "delay", strconv.FormatFloat(delay, 'f', -1, 64)+"ms")
	}
	if loss > 0 {
		args = append(args, "loss", strconv.FormatFloat(loss*100, 'f', -1, 64)+"%")
	}
	if bandwidth > 0 {
		args = append(args, "rate", strconv.FormatFloat(bandwidth, 'f', -1, 64)+"kbit")
	}
	return args
}

func (d *BridgeDriver) capture(ctx context.Context, h *engine.Handle) error {
	if !h.Bool("capturing") {
		return d.stopCapture(ctx, h)
	}
	if h.Int("capture_pid") > 0 {
		return nil
	}
	if _, err := run(ctx, d.host, "mkdir", "-p", d.host.dataDir(h.ID())); err != nil {
		return err
	}
	pid, err := d.host.spawn(ctx, d.host.dataPath(h.ID(), "capture.log"), "tcpdump",
		"-i", h.String("bridge"), "-w", d.host.dataPath(h.ID(), "capture.pcap"), "-U")
	if err != nil {
		return err
	}
	return h.SetAttr("capture_pid", pid)
}

func (d *BridgeDriver) stopCapture(ctx context.Context, h *engine.Handle) error {
	if err := d.host.kill(ctx, h.Int("capture_pid")); err != nil {
		return err
	}
	h.DeleteAttr("capture_pid")
	return nil
}

// FixedBridgeTable returns the capability table of a fixed bridge connection.
// It has a single state and is usable as soon as it exists.
func FixedBridgeTable() *engine.CapabilityTable {
	started := []engine.State{StateStarted}
	return &engine.CapabilityTable{
		Kind:   engine.KindConnection,
		States: started,
		Actions: map[engine.ActionName][]engine.State{
			engine.RemoveAction: started,
		},
		AttrStates: map[engine.AttrName][]engine.State{
			"bridge": started,
		},
		AttrRules: map[engine.AttrName]string{
			"bridge": "required,max=15",
		},
		ParentTypes:  []engine.TypeName{engine.NoParent},
		Concepts:     []engine.ConceptName{ConceptInterface},
		DefaultAttrs: engine.Attributes{"bridge": "vmbr0"},
	}
}

// FixedBridgeDriver joins interfaces into an existing host bridge.
type FixedBridgeDriver struct {
	host *Host
	handlers
}

var (
	_ engine.Driver = (*FixedBridgeDriver)(nil)
	_ engine.Linker = (*FixedBridgeDriver)(nil)
)

// NewFixedBridgeDriver creates the fixed bridge connection driver.
func NewFixedBridgeDriver(host *Host) *FixedBridgeDriver {
	return &FixedBridgeDriver{host: host, handlers: handlers{engine.RemoveAction: noop}}
}

func (d *FixedBridgeDriver) Init(context.Context, *engine.Handle) error { return nil }

func (d *FixedBridgeDriver) Link(ctx context.Context, con *engine.Handle, iface *engine.Handle) error {
	device := iface.String("device")
	if device == "" {
		return nil
	}
	if _, err := run(ctx, d.host, "brctl", "addif", con.String("bridge"), device); err != nil {
		return err
	}
	_, err := run(ctx, d.host, "ip", "link", "set", device, "up")
	return err
}

func (d *FixedBridgeDriver) Unlink(ctx context.Context, con *engine.Handle, iface *engine.Handle) error {
	device := iface.String("device")
	if device == "" {
		return nil
	}
	_, err := run(ctx, d.host, "brctl", "delif", con.String("bridge"), device)
	return err
}
