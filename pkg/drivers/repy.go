package drivers

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/openfroyo/hostmanager/pkg/engine"
)

const (
	TypeRepy          engine.TypeName = "repy"
	TypeRepyInterface engine.TypeName = "repy_interface"
)

// Repy states.
const (
	StateCreated  engine.State = "created"
	StatePrepared engine.State = "prepared"
	StateStarted  engine.State = "started"
)

// Common actions.
const (
	ActionPrepare       engine.ActionName = "prepare"
	ActionDestroy       engine.ActionName = "destroy"
	ActionStart         engine.ActionName = "start"
	ActionStop          engine.ActionName = "stop"
	ActionUploadGrant   engine.ActionName = "upload_grant"
	ActionUploadUse     engine.ActionName = "upload_use"
	ActionDownloadGrant engine.ActionName = "download_grant"
)

// ConceptInterface is the connection concept offered by network interfaces.
const ConceptInterface engine.ConceptName = "interface"

// RepyTable returns the capability table of the repy sandbox program.
func RepyTable() *engine.CapabilityTable {
	created := []engine.State{StateCreated}
	return &engine.CapabilityTable{
		Kind:   engine.KindElement,
		States: []engine.State{StateCreated, StateStarted},
		Actions: map[engine.ActionName][]engine.State{
			ActionStart:         created,
			ActionStop:          {StateStarted},
			ActionUploadGrant:   created,
			ActionUploadUse:     created,
			ActionDownloadGrant: created,
			engine.RemoveAction: created,
		},
		NextState: map[engine.ActionName]engine.State{
			ActionStart: StateStarted,
			ActionStop:  StateCreated,
		},
		AttrStates: map[engine.AttrName][]engine.State{
			"template":  created,
			"args":      created,
			"cpus":      created,
			"ram":       created,
			"bandwidth": created,
		},
		AttrRules: map[engine.AttrName]string{
			"cpus":      "gte=0.01,lte=4",
			"ram":       "gte=10,lte=4096",
			"bandwidth": "gte=1024,lte=10000000000",
		},
		ChildTypes: map[engine.State][]engine.TypeName{
			StateCreated: {TypeRepyInterface},
		},
		ParentTypes: []engine.TypeName{engine.NoParent},
		LinkStates:  []engine.State{StateStarted},
		DefaultAttrs: engine.Attributes{
			"args":      []string{},
			"cpus":      0.25,
			"ram":       25.0,
			"bandwidth": 1000000.0,
		},
	}
}

// RepyInterfaceTable returns the capability table of a repy network interface.
func RepyInterfaceTable() *engine.CapabilityTable {
	return interfaceTable(TypeRepy, RepyTable())
}

// interfaceTable is the shape shared by the interface types. An interface
// mirrors the state of its parent and offers the interface concept. It may be
// removed, and attrs written, only while the parent accepts new interfaces.
func interfaceTable(parent engine.TypeName, parentTable *engine.CapabilityTable, attrs ...engine.AttrName) *engine.CapabilityTable {
	var open []engine.State
	for _, s := range parentTable.States {
		if len(parentTable.ChildTypes[s]) > 0 {
			open = append(open, s)
		}
	}
	writable := make(map[engine.AttrName][]engine.State, len(attrs))
	for _, k := range attrs {
		writable[k] = open
	}
	return &engine.CapabilityTable{
		Kind:   engine.KindElement,
		States: slices.Clone(parentTable.States),
		Actions: map[engine.ActionName][]engine.State{
			engine.RemoveAction: open,
		},
		AttrStates:   writable,
		ParentTypes:  []engine.TypeName{parent},
		Concepts:     []engine.ConceptName{ConceptInterface},
		FollowParent: true,
	}
}

// RepyDriver runs repy programs under the tomato-repy sandbox.
type RepyDriver struct {
	host *Host
	handlers
}

var (
	_ engine.Driver           = (*RepyDriver)(nil)
	_ engine.AttributeApplier = (*RepyDriver)(nil)
)

// NewRepyDriver creates the repy driver.
func NewRepyDriver(host *Host) *RepyDriver {
	d := &RepyDriver{host: host}
	d.handlers = handlers{
		ActionStart:         d.start,
		ActionStop:          d.stop,
		ActionUploadGrant:   d.uploadGrant,
		ActionUploadUse:     d.uploadUse,
		ActionDownloadGrant: d.downloadGrant,
		engine.RemoveAction: d.remove,
	}
	return d
}

// Init allocates the vm id and VNC port, then prepares the data directory
// with the default program and resource profile.
func (d *RepyDriver) Init(ctx context.Context, h *engine.Handle) error {
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
	if err := h.SetAttr("vncpassword", password); err != nil {
		return err
	}

	if _, err := run(ctx, d.host, "mkdir", "-p", d.host.dataDir(h.ID())); err != nil {
		return err
	}
	if err := d.useTemplate(ctx, h); err != nil {
		return err
	}
	return d.writeProfile(ctx, h)
}

func (d *RepyDriver) ApplyAttributes(ctx context.Context, h *engine.Handle, changed engine.Attributes) error {
	if _, ok := changed["template"]; ok {
		if err := d.useTemplate(ctx, h); err != nil {
			return err
		}
	}
	for _, k := range []engine.AttrName{"cpus", "ram", "bandwidth"} {
		if _, ok := changed[k]; ok {
			return d.writeProfile(ctx, h)
		}
	}
	return nil
}

func (d *RepyDriver) useTemplate(ctx context.Context, h *engine.Handle) error {
	_, err := run(ctx, d.host, "cp", d.host.templatePath(TypeRepy, h.String("template"), ".repy"), d.host.dataPath(h.ID(), "program.repy"))
	return err
}

// profile renders the sandbox resource limits.
func profile(h *engine.Handle) string {
	bandwidth := strconv.FormatFloat(h.Float("bandwidth"), 'f', -1, 64)
	lines := []string{
		fmt.Sprintf("resource cpu %s", strconv.FormatFloat(h.Float("cpus"), 'f', -1, 64)),
		fmt.Sprintf("resource memory %d", int64(h.Float("ram")*1000000)),
		fmt.Sprintf("resource netrecv %s", bandwidth),
		fmt.Sprintf("resource netsend %s", bandwidth),
		"resource diskused 1000000",
		"resource lograte 10000",
		"resource events 10000",
		"resource random 10000",
	}
	return strings.Join(lines, "\n") + "\n"
}

func (d *RepyDriver) writeProfile(ctx context.Context, h *engine.Handle) error {
	if err := d.host.Runner.WriteFile(ctx, d.host.dataPath(h.ID(), "resources"), strings.NewReader(profile(h)), 0644); err != nil {
		return engine.NewResourceError("failed to write resource profile", err).WithCode(engine.ErrCodeDriverFailed)
	}
	return nil
}

// repyDevice is the tap device of a repy interface.
func repyDevice(parent engine.ID, name string) string {
	return fmt.Sprintf("repy%d%s", parent, name)
}

func (d *RepyDriver) start(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	args := []string{
		"-p", d.host.dataPath(h.ID(), "program.repy"),
		"-r", d.host.dataPath(h.ID(), "resources"),
		"-v",
	}
	var devices []string
	for _, iface := range h.Children() {
		name, _ := iface.Attrs["name"].(string)
		device := repyDevice(h.ID(), name)
		args = append(args, "-i", fmt.Sprintf("%s,alias=%s", device, name))
		devices = append(devices, device)
	}
	args = append(args, h.Strings("args")...)

	pid, err := d.host.spawn(ctx, d.host.dataPath(h.ID(), "program.log"), "tomato-repy", args...)
	if err != nil {
		return err
	}
	if err := h.SetAttr("pid", pid); err != nil {
		return err
	}

	for _, device := range devices {
		if err := d.host.waitForDevice(ctx, device); err != nil {
			_ = d.host.kill(ctx, pid)
			return err
		}
	}

	vncpid, err := d.host.spawn(ctx, d.host.dataPath(h.ID(), "vnc.log"), "vncterm",
		"-timeout", "0",
		"-rfbport", strconv.Itoa(h.Int("vncport")),
		"-passwd", h.String("vncpassword"),
		"-c", "tail", "-f", d.host.dataPath(h.ID(), "program.log"))
	if err != nil {
		_ = d.host.kill(ctx, pid)
		return err
	}
	return h.SetAttr("vncpid", vncpid)
}

func (d *RepyDriver) stop(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	for _, k := range []engine.AttrName{"vncpid", "pid"} {
		if err := d.host.kill(ctx, h.Int(k)); err != nil {
			return err
		}
		h.DeleteAttr(k)
	}
	return nil
}

// uploadGrant issues a one-time token for uploading a new program.
func (d *RepyDriver) uploadGrant(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	return h.SetAttr("upload_grant", uuid.NewString())
}

// uploadUse checks the uploaded program and makes it the active one.
func (d *RepyDriver) uploadUse(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	if h.String("upload_grant") == "" {
		return engine.NewCapabilityError("no upload was granted").WithType(h.Type()).WithAction(ActionUploadUse)
	}
	uploaded := d.host.dataPath(h.ID(), "uploaded.repy")
	if _, err := d.host.Runner.Run(ctx, "repy-check", uploaded); err != nil {
		return engine.NewCapabilityError(fmt.Sprintf("uploaded program is invalid: %v", err)).
			WithCode(engine.ErrCodeInvalidValue).WithType(h.Type()).WithAction(ActionUploadUse)
	}
	if _, err := run(ctx, d.host, "mv", uploaded, d.host.dataPath(h.ID(), "program.repy")); err != nil {
		return err
	}
	h.DeleteAttr("upload_grant")
	return nil
}

// downloadGrant issues a one-time token for downloading the program.
func (d *RepyDriver) downloadGrant(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	return h.SetAttr("download_grant", uuid.NewString())
}

func (d *RepyDriver) remove(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	_, err := run(ctx, d.host, "rm", "-rf", d.host.dataDir(h.ID()))
	return err
}

// RepyInterfaceDriver names repy interfaces. The sandbox creates the tap
// device itself when the program starts.
type RepyInterfaceDriver struct {
	handlers
}

// NewRepyInterfaceDriver creates the repy interface driver.
func NewRepyInterfaceDriver() *RepyInterfaceDriver {
	return &RepyInterfaceDriver{handlers: handlers{engine.RemoveAction: noop}}
}

func (d *RepyInterfaceDriver) Init(ctx context.Context, h *engine.Handle) error {
	parent, ok := h.Parent()
	if !ok {
		return engine.NewInternalError("repy interface without parent", nil).WithType(h.Type())
	}
	name := nextInterfaceName(h.Siblings())
	if err := h.SetAttr("name", name); err != nil {
		return err
	}
	return h.SetAttr("device", repyDevice(parent.ID, name))
}
