package drivers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/openfroyo/hostmanager/pkg/engine"
)

const (
	TypeWASM          engine.TypeName = "wasm"
	TypeWASMInterface engine.TypeName = "wasm_interface"
)

// WASMTable returns the capability table of a WebAssembly sandbox program.
func WASMTable() *engine.CapabilityTable {
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
			"module":       created,
			"args":         created,
			"memory_pages": created,
		},
		AttrRules: map[engine.AttrName]string{
			"memory_pages": "gte=1,lte=65536",
		},
		ChildTypes: map[engine.State][]engine.TypeName{
			StateCreated: {TypeWASMInterface},
		},
		ParentTypes: []engine.TypeName{engine.NoParent},
		DefaultAttrs: engine.Attributes{
			"args":         []string{},
			"memory_pages": 256.0,
		},
	}
}

// WASMInterfaceTable returns the capability table of a wasm program interface.
func WASMInterfaceTable() *engine.CapabilityTable {
	return interfaceTable(TypeWASM, WASMTable())
}

// syncBuffer collects program output written from the module goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// wasmInstance is one running program.
type wasmInstance struct {
	cancel context.CancelFunc
	done   chan struct{}
	output *syncBuffer
}

// WASMDriver runs WebAssembly programs in-process with wazero. Each program
// gets its own runtime so its memory limit and lifetime are independent.
type WASMDriver struct {
	host *Host
	handlers

	mu        sync.Mutex
	instances map[engine.ID]*wasmInstance
}

var (
	_ engine.Driver           = (*WASMDriver)(nil)
	_ engine.AttributeApplier = (*WASMDriver)(nil)
)

// NewWASMDriver creates the wasm driver.
func NewWASMDriver(host *Host) *WASMDriver {
	d := &WASMDriver{host: host, instances: make(map[engine.ID]*wasmInstance)}
	d.handlers = handlers{
		ActionStart:         d.start,
		ActionStop:          d.stop,
		engine.RemoveAction: d.remove,
	}
	return d
}

func (d *WASMDriver) Init(ctx context.Context, h *engine.Handle) error {
	if _, err := run(ctx, d.host, "mkdir", "-p", d.host.dataDir(h.ID())); err != nil {
		return err
	}
	return d.useModule(ctx, h)
}

func (d *WASMDriver) ApplyAttributes(ctx context.Context, h *engine.Handle, changed engine.Attributes) error {
	if _, ok := changed["module"]; ok {
		return d.useModule(ctx, h)
	}
	return nil
}

func (d *WASMDriver) useModule(ctx context.Context, h *engine.Handle) error {
	_, err := run(ctx, d.host, "cp", d.host.templatePath(TypeWASM, h.String("module"), ".wasm"), d.host.dataPath(h.ID(), "program.wasm"))
	return err
}

func (d *WASMDriver) start(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	var code bytes.Buffer
	if err := d.host.Runner.ReadFile(ctx, d.host.dataPath(h.ID(), "program.wasm"), &code); err != nil {
		return engine.NewResourceError("failed to read program", err).WithCode(engine.ErrCodeDriverFailed)
	}

	// The program outlives this call, so it runs under its own context.
	runCtx, cancel := context.WithCancel(context.Background())
	runtime := wazero.NewRuntimeWithConfig(runCtx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(uint32(h.Int("memory_pages"))).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(runCtx, runtime); err != nil {
		cancel()
		_ = runtime.Close(context.Background())
		return fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	compiled, err := runtime.CompileModule(ctx, code.Bytes())
	if err != nil {
		cancel()
		_ = runtime.Close(context.Background())
		return engine.NewCapabilityError(fmt.Sprintf("invalid program: %v", err)).
			WithCode(engine.ErrCodeInvalidValue).WithType(h.Type()).WithAction(ActionStart)
	}

	output := &syncBuffer{}
	config := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("wasm%d", h.ID())).
		WithArgs(append([]string{"program.wasm"}, h.Strings("args")...)...).
		WithStdout(output).
		WithStderr(output).
		WithSysWalltime().
		WithSysNanotime()

	inst := &wasmInstance{cancel: cancel, done: make(chan struct{}), output: output}
	logger := h.Logger()
	go func() {
		defer close(inst.done)
		defer runtime.Close(context.Background())
		_, err := runtime.InstantiateModule(runCtx, compiled, config)
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			err = nil
		}
		if err != nil && runCtx.Err() == nil {
			logger.Warn().Err(err).Msg("WASM program failed")
		}
	}()

	d.mu.Lock()
	d.instances[h.ID()] = inst
	d.mu.Unlock()
	return nil
}

func (d *WASMDriver) stop(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	d.mu.Lock()
	inst, ok := d.instances[h.ID()]
	d.mu.Unlock()
	if !ok {
		// Not running in this process, for example after a restart.
		return nil
	}

	inst.cancel()
	select {
	case <-inst.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	delete(d.instances, h.ID())
	d.mu.Unlock()

	return d.host.Runner.WriteFile(ctx, d.host.dataPath(h.ID(), "program.log"), strings.NewReader(inst.output.String()), 0644)
}

func (d *WASMDriver) remove(ctx context.Context, h *engine.Handle, _ engine.Args) error {
	_, err := run(ctx, d.host, "rm", "-rf", d.host.dataDir(h.ID()))
	return err
}

// Running reports whether the program of element id is still executing.
func (d *WASMDriver) Running(id engine.ID) bool {
	d.mu.Lock()
	inst, ok := d.instances[id]
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-inst.done:
		return false
	default:
		return true
	}
}

// Output returns what the program of element id has written so far.
func (d *WASMDriver) Output(id engine.ID) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inst, ok := d.instances[id]; ok {
		return inst.output.String()
	}
	return ""
}

// Close stops every running program.
func (d *WASMDriver) Close() {
	d.mu.Lock()
	instances := d.instances
	d.instances = make(map[engine.ID]*wasmInstance)
	d.mu.Unlock()
	for _, inst := range instances {
		inst.cancel()
		<-inst.done
	}
}

// WASMInterfaceDriver names wasm program interfaces.
type WASMInterfaceDriver struct {
	handlers
}

// NewWASMInterfaceDriver creates the wasm interface driver.
func NewWASMInterfaceDriver() *WASMInterfaceDriver {
	return &WASMInterfaceDriver{handlers: handlers{engine.RemoveAction: noop}}
}

func (d *WASMInterfaceDriver) Init(ctx context.Context, h *engine.Handle) error {
	return h.SetAttr("name", nextInterfaceName(h.Siblings()))
}
