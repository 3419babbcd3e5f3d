package drivers

import (
	"slices"

	"github.com/openfroyo/hostmanager/pkg/engine"
)

// Options selects the built-in types offered at startup.
type Options struct {
	// Disabled lists type names that are never registered. Disabling a type
	// also disables its interface type and vice versa.
	Disabled []string

	// SkipPrerequisites registers every type without probing the host.
	SkipPrerequisites bool
}

// Builtin holds the driver instances of the built-in types so callers can
// reach driver specific state such as running wasm programs.
type Builtin struct {
	Host *Host
	WASM *WASMDriver

	registrations []engine.Registration
}

// NewBuiltin creates the built-in drivers over host.
func NewBuiltin(host *Host, opts Options) *Builtin {
	packages := NewPackageChecker(host.Runner)
	pkg := func(name, min string) engine.Prerequisite {
		return PackagePrerequisite{Checker: packages, Package: name, MinVersion: min}
	}
	cmd := func(name string) engine.Prerequisite {
		return CommandPrerequisite{Runner: host.Runner, Command: name}
	}
	bridgeTools := []engine.Prerequisite{cmd("brctl"), cmd("ip")}

	b := &Builtin{Host: host, WASM: NewWASMDriver(host)}
	all := []engine.Registration{
		{Name: TypeRepy, Table: RepyTable(), Driver: NewRepyDriver(host),
			Prerequisites: []engine.Prerequisite{pkg("tomato-repy", "0.5"), pkg("vncterm", "")}},
		{Name: TypeRepyInterface, Table: RepyInterfaceTable(), Driver: NewRepyInterfaceDriver(),
			Prerequisites: []engine.Prerequisite{pkg("tomato-repy", "0.5")}},
		{Name: TypeOpenVZ, Table: OpenVZTable(), Driver: NewOpenVZDriver(host),
			Prerequisites: []engine.Prerequisite{cmd("vzctl")}},
		{Name: TypeOpenVZInterface, Table: OpenVZInterfaceTable(), Driver: NewOpenVZInterfaceDriver(host),
			Prerequisites: []engine.Prerequisite{cmd("vzctl")}},
		{Name: TypeKVMQM, Table: KVMQMTable(), Driver: NewKVMQMDriver(host),
			Prerequisites: []engine.Prerequisite{pkg("qemu-server", "")}},
		{Name: TypeKVMQMInterface, Table: KVMQMInterfaceTable(), Driver: NewKVMQMInterfaceDriver(host),
			Prerequisites: []engine.Prerequisite{pkg("qemu-server", "")}},
		{Name: TypeWASM, Table: WASMTable(), Driver: b.WASM},
		{Name: TypeWASMInterface, Table: WASMInterfaceTable(), Driver: NewWASMInterfaceDriver()},
		{Name: TypeExternalNetwork, Table: ExternalNetworkTable(), Driver: NewExternalNetworkDriver(host),
			Prerequisites: []engine.Prerequisite{cmd("ip")}},
		{Name: TypeBridge, Table: BridgeTable(), Driver: NewBridgeDriver(host),
			Prerequisites: append(bridgeTools, cmd("tc"))},
		{Name: TypeFixedBridge, Table: FixedBridgeTable(), Driver: NewFixedBridgeDriver(host),
			Prerequisites: bridgeTools},
	}

	for _, reg := range all {
		if disabled(reg, opts.Disabled) {
			continue
		}
		if opts.SkipPrerequisites {
			reg.Prerequisites = nil
		}
		b.registrations = append(b.registrations, reg)
	}
	return b
}

// disabled reports whether reg or a type it references is disabled. Element
// types and their interface types are always enabled together.
func disabled(reg engine.Registration, names []string) bool {
	if slices.Contains(names, string(reg.Name)) {
		return true
	}
	for _, p := range reg.Table.ParentTypes {
		if slices.Contains(names, string(p)) {
			return true
		}
	}
	for _, children := range reg.Table.ChildTypes {
		for _, c := range children {
			if slices.Contains(names, string(c)) {
				return true
			}
		}
	}
	return false
}

// Registrations returns the enabled types for engine.TypeRegistry.RegisterAvailable.
func (b *Builtin) Registrations() []engine.Registration {
	return slices.Clone(b.registrations)
}

// Close stops in-process programs.
func (b *Builtin) Close() {
	b.WASM.Close()
}
