// Package drivers provides the built-in element and connection types of the
// host manager: repy and wasm sandbox programs, OpenVZ containers, Proxmox qm
// virtual machines with their network interfaces, external networks, and the
// bridge and fixed_bridge connections.
//
// Each type is a capability table plus a driver. The tables are plain data
// returned by the *Table functions; the drivers turn actions into host
// commands run through a hostexec.Runner, so the same driver works on the
// local machine and over SSH.
//
// Interfaces carry two internal attributes set at creation: name (eth<N>, the
// lowest number not used by a sibling) and device, the host side network
// device that connection drivers wire into bridges. They share the states of
// their parent and may only be removed or reconfigured while the parent still
// accepts new interfaces.
//
// Usage:
//
//	host := &drivers.Host{Runner: hostexec.NewLocalRunner(logger), DataDir: "/var/lib/hostmgr"}
//	builtin := drivers.NewBuiltin(host, drivers.Options{})
//	defer builtin.Close()
//	skipped, err := registry.RegisterAvailable(ctx, builtin.Registrations()...)
package drivers
