// Package config loads the host configuration and parses topology blueprints.
//
// # Host configuration
//
// HostConfig describes one managed host: the record store, where host
// commands run, the resource pools, the driver environment, admission
// policies and the reaper. Load layers three sources in increasing
// precedence:
//
//  1. DefaultHostConfig
//  2. an optional YAML file
//  3. HOSTMGR_ environment variables, e.g. HOSTMGR_DATABASE_PATH
//
// Flags bound to the viper instance before Load override all three.
// LoadHostConfig reads a single file strictly and rejects unknown keys.
//
// # Blueprints
//
// A blueprint declares elements and connections in CUE:
//
//	blueprint: {
//		name:     "lab"
//		owner:    "alice"
//		lifetime: "24h"
//	}
//
//	elements: {
//		vm1: {type: "kvmqm", actions: ["prepare", "start"]}
//		vm1_eth0: {type: "kvmqm_interface", parent: "vm1"}
//	}
//
//	connections: lan: {
//		type:    "bridge"
//		members: ["vm1_eth0"]
//		actions: ["start"]
//	}
//
// BlueprintParser validates the document against the built-in #Blueprint
// schema, then checks that names are unique, that parents and members refer
// to declared elements and that no parent chain is cyclic. Problems are
// collected in Blueprint.Errors with file positions where CUE provides them.
//
// Repetitive topologies can be produced by a Starlark generator, either the
// generator field of the blueprint or a separate .star file. The generator
// sees blueprint.variables as globals and the helpers element() and
// connection(); its elements and connections globals are unified with the
// CUE declarations. See StarlarkEvaluator for the script contract.
package config
