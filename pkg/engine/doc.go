// Package engine is the kernel of the host manager: capability tables, the
// per-record state machine, the attribute gate, the parent/child topology and
// the connection concept resolver.
//
// # Overview
//
// Every element and connection type registers a CapabilityTable describing
// which actions may run in which state, which attributes may be written in
// which state, which child types may be created under it, which parent types
// it accepts and which connection concepts it offers. A Driver supplies the
// provisioning side effects. The kernel checks every request against the
// table before the driver runs, and records a new state only after the driver
// succeeds.
//
// # Request flow
//
//  1. TypeRegistry lookup of the capability table and driver
//  2. AttributeGate and Dispatcher.Authorize checks (CapabilityError on refusal)
//  3. Topology checks for parent/child and concept compatibility
//  4. Admission (optional policy engine)
//  5. Driver call through Dispatcher.Invoke (ResourceError on failure)
//  6. Persist the new record snapshot, then publish it in the Topology
//
// # Records and locking
//
// Records are immutable snapshots owned by the Topology and replaced as a
// whole. Reads such as Info never lock. A state-changing operation locks the
// records it touches, in ascending id order, for the duration of validation
// and driver execution. There is no topology-wide lock.
//
// # Wiring
//
// Interface elements attached to a connection are wired on the host only
// while their owner (the parent, or the element itself) is in one of its
// LinkStates and the connection is in one of its own, if it declares any.
// Wiring is set up after an action enters a link state and torn down before
// an action leaves one.
//
// # Children following their parent
//
// A table with FollowParent set describes an element managed by its parent,
// such as a network interface. It is created in the parent's state and is
// moved along with every committed parent transition to a state it declares,
// under the same locks as the parent action.
//
// # Removal
//
// Remove with cascade removes descendants depth first. All capability checks
// happen before the first driver call; a driver failure part way stops the
// cascade and returns a RemovalError. Removed records are not resurrected.
//
// # Errors
//
// Every error returned by the Manager is an *EngineError (or a RemovalError
// wrapping one) of kind capability, resource, not_found or internal. Only
// resource errors are worth retrying.
package engine
