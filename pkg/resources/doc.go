// Package resources implements the per-host pool of scarce numbers handed
// out to elements, such as VNC ports and container ids. Allocations are
// persisted through an AllocationStore and restored on startup so a number is
// never handed out twice across restarts.
package resources
