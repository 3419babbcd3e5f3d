// Package stores provides the persistence layer of the host manager. The
// SQLite store runs in WAL mode with embedded golang-migrate migrations and
// keeps element and connection records, the audit trail, lifecycle events and
// resource allocations. The memory store keeps the same data in maps for
// tests and ephemeral runs.
package stores
