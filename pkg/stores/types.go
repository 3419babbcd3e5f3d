package stores

import (
	"context"
	"time"

	"github.com/openfroyo/hostmanager/pkg/engine"
	"github.com/openfroyo/hostmanager/pkg/resources"
	"github.com/openfroyo/hostmanager/pkg/telemetry"
)

// AuditFilter selects audit entries. Zero fields match everything.
type AuditFilter struct {
	Target engine.ID
	Owner  string
	Op     string
	Limit  int
}

// EventFilter selects stored events. Zero fields match everything.
type EventFilter struct {
	Target int64
	Type   string
	Since  time.Time
	Limit  int
}

// Store is the persistence layer of the host manager: element and connection
// records, the audit trail, lifecycle events and resource allocations.
type Store interface {
	engine.StateStore
	resources.AllocationStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Audit
	ListAudit(ctx context.Context, filter AuditFilter) ([]engine.AuditEntry, error)

	// Events
	AppendEvent(ctx context.Context, event telemetry.Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]telemetry.Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

const defaultListLimit = 100

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
