package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registration describes one type offered at startup.
type Registration struct {
	Name          TypeName
	Table         *CapabilityTable
	Driver        Driver
	Prerequisites []Prerequisite
}

// TypeInfo summarizes a registered type.
type TypeInfo struct {
	Name  TypeName         `json:"name"`
	Table *CapabilityTable `json:"table"`
}

// SkippedType is a type left out because a prerequisite failed.
type SkippedType struct {
	Name   TypeName `json:"name"`
	Reason string   `json:"reason"`
}

type typeEntry struct {
	table  *CapabilityTable
	driver Driver
}

// TypeRegistry maps type names to capability tables and drivers. Registration
// happens at startup; lookups are read-mostly.
type TypeRegistry struct {
	mu      sync.RWMutex
	types   map[TypeName]*typeEntry
	skipped map[TypeName]string
	logger  zerolog.Logger
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry(logger zerolog.Logger) *TypeRegistry {
	return &TypeRegistry{
		types:   make(map[TypeName]*typeEntry),
		skipped: make(map[TypeName]string),
		logger:  logger.With().Str("component", "type-registry").Logger(),
	}
}

// Register adds a type. It fails if the name is taken or the table is
// inconsistent.
func (r *TypeRegistry) Register(name TypeName, table *CapabilityTable, driver Driver) error {
	if name == "" {
		return NewInternalError("type name is required", nil)
	}
	if table == nil || driver == nil {
		return NewInternalError("capability table and driver are required", nil).WithType(name)
	}
	if err := table.Validate(); err != nil {
		return NewInternalError("invalid capability table", err).WithType(name)
	}
	for a := range table.Actions {
		if _, ok := driver.Handler(a); !ok {
			return NewInternalError(fmt.Sprintf("driver has no handler for action %s", a), nil).
				WithType(name).WithAction(a)
		}
	}

	stored := table.Clone()
	for k, v := range stored.DefaultAttrs {
		nv, err := normalizeValue(v)
		if err != nil {
			return NewInternalError("invalid default value", err).WithType(name).WithAttribute(k)
		}
		stored.DefaultAttrs[k] = nv
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[name]; exists {
		return NewInternalError("type already registered", nil).
			WithType(name).WithCode(ErrCodeAlreadyExists)
	}
	r.types[name] = &typeEntry{table: stored, driver: driver}
	delete(r.skipped, name)

	r.logger.Debug().Str("type", string(name)).Str("kind", string(table.Kind)).Msg("Type registered")
	return nil
}

// RegisterAvailable registers every type whose prerequisites hold. Types with
// a failing prerequisite are skipped with a warning. Registration errors are
// returned because they are defects in the type itself.
func (r *TypeRegistry) RegisterAvailable(ctx context.Context, regs ...Registration) ([]SkippedType, error) {
	var skipped []SkippedType

	for _, reg := range regs {
		if reason := checkPrerequisites(ctx, reg.Prerequisites); reason != "" {
			r.logger.Warn().
				Str("type", string(reg.Name)).
				Str("reason", reason).
				Msg("Type not registered, prerequisite missing")
			r.mu.Lock()
			r.skipped[reg.Name] = reason
			r.mu.Unlock()
			skipped = append(skipped, SkippedType{Name: reg.Name, Reason: reason})
			continue
		}

		if err := r.Register(reg.Name, reg.Table, reg.Driver); err != nil {
			return skipped, err
		}
	}

	return skipped, nil
}

func checkPrerequisites(ctx context.Context, prereqs []Prerequisite) string {
	for _, p := range prereqs {
		if err := p.Check(ctx); err != nil {
			return fmt.Sprintf("%s: %v", p.Name(), err)
		}
	}
	return ""
}

// Lookup returns the table and driver for a type.
func (r *TypeRegistry) Lookup(name TypeName) (*CapabilityTable, Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.types[name]
	if !ok {
		err := NewNotFoundError("unknown type").WithType(name)
		if reason, skipped := r.skipped[name]; skipped {
			err = err.WithDetail("skipped", reason)
		}
		return nil, nil, err
	}
	return entry.table, entry.driver, nil
}

// Table returns the capability table of a type.
func (r *TypeRegistry) Table(name TypeName) (*CapabilityTable, error) {
	t, _, err := r.Lookup(name)
	return t, err
}

// Types lists registered types sorted by name.
func (r *TypeRegistry) Types() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TypeInfo, 0, len(r.types))
	for name, entry := range r.types {
		out = append(out, TypeInfo{Name: name, Table: entry.table})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Skipped lists types left out at startup.
func (r *TypeRegistry) Skipped() []SkippedType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SkippedType, 0, len(r.skipped))
	for name, reason := range r.skipped {
		out = append(out, SkippedType{Name: name, Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Verify checks cross-type references. A table naming a child or parent type
// that is neither registered nor skipped is an internal error.
func (r *TypeRegistry) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	known := func(n TypeName) bool {
		if _, ok := r.types[n]; ok {
			return true
		}
		_, ok := r.skipped[n]
		return ok
	}

	for name, entry := range r.types {
		for state, children := range entry.table.ChildTypes {
			for _, c := range children {
				if !known(c) {
					return NewInternalError(fmt.Sprintf("child type %s is not registered", c), nil).
						WithType(name).WithState(state)
				}
				if ce, ok := r.types[c]; ok && !ce.table.ParentAllowed(name) {
					return NewInternalError(fmt.Sprintf("child type %s does not accept parent %s", c, name), nil).
						WithType(name).WithState(state)
				}
			}
		}
		for _, p := range entry.table.ParentTypes {
			if p != NoParent && !known(p) {
				return NewInternalError(fmt.Sprintf("parent type %s is not registered", p), nil).WithType(name)
			}
		}
	}
	return nil
}
