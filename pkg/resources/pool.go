package resources

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmanager/pkg/engine"
	"github.com/openfroyo/hostmanager/pkg/telemetry"
)

// Range is an inclusive range of resource numbers.
type Range struct {
	Start int `yaml:"start" json:"start" validate:"gte=1"`
	End   int `yaml:"end" json:"end" validate:"gtefield=Start"`
}

// Size returns the number of values in the range.
func (r Range) Size() int {
	return r.End - r.Start + 1
}

// Allocation is one checked-out resource.
type Allocation struct {
	Kind    engine.ResourceKind `json:"kind"`
	Num     int                 `json:"num"`
	Holder  engine.ID           `json:"holder"`
	TakenAt time.Time           `json:"taken_at"`
}

// AllocationStore persists the checked-out set so it survives restarts.
type AllocationStore interface {
	SaveAllocation(ctx context.Context, a Allocation) error
	DeleteAllocation(ctx context.Context, kind engine.ResourceKind, num int) error
	DeleteAllocations(ctx context.Context, holder engine.ID) error
	LoadAllocations(ctx context.Context) ([]Allocation, error)
}

// Pool hands out numbers from fixed per-kind ranges. It implements
// engine.ResourcePool.
type Pool struct {
	mu     sync.Mutex
	ranges map[engine.ResourceKind]Range
	taken  map[engine.ResourceKind]map[int]Allocation
	store  AllocationStore
	logger zerolog.Logger
	now    func() time.Time
}

var _ engine.ResourcePool = (*Pool)(nil)

// NewPool creates a pool over ranges. The store may be nil.
func NewPool(ranges map[engine.ResourceKind]Range, store AllocationStore, logger zerolog.Logger) (*Pool, error) {
	p := &Pool{
		ranges: make(map[engine.ResourceKind]Range, len(ranges)),
		taken:  make(map[engine.ResourceKind]map[int]Allocation, len(ranges)),
		store:  store,
		logger: logger.With().Str("component", "resource-pool").Logger(),
		now:    time.Now,
	}
	for kind, r := range ranges {
		if r.Start < 1 || r.End < r.Start {
			return nil, fmt.Errorf("invalid %s range %d-%d", kind, r.Start, r.End)
		}
		p.ranges[kind] = r
		p.taken[kind] = make(map[int]Allocation)
	}
	return p, nil
}

// Restore reloads the checked-out set from the store. Allocations outside
// the configured ranges are kept so they are never handed out twice.
func (p *Pool) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	allocations, err := p.store.LoadAllocations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load allocations: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range allocations {
		taken, ok := p.taken[a.Kind]
		if !ok {
			p.logger.Warn().Str("kind", string(a.Kind)).Int("num", a.Num).Msg("Restored allocation of unconfigured kind")
			taken = make(map[int]Allocation)
			p.taken[a.Kind] = taken
		}
		taken[a.Num] = a
	}
	p.logger.Info().Int("allocations", len(allocations)).Msg("Restored resource allocations")
	return nil
}

// Take checks out the lowest free number of kind for holder.
func (p *Pool) Take(ctx context.Context, kind engine.ResourceKind, holder engine.ID) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.ranges[kind]
	if !ok {
		return 0, fmt.Errorf("no %s range configured", kind)
	}
	taken := p.taken[kind]
	for num := r.Start; num <= r.End; num++ {
		if _, used := taken[num]; used {
			continue
		}

		a := Allocation{Kind: kind, Num: num, Holder: holder, TakenAt: p.now().UTC()}
		if p.store != nil {
			if err := p.store.SaveAllocation(ctx, a); err != nil {
				return 0, fmt.Errorf("failed to persist %s %d: %w", kind, num, err)
			}
		}
		taken[num] = a
		p.report(ctx, kind)

		p.logger.Debug().Str("kind", string(kind)).Int("num", num).Int64("holder", int64(holder)).Msg("Resource taken")
		return num, nil
	}
	return 0, fmt.Errorf("all %d %s resources are in use", r.Size(), kind)
}

// Give returns num to the pool. Giving a number held by someone else fails.
func (p *Pool) Give(ctx context.Context, kind engine.ResourceKind, num int, holder engine.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.taken[kind][num]
	if !ok {
		return nil
	}
	if a.Holder != holder {
		return fmt.Errorf("%s %d is held by %d, not %d", kind, num, a.Holder, holder)
	}
	if p.store != nil {
		if err := p.store.DeleteAllocation(ctx, kind, num); err != nil {
			return fmt.Errorf("failed to release %s %d: %w", kind, num, err)
		}
	}
	delete(p.taken[kind], num)
	p.report(ctx, kind)
	return nil
}

// ReleaseAll returns every number held by holder.
func (p *Pool) ReleaseAll(ctx context.Context, holder engine.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.store != nil {
		if err := p.store.DeleteAllocations(ctx, holder); err != nil {
			return fmt.Errorf("failed to release resources of %d: %w", holder, err)
		}
	}
	for kind, taken := range p.taken {
		released := 0
		for num, a := range taken {
			if a.Holder == holder {
				delete(taken, num)
				released++
			}
		}
		if released > 0 {
			p.report(ctx, kind)
		}
	}
	return nil
}

// InUse returns the number of checked-out values of kind.
func (p *Pool) InUse(kind engine.ResourceKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.taken[kind])
}

// Capacity returns the size of the range of kind.
func (p *Pool) Capacity(kind engine.ResourceKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.ranges[kind]
	if !ok {
		return 0
	}
	return r.Size()
}

// Holdings returns the allocations of holder sorted by kind and number.
func (p *Pool) Holdings(holder engine.ID) []Allocation {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Allocation
	for _, taken := range p.taken {
		for _, a := range taken {
			if a.Holder == holder {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Num < out[j].Num
	})
	return out
}

func (p *Pool) report(ctx context.Context, kind engine.ResourceKind) {
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.SetPoolInUse(string(kind), float64(len(p.taken[kind])))
	}
}
