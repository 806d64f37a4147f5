package jobs

import (
	"math"
	"time"

	"github.com/mealhall/mealhall-core/types"
)

// JobSpec is the catalog entry for one job kind: who runs it, on which lane,
// how often it may be retried and how long one attempt may take. The timeout
// is enforced by the worker from outside the handler, so a handler stuck on a
// dead socket still releases its slot.
type JobSpec struct {
	Handler     types.JobHandler
	Lane        types.Lane
	MaxAttempts int
	Timeout     time.Duration
	BackoffBase time.Duration
}

// Catalog maps job kinds to their specs. Enqueueing an unknown kind fails at
// enqueue time, not at execution time, so the producer gets the error.
type Catalog struct {
	specs map[types.JobKind]*JobSpec
}

func NewCatalog() *Catalog {
	return &Catalog{specs: make(map[types.JobKind]*JobSpec)}
}

func (c *Catalog) Register(kind types.JobKind, spec *JobSpec) error {
	if spec == nil || spec.Handler == nil {
		return types.ErrJobHandlerIsNil
	}

	if spec.Lane == "" {
		spec.Lane = types.LaneDefault
	}
	if spec.MaxAttempts < 1 {
		spec.MaxAttempts = 1
	}
	if spec.Timeout <= 0 {
		spec.Timeout = 30 * time.Second
	}
	if spec.BackoffBase <= 0 {
		spec.BackoffBase = 10 * time.Second
	}

	c.specs[kind] = spec
	return nil
}

func (c *Catalog) Lookup(kind types.JobKind) (*JobSpec, error) {
	spec, exists := c.specs[kind]
	if !exists {
		return nil, types.Errorf(types.ErrJobKindUnknown, "kind: %s", kind)
	}
	return spec, nil
}

func (c *Catalog) Kinds() []types.JobKind {
	kinds := make([]types.JobKind, 0, len(c.specs))
	for kind := range c.specs {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Validate runs at startup, before the worker pool accepts traffic.
func (c *Catalog) Validate() error {
	if len(c.specs) == 0 {
		return types.ErrJobCatalogEmpty
	}

	for kind, spec := range c.specs {
		if spec.Handler == nil {
			return types.Errorf(types.ErrJobHandlerIsNil, "kind: %s", kind)
		}
		switch spec.Lane {
		case types.LaneCritical, types.LaneDefault, types.LaneBulk:
		default:
			return types.Errorf(types.ErrLaneUnknown, "kind %s, lane %s", kind, spec.Lane)
		}
	}
	return nil
}

// Backoff returns the delay before the given retry. Each failed attempt
// triples the wait, so a 10s base yields 10s, 30s, 90s. attempt is the number
// of attempts already made.
func (spec *JobSpec) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(spec.BackoffBase) * math.Pow(3, float64(attempt-1)))
}
