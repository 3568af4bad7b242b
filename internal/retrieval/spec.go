package retrieval

import (
	"fmt"
	"runtime"
	"time"

	"github.com/oceanum/nwp-fetch/internal/dataset"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	// ModeForecast pulls many leads from a single model cycle.
	ModeForecast Mode = "forecast"
	// ModeNowcast pulls one representative lead from each cycle in a range.
	ModeNowcast Mode = "nowcast"
)

// LeadRange is an inclusive range of forecast lead hours.
type LeadRange struct {
	Start int
	Stop  int
	Step  int
}

// Count returns how many leads the range enumerates.
func (l LeadRange) Count() int {
	if l.Step <= 0 || l.Stop < l.Start {
		return 0
	}
	return (l.Stop-l.Start)/l.Step + 1
}

// Spec describes one retrieval request. A Spec is treated as immutable once
// handed to a Retriever; per-run adjustments such as cycle discovery are
// made on a copy.
type Spec struct {
	Mode    Mode
	Model   string
	Product string

	// Forecast: the cycle to pull from. Zero means discover the newest
	// published cycle, stepping back up to Stepback cadence steps.
	Cycle    time.Time
	Leads    LeadRange
	Stepback int

	// Nowcast: the inclusive cycle range, the hours between cycles, and
	// the lead pulled from every cycle.
	Start     time.Time
	Stop      time.Time
	CycleStep int
	TimeStep  int

	// Pattern selects variables within each file, by exact short name or
	// as a substring of the ":NAME:LEVEL:" descriptor.
	Pattern string

	// Rename maps source variable and dimension names to output names.
	Rename map[string]string

	// Sorted orders the assembled timesteps chronologically and
	// normalizes the spatial axes to ascending order.
	Sorted bool

	// Duplicates picks the surviving slice when two cycles cover the same
	// valid time. Empty means the later cycle wins.
	Duplicates dataset.DuplicatePolicy

	// Priority reorders the configured sources for this run. Empty keeps
	// the configured order.
	Priority []string

	// MaxThreads caps the worker pool. Zero sizes the pool to the CPU
	// count; either way the pool never exceeds the unit count.
	MaxThreads int

	// Timeout bounds the whole run. Zero means no budget.
	Timeout time.Duration

	// KeepFiles leaves downloaded files in the cache after decoding.
	KeepFiles bool
}

// mode returns the effective mode; an empty Mode means forecast.
func (s Spec) mode() Mode {
	if s.Mode == "" {
		return ModeForecast
	}
	return s.Mode
}

// Validate checks the spec's shape. Cross-checks that need the model
// registry, such as the horizon bound, happen in the retriever.
func (s Spec) Validate() error {
	if s.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRangeSpec)
	}
	if s.Pattern == "" {
		return fmt.Errorf("%w: variable pattern is required", ErrInvalidRangeSpec)
	}
	switch s.mode() {
	case ModeForecast:
		if s.Leads.Step <= 0 {
			return fmt.Errorf("%w: lead step %d must be positive", ErrInvalidRangeSpec, s.Leads.Step)
		}
		if s.Leads.Start < 0 {
			return fmt.Errorf("%w: lead start %d is negative", ErrInvalidRangeSpec, s.Leads.Start)
		}
		if s.Leads.Stop < s.Leads.Start {
			return fmt.Errorf("%w: lead range %d..%d is inverted", ErrInvalidRangeSpec, s.Leads.Start, s.Leads.Stop)
		}
	case ModeNowcast:
		if s.Start.IsZero() || s.Stop.IsZero() {
			return fmt.Errorf("%w: nowcast needs explicit start and stop cycles", ErrInvalidRangeSpec)
		}
		if s.Stop.Before(s.Start) {
			return fmt.Errorf("%w: cycle range %s..%s is inverted", ErrInvalidRangeSpec,
				s.Start.UTC().Format(cycleFormat), s.Stop.UTC().Format(cycleFormat))
		}
		if s.CycleStep <= 0 {
			return fmt.Errorf("%w: cycle step %d must be positive", ErrInvalidRangeSpec, s.CycleStep)
		}
		if s.TimeStep < 0 {
			return fmt.Errorf("%w: time step %d is negative", ErrInvalidRangeSpec, s.TimeStep)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRangeSpec, s.Mode)
	}
	if s.MaxThreads < 0 {
		return fmt.Errorf("%w: max_threads %d is negative", ErrInvalidRangeSpec, s.MaxThreads)
	}
	if s.Stepback < 0 {
		return fmt.Errorf("%w: stepback %d is negative", ErrInvalidRangeSpec, s.Stepback)
	}
	return nil
}

// Workers resolves the worker pool size for n units. An explicit positive
// MaxThreads is honored; zero means one worker per CPU. Either way the
// result is clamped to [1, n].
func (s Spec) Workers(n int) int {
	w := s.MaxThreads
	if w <= 0 {
		w = runtime.NumCPU()
	}
	if w > n {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}
