// Package driver exposes retrievals as named dataset drivers, the
// boundary catalog entries bind to. Each driver fixes one retrieval
// mode: nwp_forecast pulls many leads from a single cycle, nwp_nowcast
// stitches one lead from every cycle in a range.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/oceanum/nwp-fetch/internal/dataset"
	"github.com/oceanum/nwp-fetch/internal/retrieval"
)

// Driver names understood by catalog entries.
const (
	Forecast = "nwp_forecast"
	Nowcast  = "nwp_nowcast"
)

var (
	// ErrUnknownDriver is returned when a catalog entry names a driver
	// that was never registered.
	ErrUnknownDriver = errors.New("unknown driver")

	// ErrDuplicateDriver is returned when a name is registered twice.
	ErrDuplicateDriver = errors.New("driver already registered")
)

// Runner executes one retrieval. *retrieval.Retriever satisfies it.
type Runner interface {
	Run(ctx context.Context, spec retrieval.Spec) (*dataset.Dataset, error)
}

// Driver opens a dataset for a spec. The driver decides the retrieval
// mode; whatever mode the spec carries is overridden.
type Driver interface {
	Name() string
	Open(ctx context.Context, spec retrieval.Spec) (*dataset.Dataset, error)
}

type modeDriver struct {
	name   string
	mode   retrieval.Mode
	runner Runner
}

func (d *modeDriver) Name() string { return d.name }

func (d *modeDriver) Open(ctx context.Context, spec retrieval.Spec) (*dataset.Dataset, error) {
	spec.Mode = d.mode
	return d.runner.Run(ctx, spec)
}

// NewForecast wraps a runner as the nwp_forecast driver.
func NewForecast(r Runner) Driver {
	return &modeDriver{name: Forecast, mode: retrieval.ModeForecast, runner: r}
}

// NewNowcast wraps a runner as the nwp_nowcast driver.
func NewNowcast(r Runner) Driver {
	return &modeDriver{name: Nowcast, mode: retrieval.ModeNowcast, runner: r}
}

// Registry maps driver names to drivers. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Defaults returns a registry with both standard drivers bound to r.
func Defaults(r Runner) *Registry {
	reg := NewRegistry()
	reg.Register(NewForecast(r))
	reg.Register(NewNowcast(r))
	return reg
}

// Register adds a driver under its name.
func (r *Registry) Register(d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[d.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDriver, d.Name())
	}
	r.drivers[d.Name()] = d
	return nil
}

// Lookup returns the driver registered under name.
func (r *Registry) Lookup(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownDriver, name, strings.Join(r.namesLocked(), ", "))
	}
	return d, nil
}

// Names lists registered driver names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
