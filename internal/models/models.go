// Package models defines the cadence metadata for supported NWP models.
package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrUnknownModel is returned when a model name is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrBadCadence is returned when a model definition has an invalid cadence.
var ErrBadCadence = errors.New("invalid model cadence")

// Model describes the publication cadence of one NWP model.
type Model struct {
	Name       string `yaml:"name"`
	CycleStep  int    `yaml:"cycle_step"`  // hours between forecast cycles
	Horizon    int    `yaml:"horizon"`     // maximum lead time in hours
	PublishLag int    `yaml:"publish_lag"` // hours after cycle time before files land
}

// builtins covers the models the engine knows out of the box. Definitions
// added through configuration override these by name.
var builtins = []Model{
	{Name: "hrrr", CycleStep: 1, Horizon: 48, PublishLag: 2},
	{Name: "gfs", CycleStep: 6, Horizon: 384, PublishLag: 5},
	{Name: "nam", CycleStep: 6, Horizon: 84, PublishLag: 4},
}

// Registry resolves model names to their cadence definitions.
type Registry struct {
	models map[string]Model
}

// NewRegistry builds a registry from the built-in models plus any extras.
// An extra with a built-in name replaces the built-in definition.
func NewRegistry(extras []Model) (*Registry, error) {
	r := &Registry{models: make(map[string]Model, len(builtins)+len(extras))}
	for _, m := range builtins {
		r.models[m.Name] = m
	}
	for _, m := range extras {
		if err := validate(m); err != nil {
			return nil, err
		}
		r.models[m.Name] = m
	}
	return r, nil
}

func validate(m Model) error {
	if m.Name == "" {
		return fmt.Errorf("%w: model name is empty", ErrBadCadence)
	}
	if m.CycleStep <= 0 || 24%m.CycleStep != 0 {
		return fmt.Errorf("%w: model %q cycle_step %d must be a positive divisor of 24",
			ErrBadCadence, m.Name, m.CycleStep)
	}
	if m.Horizon < 0 {
		return fmt.Errorf("%w: model %q horizon %d is negative", ErrBadCadence, m.Name, m.Horizon)
	}
	if m.PublishLag < 0 {
		return fmt.Errorf("%w: model %q publish_lag %d is negative", ErrBadCadence, m.Name, m.PublishLag)
	}
	return nil
}

// Lookup returns the definition for a model name.
func (r *Registry) Lookup(name string) (Model, error) {
	m, ok := r.models[name]
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return m, nil
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// step returns the cycle cadence as a duration.
func (m Model) step() time.Duration {
	return time.Duration(m.CycleStep) * time.Hour
}

// RoundCycle floors a time to the model's cycle cadence in UTC.
func (m Model) RoundCycle(t time.Time) time.Time {
	return t.UTC().Truncate(m.step())
}

// ValidCycle reports whether t falls exactly on a cycle boundary.
func (m Model) ValidCycle(t time.Time) bool {
	return m.RoundCycle(t).Equal(t.UTC())
}

// LatestCycle returns the most recent cycle expected to be published at
// the given wall-clock time, accounting for the model's publication lag.
func (m Model) LatestCycle(now time.Time) time.Time {
	return m.RoundCycle(now.UTC().Add(-time.Duration(m.PublishLag) * time.Hour))
}

// PrevCycle returns the cycle one cadence step earlier.
func (m Model) PrevCycle(cycle time.Time) time.Time {
	return cycle.UTC().Add(-m.step())
}

// CoversLead reports whether the model's horizon includes the lead hour.
func (m Model) CoversLead(fxx int) bool {
	return fxx >= 0 && fxx <= m.Horizon
}
