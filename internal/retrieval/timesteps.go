package retrieval

import (
	"fmt"
	"time"
)

// FetchUnit is one (cycle, lead) coordinate. Exactly one archive file is
// resolved and downloaded per unit.
type FetchUnit struct {
	Cycle     time.Time
	LeadHours int
}

// ValidTime returns the forecast time the unit's fields are valid for.
func (u FetchUnit) ValidTime() time.Time {
	return u.Cycle.Add(time.Duration(u.LeadHours) * time.Hour)
}

// unitKey identifies a fetch unit in outcome maps. The cycle is reduced to
// Unix seconds so keys compare by instant rather than time.Time internals.
type unitKey struct {
	cycle int64
	lead  int
}

func (u FetchUnit) key() unitKey {
	return unitKey{cycle: u.Cycle.Unix(), lead: u.LeadHours}
}

// Enumerate expands a validated spec into its ordered fetch units.
// Forecast mode walks the lead range within one cycle; nowcast mode walks
// the cycle range and takes the same lead from every cycle.
func Enumerate(s Spec) ([]FetchUnit, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.mode() {
	case ModeForecast:
		if s.Cycle.IsZero() {
			return nil, fmt.Errorf("%w: forecast cycle is unset", ErrInvalidRangeSpec)
		}
		cycle := s.Cycle.UTC()
		units := make([]FetchUnit, 0, s.Leads.Count())
		for lead := s.Leads.Start; lead <= s.Leads.Stop; lead += s.Leads.Step {
			units = append(units, FetchUnit{Cycle: cycle, LeadHours: lead})
		}
		return units, nil
	default:
		step := time.Duration(s.CycleStep) * time.Hour
		stop := s.Stop.UTC()
		var units []FetchUnit
		for c := s.Start.UTC(); !c.After(stop); c = c.Add(step) {
			units = append(units, FetchUnit{Cycle: c, LeadHours: s.TimeStep})
		}
		return units, nil
	}
}
