package retrieval

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oceanum/nwp-fetch/internal/source"
)

// Error kinds a retrieval can fail with. Callers match them with errors.Is;
// a *Failure carries the partial-coverage counts alongside the kind.
var (
	// ErrInvalidRangeSpec marks a malformed retrieval spec: inverted or
	// empty ranges, bad steps, unknown modes, models or sources.
	ErrInvalidRangeSpec = errors.New("invalid retrieval spec")

	// ErrNoSources means the resolver was built with no sources at all,
	// as opposed to every configured source having been tried and failed.
	ErrNoSources = errors.New("no sources configured")

	// ErrNoMatchingVariable means every resolved unit was searched and
	// the pattern selected nothing anywhere.
	ErrNoMatchingVariable = errors.New("pattern matched no variable")

	// ErrEmptyRetrieval means not a single fetch unit could be retrieved.
	ErrEmptyRetrieval = errors.New("no fetch units succeeded")

	// ErrIncompleteHorizon means a forecast assembled fine but stops short
	// of the last requested lead: the archive has published the cycle, just
	// not all of it yet.
	ErrIncompleteHorizon = errors.New("forecast horizon incomplete")

	// ErrRetrievalTimeout means the run exceeded its wall-clock budget.
	ErrRetrievalTimeout = errors.New("retrieval timed out")
)

// SourceAttempt records one archive's outcome for a single fetch unit.
type SourceAttempt struct {
	Source string
	Err    error
}

// ResolutionError reports that no source could resolve a fetch unit. It
// aggregates the per-source attempts so callers see every reason, not just
// the last one.
type ResolutionError struct {
	Request  source.Request
	Attempts []SourceAttempt
}

func (e *ResolutionError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no source accepted %s", e.Request)
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Source, a.Err)
	}
	return fmt.Sprintf("no source could resolve %s: %s", e.Request, strings.Join(parts, "; "))
}

// Failure is the single error a failed retrieval surfaces. Kind is the
// error kind, Reason the dominant underlying cause, and the counts report
// how much of the request succeeded before the run was declared failed.
type Failure struct {
	Kind      error
	Reason    error
	Succeeded int
	Requested int
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%v (%d of %d units succeeded)", f.Kind, f.Succeeded, f.Requested)
	if f.Reason != nil {
		msg += ": " + f.Reason.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying reason to errors.Is
// and errors.As.
func (f *Failure) Unwrap() []error {
	if f.Reason == nil {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.Reason}
}
