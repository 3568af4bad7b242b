package retrieval

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/oceanum/nwp-fetch/internal/dataset"
	"github.com/oceanum/nwp-fetch/internal/logging"
	"github.com/oceanum/nwp-fetch/internal/metrics"
)

// unitOutput is what one fetch unit contributes when its worker finishes
// without error. matched is false when the unit resolved and decoded fine
// but the pattern selected nothing in it; names then carries the variable
// names the unit did offer, for the no-match diagnosis.
type unitOutput struct {
	slice    dataset.Slice
	matched  bool
	names    []string
	source   string
	file     string
	checksum string
	bytes    int64
	fields   int
}

// outcome pairs a fetch unit with its result. Exactly one outcome exists
// per enumerated unit after a run, whether the unit succeeded or not.
type outcome struct {
	Unit FetchUnit
	Out  unitOutput
	Err  error
}

// unitFunc executes one fetch unit.
type unitFunc func(ctx context.Context, unit FetchUnit) (unitOutput, error)

// runUnits fans units out to a fixed pool of workers and blocks until every
// unit has exactly one outcome. There is no fail-fast: a failed unit is
// recorded and the rest keep going. When ctx expires, in-flight units abort
// on their own context checks and undispatched units are marked with the
// context error.
func runUnits(ctx context.Context, units []FetchUnit, workers int, fn unitFunc) map[unitKey]outcome {
	results := make(map[unitKey]outcome, len(units))
	if len(units) == 0 {
		return results
	}
	if workers < 1 {
		workers = 1
	}

	queue := make(chan FetchUnit, workers*2)
	// Buffered to the unit count so neither workers nor the dispatcher can
	// block on delivering an outcome.
	resultCh := make(chan outcome, len(units))

	var inFlight atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wlog := logging.WorkerLogger(id)
			wlog.Debug("worker started")
			defer wlog.Debug("worker stopped")

			for unit := range queue {
				if ctx.Err() != nil {
					resultCh <- outcome{Unit: unit, Err: ctx.Err()}
					continue
				}
				if m := metrics.Get(); m != nil {
					m.SetInFlightUnits(float64(inFlight.Add(1)))
				} else {
					inFlight.Add(1)
				}
				out, err := fn(ctx, unit)
				left := inFlight.Add(-1)
				if m := metrics.Get(); m != nil {
					m.SetInFlightUnits(float64(left))
				}
				resultCh <- outcome{Unit: unit, Out: out, Err: err}
			}
		}(i)
	}

	go func() {
		defer close(queue)
		for _, unit := range units {
			select {
			case queue <- unit:
				if m := metrics.Get(); m != nil {
					m.SetWorkerQueueDepth(float64(len(queue)))
				}
			case <-ctx.Done():
				resultCh <- outcome{Unit: unit, Err: ctx.Err()}
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	for out := range resultCh {
		results[out.Unit.key()] = out
	}
	if m := metrics.Get(); m != nil {
		m.SetWorkerQueueDepth(0)
		m.SetInFlightUnits(0)
	}
	return results
}
