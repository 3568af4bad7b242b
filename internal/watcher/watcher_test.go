package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oceanum/nwp-fetch/internal/checkpoint"
	"github.com/oceanum/nwp-fetch/internal/dataset"
	"github.com/oceanum/nwp-fetch/internal/models"
	"github.com/oceanum/nwp-fetch/internal/retrieval"
)

// fakeRunner records requested cycles and fabricates one-step datasets.
type fakeRunner struct {
	mu     sync.Mutex
	cycles []time.Time
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, spec retrieval.Spec) (*dataset.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.cycles = append(f.cycles, spec.Cycle)
	return &dataset.Dataset{Times: []time.Time{spec.Cycle}}, nil
}

func (f *fakeRunner) fetched() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.cycles...)
}

// memManager keeps checkpoints in memory.
type memManager struct {
	mu  sync.Mutex
	cps map[string]*checkpoint.Checkpoint
}

func newMemManager() *memManager {
	return &memManager{cps: make(map[string]*checkpoint.Checkpoint)}
}

func (m *memManager) Load(_ context.Context, model, product string) (*checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[model+"/"+product]
	if !ok {
		return nil, checkpoint.ErrNoCheckpoint
	}
	return cp, nil
}

func (m *memManager) Save(_ context.Context, cp *checkpoint.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cp.Model+"/"+cp.Product] = cp
	return nil
}

func (m *memManager) last(model, product string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[model+"/"+product]
	if !ok {
		return time.Time{}, false
	}
	return cp.LastCycle, true
}

type sinkRecorder struct {
	mu  sync.Mutex
	err error
	got []*dataset.Dataset
}

func (s *sinkRecorder) deliver(_ context.Context, _ retrieval.Spec, ds *dataset.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, ds)
	return nil
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func watchSpec() retrieval.Spec {
	return retrieval.Spec{
		Model:   "hrrr",
		Product: "sfc",
		Leads:   retrieval.LeadRange{Start: 0, Stop: 2, Step: 1},
		Pattern: "ICEC",
	}
}

// fixedNow puts the newest publishable hrrr cycle at 07Z.
func fixedNow() time.Time {
	return time.Date(2023, 11, 22, 9, 30, 0, 0, time.UTC)
}

func newTestWatcher(t *testing.T, r Runner, mgr checkpoint.Manager, opts Options) *Watcher {
	t.Helper()
	reg, err := models.NewRegistry(nil)
	if err != nil {
		t.Fatalf("models.NewRegistry: %v", err)
	}
	if opts.Now == nil {
		opts.Now = fixedNow
	}
	w, err := New(reg, r, mgr, watchSpec(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestTickFetchesLatestCycle(t *testing.T) {
	runner := &fakeRunner{}
	mgr := newMemManager()
	sink := &sinkRecorder{}
	w := newTestWatcher(t, runner, mgr, Options{Sink: sink.deliver})

	w.tick(context.Background())

	want := time.Date(2023, 11, 22, 7, 0, 0, 0, time.UTC)
	got := runner.fetched()
	if len(got) != 1 || !got[0].Equal(want) {
		t.Fatalf("fetched %v, want [%v]", got, want)
	}
	if sink.count() != 1 {
		t.Errorf("sink received %d datasets, want 1", sink.count())
	}
	last, ok := mgr.last("hrrr", "sfc")
	if !ok || !last.Equal(want) {
		t.Errorf("checkpoint %v (exists %v), want %v", last, ok, want)
	}
	cp := mgr.cps["hrrr/sfc"]
	if cp.RetrievalID == "" {
		t.Error("checkpoint has no retrieval ID")
	}
}

func TestTickSkipsWhenCurrent(t *testing.T) {
	runner := &fakeRunner{}
	mgr := newMemManager()
	mgr.cps["hrrr/sfc"] = &checkpoint.Checkpoint{
		Model:     "hrrr",
		Product:   "sfc",
		LastCycle: time.Date(2023, 11, 22, 7, 0, 0, 0, time.UTC),
	}
	w := newTestWatcher(t, runner, mgr, Options{})

	w.tick(context.Background())

	if got := runner.fetched(); len(got) != 0 {
		t.Fatalf("fetched %v with no new cycle published", got)
	}
}

func TestTickBackfillsMissedCycles(t *testing.T) {
	runner := &fakeRunner{}
	mgr := newMemManager()
	mgr.cps["hrrr/sfc"] = &checkpoint.Checkpoint{
		Model:     "hrrr",
		Product:   "sfc",
		LastCycle: time.Date(2023, 11, 22, 4, 0, 0, 0, time.UTC),
	}
	w := newTestWatcher(t, runner, mgr, Options{Backfill: 6})

	w.tick(context.Background())

	got := runner.fetched()
	if len(got) != 3 {
		t.Fatalf("fetched %d cycles, want 3 (05Z through 07Z)", len(got))
	}
	for i, hour := range []int{5, 6, 7} {
		want := time.Date(2023, 11, 22, hour, 0, 0, 0, time.UTC)
		if !got[i].Equal(want) {
			t.Errorf("fetch %d is %v, want %v (oldest first)", i, got[i], want)
		}
	}
	if last, _ := mgr.last("hrrr", "sfc"); !last.Equal(got[2]) {
		t.Errorf("checkpoint %v, want %v", last, got[2])
	}
}

func TestTickBackfillIsCapped(t *testing.T) {
	runner := &fakeRunner{}
	w := newTestWatcher(t, runner, newMemManager(), Options{Backfill: 2})

	w.tick(context.Background())

	got := runner.fetched()
	if len(got) != 2 {
		t.Fatalf("fetched %d cycles with no checkpoint, want backfill cap of 2", len(got))
	}
	if got[0].Hour() != 6 || got[1].Hour() != 7 {
		t.Errorf("fetched hours %d,%d, want 6,7", got[0].Hour(), got[1].Hour())
	}
}

func TestTickUnpublishedCycleLeavesCheckpoint(t *testing.T) {
	runner := &fakeRunner{err: &retrieval.Failure{
		Kind:      retrieval.ErrEmptyRetrieval,
		Requested: 3,
	}}
	mgr := newMemManager()
	sink := &sinkRecorder{}
	w := newTestWatcher(t, runner, mgr, Options{Sink: sink.deliver})

	w.tick(context.Background())

	if _, ok := mgr.last("hrrr", "sfc"); ok {
		t.Error("unpublished cycle advanced the checkpoint")
	}
	if sink.count() != 0 {
		t.Errorf("sink received %d datasets from a failed retrieval", sink.count())
	}
}

func TestTickPartialHorizonLeavesCheckpoint(t *testing.T) {
	runner := &fakeRunner{err: &retrieval.Failure{
		Kind:      retrieval.ErrIncompleteHorizon,
		Succeeded: 2,
		Requested: 3,
	}}
	mgr := newMemManager()
	w := newTestWatcher(t, runner, mgr, Options{})

	w.tick(context.Background())

	if _, ok := mgr.last("hrrr", "sfc"); ok {
		t.Error("partially published cycle advanced the checkpoint")
	}
}

func TestTickSinkFailureRetriesNextTick(t *testing.T) {
	runner := &fakeRunner{}
	mgr := newMemManager()
	sink := &sinkRecorder{err: errors.New("disk full")}
	w := newTestWatcher(t, runner, mgr, Options{Sink: sink.deliver})

	w.tick(context.Background())
	if _, ok := mgr.last("hrrr", "sfc"); ok {
		t.Fatal("undelivered cycle advanced the checkpoint")
	}

	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()

	w.tick(context.Background())
	want := time.Date(2023, 11, 22, 7, 0, 0, 0, time.UTC)
	if last, ok := mgr.last("hrrr", "sfc"); !ok || !last.Equal(want) {
		t.Errorf("checkpoint %v (exists %v) after retry, want %v", last, ok, want)
	}
	if got := runner.fetched(); len(got) != 2 {
		t.Errorf("fetched %d times, want 2 (initial attempt plus retry)", len(got))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	runner := &fakeRunner{}
	w := newTestWatcher(t, runner, newMemManager(), Options{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v on shutdown, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestNewRejectsNowcastSpec(t *testing.T) {
	reg, err := models.NewRegistry(nil)
	if err != nil {
		t.Fatalf("models.NewRegistry: %v", err)
	}
	spec := watchSpec()
	spec.Mode = retrieval.ModeNowcast
	if _, err := New(reg, &fakeRunner{}, nil, spec, Options{}); !errors.Is(err, retrieval.ErrInvalidRangeSpec) {
		t.Fatalf("got %v, want ErrInvalidRangeSpec", err)
	}
}

func TestNewRejectsUnknownModel(t *testing.T) {
	reg, err := models.NewRegistry(nil)
	if err != nil {
		t.Fatalf("models.NewRegistry: %v", err)
	}
	spec := watchSpec()
	spec.Model = "ecmwf"
	if _, err := New(reg, &fakeRunner{}, nil, spec, Options{}); !errors.Is(err, retrieval.ErrInvalidRangeSpec) {
		t.Fatalf("got %v, want ErrInvalidRangeSpec", err)
	}
}
