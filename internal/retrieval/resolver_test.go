package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oceanum/nwp-fetch/internal/grib"
	"github.com/oceanum/nwp-fetch/internal/source"
)

// fakeSource is a scripted archive used across the package tests. All
// mutable state is mutex-guarded because workers call it concurrently.
type fakeSource struct {
	mu         sync.Mutex
	name       string
	available  bool
	names      []string          // variables every unit offers
	missing    map[unitKey]bool  // units answered with ErrNotFound
	indexErr   error             // forced Index error
	fetchErr   error             // forced Fetch error
	indexDelay time.Duration     // per-Index latency, honoring ctx
	indexCalls int
	fetchCalls int
	lastFields []grib.Field
}

func newFakeSource(name string, names ...string) *fakeSource {
	return &fakeSource{
		name:      name,
		available: true,
		names:     names,
		missing:   make(map[unitKey]bool),
	}
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Available(cycle, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

func (s *fakeSource) Index(ctx context.Context, req source.Request) (grib.FieldTable, error) {
	s.mu.Lock()
	s.indexCalls++
	delay := s.indexDelay
	forced := s.indexErr
	miss := s.missing[FetchUnit{Cycle: req.Cycle, LeadHours: req.LeadHours}.key()]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if forced != nil {
		return nil, forced
	}
	if miss {
		return nil, source.ErrNotFound
	}
	return unitTable(req, s.names...), nil
}

func (s *fakeSource) Fetch(ctx context.Context, req source.Request, fields []grib.Field, w io.Writer) (int64, error) {
	s.mu.Lock()
	s.fetchCalls++
	s.lastFields = fields
	err := s.fetchErr
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n, werr := w.Write([]byte("GRIB2 payload"))
	return int64(n), werr
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) calls() (index, fetch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexCalls, s.fetchCalls
}

// unitTable fabricates a field table for one request: every named variable
// at the surface, with the request's cycle and lead.
func unitTable(req source.Request, names ...string) grib.FieldTable {
	table := make(grib.FieldTable, len(names))
	for i, name := range names {
		table[i] = grib.Field{
			Record:  i + 1,
			Sub:     1,
			Offset:  int64(i * 30),
			Extent:  30,
			RefTime: req.Cycle.UTC(),
			Lead:    req.LeadHours,
			Name:    name,
			Level:   "surface",
			Type:    fmt.Sprintf("%d hour fcst", req.LeadHours),
		}
	}
	return table
}

func testReq() source.Request {
	return source.Request{
		Model:     "hrrr",
		Product:   "sfc",
		Cycle:     time.Date(2023, 11, 22, 6, 0, 0, 0, time.UTC),
		LeadHours: 3,
	}
}

func TestResolveFirstSourceWins(t *testing.T) {
	a := newFakeSource("google", "ICEC")
	b := newFakeSource("aws", "ICEC")
	r := NewResolver([]source.Source{a, b})

	res, err := r.Resolve(context.Background(), testReq())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Source.Name() != "google" {
		t.Errorf("got source %q, want %q", res.Source.Name(), "google")
	}
	if len(res.Table) != 1 || res.Table[0].Name != "ICEC" {
		t.Errorf("unexpected table: %+v", res.Table)
	}
	if len(res.Attempts) != 0 {
		t.Errorf("got %d attempts before hit, want 0", len(res.Attempts))
	}
	if calls, _ := b.calls(); calls != 0 {
		t.Errorf("lower-priority source was contacted %d times after a hit", calls)
	}
}

func TestResolveFallsBack(t *testing.T) {
	a := newFakeSource("google")
	a.indexErr = source.ErrNotFound
	b := newFakeSource("aws", "ICEC")
	r := NewResolver([]source.Source{a, b})

	res, err := r.Resolve(context.Background(), testReq())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Source.Name() != "aws" {
		t.Errorf("got source %q, want %q", res.Source.Name(), "aws")
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Source != "google" {
		t.Errorf("unexpected attempts: %+v", res.Attempts)
	}
	if !errors.Is(res.Attempts[0].Err, source.ErrNotFound) {
		t.Errorf("attempt error = %v, want ErrNotFound", res.Attempts[0].Err)
	}
}

func TestResolveSkipsRetentionWindow(t *testing.T) {
	a := newFakeSource("nomads", "ICEC")
	a.available = false
	b := newFakeSource("aws", "ICEC")
	r := NewResolver([]source.Source{a, b})

	res, err := r.Resolve(context.Background(), testReq())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Source.Name() != "aws" {
		t.Errorf("got source %q, want %q", res.Source.Name(), "aws")
	}
	if calls, _ := a.calls(); calls != 0 {
		t.Errorf("window-excluded source was contacted %d times", calls)
	}
	if len(res.Attempts) != 1 || !errors.Is(res.Attempts[0].Err, errOutsideWindow) {
		t.Errorf("window skip not recorded: %+v", res.Attempts)
	}
}

func TestResolveNoIndexMeansWholeFile(t *testing.T) {
	a := newFakeSource("google", "ICEC")
	a.indexErr = source.ErrNoIndex
	b := newFakeSource("aws", "ICEC")
	r := NewResolver([]source.Source{a, b})

	res, err := r.Resolve(context.Background(), testReq())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Source.Name() != "google" {
		t.Errorf("got source %q, want %q", res.Source.Name(), "google")
	}
	if res.Table != nil {
		t.Errorf("got table %+v, want nil for whole-file resolution", res.Table)
	}
	if calls, _ := b.calls(); calls != 0 {
		t.Errorf("fallback source contacted despite resolution: %d calls", calls)
	}
}

func TestResolveAllFail(t *testing.T) {
	a := newFakeSource("google")
	a.indexErr = source.ErrNotFound
	b := newFakeSource("aws")
	b.indexErr = errors.New("connection reset")
	r := NewResolver([]source.Source{a, b})

	_, err := r.Resolve(context.Background(), testReq())
	if err == nil {
		t.Fatal("expected resolution failure")
	}
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("got %T, want *ResolutionError", err)
	}
	if len(resErr.Attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(resErr.Attempts))
	}
	msg := err.Error()
	for _, want := range []string{"google", "aws", "connection reset"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
	if errors.Is(err, ErrNoSources) {
		t.Error("all-tried-and-failed must not read as no-sources-configured")
	}
}

func TestResolveNoSources(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve(context.Background(), testReq())
	if !errors.Is(err, ErrNoSources) {
		t.Fatalf("got %v, want ErrNoSources", err)
	}
}

func TestReasonLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{source.ErrNotFound, "not_found"},
		{fmt.Errorf("wrapped: %w", source.ErrNotFound), "not_found"},
		{source.ErrNotHosted, "not_hosted"},
		{errOutsideWindow, "window"},
		{context.DeadlineExceeded, "canceled"},
		{errors.New("tcp dial failed"), "transport"},
	}
	for _, tt := range tests {
		if got := reasonLabel(tt.err); got != tt.want {
			t.Errorf("reasonLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
