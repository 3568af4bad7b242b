package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(Config{Enabled: true, Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	want := &Checkpoint{
		Model:       "hrrr",
		Product:     "sfc",
		LastCycle:   time.Date(2023, 11, 22, 6, 0, 0, 0, time.UTC),
		RetrievalID: "4f1c2d3e",
		UpdatedAt:   time.Date(2023, 11, 22, 8, 30, 0, 0, time.UTC),
	}
	if err := mgr.Save(context.Background(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := mgr.Load(context.Background(), "hrrr", "sfc")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Model != want.Model || got.Product != want.Product {
		t.Errorf("got %s/%s, want %s/%s", got.Model, got.Product, want.Model, want.Product)
	}
	if !got.LastCycle.Equal(want.LastCycle) {
		t.Errorf("got last cycle %v, want %v", got.LastCycle, want.LastCycle)
	}
	if got.RetrievalID != want.RetrievalID {
		t.Errorf("got retrieval ID %q, want %q", got.RetrievalID, want.RetrievalID)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}
}

func TestLoadMissing(t *testing.T) {
	mgr, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := mgr.Load(context.Background(), "gfs", "pgrb2"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("got %v, want ErrNoCheckpoint", err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(Config{Enabled: true, Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	path := filepath.Join(dir, "checkpoint_hrrr_sfc.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	_, err = mgr.Load(context.Background(), "hrrr", "sfc")
	if err == nil || errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("got %v, want parse error", err)
	}
}

func TestProductsKeepSeparateCheckpoints(t *testing.T) {
	mgr, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	sfc := time.Date(2023, 11, 22, 6, 0, 0, 0, time.UTC)
	prs := time.Date(2023, 11, 22, 3, 0, 0, 0, time.UTC)
	ctx := context.Background()
	if err := mgr.Save(ctx, &Checkpoint{Model: "hrrr", Product: "sfc", LastCycle: sfc}); err != nil {
		t.Fatalf("Save sfc: %v", err)
	}
	if err := mgr.Save(ctx, &Checkpoint{Model: "hrrr", Product: "prs", LastCycle: prs}); err != nil {
		t.Fatalf("Save prs: %v", err)
	}

	got, err := mgr.Load(ctx, "hrrr", "prs")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.LastCycle.Equal(prs) {
		t.Errorf("got %v, want %v (sfc checkpoint must not shadow prs)", got.LastCycle, prs)
	}
}

func TestSaveRequiresModel(t *testing.T) {
	mgr, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Save(context.Background(), &Checkpoint{Product: "sfc"}); err == nil {
		t.Fatal("Save without a model succeeded")
	}
}

func TestDisabledManagerIsNoop(t *testing.T) {
	mgr, err := NewManager(Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Save(context.Background(), &Checkpoint{Model: "hrrr"}); err != nil {
		t.Fatalf("noop Save: %v", err)
	}
	if _, err := mgr.Load(context.Background(), "hrrr", ""); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("got %v, want ErrNoCheckpoint", err)
	}
}
