package catalog

import (
	"context"
	"strings"
	"testing"
)

func TestNewWriterDisabled(t *testing.T) {
	w, err := NewWriter(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if _, ok := w.(noopWriter); !ok {
		t.Errorf("got %T, want noopWriter", w)
	}
	id, err := w.EnsureDataset(context.Background(), DatasetInfo{Model: "hrrr"})
	if err != nil || id != 0 {
		t.Errorf("noop EnsureDataset = (%d, %v), want (0, nil)", id, err)
	}
	if err := w.RecordRetrieval(context.Background(), RetrievalRecord{}); err != nil {
		t.Errorf("noop RecordRetrieval: %v", err)
	}
}

func TestNewWriterEmptyDSNIsNoop(t *testing.T) {
	w, err := NewWriter(context.Background(), Config{Enabled: true, PostgresDSN: ""})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, ok := w.(noopWriter); !ok {
		t.Errorf("got %T, want noopWriter", w)
	}
}

func TestNewWriterBadDSN(t *testing.T) {
	_, err := NewWriter(context.Background(), Config{Enabled: true, PostgresDSN: "::not-a-dsn::"})
	if err == nil {
		t.Fatal("expected error for malformed DSN")
	}
	if !strings.Contains(err.Error(), "parse catalog DSN") {
		t.Errorf("got %q, want DSN parse error", err)
	}
}

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"nwp_datasets", "nwp_retrievals"} {
		if !strings.Contains(schemaSQL, table) {
			t.Errorf("schema.sql missing table %s", table)
		}
	}
}
