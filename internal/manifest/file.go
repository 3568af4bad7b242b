package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// fileRecorder writes one JSON file per retrieval.
type fileRecorder struct {
	dir string
}

func newFileRecorder(dir string) (*fileRecorder, error) {
	if dir == "" {
		dir = "./manifests"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}
	return &fileRecorder{dir: dir}, nil
}

// Record writes the manifest atomically: a temp file in the same directory
// is renamed over the final name, so readers never see a partial manifest.
func (f *fileRecorder) Record(_ context.Context, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := filepath.Join(f.dir, fileName(rec))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

func (f *fileRecorder) Close() error { return nil }

// fileName derives a distinct name from the retrieval identity:
// {model}_{mode}_{created}_{id}.json.
func fileName(rec Record) string {
	return fmt.Sprintf("%s_%s_%s_%s.json",
		rec.Model,
		rec.Mode,
		rec.CreatedAt.UTC().Format("20060102T150405"),
		rec.ID,
	)
}
