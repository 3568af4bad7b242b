// Package cache is the local store for downloaded GRIB files. Every fetch
// unit writes to its own path, keyed by model, cycle, source and file name,
// so concurrent workers never collide. Writes are atomic: data lands in a
// temp file and is renamed into place on commit.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Ref addresses one cached file.
type Ref struct {
	Model  string
	Cycle  time.Time
	Source string
	File   string
}

// Path returns the store-relative path for this ref.
func (r Ref) Path() string {
	return filepath.Join(r.Model, r.Cycle.UTC().Format("2006010215"), r.Source, r.File)
}

// Store lays out downloads under a single root directory.
type Store struct {
	root string
}

// New creates the store root if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create cache root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Path returns the absolute path for a ref.
func (s *Store) Path(ref Ref) string {
	return filepath.Join(s.root, ref.Path())
}

// Exists reports whether the ref has already been downloaded.
func (s *Store) Exists(ref Ref) (bool, error) {
	_, err := os.Stat(s.Path(ref))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Create opens a Writer for the ref. The final file appears only after
// Commit; a crashed or aborted write leaves at most a temp file behind.
func (s *Store) Create(ref Ref) (*Writer, error) {
	path := s.Path(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", filepath.Dir(path), err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create temp file %s: %w", tmp, err)
	}

	return &Writer{
		file: f,
		hash: sha256.New(),
		path: path,
		tmp:  tmp,
	}, nil
}

// Remove deletes a cached file and prunes directories it leaves empty.
func (s *Store) Remove(ref Ref) error {
	path := s.Path(ref)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove %s: %w", path, err)
	}
	s.pruneEmpty(filepath.Dir(path))
	return nil
}

// pruneEmpty removes empty directories between dir and the store root.
func (s *Store) pruneEmpty(dir string) {
	root := filepath.Clean(s.root)
	for dir != root && len(dir) > len(root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Writer streams one download into the store, hashing as it goes.
type Writer struct {
	file *os.File
	hash hash.Hash
	path string
	tmp  string
	size int64
	done bool
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.hash.Write(p[:n])
	w.size += int64(n)
	return n, err
}

// Commit finalizes the file and returns its path, checksum and size.
func (w *Writer) Commit() (path, checksum string, size int64, err error) {
	if w.done {
		return "", "", 0, fmt.Errorf("writer for %s already finished", w.path)
	}
	w.done = true

	if err := w.file.Close(); err != nil {
		os.Remove(w.tmp)
		return "", "", 0, fmt.Errorf("close temp file %s: %w", w.tmp, err)
	}
	if err := os.Rename(w.tmp, w.path); err != nil {
		os.Remove(w.tmp)
		return "", "", 0, fmt.Errorf("rename %s to %s: %w", w.tmp, w.path, err)
	}
	return w.path, "sha256:" + hex.EncodeToString(w.hash.Sum(nil)), w.size, nil
}

// Abort discards the partial download.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.file.Close()
	if err := os.Remove(w.tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file %s: %w", w.tmp, err)
	}
	return nil
}

// Checksum computes the store's checksum form for an existing file.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
