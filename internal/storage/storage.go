// Package storage is the local blob store backing uploads and converter
// outputs. Paths handed around the rest of the system are slash-separated
// and relative to the store root, the same shape they are persisted in.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type Store struct {
	root string
}

func NewLocal(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

// Abs maps a store-relative path to an absolute filesystem path.
func (s *Store) Abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Exists reports whether a regular file is present at rel.
func (s *Store) Exists(rel string) bool {
	info, err := os.Stat(s.Abs(rel))
	return err == nil && info.Mode().IsRegular()
}

// Prepare creates the parent directory for rel and returns the absolute
// path, ready for an external process to write to.
func (s *Store) Prepare(rel string) (string, error) {
	abs := s.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return abs, nil
}

// Save writes the reader's contents to rel, creating parents as needed.
func (s *Store) Save(rel string, r io.Reader) error {
	abs, err := s.Prepare(rel)
	if err != nil {
		return err
	}
	f, err := os.Create(abs)
	if err != nil {
		return fmt.Errorf("create blob: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return f.Close()
}

// Open opens the blob at rel for reading.
func (s *Store) Open(rel string) (*os.File, error) {
	return os.Open(s.Abs(rel))
}
