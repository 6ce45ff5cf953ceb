// Package store persists device wear records in a single JSON document.
//
// Every persist reloads the document from disk, merges one record, and
// replaces the file as a whole: the new content is written to a temporary
// file in the same directory, fsynced, and renamed over the old one. Readers
// and later loads therefore see either the previous document or the new one,
// never a record with missing fields. Concurrent writers are not coordinated;
// one writing process at a time is assumed.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"sdwear-agent/internal/model"
)

// Load reads the document at path. A missing file yields an empty document.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("read stats file %s: %w", path, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("stats file %s: %w", path, err)
	}
	return doc, nil
}

// Write replaces the file at path with doc.
func Write(path string, doc *Document) error {
	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrWriteFailed, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temporary file in %s: %w", ErrWriteFailed, dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: write %s: %w", ErrWriteFailed, tmpPath, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: chmod %s: %w", ErrWriteFailed, tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: sync %s: %w", ErrWriteFailed, tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close %s: %w", ErrWriteFailed, tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename into %s: %w", ErrWriteFailed, path, err)
	}

	// Make the rename durable.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// EnsureDir creates the directory that will hold path.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("%s exists and is not a directory", dir)
	case err == nil:
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// Store is the stats file at one path.
type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load() (*Document, error) {
	return Load(s.path)
}

// Merge reloads the document, upserts rec, and writes the result. Records
// written by other processes since the last load are kept. Nothing is written
// when the reload fails; an unreadable file counts as a failed write, a
// malformed one as corruption. A record rejected by Upsert is returned as
// ErrInvalidRecord and nothing is written.
func (s *Store) Merge(rec model.DeviceRecord) (model.DeviceRecord, error) {
	doc, err := Load(s.path)
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			return model.DeviceRecord{}, err
		}
		return model.DeviceRecord{}, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if err := doc.Upsert(rec); err != nil {
		return model.DeviceRecord{}, err
	}
	if err := Write(s.path, doc); err != nil {
		return model.DeviceRecord{}, err
	}
	merged, _, err := doc.Record(rec.Fingerprint)
	if err != nil {
		return model.DeviceRecord{}, err
	}
	return merged, nil
}
