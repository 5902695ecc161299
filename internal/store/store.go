// Package store persists finished artifacts under generated names.
//
// The pipeline writes each artifact exactly once and never overwrites: names
// come from naming.NewName, so no locking is needed between requests.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store is the durable location artifacts are written to.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes an artifact. A missing artifact is not an error.
	Delete(ctx context.Context, name string) error
	// Sweep deletes artifacts last written before cutoff and returns how many went.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// StoreWriteError reports that an artifact could not be persisted.
type StoreWriteError struct {
	Name string
	Err  error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write %s failed: %v", e.Name, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}

// ErrInvalidName is returned for names that are not a single path component.
var ErrInvalidName = errors.New("invalid artifact name")

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ContentType maps an artifact name to the MIME type it is served with.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".webp":
		return "image/webp"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}

// LocalStore keeps artifacts in a flat directory served by the static file route.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create outputs dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Dir returns the directory artifacts are written to.
func (s *LocalStore) Dir() string {
	return s.dir
}

// Put writes data to a temporary file and renames it into place, so a
// partially written artifact is never visible under its final name.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte) error {
	if err := validateName(name); err != nil {
		return &StoreWriteError{Name: name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &StoreWriteError{Name: name, Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, ".partial-*")
	if err != nil {
		return &StoreWriteError{Name: name, Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return &StoreWriteError{Name: name, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return &StoreWriteError{Name: name, Err: err}
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return &StoreWriteError{Name: name, Err: err}
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return &StoreWriteError{Name: name, Err: err}
	}
	return nil
}

func (s *LocalStore) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// Sweep also clears .partial- files left behind by an interrupted Put.
func (s *LocalStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list outputs dir: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := s.Delete(ctx, e.Name()); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
