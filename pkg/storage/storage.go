// Package storage publishes and fetches training artifacts (codebooks and
// pitch mappings).
//
// A trainer writes its artifacts to a local work directory first and then
// publishes them to a [FileStore]; transformers load them back from the
// same store. Backends: local disk ([Local]) and S3-compatible object
// stores ([S3Store]).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// FileStore is a minimal interface for artifact storage.
//
// Paths are forward-slash separated and relative to the store root.
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named artifact for reading.
	// If it does not exist, an error wrapping os.ErrNotExist is returned.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the named artifact for writing. Nothing is visible to
	// readers until Close returns successfully. Writers also implement
	// [Discarder] so a failed write can be dropped.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named artifact. Missing artifacts are not an
	// error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether the named artifact exists.
	Exists(ctx context.Context, path string) (bool, error)
}

// Discarder is implemented by writers that can abandon an unfinished
// write without publishing it.
type Discarder interface {
	Discard() error
}

// Publish copies the local file at src into s under path.
func Publish(ctx context.Context, s FileStore, src, path string) (err error) {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("storage: publish %s: %w", src, err)
	}
	defer f.Close()

	w, err := s.Write(ctx, path)
	if err != nil {
		return fmt.Errorf("storage: publish %s: %w", path, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		if d, ok := w.(Discarder); ok {
			d.Discard()
		}
		return fmt.Errorf("storage: publish %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: publish %s: %w", path, err)
	}
	return nil
}

// Load opens path in s and decodes it.
func Load[T any](ctx context.Context, s FileStore, path string, decode func(io.Reader) (T, error)) (T, error) {
	var zero T
	r, err := s.Read(ctx, path)
	if err != nil {
		return zero, err
	}
	defer r.Close()
	v, err := decode(r)
	if err != nil {
		return zero, fmt.Errorf("storage: load %s: %w", path, err)
	}
	return v, nil
}

// IsNotExist reports whether err means a missing artifact.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
