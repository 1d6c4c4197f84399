package codebook

import "errors"

// Sentinel errors shared by the codebook, trainer and mapper packages.
// Wrapped errors are matched with errors.Is.
var (
	// ErrNotFound is returned when a codebook or pitch mapping file does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrFormat is returned when a file or header does not match what the
	// reader expects (dimensions, type, truncated body).
	ErrFormat = errors.New("format error")

	// ErrIO is returned when reading or writing fails mid-stream, or a
	// handle is used in the wrong mode.
	ErrIO = errors.New("io error")

	// ErrConfig is returned for invalid parameters, for example mismatched
	// source and target dimensions or an unknown elimination policy.
	ErrConfig = errors.New("config error")
)
