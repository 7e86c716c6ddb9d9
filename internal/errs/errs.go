// Package errs holds sentinel errors shared across the engine's internal
// layers, so the root package's public error taxonomy (spec.md §7) can
// wrap a single definition with errors.Is/As instead of each layer
// inventing its own.
package errs

import "errors"

var (
	// ErrInvalidData marks a checksum or structural-validation failure in
	// on-disk data: a corrupt primary header, god page, or node.
	ErrInvalidData = errors.New("invalid data")

	// ErrOutOfSpace marks allocator exhaustion after a failed grow.
	ErrOutOfSpace = errors.New("out of space")

	// ErrValueTooLarge marks a key/value exceeding the size ceiling.
	ErrValueTooLarge = errors.New("value too large")
)
