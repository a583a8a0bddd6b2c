// Package journal implements the durable change journal: every commit's
// events are appended as one batch and sealed once the record store commit
// succeeds, so committed history can be replayed to observers.
package journal

import "errors"

var (
	// ErrCorrupted indicates a corrupted journal entry (CRC mismatch)
	ErrCorrupted = errors.New("journal: corrupted entry")

	// ErrInvalidEntry indicates an invalid journal entry format
	ErrInvalidEntry = errors.New("journal: invalid entry")

	// ErrLogClosed indicates an operation on a closed journal
	ErrLogClosed = errors.New("journal: log closed")

	// ErrLogNotFound indicates journal files don't exist
	ErrLogNotFound = errors.New("journal: log not found")

	// ErrTruncated indicates a truncated journal entry
	ErrTruncated = errors.New("journal: truncated entry")
)
