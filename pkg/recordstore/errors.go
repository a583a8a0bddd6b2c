package recordstore

import (
	"errors"
	"fmt"

	"github.com/nainya/graphstore/pkg/entity"
)

var (
	// ErrNotFound indicates the entity has no committed record
	ErrNotFound = errors.New("record not found")

	// ErrClosed indicates the store was closed
	ErrClosed = errors.New("record store closed")

	// ErrCorrupt indicates a stored record could not be decoded
	ErrCorrupt = errors.New("corrupt record")

	// ErrInvalidRecord indicates a write that would break store invariants
	ErrInvalidRecord = errors.New("invalid record")
)

// StoreError is a record store failure
type StoreError struct {
	Op  string
	ID  entity.ID
	Err error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("recordstore %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("recordstore %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, id entity.ID, err error) error {
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, ID: id, Err: err}
}
