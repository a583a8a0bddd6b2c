package graph

import (
	"errors"
	"fmt"

	"github.com/nainya/graphstore/pkg/changes"
	"github.com/nainya/graphstore/pkg/entity"
)

var (
	// ErrClosed indicates an operation on a closed graph
	ErrClosed = errors.New("graph: closed")

	// ErrNoPath indicates a config without a database path
	ErrNoPath = errors.New("graph: no database path")

	// ErrNoJournal indicates a replay on a graph opened without a journal
	ErrNoJournal = errors.New("graph: no journal")
)

// CommitError reports a commit whose durable write failed. None of Events
// were applied or dispatched and the entities keep their mutations.
type CommitError struct {
	Events   []changes.Event
	Entities []entity.ID
	Err      error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit of %d entities (%d events) failed: %v", len(e.Entities), len(e.Events), e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
