package notify

import "errors"

var (
	// ErrClosed indicates the dispatcher no longer accepts work
	ErrClosed = errors.New("dispatcher closed")

	// ErrNilObserver indicates Subscribe was called without an observer
	ErrNilObserver = errors.New("nil observer")
)
