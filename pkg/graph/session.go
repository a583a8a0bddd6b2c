package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/nainya/graphstore/pkg/entity"
)

// Session holds the in-memory entities a caller is creating or mutating and
// commits them together. A session may be shared between goroutines.
type Session struct {
	g *Graph

	mu       sync.Mutex
	entities map[entity.ID]*entity.Entity
	order    []entity.ID
}

// NewEntity creates an entity of the given type tracked by this session.
// It is inserted by the next commit.
func (s *Session) NewEntity(typ string) (*entity.Entity, error) {
	e, err := entity.New(typ)
	if err != nil {
		return nil, err
	}
	return s.track(e), nil
}

// Load returns the session's entity for id, reading committed state the first
// time. A missing entity fails with recordstore.ErrNotFound.
func (s *Session) Load(ctx context.Context, id entity.ID) (*entity.Entity, error) {
	s.mu.Lock()
	e, ok := s.entities[id]
	s.mu.Unlock()
	if ok {
		return e, nil
	}

	state, err := s.g.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return s.track(entity.FromState(state)), nil
}

// track adds e unless an entity with the same id is already tracked
func (s *Session) track(e *entity.Entity) *entity.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entities[e.ID()]; ok {
		return existing
	}
	s.entities[e.ID()] = e
	s.order = append(s.order, e.ID())
	return e
}

// Pending returns the entities with uncommitted mutations in the order they
// joined the session
func (s *Session) Pending() []*entity.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entity.Entity
	for _, id := range s.order {
		if e := s.entities[id]; e.IsDirty() {
			out = append(out, e)
		}
	}
	return out
}

// Discard forgets every tracked entity without committing
func (s *Session) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entities = make(map[entity.ID]*entity.Entity)
	s.order = nil
}

// Commit durably writes every pending entity in one atomic store transaction
// and schedules the resulting change events for delivery. On failure it
// returns a *CommitError and the entities keep their mutations.
func (s *Session) Commit(ctx context.Context) error {
	if s.g.isClosed() {
		return ErrClosed
	}
	return s.commit(ctx)
}

// CommitAsync runs Commit on a goroutine owned by the graph and calls done
// with the result on that goroutine once dispatch has been scheduled.
// done may be nil.
func (s *Session) CommitAsync(ctx context.Context, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	started := s.g.goAsync(func() {
		done(s.commit(ctx))
	})
	if !started {
		go done(ErrClosed)
	}
}

// CommitFuture starts an async commit and returns a channel that receives
// its result exactly once
func (s *Session) CommitFuture(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	s.CommitAsync(ctx, func(err error) {
		ch <- err
	})
	return ch
}

func (s *Session) commit(ctx context.Context) error {
	if err := s.g.commit(ctx, s.Pending()); err != nil {
		return err
	}
	s.prune()
	return nil
}

// prune drops committed tombstones
func (s *Session) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	for _, id := range s.order {
		e := s.entities[id]
		if e.IsDeleted() && !e.IsDirty() {
			delete(s.entities, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}
