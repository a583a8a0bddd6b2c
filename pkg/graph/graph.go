// ABOUTME: Graph facade owning the record store, journal, search engine and dispatcher
// ABOUTME: Commits are serialized: write transaction, journal seal, then event dispatch

package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nainya/graphstore/internal/logger"
	"github.com/nainya/graphstore/internal/metrics"
	"github.com/nainya/graphstore/pkg/changes"
	"github.com/nainya/graphstore/pkg/entity"
	"github.com/nainya/graphstore/pkg/filter"
	"github.com/nainya/graphstore/pkg/journal"
	"github.com/nainya/graphstore/pkg/notify"
	"github.com/nainya/graphstore/pkg/recordstore"
	"github.com/nainya/graphstore/pkg/search"
)

// Graph is a schema-less entity store with filter search and change
// notifications. It is safe for use by multiple goroutines.
type Graph struct {
	store        recordstore.Store
	journal      *journal.Journal
	checkpointer *journal.Checkpointer
	engine       *search.Engine
	dispatcher   *notify.Dispatcher

	log     *logger.Logger
	metrics *metrics.Metrics

	// commitMu serializes commits so each diff sees the previous commit's result
	commitMu sync.Mutex

	// lifeMu guards closed and registration of async commits
	lifeMu sync.RWMutex
	closed bool
	async  sync.WaitGroup
}

// Stats is a snapshot of graph state
type Stats struct {
	Store      recordstore.Stats
	Dispatch   notify.Stats
	LastCommit uint64
}

// Open opens the bbolt store and journal described by cfg
func Open(cfg Config) (*Graph, error) {
	cfg = cfg.withDefaults()
	if cfg.Path == "" {
		return nil, ErrNoPath
	}

	store, err := recordstore.Open(cfg.Path, recordstore.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	j, err := journal.Open(cfg.JournalPath, journal.Options{
		MaxFiles: cfg.MaxJournalFiles,
		NoSync:   cfg.NoSync,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	g := New(store, j, cfg)
	if cfg.CheckpointInterval > 0 {
		g.checkpointer = journal.NewCheckpointer(j, cfg.CheckpointInterval, cfg.Logger)
		g.checkpointer.Start()
	}

	g.log.Info("graph opened").
		Str("path", cfg.Path).
		Str("journal", cfg.JournalPath).
		Uint64("last_commit", j.LastSealed()).
		Send()
	return g, nil
}

// New builds a graph over an already opened store. j may be nil, in which
// case commits are not journaled and Replay fails with ErrNoJournal.
// The graph takes ownership of both.
func New(store recordstore.Store, j *journal.Journal, cfg Config) *Graph {
	cfg = cfg.withDefaults()
	return &Graph{
		store:      store,
		journal:    j,
		engine:     search.NewEngine(store, cfg.Logger, cfg.Metrics),
		dispatcher: notify.NewDispatcher(cfg.Logger, cfg.Metrics),
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// NewSession creates an empty session
func (g *Graph) NewSession() *Session {
	return &Session{
		g:        g,
		entities: make(map[entity.ID]*entity.Entity),
	}
}

// Search returns the ids of committed entities matching spec
func (g *Graph) Search(ctx context.Context, spec *filter.Spec) (entity.IDSet, error) {
	if g.isClosed() {
		return nil, ErrClosed
	}
	return g.engine.Search(ctx, spec)
}

// Count returns the number of committed entities matching spec
func (g *Graph) Count(ctx context.Context, spec *filter.Spec) (int, error) {
	if g.isClosed() {
		return 0, ErrClosed
	}
	return g.engine.Count(ctx, spec)
}

// SearchEntities returns the committed state of every match, ordered by id
func (g *Graph) SearchEntities(ctx context.Context, spec *filter.Spec) ([]*entity.State, error) {
	if g.isClosed() {
		return nil, ErrClosed
	}
	return g.engine.SearchEntities(ctx, spec)
}

// Get returns the committed state of an entity.
// A missing entity fails with recordstore.ErrNotFound.
func (g *Graph) Get(ctx context.Context, id entity.ID) (*entity.State, error) {
	if g.isClosed() {
		return nil, ErrClosed
	}
	var state *entity.State
	err := g.store.View(ctx, func(r recordstore.Reader) error {
		var err error
		state, err = r.ReadCommitted(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Subscribe registers o for committed changes matching spec.
// A nil or empty spec receives every change.
func (g *Graph) Subscribe(o notify.Observer, spec *filter.Spec) (notify.Handle, error) {
	if g.isClosed() {
		return 0, ErrClosed
	}
	return g.dispatcher.Subscribe(o, spec)
}

// Unsubscribe removes a subscription. It is safe to call from an observer.
func (g *Graph) Unsubscribe(h notify.Handle) bool {
	return g.dispatcher.Unsubscribe(h)
}

// Replay delivers every sealed commit with id >= from to o, in commit order,
// on the calling goroutine. The first observer error stops the replay.
func (g *Graph) Replay(from uint64, o notify.Observer) (*journal.ReplayStats, error) {
	if g.isClosed() {
		return nil, ErrClosed
	}
	if g.journal == nil {
		return nil, ErrNoJournal
	}
	return g.journal.Replay(from, func(b journal.Batch) error {
		for _, ev := range b.Events {
			if err := notify.Deliver(o, ev); err != nil {
				return fmt.Errorf("%s %s: %w", ev.Kind, ev.EntityID(), err)
			}
		}
		return nil
	})
}

// Clear deletes every committed entity through the commit pipeline, so
// observers receive the teardown events. It returns the number deleted.
func (g *Graph) Clear(ctx context.Context) (int, error) {
	states, err := g.SearchEntities(ctx, filter.New().WithTypes(entity.Wildcard))
	if err != nil {
		return 0, err
	}

	s := g.NewSession()
	for _, st := range states {
		e := s.track(entity.FromState(st))
		if err := e.Delete(); err != nil {
			return 0, err
		}
	}
	if err := s.Commit(ctx); err != nil {
		return 0, err
	}
	return len(states), nil
}

// Stats returns store and dispatcher counters
func (g *Graph) Stats() (Stats, error) {
	st, err := g.store.Stats()
	if err != nil {
		return Stats{}, err
	}
	g.metrics.UpdateStoreStats(st.SizeBytes, int64(st.Entities))

	out := Stats{Store: st, Dispatch: g.dispatcher.Stats()}
	if g.journal != nil {
		out.LastCommit = g.journal.LastSealed()
	}
	return out, nil
}

// Close waits for in-flight commits, drains observer queues (bounded by ctx)
// and closes the journal and store.
func (g *Graph) Close(ctx context.Context) error {
	g.lifeMu.Lock()
	if g.closed {
		g.lifeMu.Unlock()
		return nil
	}
	g.closed = true
	g.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		g.async.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.log.Warn("closing with async commits in flight").Err(ctx.Err()).Send()
	}

	if g.checkpointer != nil {
		g.checkpointer.Stop()
	}

	// Wait for a running commit to finish its dispatch
	g.commitMu.Lock()
	defer g.commitMu.Unlock()

	var errs []error
	if err := g.dispatcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if g.journal != nil {
		if err := g.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, err)
	}

	g.log.Info("graph closed").Send()
	return errors.Join(errs...)
}

func (g *Graph) isClosed() bool {
	g.lifeMu.RLock()
	defer g.lifeMu.RUnlock()
	return g.closed
}

// goAsync runs fn on a graph-owned goroutine tracked by Close
func (g *Graph) goAsync(fn func()) bool {
	g.lifeMu.RLock()
	defer g.lifeMu.RUnlock()
	if g.closed {
		return false
	}
	g.async.Add(1)
	go func() {
		defer g.async.Done()
		fn()
	}()
	return true
}

// pendingWrite is an entity's captured change and, once the diff ran, the
// state written for it
type pendingWrite struct {
	entity  *entity.Entity
	change  *entity.Change
	written *entity.State
}

// commit runs the commit pipeline for the given dirty entities. Each entity's
// touched keys are merged onto freshly read committed state, so a commit never
// writes back values another session has since replaced.
func (g *Graph) commit(ctx context.Context, dirty []*entity.Entity) error {
	if len(dirty) == 0 {
		return nil
	}

	g.commitMu.Lock()
	defer g.commitMu.Unlock()

	start := time.Now()

	writes := make([]*pendingWrite, 0, len(dirty))
	ids := make([]entity.ID, 0, len(dirty))
	for _, e := range dirty {
		writes = append(writes, &pendingWrite{entity: e, change: e.Pending()})
		ids = append(ids, e.ID())
	}

	var (
		events   []changes.Event
		commitID uint64
	)
	err := g.store.Update(ctx, func(w recordstore.Writer) error {
		events = nil

		for _, pw := range writes {
			id := pw.change.State.ID
			before, err := w.ReadCommitted(id)
			switch {
			case errors.Is(err, recordstore.ErrNotFound):
				before = nil
			case err != nil:
				return err
			}

			// Deleted by another session since this entity was loaded
			if before == nil && pw.change.Persisted && !pw.change.State.Deleted {
				return fmt.Errorf("%w: %s was deleted by another commit", entity.ErrDeleted, id)
			}

			pw.written = pw.change.Merge(before)
			evs := changes.Diff(before, pw.written)
			if err := apply(w, evs); err != nil {
				return err
			}
			events = append(events, evs...)
		}

		if len(events) == 0 || g.journal == nil {
			return nil
		}
		var err error
		commitID, err = g.journal.Append(events)
		return err
	})

	dur := time.Since(start)

	if err != nil {
		if commitID != 0 {
			g.journal.Abort(commitID)
		}
		g.log.LogCommit(0, len(ids), len(events), dur, err)
		g.metrics.RecordCommit(err, dur, nil)
		return &CommitError{Events: events, Entities: ids, Err: err}
	}

	if commitID != 0 {
		// The store already committed: observers are still notified
		if err := g.journal.Seal(commitID); err != nil {
			g.log.Error("journal seal failed; commit will not be replayed").
				Uint64("commit", commitID).
				Err(err).
				Send()
		}
	}

	g.dispatcher.Dispatch(events)

	for _, pw := range writes {
		pw.entity.MarkCommitted(pw.change.Version, pw.written)
	}

	g.log.LogCommit(commitID, len(ids), len(events), dur, nil)
	g.metrics.RecordCommit(nil, dur, countKinds(events))
	return nil
}

// apply writes one entity's diff through the store writer
func apply(w recordstore.Writer, events []changes.Event) error {
	for _, ev := range events {
		id := ev.EntityID()

		var err error
		switch ev.Kind {
		case changes.EntityInserted:
			err = w.InsertEntity(id, ev.Entity.Type)
		case changes.EntityDeleted:
			err = w.DeleteEntity(id)
		case changes.PropertyInserted, changes.PropertyUpdated:
			err = w.PutProperty(id, ev.Name, ev.New)
		case changes.PropertyDeleted:
			err = w.DeleteProperty(id, ev.Name)
		case changes.GroupInserted:
			err = w.InsertGroup(id, ev.Name)
		case changes.GroupDeleted:
			err = w.DeleteGroup(id, ev.Name)
		default:
			err = fmt.Errorf("unknown event kind %d", ev.Kind)
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", ev.Kind, err)
		}
	}
	return nil
}

func countKinds(events []changes.Event) map[string]int {
	if len(events) == 0 {
		return nil
	}
	out := make(map[string]int)
	for _, ev := range events {
		out[ev.Kind.String()]++
	}
	return out
}
