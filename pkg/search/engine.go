// ABOUTME: Search engine compiling filter specs into record store index lookups
// ABOUTME: Unions terms within a category, intersects categories, one snapshot per search

package search

import (
	"context"
	"slices"
	"time"

	"github.com/nainya/graphstore/internal/logger"
	"github.com/nainya/graphstore/internal/metrics"
	"github.com/nainya/graphstore/pkg/entity"
	"github.com/nainya/graphstore/pkg/filter"
	"github.com/nainya/graphstore/pkg/recordstore"
)

// Engine answers filter searches against committed state
type Engine struct {
	store   recordstore.Store
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewEngine creates a search engine over store. log and m may be nil.
func NewEngine(store recordstore.Store, log *logger.Logger, m *metrics.Metrics) *Engine {
	return &Engine{store: store, log: logger.OrNop(log), metrics: m}
}

// Search returns the ids of committed entities matching spec.
// A spec with no category specified matches nothing.
func (e *Engine) Search(ctx context.Context, spec *filter.Spec) (entity.IDSet, error) {
	var ids entity.IDSet
	err := e.run(ctx, spec, func(r recordstore.Reader) (int, error) {
		var err error
		ids, err = Evaluate(r, spec)
		return ids.Len(), err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Count returns the number of matching entities
func (e *Engine) Count(ctx context.Context, spec *filter.Spec) (int, error) {
	ids, err := e.Search(ctx, spec)
	if err != nil {
		return 0, err
	}
	return ids.Len(), nil
}

// SearchEntities returns the committed state of every match, ordered by id.
// Ids and states come from the same snapshot.
func (e *Engine) SearchEntities(ctx context.Context, spec *filter.Spec) ([]*entity.State, error) {
	var states []*entity.State
	err := e.run(ctx, spec, func(r recordstore.Reader) (int, error) {
		ids, err := Evaluate(r, spec)
		if err != nil {
			return 0, err
		}

		states = make([]*entity.State, 0, ids.Len())
		for _, id := range ids.Sorted() {
			st, err := r.ReadCommitted(id)
			if err != nil {
				return 0, err
			}
			states = append(states, st)
		}
		return len(states), nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

func (e *Engine) run(ctx context.Context, spec *filter.Spec, fn func(recordstore.Reader) (int, error)) error {
	if err := spec.Validate(); err != nil {
		e.metrics.RecordSearch(err, 0)
		return err
	}

	start := time.Now()
	matches := 0
	err := e.store.View(ctx, func(r recordstore.Reader) error {
		var err error
		matches, err = fn(r)
		return err
	})

	e.log.LogSearch(spec.String(), time.Since(start), matches, err)
	e.metrics.RecordSearch(err, matches)
	return err
}

// Evaluate runs spec against one snapshot
func Evaluate(r recordstore.Reader, spec *filter.Spec) (entity.IDSet, error) {
	if spec.IsEmpty() {
		return entity.NewIDSet(), nil
	}

	plan := Compile(spec)
	sets := make([]entity.IDSet, 0, len(plan))

	for _, category := range plan {
		set, err := category.eval(r)
		if err != nil {
			return nil, err
		}
		if set.Len() == 0 {
			// AND with an empty category is empty
			return entity.NewIDSet(), nil
		}
		sets = append(sets, set)
	}

	return intersectAll(sets), nil
}

// intersectAll intersects sets smallest first
func intersectAll(sets []entity.IDSet) entity.IDSet {
	slices.SortFunc(sets, func(a, b entity.IDSet) int { return a.Len() - b.Len() })

	result := sets[0]
	for _, s := range sets[1:] {
		result = result.Intersect(s)
		if result.Len() == 0 {
			break
		}
	}
	return result
}
