package search

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/nainya/graphstore/pkg/entity"
	"github.com/nainya/graphstore/pkg/filter"
	"github.com/nainya/graphstore/pkg/recordstore"
	"github.com/nainya/graphstore/pkg/value"
)

// setupEngine creates an engine over a fresh store
func setupEngine(t *testing.T) (*Engine, *recordstore.BoltStore, func()) {
	t.Helper()

	store, err := recordstore.Open(filepath.Join(t.TempDir(), "search.db"), recordstore.Options{NoSync: true})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	return NewEngine(store, nil, nil), store, func() { store.Close() }
}

func insert(t *testing.T, store recordstore.Store, states ...*entity.State) {
	t.Helper()

	err := store.Update(context.Background(), func(w recordstore.Writer) error {
		for _, s := range states {
			if err := w.InsertEntity(s.ID, s.Type); err != nil {
				return err
			}
			for name, v := range s.Properties {
				if err := w.PutProperty(s.ID, name, v); err != nil {
					return err
				}
			}
			for g := range s.Groups {
				if err := w.InsertGroup(s.ID, g); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}
}

func newState(typ string, props map[string]value.Value, groups ...string) *entity.State {
	s := &entity.State{ID: entity.NewID(), Type: typ, Properties: props, Groups: map[string]struct{}{}}
	if s.Properties == nil {
		s.Properties = map[string]value.Value{}
	}
	for _, g := range groups {
		s.Groups[g] = struct{}{}
	}
	return s
}

// populateScenario stores 100 T1, 200 T2 and 300 T3 entities
func populateScenario(t *testing.T, store recordstore.Store) {
	t.Helper()

	var states []*entity.State
	for i := 0; i < 100; i++ {
		p1 := value.Text("V1")
		if i%2 == 1 {
			p1 = value.Int(1)
		}
		states = append(states, newState("T1", map[string]value.Value{"P1": p1, "P2": value.Text("V2")}, "G1", "G2"))
	}
	for i := 0; i < 200; i++ {
		states = append(states, newState("T2", map[string]value.Value{"P2": value.Text("V2")}, "G2"))
	}
	for i := 0; i < 300; i++ {
		states = append(states, newState("T3", map[string]value.Value{"P3": value.Text("V3")}, "G3"))
	}
	insert(t, store, states...)
}

func TestScenarioCounts(t *testing.T) {
	engine, store, cleanup := setupEngine(t)
	defer cleanup()
	populateScenario(t, store)

	tests := []struct {
		name string
		spec *filter.Spec
		want int
	}{
		{"one type", filter.New().WithTypes("T1"), 100},
		{"all types", filter.New().WithTypes("T1", "T2", "T3"), 600},
		{"type wildcard", filter.New().WithTypes(filter.Wildcard), 600},
		{"one group", filter.New().WithGroups("G1"), 100},
		{"unknown group", filter.New().WithGroups("NONE"), 0},
		{"group wildcard", filter.New().WithGroups(filter.Wildcard), 600},
		{"property exists", filter.New().Has("P1"), 100},
		{"property value", filter.New().Equals("P1", value.Text("V1")), 50},
		{"property integer", filter.New().Equals("P1", value.Int(1)), 50},
		{"property text one", filter.New().Equals("P1", value.Text("1")), 0},
		{"property OR", filter.New().Equals("P1", value.Text("V1")).Equals("P1", value.Int(1)), 100},
		{"any name with value", filter.New().Equals(filter.Wildcard, value.Text("V1")), 50},
		{"exists or value", filter.New().Has("P1").Equals("P2", value.Text("V2")), 300},
		{"all wildcards", filter.New().WithTypes(filter.Wildcard).WithGroups(filter.Wildcard).Has(filter.Wildcard), 600},
		{"type and group", filter.New().WithTypes("T2").WithGroups("G2"), 200},
		{"type and foreign group", filter.New().WithTypes("T3").WithGroups("G2"), 0},
		{"empty spec", filter.New(), 0},
		{"specified but empty", filter.New().WithTypes(), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := engine.Count(context.Background(), tt.spec)
			if err != nil {
				t.Fatalf("Count %s failed: %v", tt.spec, err)
			}
			if n != tt.want {
				t.Errorf("Count %s = %d, want %d", tt.spec, n, tt.want)
			}
		})
	}
}

func TestDisjointTypesSum(t *testing.T) {
	engine, store, cleanup := setupEngine(t)
	defer cleanup()
	populateScenario(t, store)

	ctx := context.Background()
	sum := 0
	for _, typ := range []string{"T1", "T2", "T3"} {
		n, err := engine.Count(ctx, filter.New().WithTypes(typ))
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		sum += n
	}

	all, err := engine.Count(ctx, filter.New().WithTypes("T1", "T2", "T3"))
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	assert.Equal(t, sum, all)
}

func TestCategoryIntersection(t *testing.T) {
	engine, store, cleanup := setupEngine(t)
	defer cleanup()
	populateScenario(t, store)

	ctx := context.Background()
	byType, err := engine.Search(ctx, filter.New().WithTypes("T1", "T2"))
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	byGroup, err := engine.Search(ctx, filter.New().WithGroups("G1"))
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	both, err := engine.Search(ctx, filter.New().WithTypes("T1", "T2").WithGroups("G1"))
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	assert.Equal(t, both.Sorted(), byType.Intersect(byGroup).Sorted())
}

func TestSearchEntities(t *testing.T) {
	engine, store, cleanup := setupEngine(t)
	defer cleanup()

	a := newState("T", map[string]value.Value{"P": value.Int(1)}, "G")
	b := newState("T", nil)
	insert(t, store, a, b)

	states, err := engine.SearchEntities(context.Background(), filter.New().WithGroups("G"))
	if err != nil {
		t.Fatalf("SearchEntities failed: %v", err)
	}
	assert.Equal(t, len(states), 1)
	assert.Equal(t, states[0].ID, a.ID)
	assert.Equal(t, states[0].Properties["P"].Equal(value.Int(1)), true)
}

func TestInvalidFilterNeverTouchesStore(t *testing.T) {
	engine, _, cleanup := setupEngine(t)
	cleanup()

	// The store is closed, so only validation can produce the error
	_, err := engine.Search(context.Background(), filter.New().WithTypes(""))
	var ife *filter.InvalidFilterError
	if !errors.As(err, &ife) {
		t.Fatalf("expected InvalidFilterError, got %v", err)
	}

	_, err = engine.Search(context.Background(), filter.New().WithTypes("T"))
	if !errors.Is(err, recordstore.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCompile(t *testing.T) {
	plan := Compile(filter.New().WithTypes("T1", "T1", "T2").Has("P").Equals(filter.Wildcard, value.Int(1)))
	assert.Equal(t, len(plan), 2)
	assert.Equal(t, plan[0].String(), "types: type=T1 OR type=T2")
	assert.Equal(t, plan[1].String(), "properties: property(P, *) OR property(*, 1)")

	wild := Compile(filter.New().WithGroups("G1", filter.Wildcard))
	assert.Equal(t, wild[0].Lookups, []recordstore.Query{{Kind: recordstore.AnyGroup}})

	assert.Equal(t, len(Compile(filter.New())), 0)
}

// TestMatchesOracle compares indexed search with evaluating every entity in memory
func TestMatchesOracle(t *testing.T) {
	engine, store, cleanup := setupEngine(t)
	defer cleanup()

	rng := rand.New(rand.NewPCG(42, 7))
	types := []string{"A", "B", "C"}
	groups := []string{"G1", "G2", "G3"}
	names := []string{"x", "y", "z"}
	values := []value.Value{value.Int(1), value.Text("1"), value.Bool(true), value.Null(), value.Real(1.5)}

	var states []*entity.State
	for i := 0; i < 200; i++ {
		s := newState(types[rng.IntN(len(types))], nil)
		for _, n := range names {
			if rng.IntN(2) == 0 {
				s.Properties[n] = values[rng.IntN(len(values))]
			}
		}
		for _, g := range groups {
			if rng.IntN(3) == 0 {
				s.Groups[g] = struct{}{}
			}
		}
		states = append(states, s)
	}
	insert(t, store, states...)

	pick := func(pool []string) []string {
		var out []string
		for _, p := range append(pool, filter.Wildcard) {
			if rng.IntN(3) == 0 {
				out = append(out, p)
			}
		}
		return out
	}

	for i := 0; i < 300; i++ {
		spec := filter.New()
		if rng.IntN(2) == 0 {
			spec.WithTypes(pick(types)...)
		}
		if rng.IntN(2) == 0 {
			spec.WithGroups(pick(groups)...)
		}
		if rng.IntN(2) == 0 {
			var props []filter.Property
			for _, n := range pick(names) {
				if rng.IntN(2) == 0 {
					props = append(props, filter.Has(n))
				} else {
					props = append(props, filter.Equals(n, values[rng.IntN(len(values))]))
				}
			}
			spec.WithProperties(props...)
		}

		got, err := engine.Search(context.Background(), spec)
		if err != nil {
			t.Fatalf("Search %s failed: %v", spec, err)
		}

		want := entity.NewIDSet()
		for _, s := range states {
			if spec.Match(s) {
				want.Add(s.ID)
			}
		}

		if fmt.Sprint(got.Sorted()) != fmt.Sprint(want.Sorted()) {
			t.Fatalf("Search %s returned %d ids, oracle %d", spec, got.Len(), want.Len())
		}
	}
}
