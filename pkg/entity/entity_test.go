package entity

import (
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/nainya/graphstore/pkg/value"
)

func newTestEntity(t *testing.T, typ string) *Entity {
	e, err := New(typ)
	if err != nil {
		t.Fatalf("Failed to create entity: %v", err)
	}
	return e
}

func TestNewEntity(t *testing.T) {
	e := newTestEntity(t, "T")

	assert.Equal(t, e.Type(), "T")
	assert.Equal(t, len(e.Properties()), 0)
	assert.Equal(t, len(e.Groups()), 0)
	assert.Equal(t, e.IsDirty(), true)
	assert.Equal(t, e.IsPersisted(), false)

	if _, err := ParseID(e.ID().String()); err != nil {
		t.Errorf("generated id does not parse: %v", err)
	}
}

func TestInvalidNames(t *testing.T) {
	for _, name := range []string{"", Wildcard, " P", "P\n"} {
		if _, err := New(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("New(%q): expected ErrInvalidName, got %v", name, err)
		}
	}

	e := newTestEntity(t, "T")
	if err := e.Set("", value.Int(1)); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
	if err := e.AddGroup(Wildcard); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
	if err := e.Set("P", value.Value{}); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
	if err := e.SetValue("P", struct{}{}); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
}

func TestPropertiesAndGroups(t *testing.T) {
	e := newTestEntity(t, "T")

	assert.Equal(t, e.SetValue("P", 111), nil)
	assert.Equal(t, e.Set("N", value.Null()), nil)
	assert.Equal(t, e.AddGroup("G"), nil)

	v, ok := e.Get("P")
	assert.Equal(t, ok, true)
	assert.Equal(t, v.Equal(value.Int(111)), true)

	// Present-with-null is distinct from absent
	assert.Equal(t, e.Has("N"), true)
	assert.Equal(t, e.Has("missing"), false)

	assert.Equal(t, e.MemberOf("G"), true)
	assert.Equal(t, e.Groups(), []string{"G"})

	assert.Equal(t, e.Remove("P"), nil)
	assert.Equal(t, e.Has("P"), false)
	assert.Equal(t, e.RemoveGroup("G"), nil)
	assert.Equal(t, e.MemberOf("G"), false)
}

func TestVersioning(t *testing.T) {
	s := &State{ID: NewID(), Type: "T", Properties: map[string]value.Value{"P": value.Int(1)}}
	e := FromState(s)
	assert.Equal(t, e.IsDirty(), false)

	// Setting an equal value is not a change
	assert.Equal(t, e.Set("P", value.Int(1)), nil)
	assert.Equal(t, e.IsDirty(), false)

	assert.Equal(t, e.Set("P", value.Int(2)), nil)
	assert.Equal(t, e.IsDirty(), true)

	_, version := e.Snapshot()
	assert.Equal(t, e.Set("P", value.Int(3)), nil)

	// Committing an older snapshot keeps the newer mutation pending
	e.MarkCommitted(version, nil)
	assert.Equal(t, e.IsDirty(), true)

	_, version = e.Snapshot()
	e.MarkCommitted(version, nil)
	assert.Equal(t, e.IsDirty(), false)
}

func TestPendingTracksTouchedKeys(t *testing.T) {
	s := &State{
		ID:         NewID(),
		Type:       "T",
		Properties: map[string]value.Value{"P1": value.Int(1), "P3": value.Int(3)},
		Groups:     map[string]struct{}{"G1": {}},
	}
	e := FromState(s)

	assert.Equal(t, len(e.Pending().Props), 0)

	assert.Equal(t, e.Set("P2", value.Int(2)), nil)
	assert.Equal(t, e.Remove("P3"), nil)
	assert.Equal(t, e.AddGroup("G2"), nil)

	// Setting an unchanged value touches nothing
	assert.Equal(t, e.Set("P1", value.Int(1)), nil)

	c := e.Pending()
	assert.Equal(t, c.Props, []string{"P2", "P3"})
	assert.Equal(t, c.Groups, []string{"G2"})
	assert.Equal(t, c.Persisted, true)

	e.MarkCommitted(c.Version, nil)
	c = e.Pending()
	assert.Equal(t, len(c.Props), 0)
	assert.Equal(t, len(c.Groups), 0)
}

func TestMergeKeepsUntouchedCommittedValues(t *testing.T) {
	id := NewID()
	loaded := &State{
		ID:         id,
		Type:       "T",
		Properties: map[string]value.Value{"P1": value.Int(1), "P3": value.Int(3)},
		Groups:     map[string]struct{}{"G1": {}},
	}
	e := FromState(loaded)
	assert.Equal(t, e.Set("P2", value.Int(2)), nil)
	assert.Equal(t, e.Remove("P3"), nil)
	assert.Equal(t, e.AddGroup("G2"), nil)

	// Another session committed P1=10 and left G1 meanwhile
	committed := &State{
		ID:         id,
		Type:       "T",
		Properties: map[string]value.Value{"P1": value.Int(10), "P3": value.Int(3)},
		Groups:     map[string]struct{}{},
	}

	c := e.Pending()
	written := c.Merge(committed)
	assert.Equal(t, written.Properties, map[string]value.Value{"P1": value.Int(10), "P2": value.Int(2)})
	assert.Equal(t, written.GroupNames(), []string{"G2"})

	// The committed input is not modified
	assert.Equal(t, len(committed.Properties), 2)

	// A change against a missing entity writes the local state
	assert.Equal(t, c.Merge(nil).Properties, map[string]value.Value{"P1": value.Int(1), "P2": value.Int(2)})

	// The instance picks up the other session's values
	assert.Equal(t, e.Set("P4", value.Int(4)), nil)
	e.MarkCommitted(c.Version, written)
	v, _ := e.Get("P1")
	assert.Equal(t, v, value.Int(10))
	assert.Equal(t, e.MemberOf("G1"), false)
	assert.Equal(t, e.MemberOf("G2"), true)

	// P4 was touched after the committed version and stays local
	v, _ = e.Get("P4")
	assert.Equal(t, v, value.Int(4))
	assert.Equal(t, e.IsDirty(), true)
	assert.Equal(t, e.Pending().Props, []string{"P4"})
}

func TestMergeDeletion(t *testing.T) {
	id := NewID()
	e := FromState(&State{ID: id, Type: "T", Properties: map[string]value.Value{"P": value.Int(1)}})
	assert.Equal(t, e.Delete(), nil)

	committed := &State{ID: id, Type: "T", Properties: map[string]value.Value{"P": value.Int(2)}}
	written := e.Pending().Merge(committed)
	assert.Equal(t, written.Deleted, true)
	assert.Equal(t, written.Properties["P"], value.Int(2))
}

func TestMutationAfterDelete(t *testing.T) {
	e := newTestEntity(t, "T")
	assert.Equal(t, e.Delete(), nil)
	assert.Equal(t, e.IsDeleted(), true)

	checks := []error{
		e.SetValue("P", 1),
		e.Remove("P"),
		e.AddGroup("G"),
		e.RemoveGroup("G"),
		e.Delete(),
	}
	for i, err := range checks {
		if !errors.Is(err, ErrDeleted) {
			t.Errorf("mutation %d: expected ErrDeleted, got %v", i, err)
		}
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	e := newTestEntity(t, "T")
	assert.Equal(t, e.SetValue("P", "a"), nil)

	snap, _ := e.Snapshot()
	assert.Equal(t, e.SetValue("P", "b"), nil)
	assert.Equal(t, e.AddGroup("G"), nil)

	v, _ := snap.Property("P")
	assert.Equal(t, v.Equal(value.Text("a")), true)
	assert.Equal(t, snap.MemberOf("G"), false)
}

func TestConcurrentMutation(t *testing.T) {
	e := newTestEntity(t, "T")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = e.SetValue("P", i*1000+j)
				_ = e.AddGroup("G")
				_, _ = e.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, e.MemberOf("G"), true)
	assert.Equal(t, e.Has("P"), true)
}

func TestIDSet(t *testing.T) {
	a, b, c := NewID(), NewID(), NewID()

	s1 := NewIDSet(a, b)
	s2 := NewIDSet(b, c)

	inter := s1.Intersect(s2)
	assert.Equal(t, inter.Len(), 1)
	assert.Equal(t, inter.Has(b), true)

	u := s1.Clone()
	u.AddAll(s2)
	assert.Equal(t, u.Sorted(), []ID{a, b, c})
	assert.Equal(t, s1.Len(), 2)
}
