package changes

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/nainya/graphstore/pkg/entity"
	"github.com/nainya/graphstore/pkg/value"
)

func newState(props map[string]value.Value, groups ...string) *entity.State {
	s := &entity.State{
		ID:         "01J0000000000000000000TEST",
		Type:       "T",
		Properties: map[string]value.Value{},
		Groups:     map[string]struct{}{},
	}
	for k, v := range props {
		s.Properties[k] = v
	}
	for _, g := range groups {
		s.Groups[g] = struct{}{}
	}
	return s
}

type summary struct {
	Kind Kind
	Name string
}

func summarize(events []Event) []summary {
	out := make([]summary, len(events))
	for i, ev := range events {
		out[i] = summary{ev.Kind, ev.Name}
	}
	return out
}

func TestDiffInsert(t *testing.T) {
	after := newState(map[string]value.Value{"P2": value.Int(2), "P1": value.Int(111)}, "G2", "G1")

	events := Diff(nil, after)
	assert.Equal(t, summarize(events), []summary{
		{EntityInserted, ""},
		{PropertyInserted, "P1"},
		{PropertyInserted, "P2"},
		{GroupInserted, "G1"},
		{GroupInserted, "G2"},
	})

	assert.Equal(t, events[1].New.Equal(value.Int(111)), true)
	for _, ev := range events {
		if ev.Entity != after {
			t.Errorf("%s: expected after-state snapshot", ev)
		}
	}
}

func TestDiffDeleteCascades(t *testing.T) {
	before := newState(map[string]value.Value{"P1": value.Int(222)}, "G1")
	after := before.Clone()
	after.Deleted = true

	events := Diff(before, after)
	assert.Equal(t, summarize(events), []summary{
		{PropertyDeleted, "P1"},
		{GroupDeleted, "G1"},
		{EntityDeleted, ""},
	})

	// Deleted entities are described by their last committed state
	assert.Equal(t, events[0].Old.Equal(value.Int(222)), true)
	for _, ev := range events {
		if ev.Entity != before {
			t.Errorf("%s: expected before-state snapshot", ev)
		}
	}
}

func TestDiffUpdate(t *testing.T) {
	before := newState(map[string]value.Value{
		"keep":   value.Int(1),
		"change": value.Int(1),
		"drop":   value.Text("x"),
	}, "stay", "leave")
	after := newState(map[string]value.Value{
		"keep":   value.Int(1),
		"change": value.Text("1"),
		"add":    value.Null(),
	}, "stay", "join")

	events := Diff(before, after)
	assert.Equal(t, summarize(events), []summary{
		{PropertyInserted, "add"},
		{PropertyUpdated, "change"},
		{PropertyDeleted, "drop"},
		{GroupInserted, "join"},
		{GroupDeleted, "leave"},
	})

	upd := events[1]
	assert.Equal(t, upd.Old.Equal(value.Int(1)), true)
	assert.Equal(t, upd.New.Equal(value.Text("1")), true)
}

func TestDiffNoChange(t *testing.T) {
	s := newState(map[string]value.Value{"P": value.Int(1)}, "G")
	assert.Equal(t, len(Diff(s, s.Clone())), 0)
}

func TestDiffInsertThenDeleteIsSilent(t *testing.T) {
	after := newState(map[string]value.Value{"P": value.Int(1)})
	after.Deleted = true
	assert.Equal(t, len(Diff(nil, after)), 0)
}

func TestUnionSorted(t *testing.T) {
	assert.Equal(t, unionSorted([]string{"a", "c", "e"}, []string{"b", "c", "f"}), []string{"a", "b", "c", "e", "f"})
	assert.Equal(t, unionSorted(nil, []string{"x"}), []string{"x"})
}

func TestEventCodec(t *testing.T) {
	s := newState(map[string]value.Value{"P1": value.Int(2), "blob": value.Binary([]byte{0, 1, 2})}, "G1")

	events := []Event{
		{Kind: EntityInserted, Entity: s},
		{Kind: PropertyUpdated, Entity: s, Name: "P1", Old: value.Int(1), New: value.Int(2)},
		{Kind: PropertyDeleted, Entity: s, Name: "gone", Old: value.Null()},
		{Kind: GroupInserted, Entity: s, Name: "G1"},
	}

	for _, ev := range events {
		got, err := Unmarshal(Marshal(ev))
		if err != nil {
			t.Fatalf("%s: unmarshal failed: %v", ev, err)
		}
		assert.Equal(t, got.Kind, ev.Kind)
		assert.Equal(t, got.Name, ev.Name)
		assert.Equal(t, got.Old.Equal(ev.Old), true)
		assert.Equal(t, got.New.Equal(ev.New), true)
		assert.Equal(t, got.New.IsValid(), ev.New.IsValid())
		assert.Equal(t, got.Entity.ID, s.ID)
		assert.Equal(t, got.Entity.GroupNames(), []string{"G1"})

		blob, _ := got.Entity.Property("blob")
		assert.Equal(t, blob.Equal(value.Binary([]byte{0, 1, 2})), true)
	}
}

func TestEventCodecRejectsGarbage(t *testing.T) {
	data := Marshal(Event{Kind: GroupDeleted, Entity: newState(nil, "G"), Name: "G"})

	for _, bad := range [][]byte{nil, data[:len(data)-2], append(append([]byte{}, data...), 0x02)} {
		if _, err := Unmarshal(bad); !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("expected ErrMalformedEvent for %x, got %v", bad, err)
		}
	}
}
