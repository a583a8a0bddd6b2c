// ABOUTME: Entity identity, id sets and immutable state snapshots
// ABOUTME: State is what the record store persists and what observers receive

package entity

import (
	"maps"
	"slices"

	"github.com/oklog/ulid/v2"

	"github.com/nainya/graphstore/pkg/value"
)

// ID is an opaque, stable entity identifier
type ID string

// NewID allocates a fresh identifier. ULIDs sort by creation time.
func NewID() ID {
	return ID(ulid.Make().String())
}

// ParseID validates an identifier received from outside the process
func ParseID(s string) (ID, error) {
	if _, err := ulid.ParseStrict(s); err != nil {
		return "", err
	}
	return ID(s), nil
}

func (id ID) String() string { return string(id) }

// IDSet is a set of entity identifiers
type IDSet map[ID]struct{}

// NewIDSet creates a set holding ids
func NewIDSet(ids ...ID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Add(id ID)          { s[id] = struct{}{} }
func (s IDSet) Has(id ID) bool     { _, ok := s[id]; return ok }
func (s IDSet) Len() int           { return len(s) }
func (s IDSet) Clone() IDSet       { return maps.Clone(s) }
func (s IDSet) AddAll(other IDSet) { maps.Copy(s, other) }

// Intersect returns the ids present in both sets
func (s IDSet) Intersect(other IDSet) IDSet {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	out := make(IDSet, len(small))
	for id := range small {
		if large.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Sorted returns the ids in ascending order
func (s IDSet) Sorted() []ID {
	return slices.Sorted(maps.Keys(s))
}

// State is an immutable snapshot of an entity.
// Holders must not modify the maps.
type State struct {
	ID         ID
	Type       string
	Properties map[string]value.Value
	Groups     map[string]struct{}
	Deleted    bool
}

// Property returns the value of a property
func (s *State) Property(name string) (value.Value, bool) {
	v, ok := s.Properties[name]
	return v, ok
}

// HasProperty reports whether the property exists, whatever its value
func (s *State) HasProperty(name string) bool {
	_, ok := s.Properties[name]
	return ok
}

// MemberOf reports group membership
func (s *State) MemberOf(group string) bool {
	_, ok := s.Groups[group]
	return ok
}

// PropertyNames returns property names in ascending order
func (s *State) PropertyNames() []string {
	return slices.Sorted(maps.Keys(s.Properties))
}

// GroupNames returns group names in ascending order
func (s *State) GroupNames() []string {
	return slices.Sorted(maps.Keys(s.Groups))
}

// Clone returns a deep copy of the snapshot
func (s *State) Clone() *State {
	c := *s
	c.Properties = maps.Clone(s.Properties)
	c.Groups = maps.Clone(s.Groups)
	if c.Properties == nil {
		c.Properties = map[string]value.Value{}
	}
	if c.Groups == nil {
		c.Groups = map[string]struct{}{}
	}
	return &c
}

// Change is an entity instance's uncommitted work. Props and Groups name the
// keys it touched since it was loaded or last committed; State holds their
// local values (an absent key was removed).
type Change struct {
	State     *State
	Version   uint64
	Persisted bool
	Props     []string
	Groups    []string
}

// Merge applies the change to committed state and returns the state to
// write. Keys the change did not touch keep their committed values.
// committed is nil when the entity does not exist in the store.
func (c *Change) Merge(committed *State) *State {
	if committed == nil {
		return c.State.Clone()
	}

	out := committed.Clone()
	if c.State.Deleted {
		out.Deleted = true
		return out
	}
	for _, name := range c.Props {
		if v, ok := c.State.Properties[name]; ok {
			out.Properties[name] = v
		} else {
			delete(out.Properties, name)
		}
	}
	for _, group := range c.Groups {
		if _, ok := c.State.Groups[group]; ok {
			out.Groups[group] = struct{}{}
		} else {
			delete(out.Groups, group)
		}
	}
	return out
}
