// ABOUTME: In-memory entity with typed properties and group memberships
// ABOUTME: Mutations are versioned so a commit can tell which changes it saved

package entity

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/nainya/graphstore/pkg/value"
)

// Wildcard is the filter token meaning "any value in this dimension".
// It is reserved and cannot be used as a type, property or group name.
const Wildcard = "*"

// Entity is the mutable, in-memory view of a stored entity.
// It is safe for use by multiple goroutines.
type Entity struct {
	mu sync.RWMutex

	id     ID
	typ    string
	props  map[string]value.Value
	groups map[string]struct{}

	// touched property and group names, with the version of the last
	// mutation to each, since load or the last commit that covered them
	touchedProps  map[string]uint64
	touchedGroups map[string]uint64

	deleted   bool
	persisted bool   // an insert for this entity has been committed
	version   uint64 // bumped on every mutation
	committed uint64 // version last written to the store
}

// New creates an entity of the given type with no properties or groups
func New(typ string) (*Entity, error) {
	if err := ValidateName(typ); err != nil {
		return nil, fmt.Errorf("type: %w", err)
	}
	return &Entity{
		id:            NewID(),
		typ:           typ,
		props:         make(map[string]value.Value),
		groups:        make(map[string]struct{}),
		touchedProps:  make(map[string]uint64),
		touchedGroups: make(map[string]uint64),
		// A new entity is dirty until its insert commits
		version:       1,
	}, nil
}

// FromState rebuilds a clean entity from committed state
func FromState(s *State) *Entity {
	c := s.Clone()
	return &Entity{
		id:            c.ID,
		typ:           c.Type,
		props:         c.Properties,
		groups:        c.Groups,
		touchedProps:  make(map[string]uint64),
		touchedGroups: make(map[string]uint64),
		deleted:       c.Deleted,
		persisted:     true,
	}
}

// ValidateName checks a type, property or group name
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case name == Wildcard:
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, Wildcard)
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidName, name)
	case strings.ContainsFunc(name, func(r rune) bool { return r < 0x20 || r == 0x7f }):
		return fmt.Errorf("%w: %q contains control characters", ErrInvalidName, name)
	}
	return nil
}

func (e *Entity) ID() ID { return e.id }

func (e *Entity) Type() string { return e.typ }

// Get returns a property value
func (e *Entity) Get(name string) (value.Value, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.props[name]
	return v, ok
}

// Has reports whether a property exists
func (e *Entity) Has(name string) bool {
	_, ok := e.Get(name)
	return ok
}

// Properties returns a copy of the property map
func (e *Entity) Properties() map[string]value.Value {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.props)
}

// Groups returns group names in ascending order
func (e *Entity) Groups() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.groups))
}

// MemberOf reports group membership
func (e *Entity) MemberOf(group string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.groups[group]
	return ok
}

// IsDeleted reports whether Delete was called
func (e *Entity) IsDeleted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deleted
}

// IsDirty reports whether the entity has mutations not yet committed
func (e *Entity) IsDirty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version != e.committed
}

// Set stores a property value, replacing any previous value
func (e *Entity) Set(name string, v value.Value) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if !v.IsValid() {
		return fmt.Errorf("%w: property %q", ErrInvalidValue, name)
	}

	return e.mutate(func(next uint64) bool {
		if old, ok := e.props[name]; ok && old.Equal(v) {
			return false
		}
		e.props[name] = v
		e.touchedProps[name] = next
		return true
	})
}

// SetValue converts a native Go value and stores it
func (e *Entity) SetValue(name string, x any) error {
	v, err := value.Of(x)
	if err != nil {
		return fmt.Errorf("%w: property %q: %w", ErrInvalidValue, name, err)
	}
	return e.Set(name, v)
}

// Remove deletes a property. Removing an absent property is a no-op.
func (e *Entity) Remove(name string) error {
	return e.mutate(func(next uint64) bool {
		if _, ok := e.props[name]; !ok {
			return false
		}
		delete(e.props, name)
		e.touchedProps[name] = next
		return true
	})
}

// AddGroup adds the entity to a group
func (e *Entity) AddGroup(group string) error {
	if err := ValidateName(group); err != nil {
		return err
	}
	return e.mutate(func(next uint64) bool {
		if _, ok := e.groups[group]; ok {
			return false
		}
		e.groups[group] = struct{}{}
		e.touchedGroups[group] = next
		return true
	})
}

// RemoveGroup removes the entity from a group
func (e *Entity) RemoveGroup(group string) error {
	return e.mutate(func(next uint64) bool {
		if _, ok := e.groups[group]; !ok {
			return false
		}
		delete(e.groups, group)
		e.touchedGroups[group] = next
		return true
	})
}

// Delete tombstones the entity. Its properties and memberships are removed
// from the store by the next commit.
func (e *Entity) Delete() error {
	return e.mutate(func(uint64) bool {
		e.deleted = true
		return true
	})
}

// mutate applies fn under the write lock and bumps the version if fn changed
// anything. fn receives the version its change will carry.
func (e *Entity) mutate(fn func(next uint64) bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return fmt.Errorf("%w: %s", ErrDeleted, e.id)
	}
	if fn(e.version + 1) {
		e.version++
	}
	return nil
}

// Snapshot captures the current state together with the version it reflects
func (e *Entity) Snapshot() (*State, uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stateLocked(), e.version
}

func (e *Entity) stateLocked() *State {
	return &State{
		ID:         e.id,
		Type:       e.typ,
		Properties: maps.Clone(e.props),
		Groups:     maps.Clone(e.groups),
		Deleted:    e.deleted,
	}
}

// Pending captures the uncommitted work of this instance: the keys it
// touched and their local values
func (e *Entity) Pending() *Change {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return &Change{
		State:     e.stateLocked(),
		Version:   e.version,
		Persisted: e.persisted,
		Props:     slices.Sorted(maps.Keys(e.touchedProps)),
		Groups:    slices.Sorted(maps.Keys(e.touchedGroups)),
	}
}

// IsPersisted reports whether the entity exists in committed state
// as far as this instance knows
func (e *Entity) IsPersisted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.persisted
}

// MarkCommitted records that the change captured at version was written and
// that written is now the committed state. Keys touched after version stay
// pending; every other key is refreshed from written, so the instance picks
// up what other sessions committed. written may be nil.
func (e *Entity) MarkCommitted(version uint64, written *State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.persisted = true
	if version > e.committed {
		e.committed = version
	}
	maps.DeleteFunc(e.touchedProps, func(_ string, v uint64) bool { return v <= version })
	maps.DeleteFunc(e.touchedGroups, func(_ string, v uint64) bool { return v <= version })

	if written == nil || e.deleted || written.Deleted {
		return
	}

	fresh := written.Clone()
	props, groups := fresh.Properties, fresh.Groups
	for name := range e.touchedProps {
		if v, ok := e.props[name]; ok {
			props[name] = v
		} else {
			delete(props, name)
		}
	}

	for group := range e.touchedGroups {
		if _, ok := e.groups[group]; ok {
			groups[group] = struct{}{}
		} else {
			delete(groups, group)
		}
	}

	e.props, e.groups = props, groups
}
