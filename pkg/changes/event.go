// ABOUTME: Change events describing one committed state transition each
// ABOUTME: Produced by Diff, journaled, and delivered to observers

package changes

import (
	"fmt"

	"github.com/nainya/graphstore/pkg/entity"
	"github.com/nainya/graphstore/pkg/value"
)

// Kind identifies a change event
type Kind uint8

const (
	EntityInserted Kind = iota + 1
	EntityDeleted
	PropertyInserted
	PropertyUpdated
	PropertyDeleted
	GroupInserted
	GroupDeleted
)

var kindNames = map[Kind]string{
	EntityInserted:   "entity_inserted",
	EntityDeleted:    "entity_deleted",
	PropertyInserted: "property_inserted",
	PropertyUpdated:  "property_updated",
	PropertyDeleted:  "property_deleted",
	GroupInserted:    "group_inserted",
	GroupDeleted:     "group_deleted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Kinds lists every event kind in declaration order
func Kinds() []Kind {
	return []Kind{EntityInserted, EntityDeleted, PropertyInserted, PropertyUpdated, PropertyDeleted, GroupInserted, GroupDeleted}
}

// IsProperty reports whether the event concerns a single property
func (k Kind) IsProperty() bool {
	return k == PropertyInserted || k == PropertyUpdated || k == PropertyDeleted
}

// IsGroup reports whether the event concerns a single group membership
func (k Kind) IsGroup() bool {
	return k == GroupInserted || k == GroupDeleted
}

// Event is one change to one entity
type Event struct {
	Kind Kind

	// Entity is the snapshot the event describes: the committed after-state
	// for live entities, the last committed state for deleted ones.
	Entity *entity.State

	// Name is the property or group name; empty for entity events
	Name string

	// Old is set for PropertyUpdated and PropertyDeleted
	Old value.Value

	// New is set for PropertyInserted and PropertyUpdated
	New value.Value
}

// EntityID returns the affected entity's id
func (e Event) EntityID() entity.ID { return e.Entity.ID }

func (e Event) String() string {
	switch {
	case e.Kind == PropertyUpdated:
		return fmt.Sprintf("%s %s %s: %s -> %s", e.Kind, e.Entity.ID, e.Name, e.Old, e.New)
	case e.Kind == PropertyInserted:
		return fmt.Sprintf("%s %s %s=%s", e.Kind, e.Entity.ID, e.Name, e.New)
	case e.Kind == PropertyDeleted:
		return fmt.Sprintf("%s %s %s (was %s)", e.Kind, e.Entity.ID, e.Name, e.Old)
	case e.Kind.IsGroup():
		return fmt.Sprintf("%s %s %s", e.Kind, e.Entity.ID, e.Name)
	default:
		return fmt.Sprintf("%s %s type=%s", e.Kind, e.Entity.ID, e.Entity.Type)
	}
}
