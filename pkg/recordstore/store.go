// ABOUTME: Record store contract used by search and the commit pipeline
// ABOUTME: Snapshot reads, indexed lookups and atomic multi-record writes

package recordstore

import (
	"context"
	"fmt"

	"github.com/nainya/graphstore/pkg/entity"
	"github.com/nainya/graphstore/pkg/value"
)

// QueryKind selects an index lookup
type QueryKind uint8

const (
	// ByType finds entities of one type
	ByType QueryKind = iota + 1
	// AnyType finds every entity
	AnyType
	// ByGroup finds members of one group
	ByGroup
	// AnyGroup finds entities in at least one group
	AnyGroup
	// ByName finds entities carrying a property
	ByName
	// ByNameValue finds entities whose property equals a value
	ByNameValue
	// ByValue finds entities with any property equal to a value
	ByValue
	// AnyProperty finds entities with at least one property
	AnyProperty
)

// Query is one index lookup
type Query struct {
	Kind  QueryKind
	Name  string
	Value value.Value
}

func (q Query) String() string {
	switch q.Kind {
	case ByType:
		return fmt.Sprintf("type=%s", q.Name)
	case AnyType:
		return "type=*"
	case ByGroup:
		return fmt.Sprintf("group=%s", q.Name)
	case AnyGroup:
		return "group=*"
	case ByName:
		return fmt.Sprintf("property(%s, *)", q.Name)
	case ByNameValue:
		return fmt.Sprintf("property(%s, %s)", q.Name, q.Value)
	case ByValue:
		return fmt.Sprintf("property(*, %s)", q.Value)
	case AnyProperty:
		return "property(*, *)"
	default:
		return fmt.Sprintf("query(%d)", q.Kind)
	}
}

// Reader reads one consistent snapshot of committed state
type Reader interface {
	// Lookup runs an index lookup
	Lookup(q Query) (entity.IDSet, error)

	// ReadCommitted loads an entity's committed state.
	// Returns an error matching ErrNotFound when it does not exist.
	ReadCommitted(id entity.ID) (*entity.State, error)
}

// Writer applies changes inside one atomic write
type Writer interface {
	Reader

	InsertEntity(id entity.ID, typ string) error
	// DeleteEntity removes the entity and anything still attached to it
	DeleteEntity(id entity.ID) error
	PutProperty(id entity.ID, name string, v value.Value) error
	DeleteProperty(id entity.ID, name string) error
	InsertGroup(id entity.ID, group string) error
	DeleteGroup(id entity.ID, group string) error
}

// Stats describes the committed contents
type Stats struct {
	Entities    int
	Properties  int
	Memberships int
	SizeBytes   int64
}

// Store is the durable record store
type Store interface {
	// View runs fn against a read snapshot
	View(ctx context.Context, fn func(Reader) error) error

	// Update runs fn in a write transaction. Either everything fn wrote is
	// committed durably or nothing is.
	Update(ctx context.Context, fn func(Writer) error) error

	Stats() (Stats, error)
	Close() error
}
