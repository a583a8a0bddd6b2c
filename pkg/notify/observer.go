// ABOUTME: Observer capability interface and adapters for change notifications
// ABOUTME: Deliver routes one event to the matching observer method

package notify

import (
	"fmt"

	"github.com/nainya/graphstore/pkg/changes"
	"github.com/nainya/graphstore/pkg/entity"
	"github.com/nainya/graphstore/pkg/value"
)

// Observer receives committed changes. Each snapshot is the entity state the
// event describes and must not be modified. A returned error is logged and
// counted; it never stops delivery.
type Observer interface {
	EntityInserted(s *entity.State) error
	EntityDeleted(s *entity.State) error
	PropertyInserted(s *entity.State, name string, v value.Value) error
	PropertyUpdated(s *entity.State, name string, old, cur value.Value) error
	PropertyDeleted(s *entity.State, name string, old value.Value) error
	GroupInserted(s *entity.State, group string) error
	GroupDeleted(s *entity.State, group string) error
}

// BaseObserver implements every Observer method as a no-op.
// Embed it and override the methods you need.
type BaseObserver struct{}

func (BaseObserver) EntityInserted(*entity.State) error { return nil }
func (BaseObserver) EntityDeleted(*entity.State) error { return nil }
func (BaseObserver) PropertyInserted(*entity.State, string, value.Value) error { return nil }
func (BaseObserver) PropertyUpdated(*entity.State, string, value.Value, value.Value) error { return nil }
func (BaseObserver) PropertyDeleted(*entity.State, string, value.Value) error { return nil }
func (BaseObserver) GroupInserted(*entity.State, string) error { return nil }
func (BaseObserver) GroupDeleted(*entity.State, string) error { return nil }

// Funcs adapts optional closures to Observer. Nil fields ignore the event.
type Funcs struct {
	OnEntityInserted   func(s *entity.State) error
	OnEntityDeleted    func(s *entity.State) error
	OnPropertyInserted func(s *entity.State, name string, v value.Value) error
	OnPropertyUpdated  func(s *entity.State, name string, old, cur value.Value) error
	OnPropertyDeleted  func(s *entity.State, name string, old value.Value) error
	OnGroupInserted    func(s *entity.State, group string) error
	OnGroupDeleted     func(s *entity.State, group string) error
}

func (f Funcs) EntityInserted(s *entity.State) error {
	if f.OnEntityInserted == nil {
		return nil
	}
	return f.OnEntityInserted(s)
}

func (f Funcs) EntityDeleted(s *entity.State) error {
	if f.OnEntityDeleted == nil {
		return nil
	}
	return f.OnEntityDeleted(s)
}

func (f Funcs) PropertyInserted(s *entity.State, name string, v value.Value) error {
	if f.OnPropertyInserted == nil {
		return nil
	}
	return f.OnPropertyInserted(s, name, v)
}

func (f Funcs) PropertyUpdated(s *entity.State, name string, old, cur value.Value) error {
	if f.OnPropertyUpdated == nil {
		return nil
	}
	return f.OnPropertyUpdated(s, name, old, cur)
}

func (f Funcs) PropertyDeleted(s *entity.State, name string, old value.Value) error {
	if f.OnPropertyDeleted == nil {
		return nil
	}
	return f.OnPropertyDeleted(s, name, old)
}

func (f Funcs) GroupInserted(s *entity.State, group string) error {
	if f.OnGroupInserted == nil {
		return nil
	}
	return f.OnGroupInserted(s, group)
}

func (f Funcs) GroupDeleted(s *entity.State, group string) error {
	if f.OnGroupDeleted == nil {
		return nil
	}
	return f.OnGroupDeleted(s, group)
}

// EventFunc receives every change as a single event value
type EventFunc func(ev changes.Event) error

func (f EventFunc) EntityInserted(s *entity.State) error {
	return f(changes.Event{Kind: changes.EntityInserted, Entity: s})
}

func (f EventFunc) EntityDeleted(s *entity.State) error {
	return f(changes.Event{Kind: changes.EntityDeleted, Entity: s})
}

func (f EventFunc) PropertyInserted(s *entity.State, name string, v value.Value) error {
	return f(changes.Event{Kind: changes.PropertyInserted, Entity: s, Name: name, New: v})
}

func (f EventFunc) PropertyUpdated(s *entity.State, name string, old, cur value.Value) error {
	return f(changes.Event{Kind: changes.PropertyUpdated, Entity: s, Name: name, Old: old, New: cur})
}

func (f EventFunc) PropertyDeleted(s *entity.State, name string, old value.Value) error {
	return f(changes.Event{Kind: changes.PropertyDeleted, Entity: s, Name: name, Old: old})
}

func (f EventFunc) GroupInserted(s *entity.State, group string) error {
	return f(changes.Event{Kind: changes.GroupInserted, Entity: s, Name: group})
}

func (f EventFunc) GroupDeleted(s *entity.State, group string) error {
	return f(changes.Event{Kind: changes.GroupDeleted, Entity: s, Name: group})
}

// Deliver calls the observer method for ev
func Deliver(o Observer, ev changes.Event) error {
	s := ev.Entity
	switch ev.Kind {
	case changes.EntityInserted:
		return o.EntityInserted(s)
	case changes.EntityDeleted:
		return o.EntityDeleted(s)
	case changes.PropertyInserted:
		return o.PropertyInserted(s, ev.Name, ev.New)
	case changes.PropertyUpdated:
		return o.PropertyUpdated(s, ev.Name, ev.Old, ev.New)
	case changes.PropertyDeleted:
		return o.PropertyDeleted(s, ev.Name, ev.Old)
	case changes.GroupInserted:
		return o.GroupInserted(s, ev.Name)
	case changes.GroupDeleted:
		return o.GroupDeleted(s, ev.Name)
	default:
		return fmt.Errorf("unknown event kind %s", ev.Kind)
	}
}
