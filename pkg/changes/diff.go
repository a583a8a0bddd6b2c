// ABOUTME: Change tracker diff between committed and in-memory entity state
// ABOUTME: Emits the minimal ordered event sequence explaining the transition

package changes

import (
	"github.com/nainya/graphstore/pkg/entity"
)

// Diff compares the committed state of an entity (nil when it does not
// exist) with its in-memory state.
//
// Ordering:
//   - insert: EntityInserted, PropertyInserted by name, GroupInserted by name
//   - delete: PropertyDeleted by name, GroupDeleted by name, EntityDeleted
//   - update: property events by name, then group events by name
func Diff(before, after *entity.State) []Event {
	switch {
	case after == nil:
		return nil

	case before == nil && after.Deleted:
		// Created and deleted without ever being committed
		return nil

	case before == nil:
		return inserted(after)

	case after.Deleted:
		return deleted(before)

	default:
		return updated(before, after)
	}
}

func inserted(after *entity.State) []Event {
	events := make([]Event, 0, 1+len(after.Properties)+len(after.Groups))
	events = append(events, Event{Kind: EntityInserted, Entity: after})

	for _, name := range after.PropertyNames() {
		events = append(events, Event{Kind: PropertyInserted, Entity: after, Name: name, New: after.Properties[name]})
	}
	for _, group := range after.GroupNames() {
		events = append(events, Event{Kind: GroupInserted, Entity: after, Name: group})
	}
	return events
}

// deleted materializes the cascading teardown of an entity before the
// terminal delete event
func deleted(before *entity.State) []Event {
	events := make([]Event, 0, 1+len(before.Properties)+len(before.Groups))

	for _, name := range before.PropertyNames() {
		events = append(events, Event{Kind: PropertyDeleted, Entity: before, Name: name, Old: before.Properties[name]})
	}
	for _, group := range before.GroupNames() {
		events = append(events, Event{Kind: GroupDeleted, Entity: before, Name: group})
	}
	return append(events, Event{Kind: EntityDeleted, Entity: before})
}

func updated(before, after *entity.State) []Event {
	var events []Event

	for _, name := range unionSorted(before.PropertyNames(), after.PropertyNames()) {
		old, hadOld := before.Properties[name]
		cur, hasCur := after.Properties[name]

		switch {
		case !hadOld && hasCur:
			events = append(events, Event{Kind: PropertyInserted, Entity: after, Name: name, New: cur})
		case hadOld && !hasCur:
			events = append(events, Event{Kind: PropertyDeleted, Entity: after, Name: name, Old: old})
		case !old.Equal(cur):
			events = append(events, Event{Kind: PropertyUpdated, Entity: after, Name: name, Old: old, New: cur})
		}
	}

	for _, group := range unionSorted(before.GroupNames(), after.GroupNames()) {
		switch had, has := before.MemberOf(group), after.MemberOf(group); {
		case !had && has:
			events = append(events, Event{Kind: GroupInserted, Entity: after, Name: group})
		case had && !has:
			events = append(events, Event{Kind: GroupDeleted, Entity: after, Name: group})
		}
	}

	return events
}

// unionSorted merges two ascending name lists without duplicates
func unionSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
