package notify

import (
	"github.com/nainya/graphstore/pkg/changes"
	"github.com/nainya/graphstore/pkg/filter"
)

// Matches reports whether a subscription filter selects ev.
//
// Group and property events are judged by the group or property they carry;
// the other categories are judged by the event's entity snapshot. A nil or
// empty filter selects every event.
func Matches(spec *filter.Spec, ev changes.Event) bool {
	if spec == nil || spec.IsEmpty() {
		return true
	}
	s := ev.Entity

	if !spec.MatchType(s.Type) {
		return false
	}

	if ev.Kind.IsGroup() {
		if !spec.MatchGroup(ev.Name) {
			return false
		}
	} else if !spec.MatchGroups(s.Groups) {
		return false
	}

	switch ev.Kind {
	case changes.PropertyInserted:
		return spec.MatchProperty(ev.Name, ev.New)
	case changes.PropertyDeleted:
		return spec.MatchProperty(ev.Name, ev.Old)
	case changes.PropertyUpdated:
		return spec.MatchProperty(ev.Name, ev.New) || spec.MatchProperty(ev.Name, ev.Old)
	default:
		return spec.MatchProperties(s.Properties)
	}
}
