// ABOUTME: Search and subscription filters over types, groups and properties
// ABOUTME: OR within a category, AND across the categories that are specified

package filter

import (
	"fmt"
	"strings"

	"github.com/nainya/graphstore/pkg/entity"
	"github.com/nainya/graphstore/pkg/value"
)

// Wildcard matches any value in a category, provided at least one exists
const Wildcard = entity.Wildcard

// Terms is one name category (types or groups).
// The zero Terms is omitted and imposes no constraint. A specified Terms
// with no entries matches nothing.
type Terms struct {
	specified bool
	names     []string
}

// AnyOf builds a specified category
func AnyOf(names ...string) Terms {
	return Terms{specified: true, names: append([]string(nil), names...)}
}

// Specified reports whether the category constrains the result
func (t Terms) Specified() bool { return t.specified }

// Names returns the category's terms
func (t Terms) Names() []string { return t.names }

// IsWildcard reports whether any term is the wildcard
func (t Terms) IsWildcard() bool {
	for _, n := range t.names {
		if n == Wildcard {
			return true
		}
	}
	return false
}

// Property is one property term. Name may be the wildcard; Any means the
// property only has to exist.
type Property struct {
	Name  string
	Value value.Value
	Any   bool
}

// Has builds a term matching any entity carrying the property
func Has(name string) Property { return Property{Name: name, Any: true} }

// Equals builds a term matching the property holding v
func Equals(name string, v value.Value) Property { return Property{Name: name, Value: v} }

func (p Property) String() string {
	if p.Any {
		return fmt.Sprintf("(%s, *)", p.Name)
	}
	return fmt.Sprintf("(%s, %s)", p.Name, p.Value)
}

// Matches reports whether a single (name, value) pair satisfies the term
func (p Property) Matches(name string, v value.Value) bool {
	if p.Name != Wildcard && p.Name != name {
		return false
	}
	return p.Any || p.Value.Equal(v)
}

// Spec is a normalized search request
type Spec struct {
	Types  Terms
	Groups Terms

	properties          []Property
	propertiesSpecified bool
}

// New starts an empty spec with every category omitted
func New() *Spec { return &Spec{} }

// WithTypes specifies the type category
func (s *Spec) WithTypes(types ...string) *Spec {
	s.Types = AnyOf(append(s.Types.names, types...)...)
	return s
}

// WithGroups specifies the group category
func (s *Spec) WithGroups(groups ...string) *Spec {
	s.Groups = AnyOf(append(s.Groups.names, groups...)...)
	return s
}

// WithProperties specifies the property category
func (s *Spec) WithProperties(props ...Property) *Spec {
	s.propertiesSpecified = true
	s.properties = append(s.properties, props...)
	return s
}

// Has adds an existence term for a property
func (s *Spec) Has(name string) *Spec { return s.WithProperties(Has(name)) }

// Equals adds a value term for a property
func (s *Spec) Equals(name string, v value.Value) *Spec { return s.WithProperties(Equals(name, v)) }

// Properties returns the property terms
func (s *Spec) Properties() []Property { return s.properties }

// PropertiesSpecified reports whether the property category constrains the result
func (s *Spec) PropertiesSpecified() bool { return s.propertiesSpecified }

// IsEmpty reports whether no category is specified
func (s *Spec) IsEmpty() bool {
	return !s.Types.specified && !s.Groups.specified && !s.propertiesSpecified
}

// Validate checks every term
func (s *Spec) Validate() error {
	for i, name := range s.Types.names {
		if err := validateTerm(name); err != nil {
			return &InvalidFilterError{Category: "types", Index: i, Reason: err.Error()}
		}
	}
	for i, name := range s.Groups.names {
		if err := validateTerm(name); err != nil {
			return &InvalidFilterError{Category: "groups", Index: i, Reason: err.Error()}
		}
	}
	for i, p := range s.properties {
		if err := validateTerm(p.Name); err != nil {
			return &InvalidFilterError{Category: "properties", Index: i, Reason: err.Error()}
		}
		if !p.Any && !p.Value.IsValid() {
			return &InvalidFilterError{Category: "properties", Index: i, Reason: "invalid value for " + p.Name}
		}
	}
	return nil
}

func validateTerm(name string) error {
	if name == Wildcard {
		return nil
	}
	return entity.ValidateName(name)
}

// MatchType evaluates the type category
func (s *Spec) MatchType(typ string) bool {
	if !s.Types.specified {
		return true
	}
	for _, n := range s.Types.names {
		if n == Wildcard || n == typ {
			return true
		}
	}
	return false
}

// MatchGroups evaluates the group category against a membership set
func (s *Spec) MatchGroups(groups map[string]struct{}) bool {
	if !s.Groups.specified {
		return true
	}
	for _, n := range s.Groups.names {
		if n == Wildcard {
			if len(groups) > 0 {
				return true
			}
			continue
		}
		if _, ok := groups[n]; ok {
			return true
		}
	}
	return false
}

// MatchGroup evaluates the group category against a single group
func (s *Spec) MatchGroup(group string) bool {
	return s.MatchGroups(map[string]struct{}{group: {}})
}

// MatchProperties evaluates the property category against a property map
func (s *Spec) MatchProperties(props map[string]value.Value) bool {
	if !s.propertiesSpecified {
		return true
	}
	for _, p := range s.properties {
		if p.Name != Wildcard {
			if v, ok := props[p.Name]; ok && (p.Any || p.Value.Equal(v)) {
				return true
			}
			continue
		}
		for name, v := range props {
			if p.Matches(name, v) {
				return true
			}
		}
	}
	return false
}

// MatchProperty evaluates the property category against a single property
func (s *Spec) MatchProperty(name string, v value.Value) bool {
	return s.MatchProperties(map[string]value.Value{name: v})
}

// Match evaluates the whole spec against an entity snapshot. An empty spec
// matches nothing, like search.
func (s *Spec) Match(st *entity.State) bool {
	if s.IsEmpty() || st == nil || st.Deleted {
		return false
	}
	return s.MatchType(st.Type) && s.MatchGroups(st.Groups) && s.MatchProperties(st.Properties)
}

func (s *Spec) String() string {
	var parts []string
	if s.Types.specified {
		parts = append(parts, "types="+strings.Join(s.Types.names, ","))
	}
	if s.Groups.specified {
		parts = append(parts, "groups="+strings.Join(s.Groups.names, ","))
	}
	if s.propertiesSpecified {
		terms := make([]string, len(s.properties))
		for i, p := range s.properties {
			terms[i] = p.String()
		}
		parts = append(parts, "properties="+strings.Join(terms, ","))
	}
	if len(parts) == 0 {
		return "{}"
	}
	return "{" + strings.Join(parts, " ") + "}"
}
