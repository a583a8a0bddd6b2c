// ABOUTME: Translation of filter categories into index lookup unions
// ABOUTME: Wildcard terms become the "has at least one" lookups

package search

import (
	"strings"

	"github.com/nainya/graphstore/pkg/entity"
	"github.com/nainya/graphstore/pkg/filter"
	"github.com/nainya/graphstore/pkg/recordstore"
)

// Category is the OR of the lookups for one specified filter category
type Category struct {
	Name    string
	Lookups []recordstore.Query
}

// Plan lists the specified categories; a result must satisfy all of them
type Plan []Category

// Compile builds the lookup plan for spec. Omitted categories are left out;
// specified-but-empty categories have no lookups and therefore match nothing.
func Compile(spec *filter.Spec) Plan {
	var plan Plan

	if spec.Types.Specified() {
		plan = append(plan, nameCategory("types", spec.Types, recordstore.ByType, recordstore.AnyType))
	}
	if spec.Groups.Specified() {
		plan = append(plan, nameCategory("groups", spec.Groups, recordstore.ByGroup, recordstore.AnyGroup))
	}
	if spec.PropertiesSpecified() {
		plan = append(plan, propertyCategory(spec.Properties()))
	}
	return plan
}

func nameCategory(name string, terms filter.Terms, by, wildcard recordstore.QueryKind) Category {
	c := Category{Name: name}
	if terms.IsWildcard() {
		// The wildcard lookup covers every other term
		c.Lookups = []recordstore.Query{{Kind: wildcard}}
		return c
	}
	for _, n := range dedupe(terms.Names()) {
		c.Lookups = append(c.Lookups, recordstore.Query{Kind: by, Name: n})
	}
	return c
}

func propertyCategory(props []filter.Property) Category {
	c := Category{Name: "properties"}
	for _, p := range props {
		var q recordstore.Query
		switch {
		case p.Name == filter.Wildcard && p.Any:
			q = recordstore.Query{Kind: recordstore.AnyProperty}
		case p.Name == filter.Wildcard:
			q = recordstore.Query{Kind: recordstore.ByValue, Value: p.Value}
		case p.Any:
			q = recordstore.Query{Kind: recordstore.ByName, Name: p.Name}
		default:
			q = recordstore.Query{Kind: recordstore.ByNameValue, Name: p.Name, Value: p.Value}
		}

		if q.Kind == recordstore.AnyProperty {
			c.Lookups = []recordstore.Query{q}
			return c
		}
		c.Lookups = append(c.Lookups, q)
	}
	return c
}

func (c Category) eval(r recordstore.Reader) (entity.IDSet, error) {
	out := entity.NewIDSet()
	for _, q := range c.Lookups {
		ids, err := r.Lookup(q)
		if err != nil {
			return nil, err
		}
		if out.Len() == 0 {
			out = ids
			continue
		}
		out.AddAll(ids)
	}
	return out, nil
}

func (c Category) String() string {
	terms := make([]string, len(c.Lookups))
	for i, q := range c.Lookups {
		terms[i] = q.String()
	}
	return c.Name + ": " + strings.Join(terms, " OR ")
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0:0]
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
