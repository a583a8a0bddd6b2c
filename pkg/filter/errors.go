package filter

import "fmt"

// InvalidFilterError reports a malformed filter term
type InvalidFilterError struct {
	Category string // types, groups or properties
	Index    int    // position of the term within its category
	Reason   string
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("invalid filter: %s[%d]: %s", e.Category, e.Index, e.Reason)
}
