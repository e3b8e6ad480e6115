package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Relation is a related entity the listing endpoint can embed in each message
type Relation string

const (
	RelationDevice  Relation = "Device"
	RelationGeolocs Relation = "Geolocs"
)

// ParseRelation maps a relation name to its typed value
func ParseRelation(name string) (Relation, error) {
	switch Relation(name) {
	case RelationDevice, RelationGeolocs:
		return Relation(name), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRelation, name)
	}
}

// SortDirection is ASC or DESC
type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

// OrderBy is a single sort key
type OrderBy struct {
	Field     string
	Direction SortDirection
}

func (o OrderBy) String() string {
	return o.Field + " " + string(o.Direction)
}

// Predicate is an equality match on one field
type Predicate struct {
	Field string
	Value string
}

// FilterDescriptor describes one bounded, ordered listing query.
// Values are never mutated in place; the With* methods return copies.
type FilterDescriptor struct {
	orderBy  OrderBy
	limit    int
	includes []Relation
	where    []Predicate
}

// NewFilterDescriptor creates a descriptor. includes and where are copied.
func NewFilterDescriptor(orderBy OrderBy, limit int, includes []Relation, where []Predicate) (FilterDescriptor, error) {
	if limit <= 0 {
		return FilterDescriptor{}, ErrInvalidLimit
	}
	for _, rel := range includes {
		if _, err := ParseRelation(string(rel)); err != nil {
			return FilterDescriptor{}, err
		}
	}
	return FilterDescriptor{
		orderBy:  orderBy,
		limit:    limit,
		includes: append([]Relation(nil), includes...),
		where:    append([]Predicate(nil), where...),
	}, nil
}

func (f FilterDescriptor) OrderBy() OrderBy { return f.orderBy }

func (f FilterDescriptor) Limit() int { return f.limit }

// Includes returns a copy of the embedded relations
func (f FilterDescriptor) Includes() []Relation {
	return append([]Relation(nil), f.includes...)
}

// Where returns a copy of the equality predicates, in conjunction order
func (f FilterDescriptor) Where() []Predicate {
	return append([]Predicate(nil), f.where...)
}

// WhereValue returns the value matched for field, if any
func (f FilterDescriptor) WhereValue(field string) (string, bool) {
	for _, p := range f.where {
		if p.Field == field {
			return p.Value, true
		}
	}
	return "", false
}

// WithLimit returns a copy of f with a different limit
func (f FilterDescriptor) WithLimit(limit int) (FilterDescriptor, error) {
	return NewFilterDescriptor(f.orderBy, limit, f.includes, f.where)
}

// Equal reports whether two descriptors describe the same query
func (f FilterDescriptor) Equal(other FilterDescriptor) bool {
	if f.orderBy != other.orderBy || f.limit != other.limit {
		return false
	}
	if len(f.includes) != len(other.includes) || len(f.where) != len(other.where) {
		return false
	}
	for i := range f.includes {
		if f.includes[i] != other.includes[i] {
			return false
		}
	}
	for i := range f.where {
		if f.where[i] != other.where[i] {
			return false
		}
	}
	return true
}

func (f FilterDescriptor) String() string {
	parts := []string{fmt.Sprintf("order=%q limit=%d", f.orderBy.String(), f.limit)}
	for _, p := range f.where {
		parts = append(parts, fmt.Sprintf("%s=%s", p.Field, p.Value))
	}
	return strings.Join(parts, " ")
}

type filterWire struct {
	Order   string              `json:"order"`
	Limit   int                 `json:"limit"`
	Include []Relation          `json:"include,omitempty"`
	Where   *filterWireWhereAnd `json:"where,omitempty"`
}

type filterWireWhereAnd struct {
	And []map[string]string `json:"and"`
}

// MarshalJSON encodes the descriptor in the listing endpoint's filter format:
// {"order":"createdAt DESC","limit":100,"include":["Device"],"where":{"and":[{"deviceId":"D1"}]}}
func (f FilterDescriptor) MarshalJSON() ([]byte, error) {
	wire := filterWire{
		Order:   f.orderBy.String(),
		Limit:   f.limit,
		Include: f.includes,
	}
	if len(f.where) > 0 {
		wire.Where = &filterWireWhereAnd{}
		for _, p := range f.where {
			wire.Where.And = append(wire.Where.And, map[string]string{p.Field: p.Value})
		}
	}
	return json.Marshal(wire)
}
