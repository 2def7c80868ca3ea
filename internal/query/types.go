// Package query implements a small datalog-style query engine that
// evaluates find/where/optional/where-not patterns against a storage
// snapshot. It is intentionally a naive nested-loop evaluator with no
// cost-based planning; candidate retrieval picks the cheapest index
// available for a given pattern's concreteness, nothing more.
package query

import "ensotriple/internal/storage"

// DatomKind tags which of the three triple positions a Datom binds.
type DatomKind uint8

const (
	DatomEntity DatomKind = iota
	DatomAttribute
	DatomValue
)

// Datom is any single piece of data that can be bound to a query variable:
// an entity id, an attribute id, or a value.
type Datom struct {
	Kind      DatomKind
	Entity    storage.EntityID
	Attribute storage.AttributeID
	Value     storage.TripleValue
}

func EntityDatom(id storage.EntityID) Datom       { return Datom{Kind: DatomEntity, Entity: id} }
func AttributeDatom(id storage.AttributeID) Datom { return Datom{Kind: DatomAttribute, Attribute: id} }
func ValueDatom(v storage.TripleValue) Datom      { return Datom{Kind: DatomValue, Value: v} }

// Equal reports whether two datoms carry the same binding.
func (d Datom) Equal(other Datom) bool {
	if d.Kind != other.Kind {
		return false
	}
	switch d.Kind {
	case DatomEntity:
		return d.Entity == other.Entity
	case DatomAttribute:
		return d.Attribute == other.Attribute
	default:
		return d.Value.Equal(other.Value)
	}
}

// Variable is a named placeholder bound during pattern matching.
type Variable struct{ Name string }

// Var constructs a Variable by name.
func Var(name string) Variable { return Variable{Name: name} }

// Triple is a fully concrete (entity, attribute, value) fact, the unit
// candidate patterns are matched against.
type Triple struct {
	Entity    storage.EntityID
	Attribute storage.AttributeID
	Value     storage.TripleValue
}

// elementKind tags what a PatternElement holds.
type elementKind uint8

const (
	elemEntity elementKind = iota
	elemAttribute
	elemValue
	elemVariable
)

// PatternElement is one position of a Pattern: either a concrete id/value
// or a variable to bind.
type PatternElement struct {
	kind      elementKind
	entity    storage.EntityID
	attribute storage.AttributeID
	value     storage.TripleValue
	variable  Variable
}

func EntityElem(id storage.EntityID) PatternElement {
	return PatternElement{kind: elemEntity, entity: id}
}

func AttributeElem(id storage.AttributeID) PatternElement {
	return PatternElement{kind: elemAttribute, attribute: id}
}

func ValueElem(v storage.TripleValue) PatternElement {
	return PatternElement{kind: elemValue, value: v}
}

func VarElem(name string) PatternElement {
	return PatternElement{kind: elemVariable, variable: Var(name)}
}

func (e PatternElement) IsVariable() bool { return e.kind == elemVariable }

// Pattern is a query pattern: a triple shape where any position can be a
// concrete id/value or an unbound variable.
type Pattern struct {
	Entity    PatternElement
	Attribute PatternElement
	Value     PatternElement
}

// NewPattern builds a Pattern from its three positions.
func NewPattern(entity, attribute, value PatternElement) Pattern {
	return Pattern{Entity: entity, Attribute: attribute, Value: value}
}

// Filter is a post-match predicate over one bound variable.
type Filter struct {
	Selector  Variable
	Predicate func(*Datom) bool
}

// Query is a complete query: which variables to project, the required
// (where), optional (left-join), and negated (anti-join) patterns, and any
// filters applied after matching.
type Query struct {
	Find             []Variable
	WherePatterns    []Pattern
	OptionalPatterns []Pattern
	WhereNotPatterns []Pattern
	Filters          []Filter
}

// NewQuery returns an empty query, ready for the fluent builder methods
// below.
func NewQuery() *Query { return &Query{} }

func (q *Query) FindVar(name string) *Query {
	q.Find = append(q.Find, Var(name))
	return q
}

func (q *Query) Where(p Pattern) *Query {
	q.WherePatterns = append(q.WherePatterns, p)
	return q
}

func (q *Query) Optional(p Pattern) *Query {
	q.OptionalPatterns = append(q.OptionalPatterns, p)
	return q
}

func (q *Query) WhereNot(p Pattern) *Query {
	q.WhereNotPatterns = append(q.WhereNotPatterns, p)
	return q
}

func (q *Query) Filter(f Filter) *Query {
	q.Filters = append(q.Filters, f)
	return q
}

// Row is one result row, with a nil entry at any column left unbound by an
// optional pattern that didn't match.
type Row []*Datom

// Result holds the projected column names (in Query.Find order) and the
// matching rows. Duplicate rows are never collapsed — this is not SELECT
// DISTINCT.
type Result struct {
	Columns []string
	Rows    []Row
}

func newResult(find []Variable) *Result {
	cols := make([]string, len(find))
	for i, v := range find {
		cols[i] = v.Name
	}
	return &Result{Columns: cols}
}

func (r *Result) Len() int      { return len(r.Rows) }
func (r *Result) IsEmpty() bool { return len(r.Rows) == 0 }
