package query

import "ensotriple/internal/storage"

// Engine evaluates queries against a single read-only snapshot. It never
// mutates the snapshot or the underlying database.
type Engine struct {
	snap *storage.Snapshot
}

// NewEngine binds a query engine to a snapshot.
func NewEngine(snap *storage.Snapshot) *Engine {
	return &Engine{snap: snap}
}

// Execute runs a query end to end: thread contexts through the required
// where patterns, left-join the optional patterns, anti-join the
// where-not patterns, apply filters, and project the find variables.
func (e *Engine) Execute(q *Query) (*Result, error) {
	contexts := []bindingContext{newBindingContext()}

	for _, p := range q.WherePatterns {
		next, err := e.matchAll(p, contexts)
		if err != nil {
			return nil, err
		}
		contexts = next
		if len(contexts) == 0 {
			return newResult(q.Find), nil
		}
	}

	for _, p := range q.OptionalPatterns {
		next, err := e.leftJoin(p, contexts)
		if err != nil {
			return nil, err
		}
		contexts = next
	}

	for _, p := range q.WhereNotPatterns {
		next, err := e.antiJoin(p, contexts)
		if err != nil {
			return nil, err
		}
		contexts = next
	}

	for _, f := range q.Filters {
		kept := contexts[:0]
		for _, ctx := range contexts {
			var arg *Datom
			if bound, ok := ctx.get(f.Selector); ok {
				cp := bound
				arg = &cp
			}
			if f.Predicate(arg) {
				kept = append(kept, ctx)
			}
		}
		contexts = kept
	}

	result := newResult(q.Find)
	for _, ctx := range contexts {
		row := make(Row, len(q.Find))
		for i, v := range q.Find {
			if d, ok := ctx.get(v); ok {
				cp := d
				row[i] = &cp
			}
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

func (e *Engine) matchAll(p Pattern, contexts []bindingContext) ([]bindingContext, error) {
	var out []bindingContext
	for _, ctx := range contexts {
		matches, err := e.match(p, ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	return out, nil
}

func (e *Engine) leftJoin(p Pattern, contexts []bindingContext) ([]bindingContext, error) {
	var out []bindingContext
	for _, ctx := range contexts {
		matches, err := e.match(p, ctx)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			out = append(out, ctx)
			continue
		}
		out = append(out, matches...)
	}
	return out, nil
}

func (e *Engine) antiJoin(p Pattern, contexts []bindingContext) ([]bindingContext, error) {
	var out []bindingContext
	for _, ctx := range contexts {
		matches, err := e.match(p, ctx)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			out = append(out, ctx)
		}
	}
	return out, nil
}

func (e *Engine) match(p Pattern, ctx bindingContext) ([]bindingContext, error) {
	candidates, err := e.candidates(p, ctx)
	if err != nil {
		return nil, err
	}
	var out []bindingContext
	for _, t := range candidates {
		if next, ok := tryMatch(p, t, ctx); ok {
			out = append(out, next)
		}
	}
	return out, nil
}

// candidates picks the cheapest retrieval path available given which
// positions of the pattern are already concrete (literal or bound by a
// prior pattern in this same context): a point lookup when both entity and
// attribute are concrete, an entity scan when only the entity is, an
// attribute-index scan when only the attribute is, and a full visible
// primary-index scan as the unoptimized fallback.
func (e *Engine) candidates(p Pattern, ctx bindingContext) ([]Triple, error) {
	entity, hasEntity := resolveEntity(p.Entity, ctx)
	attr, hasAttr := resolveAttribute(p.Attribute, ctx)

	if hasEntity && hasAttr {
		rec, found, err := e.snap.Get(entity, attr)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return []Triple{recordToTriple(rec)}, nil
	}

	if hasEntity {
		recs, err := e.snap.ScanEntity(entity)
		if err != nil {
			return nil, err
		}
		out := make([]Triple, len(recs))
		for i, r := range recs {
			out[i] = recordToTriple(r)
		}
		return out, nil
	}

	if hasAttr {
		entities, err := e.snap.ScanAttribute(attr)
		if err != nil {
			return nil, err
		}
		var out []Triple
		for _, ent := range entities {
			rec, found, err := e.snap.Get(ent, attr)
			if err != nil {
				return nil, err
			}
			if found {
				out = append(out, recordToTriple(rec))
			}
		}
		return out, nil
	}

	all, err := e.snap.CollectAll()
	if err != nil {
		return nil, err
	}
	out := make([]Triple, len(all))
	for i, r := range all {
		out[i] = recordToTriple(r)
	}
	return out, nil
}

func resolveEntity(el PatternElement, ctx bindingContext) (storage.EntityID, bool) {
	switch el.kind {
	case elemEntity:
		return el.entity, true
	case elemVariable:
		if d, ok := ctx.get(el.variable); ok && d.Kind == DatomEntity {
			return d.Entity, true
		}
	}
	return storage.EntityID{}, false
}

func resolveAttribute(el PatternElement, ctx bindingContext) (storage.AttributeID, bool) {
	switch el.kind {
	case elemAttribute:
		return el.attribute, true
	case elemVariable:
		if d, ok := ctx.get(el.variable); ok && d.Kind == DatomAttribute {
			return d.Attribute, true
		}
	}
	return storage.AttributeID{}, false
}

// tryMatch checks a candidate triple against all three pattern positions,
// returning an extended context on success. Each position either
// consistency-checks an existing binding or extends ctx with a new one; a
// disagreement at any position fails the whole match.
func tryMatch(p Pattern, t Triple, ctx bindingContext) (bindingContext, bool) {
	next := ctx.clone()

	if !matchEntity(p.Entity, t.Entity, next) {
		return bindingContext{}, false
	}
	if !matchAttribute(p.Attribute, t.Attribute, next) {
		return bindingContext{}, false
	}
	if !matchValue(p.Value, t.Value, next) {
		return bindingContext{}, false
	}
	return next, true
}

func matchEntity(el PatternElement, entity storage.EntityID, ctx bindingContext) bool {
	switch el.kind {
	case elemEntity:
		return el.entity == entity
	case elemVariable:
		if bound, ok := ctx.get(el.variable); ok {
			return bound.Kind == DatomEntity && bound.Entity == entity
		}
		ctx.set(el.variable, EntityDatom(entity))
		return true
	default:
		return false
	}
}

func matchAttribute(el PatternElement, attr storage.AttributeID, ctx bindingContext) bool {
	switch el.kind {
	case elemAttribute:
		return el.attribute == attr
	case elemVariable:
		if bound, ok := ctx.get(el.variable); ok {
			return bound.Kind == DatomAttribute && bound.Attribute == attr
		}
		ctx.set(el.variable, AttributeDatom(attr))
		return true
	default:
		return false
	}
}

// matchValue matches a value position by the value's own equality: a
// concrete Value element must equal it, and a variable either binds it or
// must already hold an equal value. The value model (Null, Boolean, Number,
// String) has no reference variant, so a concrete Entity element in the
// value position never matches; values are not treated as entity references.
func matchValue(el PatternElement, value storage.TripleValue, ctx bindingContext) bool {
	switch el.kind {
	case elemValue:
		return el.value.Equal(value)
	case elemVariable:
		if bound, ok := ctx.get(el.variable); ok {
			return bound.Kind == DatomValue && bound.Value.Equal(value)
		}
		ctx.set(el.variable, ValueDatom(value))
		return true
	default:
		return false
	}
}

func recordToTriple(rec storage.TripleRecord) Triple {
	return Triple{Entity: rec.EntityID, Attribute: rec.AttributeID, Value: rec.Value}
}
