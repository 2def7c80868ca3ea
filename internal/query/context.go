package query

// bindingContext threads variable bindings through pattern matching. A
// fresh context starts empty; each matched pattern either extends it with
// new bindings or is checked for consistency against existing ones.
type bindingContext struct {
	bindings map[string]Datom
}

func newBindingContext() bindingContext {
	return bindingContext{bindings: make(map[string]Datom)}
}

func (c bindingContext) get(v Variable) (Datom, bool) {
	d, ok := c.bindings[v.Name]
	return d, ok
}

// clone returns an independent copy so matching one candidate never
// mutates the context another candidate is tried against.
func (c bindingContext) clone() bindingContext {
	cp := make(map[string]Datom, len(c.bindings))
	for k, v := range c.bindings {
		cp[k] = v
	}
	return bindingContext{bindings: cp}
}

func (c bindingContext) set(v Variable, d Datom) {
	c.bindings[v.Name] = d
}
