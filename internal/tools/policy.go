package tools

// Policy decides which tool calls must pass the approval gate.
type Policy struct {
	registry *Registry
	require  map[string]bool
	exempt   map[string]bool
}

// NewPolicy builds a policy. Names in require always need approval, names in
// exempt never do; require wins when a name is in both.
func NewPolicy(registry *Registry, require, exempt []string) *Policy {
	p := &Policy{
		registry: registry,
		require:  make(map[string]bool, len(require)),
		exempt:   make(map[string]bool, len(exempt)),
	}
	for _, n := range require {
		p.require[n] = true
	}
	for _, n := range exempt {
		p.exempt[n] = true
	}
	return p
}

// RequiresApproval reports whether calling the named tool is a mutating
// operation. Unknown tools are mutating.
func (p *Policy) RequiresApproval(name string) bool {
	if p.require[name] {
		return true
	}
	if p.exempt[name] {
		return false
	}
	t, ok := p.registry.Get(name)
	if !ok {
		return true
	}
	if m, ok := t.(Mutator); ok {
		return m.Mutating()
	}
	return true
}
