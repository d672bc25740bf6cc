package rules

import (
	"fmt"
	"sort"
)

// Registry holds the declared rules and validates their dependency graph.
type Registry struct {
	rules map[string]Rule
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: map[string]Rule{}}
}

// Register adds a rule. Duplicate names are rejected.
func (r *Registry) Register(rule Rule) error {
	name := rule.Name()
	if name == "" {
		return fmt.Errorf("rule with empty name")
	}
	if _, dup := r.rules[name]; dup {
		return fmt.Errorf("duplicate rule %q", name)
	}
	r.rules[name] = rule
	return nil
}

// Has reports whether a rule name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.rules[name]
	return ok
}

// Get returns a registered rule.
func (r *Registry) Get(name string) (Rule, bool) {
	rule, ok := r.rules[name]
	return rule, ok
}

// Names lists the registered rules in stable order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.rules))
	for name := range r.rules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every declared dependency exists and that the
// graph is acyclic. It is called once, when the executor is built.
func (r *Registry) Validate() error {
	for name, rule := range r.rules {
		for _, dep := range rule.DependsOn() {
			if _, ok := r.rules[dep]; !ok {
				return fmt.Errorf("rule %q depends on unknown rule %q", name, dep)
			}
		}
	}

	const (
		white = iota // unvisited
		grey         // on the current path
		black        // fully explored
	)
	colors := make(map[string]int, len(r.rules))

	var visit func(name string) error
	visit = func(name string) error {
		switch colors[name] {
		case grey:
			return fmt.Errorf("dependency cycle through rule %q", name)
		case black:
			return nil
		}
		colors[name] = grey
		for _, dep := range r.rules[name].DependsOn() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		colors[name] = black
		return nil
	}

	for _, name := range r.Names() {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
