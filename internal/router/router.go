// Package router maps a story's domains and their declared prerequisites onto
// dependency layers. Domains in one layer have no unresolved prerequisites
// among themselves and are safe to run concurrently.
package router

import (
	"sort"
	"strings"

	"github.com/Boomerang-Apps/storyline/internal/domain"
)

// Plan is the routed execution order for one run.
type Plan struct {
	Domains []string
	// Layers lists domains by increasing dependency depth. Every domain
	// appears in exactly one layer, never below any of its prerequisites.
	Layers [][]string
	// Deps is the normalized prerequisite map (domain -> prerequisites).
	Deps map[string][]string
}

// Layer returns the layer index a domain was assigned to, or -1.
func (p Plan) Layer(name string) int {
	for i, layer := range p.Layers {
		for _, d := range layer {
			if d == name {
				return i
			}
		}
	}
	return -1
}

// Route computes the layered execution plan by repeatedly removing domains
// whose prerequisites are all already assigned to a lower layer. A cycle
// leaves domains unassignable and fails with no partial layering.
func Route(task string, domains []string, deps map[string][]string) (Plan, error) {
	if len(domains) == 0 {
		return Plan{}, &domain.UnroutableTaskError{Task: task}
	}

	known := make(map[string]bool, len(domains))
	for _, d := range domains {
		known[d] = true
	}
	normalized := make(map[string][]string, len(domains))
	for name, prereqs := range deps {
		if !known[name] {
			continue
		}
		for _, p := range prereqs {
			// Prerequisites outside the routed set cannot resolve.
			if known[p] && p != name {
				normalized[name] = append(normalized[name], p)
			}
		}
		sort.Strings(normalized[name])
	}
	// Self-dependency is a one-node cycle.
	for name, prereqs := range deps {
		if !known[name] {
			continue
		}
		for _, p := range prereqs {
			if p == name {
				return Plan{}, &domain.CyclicDependencyError{Domains: []string{name}}
			}
		}
	}

	assigned := make(map[string]int, len(domains))
	var layers [][]string
	remaining := append([]string(nil), domains...)
	sort.Strings(remaining)

	for len(remaining) > 0 {
		var layer []string
		var next []string
		for _, name := range remaining {
			if allAssigned(normalized[name], assigned) {
				layer = append(layer, name)
			} else {
				next = append(next, name)
			}
		}
		if len(layer) == 0 {
			sort.Strings(next)
			return Plan{}, &domain.CyclicDependencyError{Domains: next}
		}
		for _, name := range layer {
			assigned[name] = len(layers)
		}
		layers = append(layers, layer)
		remaining = next
	}

	sorted := append([]string(nil), domains...)
	sort.Strings(sorted)
	return Plan{Domains: sorted, Layers: layers, Deps: normalized}, nil
}

func allAssigned(prereqs []string, assigned map[string]int) bool {
	for _, p := range prereqs {
		if _, ok := assigned[p]; !ok {
			return false
		}
	}
	return true
}

// ParseDeps parses "a:b,c;d:a" style dependency declarations from the CLI.
func ParseDeps(spec string) map[string][]string {
	deps := make(map[string][]string)
	for _, clause := range strings.Split(spec, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		name, rest, ok := strings.Cut(clause, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		for _, p := range strings.Split(rest, ",") {
			if p = strings.TrimSpace(p); p != "" {
				deps[name] = append(deps[name], p)
			}
		}
	}
	return deps
}
