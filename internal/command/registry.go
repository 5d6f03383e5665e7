package command

import (
	"slices"
	"strings"
)

// Definition describes one recognised command.
type Definition struct {
	// Name is the canonical command name used in the API and metrics.
	Name string

	// Aliases are additional accepted names.
	Aliases []string

	// Wire is the last topic segment the device listens on.
	Wire string

	// Payload is published verbatim.
	Payload []byte
}

// Feed triggers one feeding cycle.
var Feed = Definition{
	Name:    "feed",
	Aliases: []string{"alimentar"},
	Wire:    "alimentar",
	Payload: []byte("alimentar"),
}

// Registry is the set of recognised commands. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	byName map[string]Definition
	names  []string
}

// NewRegistry builds a registry. Lookup is case-insensitive; later
// definitions do not replace earlier names.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{byName: make(map[string]Definition)}
	for _, d := range defs {
		for _, n := range append([]string{d.Name}, d.Aliases...) {
			key := strings.ToLower(n)
			if _, exists := r.byName[key]; !exists {
				r.byName[key] = d
			}
		}
		r.names = append(r.names, d.Name)
	}
	slices.Sort(r.names)
	return r
}

// DefaultRegistry holds the commands the current firmware understands.
func DefaultRegistry() *Registry {
	return NewRegistry(Feed)
}

// Lookup resolves a command name or alias.
func (r *Registry) Lookup(name string) (Definition, bool) {
	d, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// Names returns the canonical names, sorted.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}
