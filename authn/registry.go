package authn

import "fmt"

// Registry is the configured, ordered list of active methods. It is built
// once at composition time and read-only thereafter, so concurrent requests
// share it without locking. Order is a correctness property: earlier methods
// are strictly higher priority.
type Registry struct {
	methods []Method
}

// NewRegistry builds a Registry from methods in priority order. Method names
// must be non-empty and unique.
func NewRegistry(methods ...Method) (*Registry, error) {
	if len(methods) == 0 {
		return nil, fmt.Errorf("authn: registry requires at least one method")
	}
	seen := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		name := m.Name()
		if name == "" {
			return nil, fmt.Errorf("authn: method with empty name")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("authn: duplicate method name %q", name)
		}
		seen[name] = struct{}{}
	}
	return &Registry{methods: append([]Method(nil), methods...)}, nil
}

// Methods returns the configured methods in priority order.
func (r *Registry) Methods() []Method {
	return append([]Method(nil), r.methods...)
}

// Descriptors returns name/implicit descriptors in priority order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.methods))
	for _, m := range r.methods {
		out = append(out, Descriptor{Name: m.Name(), Implicit: m.IsImplicit()})
	}
	return out
}

// Len returns the number of configured methods.
func (r *Registry) Len() int { return len(r.methods) }
