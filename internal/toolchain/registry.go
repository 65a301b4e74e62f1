package toolchain

import "fmt"

// Registry holds the configured adapters in routing-priority order. It is
// built once at startup and read-only afterwards, so lookups need no lock.
type Registry struct {
	order  []string
	byName map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Adapter)}
}

// Register adds an adapter. Order of registration is the routing order.
// Registering a duplicate name is a configuration error.
func (r *Registry) Register(a Adapter) error {
	name := a.Name()
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("toolchain: duplicate registration for %q", name)
	}
	r.byName[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return a, nil
}

// Names returns all registered names in routing order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Available returns the adapters that currently accept work, in routing
// order. This is the ordered candidate list the routing policy produces.
func (r *Registry) Available() []Adapter {
	var out []Adapter
	for _, name := range r.order {
		if a := r.byName[name]; a.Available() {
			out = append(out, a)
		}
	}
	return out
}

// AvailableNames returns the names of available adapters in routing order.
func (r *Registry) AvailableNames() []string {
	var out []string
	for _, a := range r.Available() {
		out = append(out, a.Name())
	}
	return out
}

// Resolve picks the adapter for a dispatch: the explicit override when set,
// else the issue's tool hint when registered and available, else the first
// available adapter in routing order.
func (r *Registry) Resolve(override, hint string) (Adapter, error) {
	if override != "" {
		return r.Get(override)
	}
	if hint != "" {
		if a, ok := r.byName[hint]; ok && a.Available() {
			return a, nil
		}
	}
	avail := r.Available()
	if len(avail) == 0 {
		return nil, fmt.Errorf("%w: no available toolchain", ErrNotRegistered)
	}
	return avail[0], nil
}
