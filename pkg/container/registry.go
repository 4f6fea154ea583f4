package container

import (
	"fmt"
	"sync"
)

// Provider is one registry entry. Load is the fallible step that makes the kind available;
// a failure matching ErrBackendUnavailable means the kind is skipped, not that opening failed.
type Provider struct {
	Name string

	// CatchAll marks the interpretation that accepts anything. It must be registered last,
	// otherwise every provider after it would be unreachable.
	CatchAll bool

	Load func() (Kind, error)
}

// Provide wraps an always-available kind
func Provide(k Kind) Provider {
	return Provider{
		Name: k.Name(),
		Load: func() (Kind, error) { return k, nil },
	}
}

// ProvideCatchAll wraps the always-available catch-all kind
func ProvideCatchAll(k Kind) Provider {
	p := Provide(k)
	p.CatchAll = true
	return p
}

// Lazy memoizes load so it runs at most once, on first use
func Lazy(load func() (Kind, error)) func() (Kind, error) {
	var (
		once sync.Once
		kind Kind
		err  error
	)
	return func() (Kind, error) {
		once.Do(func() {
			kind, err = load()
		})
		return kind, err
	}
}

// Registry is the immutable, priority-ordered list of candidates consulted by the
// dispatcher. Specific self-describing formats come first, the catch-all last.
type Registry struct {
	providers []Provider
}

// NewRegistry validates and freezes the provider order
func NewRegistry(providers ...Provider) (*Registry, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("registry requires at least one provider")
	}

	seen := make(map[string]bool, len(providers))
	for i, p := range providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider %d has no name", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("provider %q registered twice", p.Name)
		}
		seen[p.Name] = true

		if p.Load == nil {
			return nil, fmt.Errorf("provider %q has no load function", p.Name)
		}
		if p.CatchAll && i != len(providers)-1 {
			return nil, fmt.Errorf("catch-all provider %q must be registered last, found at position %d of %d",
				p.Name, i+1, len(providers))
		}
	}

	return &Registry{providers: append([]Provider(nil), providers...)}, nil
}

// MustRegistry is NewRegistry for static registries that are known to be valid
func MustRegistry(providers ...Provider) *Registry {
	r, err := NewRegistry(providers...)
	if err != nil {
		panic(err)
	}
	return r
}

// Providers returns the providers in priority order
func (r *Registry) Providers() []Provider {
	return append([]Provider(nil), r.providers...)
}

// Names returns the provider names in priority order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name)
	}
	return names
}

// Len returns the number of providers
func (r *Registry) Len() int {
	return len(r.providers)
}

// Lookup returns the provider registered under name
func (r *Registry) Lookup(name string) (Provider, bool) {
	for _, p := range r.providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}
