// Package profile tracks tenant profiles.
//
// A profile is one tenant's view of the system: a name used as the event
// bus scope and the record store holding that tenant's registries and saga
// bookkeeping.
package profile

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"

	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/storage"
)

// Profile is a tenant with its own record store.
type Profile struct {
	Name  string
	Store storage.Store
}

// Resolver looks up profiles by name.
type Resolver interface {
	Profile(name string) (*Profile, error)
}

// Registry is a thread-safe set of profiles indexed by name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Profile
}

var _ Resolver = (*Registry)(nil)

// NewRegistry creates a registry holding the given profiles.
func NewRegistry(profiles ...*Profile) *Registry {
	r := &Registry{entries: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		r.entries[p.Name] = p
	}
	return r
}

// Register adds or replaces a profile.
func (r *Registry) Register(p *Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name] = p
}

// Profile implements Resolver.
func (r *Registry) Profile(name string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[name]
	if !ok {
		return nil, rrerrors.NotFound("resolve profile", fmt.Sprintf("profile %q", name))
	}
	return p, nil
}

// GetOrCreate returns the named profile, opening its store with open if it
// isn't registered yet. open is called at most once per name.
func (r *Registry) GetOrCreate(name string, open func() (storage.Store, error)) (*Profile, error) {
	r.mu.RLock()
	p, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.entries[name]; ok {
		return p, nil
	}
	store, err := open()
	if err != nil {
		return nil, fmt.Errorf("open profile %s: %w", name, err)
	}
	p = &Profile{Name: name, Store: store}
	r.entries[name] = p
	return p, nil
}

// Names returns the registered profile names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close closes every profile store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for _, p := range r.entries {
		err = multierr.Append(err, p.Store.Close())
	}
	return err
}
