package loader

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry keeps one loader per resource identity. Loaders are created on
// first use and live as long as the registry.
type Registry struct {
	env  Environment
	opts []Option

	mu        sync.RWMutex
	resources map[string]Resource
	loaders   map[string]*Loader
}

// NewRegistry creates an empty registry whose loaders share env and opts.
func NewRegistry(env Environment, opts ...Option) *Registry {
	return &Registry{
		env:       env,
		opts:      opts,
		resources: make(map[string]Resource),
		loaders:   make(map[string]*Loader),
	}
}

// Register adds a resource. Names must be unique.
func (r *Registry) Register(res Resource) error {
	res = res.WithDefaults()
	if err := res.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resources[res.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateResource, res.Name)
	}
	r.resources[res.Name] = res
	return nil
}

// Loader returns the loader for name, creating it on first use.
func (r *Registry) Loader(name string) (*Loader, error) {
	r.mu.RLock()
	l, ok := r.loaders[name]
	r.mu.RUnlock()
	if ok {
		return l, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loaders[name]; ok {
		return l, nil
	}
	res, ok := r.resources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	l, err := New(res, r.env, r.opts...)
	if err != nil {
		return nil, err
	}
	r.loaders[name] = l
	return l, nil
}

// Acquire is Loader(name).Acquire.
func (r *Registry) Acquire(ctx context.Context, name string, args ConstructorArgs, opts AcquireOptions) (*Handle, error) {
	l, err := r.Loader(name)
	if err != nil {
		return nil, err
	}
	return l.Acquire(ctx, args, opts)
}

// Names returns the registered resource names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.resources))
	for name := range r.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resource returns a registered resource.
func (r *Registry) Resource(name string) (Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[name]
	return res, ok
}

// Snapshot returns the state of one resource. A resource that was never
// acquired reports the unloaded phase.
func (r *Registry) Snapshot(name string) (Snapshot, error) {
	r.mu.RLock()
	_, registered := r.resources[name]
	l, created := r.loaders[name]
	r.mu.RUnlock()

	if !registered {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	if !created {
		return Snapshot{Resource: name}, nil
	}
	return l.Snapshot(), nil
}

// Snapshots returns the state of every registered resource, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	names := r.Names()
	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		snap, err := r.Snapshot(name)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out
}
