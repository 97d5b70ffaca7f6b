package publisher

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
)

// Registry holds named publishers for the process. Entries are fully
// constructed before they are inserted, so readers never observe a
// half-built publisher.
type Registry struct {
	mu         sync.RWMutex
	publishers map[string]*Publisher
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{publishers: make(map[string]*Publisher)}
}

// Register stores a publisher under its config name, replacing any
// previous entry with the same name.
func (r *Registry) Register(p *Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishers[p.Name()] = p
}

// Get returns the named publisher.
func (r *Registry) Get(name string) (*Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.publishers[name]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrPublisherNotFound, "Registry", "Get", "look up "+name)
	}
	return p, nil
}

// Remove drops the named publisher from the registry without closing it.
// The removed publisher is returned so the caller can close it.
func (r *Registry) Remove(name string) (*Publisher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.publishers[name]
	if ok {
		delete(r.publishers, name)
	}
	return p, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.publishers))
	for name := range r.publishers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered publishers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.publishers)
}

// CloseAll closes every registered publisher and empties the registry.
// All publishers are attempted even when some fail to close.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	publishers := make([]*Publisher, 0, len(r.publishers))
	for _, p := range r.publishers {
		publishers = append(publishers, p)
	}
	r.publishers = make(map[string]*Publisher)
	r.mu.Unlock()

	var errs []error
	for _, p := range publishers {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
