package rabbitsub

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownSubscriber is returned when a configured identifier has no factory.
	ErrUnknownSubscriber = errors.New("rabbitsub: unknown subscriber")
	// ErrDuplicateSubscriber is returned when an identifier is registered twice.
	ErrDuplicateSubscriber = errors.New("rabbitsub: subscriber already registered")
)

// SubscriberFactory builds a fresh subscriber. It is called once per Run.
type SubscriberFactory func() (Subscriber, error)

// Registry maps the identifiers listed under "subscribes" in the configuration
// to subscriber factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]SubscriberFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]SubscriberFactory)}
}

// Register adds a factory under id.
func (r *Registry) Register(id string, factory SubscriberFactory) error {
	if id == "" {
		return fmt.Errorf("subscriber id cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for %q cannot be nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]SubscriberFactory)
	}
	if _, ok := r.factories[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscriber, id)
	}
	r.factories[id] = factory
	return nil
}

// MustRegister is Register that panics on error, for package-level wiring.
func (r *Registry) MustRegister(id string, factory SubscriberFactory) {
	if err := r.Register(id, factory); err != nil {
		panic(err)
	}
}

// Resolve builds the subscribers for ids, in order. Every id must be known.
func (r *Registry) Resolve(ids []string) ([]Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subscribers := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		factory, ok := r.factories[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSubscriber, id)
		}
		sub, err := factory()
		if err != nil {
			return nil, fmt.Errorf("build subscriber %s: %w", id, err)
		}
		subscribers = append(subscribers, sub)
	}
	return subscribers, nil
}

// IDs returns the registered identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
