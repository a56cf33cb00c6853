package circuitbreaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownPolicy = errors.New("unknown circuit breaker policy")
	ErrInvalidPolicy = errors.New("invalid circuit breaker policy")
	ErrPolicyDefined = errors.New("circuit breaker policy already registered")
)

// Registry holds one breaker per policy name. Breakers are registered while
// the gateway starts; lookups at request time never create new entries.
type Registry struct {
	mutex    sync.RWMutex
	breakers map[string]*CircuitBreaker
	opts     []Option
}

func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		opts:     opts,
	}
}

// Register creates the breaker for name. Registering the same name twice is
// an error so two config entries can never silently share state.
func (r *Registry) Register(name string, policy Policy) (*CircuitBreaker, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidPolicy)
	}
	if policy.FailureThreshold < 1 {
		return nil, fmt.Errorf("%w: %s: failure threshold must be at least 1", ErrInvalidPolicy, name)
	}
	if policy.Cooldown < 0 {
		return nil, fmt.Errorf("%w: %s: cooldown cannot be negative", ErrInvalidPolicy, name)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.breakers[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPolicyDefined, name)
	}

	cb := NewCircuitBreaker(name, policy, r.opts...)
	r.breakers[name] = cb
	return cb, nil
}

// GetBreaker returns the breaker registered for name.
func (r *Registry) GetBreaker(name string) (*CircuitBreaker, error) {
	r.mutex.RLock()
	cb, exists := r.breakers[name]
	r.mutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	return cb, nil
}

// Names returns the registered policy names in sorted order.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Stats() map[string]Stats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.Stats()
	}
	return stats
}
