package broker

import (
	"fmt"
	"sync"
)

// Registry maps user-broker ids to live adapters. Adapters register at
// wiring time; executors and reconcilers resolve at call time so a
// reconnected adapter is picked up without restarts.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Broker // userBrokerID → adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Broker)}
}

// Register binds an adapter to a user-broker id, replacing any prior
// binding.
func (r *Registry) Register(userBrokerID string, b Broker) {
	r.mu.Lock()
	r.adapters[userBrokerID] = b
	r.mu.Unlock()
}

// Resolve returns the adapter for a user-broker id.
func (r *Registry) Resolve(userBrokerID string) (Broker, error) {
	r.mu.RLock()
	b, ok := r.adapters[userBrokerID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no broker adapter registered for user-broker %s", userBrokerID)
	}
	return b, nil
}

// All returns a snapshot of registered adapters keyed by user-broker id.
func (r *Registry) All() map[string]Broker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Broker, len(r.adapters))
	for id, b := range r.adapters {
		out[id] = b
	}
	return out
}
