// Package loadbalance provides load balancing strategies for distributing
// calls across the instances that serve a service.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Calls that should stick to one instance per key
package loadbalance

import (
	"errors"

	"harpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each call to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every call, so it must be goroutine-safe.
	Pick(instances []registry.Instance) (registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// KeyedBalancer is a Balancer that can also route by an affinity key.
type KeyedBalancer interface {
	Balancer
	PickKey(key string, instances []registry.Instance) (registry.Instance, error)
}
