// Package loadbalance provides strategies for choosing one serving peer out
// of a discovered cluster.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity peers
//   - WeightedRandom:  heterogeneous peers (different CPU/memory)
//   - ConsistentHash:  stable peer choice per caller-supplied key
package loadbalance

import "wirebus/registry"

// Balancer picks one instance from the discovered list. Pick runs on every
// connection attempt and must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name for logging.
	Name() string
}
