// Package registry lets serving peers advertise themselves and callers
// discover them. A cluster is a named group of interchangeable peers; each
// peer registers one Instance under it.
package registry

import "errors"

var ErrNoInstances = errors.New("registry: no instances available")

// Instance describes one reachable serving peer.
type Instance struct {
	Addr      string // host:port, or a ws:// URL when Transport is "ws"
	Transport string // "tcp" (default) or "ws"
	Weight    int    // Relative capacity for load balancing
	Version   string
}

type Registry interface {
	Register(cluster string, inst Instance, ttl int64) error
	Deregister(cluster string, addr string) error
	Discover(cluster string) ([]Instance, error)
	Watch(cluster string) <-chan []Instance
}
