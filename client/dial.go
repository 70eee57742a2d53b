package client

import (
	"wirebus/loadbalance"
	"wirebus/registry"
	"wirebus/transport"
)

// ConnectTCP dials addr over framed TCP and binds the client to the
// resulting connection.
func (c *Client) ConnectTCP(addr string, opts ...transport.DialOption) error {
	if err := c.checkUnbound(); err != nil {
		return err
	}
	_, err := transport.DialTCP(addr, c, opts...)
	return err
}

// ConnectWS dials a ws:// or wss:// URL and binds the client to the
// resulting connection.
func (c *Client) ConnectWS(url string, opts ...transport.DialOption) error {
	if err := c.checkUnbound(); err != nil {
		return err
	}
	_, err := transport.DialWS(url, c, opts...)
	return err
}

// ConnectRegistry discovers cluster's instances, picks one with bal, and
// dials it over the instance's transport.
func (c *Client) ConnectRegistry(reg registry.Registry, cluster string, bal loadbalance.Balancer, opts ...transport.DialOption) error {
	instances, err := reg.Discover(cluster)
	if err != nil {
		return err
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return err
	}
	return c.connectInstance(inst, opts...)
}

// ConnectAffinity routes by key on a consistent-hash ring built from
// cluster's current instances, so every client using the same key lands on
// the same peer.
func (c *Client) ConnectAffinity(reg registry.Registry, cluster, key string, opts ...transport.DialOption) error {
	instances, err := reg.Discover(cluster)
	if err != nil {
		return err
	}
	ring := loadbalance.NewConsistentHashBalancer()
	for i := range instances {
		ring.Add(&instances[i])
	}
	inst, err := ring.PickKey(key)
	if err != nil {
		return err
	}
	return c.connectInstance(inst, opts...)
}

func (c *Client) connectInstance(inst *registry.Instance, opts ...transport.DialOption) error {
	switch inst.Transport {
	case "ws":
		return c.ConnectWS(inst.Addr, opts...)
	default:
		return c.ConnectTCP(inst.Addr, opts...)
	}
}

func (c *Client) checkUnbound() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return ErrAlreadyConnected
	}
	return nil
}
