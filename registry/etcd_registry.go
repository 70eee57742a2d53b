// etcd-backed Registry.
//
// Peers live under TTL leases:
//
//	Key:   /wirebus/{cluster}/{addr}
//	Value: JSON-encoded Instance
//
// If a peer crashes, its lease expires and the entry disappears on its own,
// so callers never discover ghost instances.

package registry

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/wirebus/"

// EtcdRegistry implements Registry on etcd v3. The client is safe to share
// across goroutines and peers.
type EtcdRegistry struct {
	client *clientv3.Client
}

func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// Register writes the instance under a TTL lease and starts background
// renewal. The lease id stays local to this call; sharing one EtcdRegistry
// between peers must not race on it.
func (r *EtcdRegistry) Register(cluster string, inst Instance, ttl int64) error {
	ctx := context.Background()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, keyPrefix+cluster+"/"+inst.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain renewal acks so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes the instance. Serving peers call this first during
// graceful shutdown so callers stop routing to them.
func (r *EtcdRegistry) Deregister(cluster string, addr string) error {
	_, err := r.client.Delete(context.Background(), keyPrefix+cluster+"/"+addr)
	return err
}

// Discover returns every currently advertised instance of the cluster.
func (r *EtcdRegistry) Discover(cluster string) ([]Instance, error) {
	prefix := keyPrefix + cluster + "/"

	resp, err := r.client.Get(context.Background(), prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch emits the full instance list whenever the cluster changes. Every
// watch event triggers a fresh Discover rather than folding deltas.
func (r *EtcdRegistry) Watch(cluster string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	prefix := keyPrefix + cluster + "/"

	go func() {
		watchChan := r.client.Watch(context.Background(), prefix, clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(cluster)
			if err != nil {
				continue
			}
			ch <- instances
		}
	}()

	return ch
}

// Close releases the underlying etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
