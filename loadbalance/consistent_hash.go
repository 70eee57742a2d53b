package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"wirebus/registry"
)

// ConsistentHashBalancer maps keys to instances on a hash ring: the same key
// lands on the same instance as long as the ring is unchanged, which gives a
// reconnecting caller a stable peer.
//
// Each instance is placed on the ring as 100 virtual nodes; without them a
// small cluster clumps together and load skews badly.
type ConsistentHashBalancer struct {
	replicas int
	ring     []uint32
	nodes    map[uint32]*registry.Instance
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.Instance),
	}
}

// Add places an instance onto the ring, hashing "{addr}#{i}" per virtual
// node to spread it evenly.
func (b *ConsistentHashBalancer) Add(inst *registry.Instance) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", inst.Addr, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = inst
	}
	// Keep the ring sorted for binary search in PickKey.
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// PickKey finds the instance owning the given key: the first ring node at or
// clockwise after the key's hash, wrapping to the start when the hash is
// past every node.
//
// Consistent hashing is key-addressed, so this does not implement the
// Balancer interface; callers with an affinity key use it directly.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.Instance, error) {
	if len(b.ring) == 0 {
		return nil, registry.ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
