package loadbalance

import (
	"math/rand"

	"wirebus/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// their Weight. Instances with no weight set get weight 1 so they are never
// starved.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, registry.ErrNoInstances
	}

	total := 0
	for _, inst := range instances {
		total += effectiveWeight(inst)
	}

	r := rand.Intn(total)
	for i := range instances {
		r -= effectiveWeight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}

	return &instances[len(instances)-1], nil
}

func effectiveWeight(inst registry.Instance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
