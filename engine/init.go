package engine

import (
	"math"
	"math/rand"

	"github.com/tsawler/imgtrain/layers"
)

// initializeParameters fills weights with Glorot/Xavier uniform values and
// zeroes biases, drawing from a generator seeded with seed.
func (m *Model) initializeParameters(seed int64) {
	rng := rand.New(rand.NewSource(seed))

	for _, n := range m.nodes {
		if n.numParams == 0 {
			continue
		}
		weight := m.params[n.paramIdx]
		fanIn, fanOut := fans(n)
		initializeXavier(rng, weight.Data, fanIn, fanOut)

		if n.numParams > 1 {
			bias := m.params[n.paramIdx+1]
			for i := range bias.Data {
				bias.Data[i] = 0
			}
		}
	}
}

// fans returns the fan-in and fan-out of a layer's kernel.
func fans(n *node) (int, int) {
	switch n.spec.Type {
	case layers.Dense:
		return n.inSize, n.outSize
	case layers.Conv2D:
		rf := n.kernel * n.kernel
		return n.inC * rf, n.outC * rf
	case layers.DepthwiseConv2D:
		// Counted per depthwise kernel stack: in channels by multiplier.
		rf := n.kernel * n.kernel
		return n.inC * rf, (n.outC / n.inC) * rf
	default:
		return n.inSize, n.outSize
	}
}

// initializeXavier initializes data with Xavier/Glorot uniform initialization
// limit = sqrt(6 / (fan_in + fan_out))
func initializeXavier(rng *rand.Rand, data []float64, fanIn, fanOut int) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range data {
		data[i] = -limit + 2*limit*rng.Float64()
	}
}
