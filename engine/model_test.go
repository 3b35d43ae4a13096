package engine

import (
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/imgtrain/layers"
	"github.com/tsawler/imgtrain/tensor"
)

func randomBatch(t *testing.T, n, height, width int, seed int64) *tensor.Tensor {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, n*height*width)
	for i := range data {
		data[i] = rng.Float64() * 255
	}
	batch, err := tensor.New([]int{n, height, width}, data)
	require.NoError(t, err)
	return batch
}

// sparseLoss is -log(p[label]) with its gradient with respect to p.
func sparseLoss(labels []int) LossFunc {
	return func(i int, output, grad []float64) (float64, error) {
		p := output[labels[i]]
		grad[labels[i]] = -1 / p
		return -math.Log(p), nil
	}
}

func meanLoss(t *testing.T, m *Model, batch *tensor.Tensor, labels []int) float64 {
	t.Helper()
	out, err := m.Predict(batch)
	require.NoError(t, err)
	sum := 0.0
	for i, label := range labels {
		sum -= math.Log(out.Sample(i)[label])
	}
	return sum / float64(len(labels))
}

func TestNewModelInitialization(t *testing.T) {
	spec, err := layers.ClassifierSpec(8, 8, 2)
	require.NoError(t, err)

	a, err := NewModel(spec, Config{Seed: 42, Workers: 2})
	require.NoError(t, err)
	b, err := NewModel(spec, Config{Seed: 42, Workers: 2})
	require.NoError(t, err)
	c, err := NewModel(spec, Config{Seed: 7, Workers: 2})
	require.NoError(t, err)

	require.Len(t, a.Parameters(), 6)
	assert.Equal(t, "conv2d.weight", a.Parameters()[0].Name)
	assert.Equal(t, "dense.bias", a.Parameters()[5].Name)

	for i, p := range a.Parameters() {
		assert.Equal(t, p.Data, b.Parameters()[i].Data, "same seed, same init")
		if p.Kind == "bias" {
			for _, v := range p.Data {
				assert.Zero(t, v)
			}
		}
	}
	assert.NotEqual(t, a.Parameters()[0].Data, c.Parameters()[0].Data)

	// Glorot limit of the first convolution: fan_in 9, fan_out 144.
	limit := math.Sqrt(6.0 / (9 + 144))
	for _, v := range a.Parameters()[0].Data {
		assert.LessOrEqual(t, math.Abs(v), limit)
	}

	assert.Equal(t, 2, a.NumOutputs())
	assert.Equal(t, []int{8, 8}, a.InputShape())
	assert.Equal(t, 2, a.Workers())
}

func TestNewModelRequiresCompiledSpec(t *testing.T) {
	_, err := NewModel(&layers.ModelSpec{}, Config{})
	assert.Error(t, err)
	_, err = NewModel(nil, Config{})
	assert.Error(t, err)
}

func TestPredict(t *testing.T) {
	spec, err := layers.ClassifierSpec(10, 12, 3)
	require.NoError(t, err)
	m, err := NewModel(spec, Config{Seed: 1, Workers: 3})
	require.NoError(t, err)

	batch := randomBatch(t, 5, 10, 12, 99)

	probs, err := m.Predict(batch)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 3}, probs.Shape)

	logits, err := m.PredictLogits(batch)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 3}, logits.Shape)

	for i := 0; i < 5; i++ {
		sum := 0.0
		for _, p := range probs.Sample(i) {
			assert.True(t, p > 0 && p < 1)
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
		assert.InDeltaSlice(t, probs.Sample(i), Softmax(logits.Sample(i)), 1e-12)
	}

	wrong := randomBatch(t, 2, 12, 10, 1)
	_, err = m.Predict(wrong)
	assert.Error(t, err)
}

func TestGradientCheck(t *testing.T) {
	spec, err := layers.ClassifierSpec(6, 6, 2)
	require.NoError(t, err)
	m, err := NewModel(spec, Config{Seed: 3, Workers: 2})
	require.NoError(t, err)

	batch := randomBatch(t, 3, 6, 6, 5)
	labels := []int{0, 1, 1}

	result, err := m.ForwardBackward(batch, sparseLoss(labels))
	require.NoError(t, err)
	assert.InDelta(t, meanLoss(t, m, batch, labels), result.Loss(), 1e-12)

	const eps = 1e-5
	rng := rand.New(rand.NewSource(11))
	for p, param := range m.Parameters() {
		for k := 0; k < 5; k++ {
			j := rng.Intn(len(param.Data))
			orig := param.Data[j]

			param.Data[j] = orig + eps
			plus := meanLoss(t, m, batch, labels)
			param.Data[j] = orig - eps
			minus := meanLoss(t, m, batch, labels)
			param.Data[j] = orig

			numeric := (plus - minus) / (2 * eps)
			analytic := result.Gradients[p][j]
			assert.InDelta(t, numeric, analytic, 1e-5+1e-3*math.Abs(numeric),
				"%s[%d]: numeric %g analytic %g", param.Name, j, numeric, analytic)
		}
	}
}

func TestDenseGradient(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{3}).
		AddDense(2, true, "dense").
		Compile()
	require.NoError(t, err)
	m, err := NewModel(spec, Config{Seed: 1, Workers: 1})
	require.NoError(t, err)

	copy(m.Parameters()[0].Data, []float64{1, 2, 3, 4, 5, 6})
	copy(m.Parameters()[1].Data, []float64{0.5, -0.5})

	batch, err := tensor.New([]int{1, 3}, []float64{1, 0, -1})
	require.NoError(t, err)

	out, err := m.Predict(batch)
	require.NoError(t, err)
	assert.Equal(t, []float64{1 - 3 + 0.5, 4 - 6 - 0.5}, out.Data)

	// L = sum(output) so dL/dW = x for every row and dL/db = 1.
	result, err := m.ForwardBackward(batch, func(i int, output, grad []float64) (float64, error) {
		grad[0], grad[1] = 1, 1
		return output[0] + output[1], nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, -1, 1, 0, -1}, result.Gradients[0])
	assert.Equal(t, []float64{1, 1}, result.Gradients[1])
}

func TestForwardBackwardDeterministicAcrossWorkers(t *testing.T) {
	spec, err := layers.ClassifierSpec(8, 8, 2)
	require.NoError(t, err)

	batch := randomBatch(t, 7, 8, 8, 2)
	labels := []int{0, 1, 0, 1, 1, 0, 1}

	var results [][][]float64
	for _, workers := range []int{1, 4} {
		m, err := NewModel(spec, Config{Seed: 9, Workers: workers})
		require.NoError(t, err)
		// Run twice so reused workspaces are exercised.
		_, err = m.ForwardBackward(batch, sparseLoss(labels))
		require.NoError(t, err)
		r, err := m.ForwardBackward(batch, sparseLoss(labels))
		require.NoError(t, err)
		results = append(results, r.Gradients)
	}
	assert.Equal(t, results[0], results[1])
}

func TestForwardBackwardLossError(t *testing.T) {
	spec, err := layers.ClassifierSpec(8, 8, 2)
	require.NoError(t, err)
	m, err := NewModel(spec, Config{Seed: 9, Workers: 2})
	require.NoError(t, err)

	_, err = m.ForwardBackward(randomBatch(t, 2, 8, 8, 1), func(i int, output, grad []float64) (float64, error) {
		return 0, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestCheckpointRoundTrip(t *testing.T) {
	spec, err := layers.ClassifierSpec(8, 10, 2)
	require.NoError(t, err)
	m, err := NewModel(spec, Config{Seed: 4, Workers: 2})
	require.NoError(t, err)

	restored, err := FromCheckpoint(m.Checkpoint(), Config{Seed: 999, Workers: 1})
	require.NoError(t, err)

	batch := randomBatch(t, 3, 8, 10, 8)
	want, err := m.Predict(batch)
	require.NoError(t, err)
	got, err := restored.Predict(batch)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Data, got.Data, 1e-5)

	short := m.Checkpoint()
	short.Weights = short.Weights[:2]
	assert.Error(t, restored.LoadWeights(short))

	// Weights are matched by layer, not position.
	shuffled := m.Checkpoint()
	w := shuffled.Weights
	w[0], w[len(w)-1] = w[len(w)-1], w[0]
	require.NoError(t, restored.LoadWeights(shuffled))
	got, err = restored.Predict(batch)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Data, got.Data, 1e-5)

	renamed := m.Checkpoint()
	renamed.Weights[0].Layer = "missing"
	assert.Error(t, restored.LoadWeights(renamed))
	assert.NoError(t, restored.CheckFinite())
	restored.Parameters()[0].Data[0] = math.NaN()
	assert.Error(t, restored.CheckFinite())
}

func TestForEach(t *testing.T) {
	var sum int64
	seen := make([]int32, 100)
	ForEach(100, 8, func(i int) {
		atomic.AddInt64(&sum, int64(i))
		atomic.AddInt32(&seen[i], 1)
	})
	assert.Equal(t, int64(4950), sum)
	for _, s := range seen {
		assert.Equal(t, int32(1), s)
	}

	called := false
	ForEach(0, 4, func(int) { called = true })
	assert.False(t, called)

	assert.Greater(t, DefaultWorkers(), 0)
	assert.NotEmpty(t, CPUDescription())
}
