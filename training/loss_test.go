package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/imgtrain/config"
	"github.com/tsawler/imgtrain/engine"
	"github.com/tsawler/imgtrain/errdefs"
)

func TestNewLoss(t *testing.T) {
	l, err := NewLoss(config.LossCategorical, false)
	require.NoError(t, err)
	assert.Equal(t, config.LossCategorical, l.Name())

	l, err = NewLoss(config.LossSparseCategorical, true)
	require.NoError(t, err)
	assert.Equal(t, config.LossSparseCategorical, l.Name())

	for _, name := range []string{"", "mse", "sparse categorical crossentropy"} {
		_, err := NewLoss(name, false)
		assert.ErrorIs(t, err, errdefs.ErrConfiguration, name)
	}
}

func TestCrossEntropyValues(t *testing.T) {
	probs := []float64{0.7, 0.2, 0.1}
	grad := make([]float64, 3)

	for _, name := range []string{config.LossCategorical, config.LossSparseCategorical} {
		l, err := NewLoss(name, false)
		require.NoError(t, err)

		v, err := l.Compute(probs, 0, grad)
		require.NoError(t, err)
		assert.InDelta(t, -math.Log(0.7), v, 1e-12, name)

		v, err = l.Compute(probs, 2, grad)
		require.NoError(t, err)
		assert.InDelta(t, -math.Log(0.1), v, 1e-12, name)

		// Clipped at Epsilon.
		v, err = l.Compute([]float64{1, 0}, 1, grad[:2])
		require.NoError(t, err)
		assert.InDelta(t, -math.Log(Epsilon), v, 1e-9, name)
		assert.Equal(t, []float64{0, 0}, grad[:2], "%s: clipped probabilities carry no gradient", name)

		_, err = l.Compute(probs, 3, grad)
		assert.ErrorIs(t, err, errdefs.ErrData, name)
		_, err = l.Compute(probs, -1, grad)
		assert.ErrorIs(t, err, errdefs.ErrData, name)

		_, err = l.Compute([]float64{0, 0, 0}, 0, grad)
		assert.ErrorIs(t, err, errdefs.ErrRuntime, name)
	}
}

func TestFromLogitsMatchesSoftmax(t *testing.T) {
	logits := []float64{2.0, -1.0, 0.5}
	probs := engine.Softmax(logits)

	for _, name := range []string{config.LossCategorical, config.LossSparseCategorical} {
		withLogits, err := NewLoss(name, true)
		require.NoError(t, err)
		onProbs, err := NewLoss(name, false)
		require.NoError(t, err)

		grad := make([]float64, 3)
		a, err := withLogits.Compute(logits, 1, grad)
		require.NoError(t, err)
		b, err := onProbs.Compute(probs, 1, make([]float64, 3))
		require.NoError(t, err)
		assert.InDelta(t, b, a, 1e-9, name)

		// d/dz of -log softmax(z)[y] is softmax(z) - onehot(y).
		assert.InDelta(t, probs[0], grad[0], 1e-9, name)
		assert.InDelta(t, probs[1]-1, grad[1], 1e-9, name)
		assert.InDelta(t, probs[2], grad[2], 1e-9, name)
	}
}

// Central differences against the analytic gradient, for both losses and
// both input modes.
func TestLossGradients(t *testing.T) {
	inputs := map[bool][]float64{
		false: {0.5, 0.3, 0.2},
		true:  {0.3, -1.2, 0.8},
	}
	const h = 1e-6

	for _, name := range []string{config.LossCategorical, config.LossSparseCategorical} {
		for fromLogits, x := range inputs {
			l, err := NewLoss(name, fromLogits)
			require.NoError(t, err)

			grad := make([]float64, len(x))
			_, err = l.Compute(x, 1, grad)
			require.NoError(t, err)

			scratch := make([]float64, len(x))
			for j := range x {
				plus := append([]float64(nil), x...)
				minus := append([]float64(nil), x...)
				plus[j] += h
				minus[j] -= h
				fp, err := l.Compute(plus, 1, scratch)
				require.NoError(t, err)
				fm, err := l.Compute(minus, 1, scratch)
				require.NoError(t, err)
				assert.InDelta(t, (fp-fm)/(2*h), grad[j], 1e-5, "%s logits=%v j=%d", name, fromLogits, j)
			}
		}
	}
}

func TestOneHotAndCorrect(t *testing.T) {
	v, err := OneHot(2, 4)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 1, 0}, v)

	_, err = OneHot(4, 4)
	assert.ErrorIs(t, err, errdefs.ErrData)

	outputs := []float64{
		0.9, 0.1,
		0.3, 0.7,
		0.6, 0.4,
	}
	assert.Equal(t, 2, countCorrect(outputs, []int{0, 1, 1}, 2))
	assert.Zero(t, countCorrect(nil, nil, 2))
	assert.True(t, Correct([]float64{0.2, 0.8}, 1))
}
