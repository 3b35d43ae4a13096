package training

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/imgtrain/config"
	"github.com/tsawler/imgtrain/errdefs"
)

// Epsilon clips probabilities before taking logarithms.
const Epsilon = 1e-7

// Loss scores the output of one sample against its integer class label and
// writes the gradient with respect to the output into grad.
type Loss interface {
	Name() string
	Compute(output []float64, label int, grad []float64) (float64, error)
}

// NewLoss returns the loss registered under name. fromLogits tells the loss
// whether the model output is raw scores (true) or probabilities (false).
func NewLoss(name string, fromLogits bool) (Loss, error) {
	switch name {
	case config.LossCategorical:
		return &CategoricalCrossEntropy{FromLogits: fromLogits}, nil
	case config.LossSparseCategorical:
		return &SparseCategoricalCrossEntropy{FromLogits: fromLogits}, nil
	default:
		return nil, config.ValidateLoss(name)
	}
}

// CategoricalCrossEntropy compares the output with a one-hot target.
type CategoricalCrossEntropy struct {
	FromLogits bool
}

func (l *CategoricalCrossEntropy) Name() string { return config.LossCategorical }

// Compute implements Loss.
func (l *CategoricalCrossEntropy) Compute(output []float64, label int, grad []float64) (float64, error) {
	target, err := OneHot(label, len(output))
	if err != nil {
		return 0, err
	}
	return crossEntropy(output, target, l.FromLogits, grad)
}

// SparseCategoricalCrossEntropy takes the integer label directly.
type SparseCategoricalCrossEntropy struct {
	FromLogits bool
}

func (l *SparseCategoricalCrossEntropy) Name() string { return config.LossSparseCategorical }

// Compute implements Loss.
func (l *SparseCategoricalCrossEntropy) Compute(output []float64, label int, grad []float64) (float64, error) {
	if label < 0 || label >= len(output) {
		return 0, errdefs.Dataf("label %d out of range for %d classes", label, len(output))
	}
	if l.FromLogits {
		lse := floats.LogSumExp(output)
		for j, v := range output {
			grad[j] = math.Exp(v - lse)
		}
		grad[label] -= 1
		return lse - output[label], nil
	}

	sum := floats.Sum(output)
	if !(sum > 0) {
		return 0, errdefs.Runtimef("probabilities sum to %g", sum)
	}
	for j := range grad {
		grad[j] = 0
	}
	q := output[label] / sum
	c := clip(q)
	if c == q {
		for j := range grad {
			grad[j] = 1 / sum
		}
		grad[label] -= 1 / (q * sum)
	}
	return -math.Log(c), nil
}

// crossEntropy is -sum(t * log p) with p either softmax(output) or output
// normalized to sum to one and clipped to [Epsilon, 1-Epsilon].
func crossEntropy(output, target []float64, fromLogits bool, grad []float64) (float64, error) {
	if fromLogits {
		lse := floats.LogSumExp(output)
		tsum := floats.Sum(target)
		loss := 0.0
		for j, v := range output {
			loss -= target[j] * (v - lse)
			grad[j] = math.Exp(v-lse)*tsum - target[j]
		}
		return loss, nil
	}

	sum := floats.Sum(output)
	if !(sum > 0) {
		return 0, errdefs.Runtimef("probabilities sum to %g", sum)
	}

	loss := 0.0
	active := 0.0
	for j, v := range output {
		q := v / sum
		c := clip(q)
		loss -= target[j] * math.Log(c)
		grad[j] = 0
		if c == q && target[j] != 0 {
			active += target[j]
			grad[j] = -target[j] / (q * sum)
		}
	}
	for j := range grad {
		grad[j] += active / sum
	}
	return loss, nil
}

func clip(p float64) float64 {
	return math.Min(math.Max(p, Epsilon), 1-Epsilon)
}

// OneHot encodes label as a vector of numClasses.
func OneHot(label, numClasses int) ([]float64, error) {
	if label < 0 || label >= numClasses {
		return nil, errdefs.Dataf("label %d out of range for %d classes", label, numClasses)
	}
	v := make([]float64, numClasses)
	v[label] = 1
	return v, nil
}

// Correct reports whether the highest scoring output is label.
func Correct(output []float64, label int) bool {
	return floats.MaxIdx(output) == label
}
