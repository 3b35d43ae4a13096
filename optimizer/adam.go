package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/imgtrain/checkpoints"
)

// AdamOptimizerState holds the Adam moments for every weight tensor
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Added to the denominator (1e-7 as in Keras)
	WeightDecay  float64 // L2 regularization coefficient

	// First and second moment for each weight tensor
	Momentum [][]float64
	Variance [][]float64

	shapes [][]int

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

// Validate checks the hyperparameter ranges.
func (c AdamConfig) Validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("betas must be in [0, 1), got %g and %g", c.Beta1, c.Beta2)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive, got %g", c.Epsilon)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay must not be negative, got %g", c.WeightDecay)
	}
	return nil
}

// NewAdamOptimizer creates an Adam optimizer for tensors of weightShapes
func NewAdamOptimizer(config AdamConfig, weightShapes [][]int) (*AdamOptimizerState, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(weightShapes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}

	numWeights := len(weightShapes)

	adam := &AdamOptimizerState{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
		Momentum:     make([][]float64, numWeights),
		Variance:     make([][]float64, numWeights),
		shapes:       weightShapes,
	}

	for i, shape := range weightShapes {
		size := calculateTensorSize(shape)
		adam.Momentum[i] = make([]float64, size)
		adam.Variance[i] = make([]float64, size)
	}

	return adam, nil
}

// Step performs a single Adam optimization step:
//
//	lr_t = lr * sqrt(1 - beta2^t) / (1 - beta1^t)
//	m    = beta1*m + (1-beta1)*g
//	v    = beta2*v + (1-beta2)*g^2
//	w   -= lr_t * m / (sqrt(v) + epsilon)
//
// A non-zero WeightDecay adds WeightDecay*w to every gradient.
func (adam *AdamOptimizerState) Step(params, grads [][]float64) error {
	if len(params) != len(adam.Momentum) || len(grads) != len(adam.Momentum) {
		return fmt.Errorf("expected %d weight and gradient tensors, got %d and %d",
			len(adam.Momentum), len(params), len(grads))
	}
	for i := range params {
		if len(params[i]) != len(adam.Momentum[i]) || len(grads[i]) != len(adam.Momentum[i]) {
			return fmt.Errorf("tensor %d: expected %d elements, got %d weights and %d gradients",
				i, len(adam.Momentum[i]), len(params[i]), len(grads[i]))
		}
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	lrT := adam.LearningRate * math.Sqrt(1-math.Pow(adam.Beta2, t)) / (1 - math.Pow(adam.Beta1, t))

	for i, w := range params {
		m := adam.Momentum[i]
		v := adam.Variance[i]
		for j, g := range grads[i] {
			if adam.WeightDecay != 0 {
				g += adam.WeightDecay * w[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			w[j] -= lrT * m[j] / (math.Sqrt(v[j]) + adam.Epsilon)
		}
	}

	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.LearningRate = newLR
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts the optimizer state for a checkpoint
func (adam *AdamOptimizerState) GetState() *checkpoints.OptimizerState {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
	}

	for i := range adam.Momentum {
		state.StateData = append(state.StateData,
			stateTensor(fmt.Sprintf("m_%d", i), adam.shapes[i], adam.Momentum[i], "m"),
			stateTensor(fmt.Sprintf("v_%d", i), adam.shapes[i], adam.Variance[i], "v"),
		)
	}

	return state
}

// LoadState restores the optimizer state from a checkpoint
func (adam *AdamOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != "Adam" {
		return fmt.Errorf("cannot load %s state into Adam optimizer", state.Type)
	}
	if len(state.StateData) != 2*len(adam.Momentum) {
		return fmt.Errorf("expected %d state tensors, got %d", 2*len(adam.Momentum), len(state.StateData))
	}

	for i := range adam.Momentum {
		m, v := state.StateData[2*i], state.StateData[2*i+1]
		if m.StateType != "m" || v.StateType != "v" {
			return fmt.Errorf("state tensors %d are out of order", i)
		}
		if len(m.Data) != len(adam.Momentum[i]) || len(v.Data) != len(adam.Variance[i]) {
			return fmt.Errorf("state tensor %d has wrong size", i)
		}
	}

	for i := range adam.Momentum {
		for j, x := range state.StateData[2*i].Data {
			adam.Momentum[i][j] = float64(x)
		}
		for j, x := range state.StateData[2*i+1].Data {
			adam.Variance[i][j] = float64(x)
		}
	}

	adam.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	return nil
}

func stateTensor(name string, shape []int, data []float64, stateType string) checkpoints.OptimizerTensor {
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	return checkpoints.OptimizerTensor{Name: name, Shape: shape, Data: out, StateType: stateType}
}

// GetStats returns optimizer statistics
func (adam *AdamOptimizerState) GetStats() AdamStats {
	total := 0
	for _, m := range adam.Momentum {
		total += len(m)
	}
	return AdamStats{
		StepCount:     adam.StepCount,
		LearningRate:  adam.LearningRate,
		Beta1:         adam.Beta1,
		Beta2:         adam.Beta2,
		Epsilon:       adam.Epsilon,
		WeightDecay:   adam.WeightDecay,
		NumParameters: len(adam.Momentum),
		StateElements: 2 * total,
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount     uint64
	LearningRate  float64
	Beta1         float64
	Beta2         float64
	Epsilon       float64
	WeightDecay   float64
	NumParameters int
	StateElements int
}

var _ Optimizer = (*AdamOptimizerState)(nil)
