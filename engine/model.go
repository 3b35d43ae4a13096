// Package engine executes compiled layers.ModelSpec graphs on the CPU.
//
// A Model owns the parameters of a layers.ModelSpec and runs forward and
// backward passes one sample at a time, spreading the samples of a batch
// over a bounded pool of goroutines. Per-sample gradients are reduced in
// sample order, so a fixed seed gives identical results for any worker
// count.
package engine

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/tsawler/imgtrain/checkpoints"
	"github.com/tsawler/imgtrain/layers"
	"github.com/tsawler/imgtrain/logging"
	"github.com/tsawler/imgtrain/tensor"
)

// Config configures model construction.
type Config struct {
	// Seed for parameter initialization.
	Seed int64
	// Workers bounds the goroutines used per batch. 0 uses DefaultWorkers.
	Workers int
	Logger  *slog.Logger
}

// Parameter is one trainable tensor of a layer.
type Parameter struct {
	Name  string
	Layer string
	Kind  string // "weight" or "bias"
	Shape []int
	Data  []float64
}

// Model is a runnable instance of a compiled model spec. Prediction may run
// concurrently; ForwardBackward and parameter updates must not overlap with
// other calls.
type Model struct {
	spec    *layers.ModelSpec
	nodes   []*node
	params  []*Parameter
	workers int
	logger  *slog.Logger

	// First layer that owns parameters; input gradients below it are never
	// needed.
	firstParamLayer int

	workspaces []*workspace
}

// workspace holds the activations and gradient buffers of one sample.
type workspace struct {
	acts   [][]float64
	argmax [][]int
	gradIn [][]float64
	grads  [][]float64
}

// BatchResult is the outcome of ForwardBackward.
type BatchResult struct {
	// Outputs holds the model output of every sample, [N, outputs...].
	Outputs *tensor.Tensor
	// Losses holds the per-sample losses.
	Losses []float64
	// Gradients holds the batch-mean gradient of every parameter, aligned
	// with Parameters().
	Gradients [][]float64
}

// Loss returns the mean of the per-sample losses.
func (r *BatchResult) Loss() float64 {
	if len(r.Losses) == 0 {
		return 0
	}
	sum := 0.0
	for _, l := range r.Losses {
		sum += l
	}
	return sum / float64(len(r.Losses))
}

// LossFunc computes the loss of sample i from its model output and writes
// the gradient of that loss with respect to the output into grad. It is
// called concurrently for different samples.
type LossFunc func(i int, output, grad []float64) (float64, error)

// NewModel creates a model for spec and initializes its parameters.
func NewModel(spec *layers.ModelSpec, config Config) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}

	workers := config.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}

	m := &Model{
		spec:            spec,
		workers:         workers,
		logger:          logging.OrNop(config.Logger),
		firstParamLayer: -1,
	}

	paramIdx := 0
	for i, layerSpec := range spec.Layers {
		n, err := newNode(layerSpec, paramIdx)
		if err != nil {
			return nil, fmt.Errorf("failed to build layer %d (%s): %w", i, layerSpec.Name, err)
		}
		m.nodes = append(m.nodes, n)

		for j, shape := range layerSpec.ParameterShapes {
			kind := "weight"
			if j == 1 {
				kind = "bias"
			}
			s := make([]int, len(shape))
			copy(s, shape)
			m.params = append(m.params, &Parameter{
				Name:  layerSpec.Name + "." + kind,
				Layer: layerSpec.Name,
				Kind:  kind,
				Shape: s,
				Data:  make([]float64, numElements(shape)),
			})
		}
		if n.numParams > 0 && m.firstParamLayer < 0 {
			m.firstParamLayer = i
		}
		paramIdx += n.numParams
	}

	m.initializeParameters(config.Seed)

	m.logger.Debug("model initialized",
		"layers", len(m.nodes),
		"parameters", spec.TotalParameters,
		"workers", workers,
		"cpu", CPUDescription())

	return m, nil
}

// FromCheckpoint rebuilds a model from a checkpoint.
func FromCheckpoint(checkpoint *checkpoints.Checkpoint, config Config) (*Model, error) {
	if err := checkpoint.Validate(); err != nil {
		return nil, err
	}
	m, err := NewModel(checkpoint.ModelSpec, config)
	if err != nil {
		return nil, err
	}
	if err := m.LoadWeights(checkpoint); err != nil {
		return nil, err
	}
	return m, nil
}

// Parameters returns the trainable parameters in layer order.
func (m *Model) Parameters() []*Parameter {
	return m.params
}

// InputShape returns the per-sample input shape.
func (m *Model) InputShape() []int {
	return m.spec.InputShape
}

// NumOutputs returns the number of output units.
func (m *Model) NumOutputs() int {
	return numElements(m.spec.OutputShape)
}

// Workers returns the size of the per-batch goroutine pool.
func (m *Model) Workers() int {
	return m.workers
}

// Weights exports the parameters for a checkpoint.
func (m *Model) Weights() []checkpoints.WeightTensor {
	weights := make([]checkpoints.WeightTensor, len(m.params))
	for i, p := range m.params {
		data := make([]float32, len(p.Data))
		for j, v := range p.Data {
			data[j] = float32(v)
		}
		shape := make([]int, len(p.Shape))
		copy(shape, p.Shape)
		weights[i] = checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: shape,
			Data:  data,
			Layer: p.Layer,
			Type:  p.Kind,
		}
	}
	return weights
}

// LoadWeights replaces the parameters with the checkpoint's weights,
// matched by layer name and kind.
func (m *Model) LoadWeights(checkpoint *checkpoints.Checkpoint) error {
	if len(checkpoint.Weights) != len(m.params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(checkpoint.Weights), len(m.params))
	}
	byLayer := checkpoint.WeightsByLayer()
	matched := make([]checkpoints.WeightTensor, len(m.params))
	for i, p := range m.params {
		found := false
		for _, w := range byLayer[p.Layer] {
			if w.Type != p.Kind {
				continue
			}
			if len(w.Data) != len(p.Data) {
				return fmt.Errorf("weight %s has %d values, parameter %s needs %d", w.Name, len(w.Data), p.Name, len(p.Data))
			}
			matched[i] = w
			found = true
			break
		}
		if !found {
			return fmt.Errorf("no %s for layer %s in checkpoint", p.Kind, p.Layer)
		}
	}
	for i, w := range matched {
		for j, v := range w.Data {
			m.params[i].Data[j] = float64(v)
		}
	}
	return nil
}

// Checkpoint captures the model in a checkpoint.
func (m *Model) Checkpoint() *checkpoints.Checkpoint {
	return &checkpoints.Checkpoint{
		ModelSpec: m.spec,
		Weights:   m.Weights(),
	}
}

// Predict runs the full model on a batch shaped [N, input...] and returns
// [N, outputs...].
func (m *Model) Predict(batch *tensor.Tensor) (*tensor.Tensor, error) {
	return m.run(batch, len(m.nodes))
}

// PredictLogits is Predict without a trailing Softmax layer, returning the
// raw scores.
func (m *Model) PredictLogits(batch *tensor.Tensor) (*tensor.Tensor, error) {
	end := len(m.nodes)
	if end > 0 && m.nodes[end-1].spec.Type == layers.Softmax {
		end--
	}
	return m.run(batch, end)
}

func (m *Model) run(batch *tensor.Tensor, end int) (*tensor.Tensor, error) {
	if err := m.checkBatch(batch); err != nil {
		return nil, err
	}
	if end <= 0 {
		return nil, fmt.Errorf("model has no layers to run")
	}

	n := batch.BatchSize()
	outSize := m.nodes[end-1].outSize
	outShape := m.nodes[end-1].spec.OutputShape

	result, err := tensor.Zeros(append([]int{n}, outShape...))
	if err != nil {
		return nil, err
	}

	ForEach(n, m.workers, func(i int) {
		ws := m.newWorkspace(false)
		out := m.forward(ws, batch.Sample(i), end)
		copy(result.Data[i*outSize:(i+1)*outSize], out)
	})

	return result, nil
}

// ForwardBackward runs the model on a batch, evaluates lossFn for every
// sample and back-propagates. The returned gradients are averaged over the
// batch; parameters are not modified.
func (m *Model) ForwardBackward(batch *tensor.Tensor, lossFn LossFunc) (*BatchResult, error) {
	if err := m.checkBatch(batch); err != nil {
		return nil, err
	}

	n := batch.BatchSize()
	for len(m.workspaces) < n {
		m.workspaces = append(m.workspaces, m.newWorkspace(true))
	}

	outSize := m.NumOutputs()
	outputs, err := tensor.Zeros(append([]int{n}, m.spec.OutputShape...))
	if err != nil {
		return nil, err
	}
	losses := make([]float64, n)
	errs := make([]error, n)

	ForEach(n, m.workers, func(i int) {
		ws := m.workspaces[i]
		for _, g := range ws.grads {
			for j := range g {
				g[j] = 0
			}
		}

		out := m.forward(ws, batch.Sample(i), len(m.nodes))
		copy(outputs.Data[i*outSize:(i+1)*outSize], out)

		gradOut := make([]float64, outSize)
		loss, err := lossFn(i, out, gradOut)
		if err != nil {
			errs[i] = err
			return
		}
		losses[i] = loss
		m.backward(ws, gradOut)
	})

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
	}

	// Reduce in sample order.
	grads := make([][]float64, len(m.params))
	inv := 1 / float64(n)
	for p := range m.params {
		g := make([]float64, len(m.params[p].Data))
		for i := 0; i < n; i++ {
			for j, v := range m.workspaces[i].grads[p] {
				g[j] += v
			}
		}
		for j := range g {
			g[j] *= inv
		}
		grads[p] = g
	}

	return &BatchResult{Outputs: outputs, Losses: losses, Gradients: grads}, nil
}

func (m *Model) checkBatch(batch *tensor.Tensor) error {
	if batch == nil || len(batch.Shape) != len(m.spec.InputShape)+1 {
		return fmt.Errorf("batch must have shape [N %v]", m.spec.InputShape)
	}
	for i, d := range m.spec.InputShape {
		if batch.Shape[i+1] != d {
			return fmt.Errorf("batch shape %v does not match model input %v", batch.Shape[1:], m.spec.InputShape)
		}
	}
	return nil
}

func (m *Model) newWorkspace(training bool) *workspace {
	ws := &workspace{
		acts:   make([][]float64, len(m.nodes)+1),
		argmax: make([][]int, len(m.nodes)),
	}
	for i, n := range m.nodes {
		if !n.passthrough() {
			ws.acts[i+1] = make([]float64, n.outSize)
		}
		if n.spec.Type == layers.MaxPool2D {
			ws.argmax[i] = make([]int, n.outSize)
		}
	}
	if training {
		ws.gradIn = make([][]float64, len(m.nodes))
		for i, n := range m.nodes {
			if i > m.firstParamLayer && !n.passthrough() {
				ws.gradIn[i] = make([]float64, n.inSize)
			}
		}
		ws.grads = make([][]float64, len(m.params))
		for i, p := range m.params {
			ws.grads[i] = make([]float64, len(p.Data))
		}
	}
	return ws
}

func (m *Model) forward(ws *workspace, sample []float64, end int) []float64 {
	ws.acts[0] = sample
	for i := 0; i < end; i++ {
		n := m.nodes[i]
		if n.passthrough() {
			ws.acts[i+1] = ws.acts[i]
			continue
		}
		n.forward(m.params, ws.acts[i], ws.acts[i+1], ws.argmax[i])
	}
	return ws.acts[end]
}

func (m *Model) backward(ws *workspace, gradOut []float64) {
	g := gradOut
	for i := len(m.nodes) - 1; i >= 0 && i >= m.firstParamLayer; i-- {
		n := m.nodes[i]
		if n.passthrough() {
			continue
		}
		var gradIn []float64
		if i > m.firstParamLayer {
			gradIn = ws.gradIn[i]
		}
		n.backward(m.params, ws.grads, ws.acts[i], ws.acts[i+1], g, gradIn, ws.argmax[i])
		g = gradIn
	}
}

// CheckFinite returns an error when any parameter is NaN or infinite.
func (m *Model) CheckFinite() error {
	for _, p := range m.params {
		for _, v := range p.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("parameter %s is not finite", p.Name)
			}
		}
	}
	return nil
}
