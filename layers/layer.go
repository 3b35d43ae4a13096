package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Softmax
	MaxPool2D
	DepthwiseConv2D
	Reshape
	Rescaling
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case MaxPool2D:
		return "MaxPool2D"
	case DepthwiseConv2D:
		return "DepthwiseConv2D"
	case Reshape:
		return "Reshape"
	case Rescaling:
		return "Rescaling"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// Padding modes for convolution layers.
const (
	PaddingSame  = "same"
	PaddingValid = "valid"
)

// LayerSpec defines layer configuration for the engine.
// This is pure configuration - no execution logic.
//
// Shapes are per sample and channel-first: [channels, height, width] for
// image tensors and [features] after flattening. The batch dimension is
// implicit.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder for samples of inputShape.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	shape := make([]int, len(inputShape))
	copy(shape, inputShape)
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: shape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddReshape reshapes each sample to targetShape (same element count).
func (mb *ModelBuilder) AddReshape(targetShape []int, name string) *ModelBuilder {
	shape := make([]int, len(targetShape))
	copy(shape, targetShape)
	return mb.AddLayer(LayerSpec{
		Type: Reshape,
		Name: name,
		Parameters: map[string]interface{}{
			"target_shape": shape,
		},
	})
}

// AddRescaling multiplies every element by scale and adds offset.
func (mb *ModelBuilder) AddRescaling(scale, offset float64, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Rescaling,
		Name: name,
		Parameters: map[string]interface{}{
			"scale":  scale,
			"offset": offset,
		},
	})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride int, padding string,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddDepthwiseConv2D adds a depthwise convolution: every input channel is
// convolved with depthMultiplier kernels of its own.
func (mb *ModelBuilder) AddDepthwiseConv2D(
	depthMultiplier, kernelSize, stride int, padding string,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: DepthwiseConv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"depth_multiplier": depthMultiplier,
			"kernel_size":      kernelSize,
			"stride":           stride,
			"padding":          padding,
			"use_bias":         useBias,
		},
	})
}

// AddMaxPool2D adds a max pooling layer with valid padding.
func (mb *ModelBuilder) AddMaxPool2D(poolSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
		},
	})
}

// AddFlatten flattens each sample to a vector.
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Flatten,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddSoftmax adds a Softmax activation over the feature vector.
func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Softmax,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if err := validateShape(mb.inputShape); err != nil {
		return nil, fmt.Errorf("invalid input shape: %w", err)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
		Compiled:   false,
	}

	for i, layer := range mb.layers {
		model.Layers[i] = layer
		model.Layers[i].Parameters = copyParams(layer.Parameters)
	}

	if err := model.compute(); err != nil {
		return nil, err
	}
	mb.compiled = true

	return model, nil
}

// Recompile recomputes shapes and parameter metadata, e.g. after a spec was
// decoded from a checkpoint.
func (ms *ModelSpec) Recompile() error {
	if len(ms.Layers) == 0 {
		return fmt.Errorf("cannot compile empty model")
	}
	if err := validateShape(ms.InputShape); err != nil {
		return fmt.Errorf("invalid input shape: %w", err)
	}
	return ms.compute()
}

func (ms *ModelSpec) compute() error {
	currentShape := ms.InputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range ms.Layers {
		layer := &ms.Layers[i]
		if layer.Parameters == nil {
			layer.Parameters = map[string]interface{}{}
		}

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
	}

	ms.OutputShape = currentShape
	ms.ParameterShapes = allParameterShapes
	ms.TotalParameters = totalParams
	ms.Compiled = true
	return nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case DepthwiseConv2D:
		return computeDepthwiseInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPoolInfo(layer, inputShape)
	case Reshape:
		return computeReshapeInfo(layer, inputShape)
	case Flatten:
		return []int{numElements(inputShape)}, [][]int{}, 0, nil
	case ReLU, Softmax, Rescaling:
		return computeActivationInfo(layer, inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 1 {
		return nil, nil, 0, fmt.Errorf("dense layer requires flattened input, got %v", inputShape)
	}

	outputSize := GetIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing or invalid output_size parameter")
	}
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	inputSize := inputShape[0]
	layer.Parameters["input_size"] = inputSize

	var paramShapes [][]int
	paramCount := int64(0)

	// Weight matrix: [outputSize, inputSize] (row-major, one row per unit)
	paramShapes = append(paramShapes, []int{outputSize, inputSize})
	paramCount += int64(inputSize * outputSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return []int{outputSize}, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 3D input [channels, height, width], got %v", inputShape)
	}

	outputChannels := GetIntParam(layer.Parameters, "output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, 0, fmt.Errorf("missing or invalid output_channels parameter")
	}
	kernelSize, stride, err := kernelParams(layer)
	if err != nil {
		return nil, nil, 0, err
	}
	padding := GetStringParam(layer.Parameters, "padding", PaddingValid)
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	inputChannels := inputShape[0]
	layer.Parameters["input_channels"] = inputChannels

	outH, err := ConvOutputSize(inputShape[1], kernelSize, stride, padding)
	if err != nil {
		return nil, nil, 0, err
	}
	outW, err := ConvOutputSize(inputShape[2], kernelSize, stride, padding)
	if err != nil {
		return nil, nil, 0, err
	}

	var paramShapes [][]int
	paramCount := int64(0)

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize]
	paramShapes = append(paramShapes, []int{outputChannels, inputChannels, kernelSize, kernelSize})
	paramCount += int64(outputChannels * inputChannels * kernelSize * kernelSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return []int{outputChannels, outH, outW}, paramShapes, paramCount, nil
}

// computeDepthwiseInfo computes DepthwiseConv2D layer information
func computeDepthwiseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("DepthwiseConv2D layer requires 3D input [channels, height, width], got %v", inputShape)
	}

	multiplier := GetIntParam(layer.Parameters, "depth_multiplier", 1)
	if multiplier <= 0 {
		return nil, nil, 0, fmt.Errorf("invalid depth_multiplier %d", multiplier)
	}
	kernelSize, stride, err := kernelParams(layer)
	if err != nil {
		return nil, nil, 0, err
	}
	padding := GetStringParam(layer.Parameters, "padding", PaddingValid)
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	inputChannels := inputShape[0]
	outputChannels := inputChannels * multiplier
	layer.Parameters["input_channels"] = inputChannels

	outH, err := ConvOutputSize(inputShape[1], kernelSize, stride, padding)
	if err != nil {
		return nil, nil, 0, err
	}
	outW, err := ConvOutputSize(inputShape[2], kernelSize, stride, padding)
	if err != nil {
		return nil, nil, 0, err
	}

	var paramShapes [][]int
	paramCount := int64(0)

	// Grouped-convolution layout: [inputChannels*multiplier, 1, kernelSize, kernelSize].
	// Output channel o reads input channel o/multiplier.
	paramShapes = append(paramShapes, []int{outputChannels, 1, kernelSize, kernelSize})
	paramCount += int64(outputChannels * kernelSize * kernelSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return []int{outputChannels, outH, outW}, paramShapes, paramCount, nil
}

func computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("MaxPool2D layer requires 3D input [channels, height, width], got %v", inputShape)
	}
	poolSize := GetIntParam(layer.Parameters, "pool_size", 2)
	stride := GetIntParam(layer.Parameters, "stride", poolSize)
	if poolSize <= 0 || stride <= 0 {
		return nil, nil, 0, fmt.Errorf("invalid pool_size %d / stride %d", poolSize, stride)
	}

	outH, err := ConvOutputSize(inputShape[1], poolSize, stride, PaddingValid)
	if err != nil {
		return nil, nil, 0, err
	}
	outW, err := ConvOutputSize(inputShape[2], poolSize, stride, PaddingValid)
	if err != nil {
		return nil, nil, 0, err
	}

	return []int{inputShape[0], outH, outW}, [][]int{}, 0, nil
}

func computeReshapeInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	target := GetIntSliceParam(layer.Parameters, "target_shape")
	if err := validateShape(target); err != nil {
		return nil, nil, 0, fmt.Errorf("invalid target_shape: %w", err)
	}
	if numElements(target) != numElements(inputShape) {
		return nil, nil, 0, fmt.Errorf("cannot reshape %v (%d elements) to %v (%d elements)",
			inputShape, numElements(inputShape), target, numElements(target))
	}
	return target, [][]int{}, 0, nil
}

func computeActivationInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	// Activation layers don't change shape and have no parameters
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)

	return outputShape, [][]int{}, 0, nil
}

func kernelParams(layer *LayerSpec) (int, int, error) {
	kernelSize := GetIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return 0, 0, fmt.Errorf("missing or invalid kernel_size parameter")
	}
	stride := GetIntParam(layer.Parameters, "stride", 1)
	if stride <= 0 {
		return 0, 0, fmt.Errorf("invalid stride %d", stride)
	}
	return kernelSize, stride, nil
}

// ConvOutputSize returns the spatial output size of a window of size kernel
// sliding over size with the given stride and padding mode.
func ConvOutputSize(size, kernel, stride int, padding string) (int, error) {
	switch padding {
	case PaddingSame:
		return (size + stride - 1) / stride, nil
	case PaddingValid:
		if size < kernel {
			return 0, fmt.Errorf("input size %d smaller than window %d", size, kernel)
		}
		return (size-kernel)/stride + 1, nil
	default:
		return 0, fmt.Errorf("unsupported padding %q", padding)
	}
}

// SamePadding returns the leading padding used by "same" convolutions: the
// total padding is split with the smaller half first.
func SamePadding(size, kernel, stride int) int {
	out := (size + stride - 1) / stride
	total := (out-1)*stride + kernel - size
	if total < 0 {
		total = 0
	}
	return total / 2
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	sb.WriteString(fmt.Sprintf("%-22s %-18s %-16s %10s\n", "Layer", "Type", "Output Shape", "Params"))
	sb.WriteString(strings.Repeat("=", 69) + "\n")

	for _, layer := range ms.Layers {
		sb.WriteString(fmt.Sprintf("%-22s %-18s %-16s %10d\n",
			layer.Name, layer.Type.String(), shapeString(layer.OutputShape), layer.ParameterCount))
	}

	sb.WriteString(strings.Repeat("=", 69) + "\n")
	sb.WriteString(fmt.Sprintf("Input Shape: %s\n", shapeString(ms.InputShape)))
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters))

	return sb.String()
}

func shapeString(shape []int) string {
	parts := make([]string, 0, len(shape)+1)
	parts = append(parts, "None")
	for _, d := range shape {
		parts = append(parts, fmt.Sprintf("%d", d))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("shape must not be empty")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func copyParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// Helper functions for parameter extraction. Values decoded from JSON arrive
// as float64 and []interface{}, so both representations are accepted.

func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultValue
}

func GetBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}

func GetFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return defaultValue
}

func GetStringParam(params map[string]interface{}, key string, defaultValue string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return defaultValue
}

func GetIntSliceParam(params map[string]interface{}, key string) []int {
	switch v := params[key].(type) {
	case []int:
		return v
	case []interface{}:
		out := make([]int, 0, len(v))
		for _, e := range v {
			switch n := e.(type) {
			case float64:
				out = append(out, int(n))
			case int:
				out = append(out, n)
			default:
				return nil
			}
		}
		return out
	}
	return nil
}
