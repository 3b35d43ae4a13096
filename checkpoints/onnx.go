package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/tsawler/imgtrain/layers"
)

// ONNX constants used by the exporter.
const (
	onnxIRVersion = 7
	onnxOpset     = 13

	// TensorProto.DataType
	TensorFloat = 1
	TensorInt64 = 7

	// AttributeProto.AttributeType
	attrFloat = 1
	attrInt   = 2
	attrInts  = 7

	// Graph tensor names.
	ONNXInput  = "input"
	ONNXLogits = "logits"
	ONNXOutput = "output"
)

// ModelProto is the subset of onnx.ModelProto written by the exporter.
type ModelProto struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	ModelVersion    int64
	DocString       string
	Opset           int64
	Graph           *GraphProto
}

// GraphProto is the subset of onnx.GraphProto written by the exporter.
type GraphProto struct {
	Name         string
	Nodes        []*NodeProto
	Initializers []*TensorProto
	Inputs       []*ValueInfoProto
	Outputs      []*ValueInfoProto
}

// NodeProto is one operator invocation.
type NodeProto struct {
	Name       string
	OpType     string
	Inputs     []string
	Outputs    []string
	Attributes []*AttributeProto
}

// AttributeProto holds a scalar, integer or integer-list attribute.
type AttributeProto struct {
	Name string
	Type int64
	F    float32
	I    int64
	Ints []int64
}

// TensorProto is an initializer stored as raw little-endian data.
type TensorProto struct {
	Name     string
	Dims     []int64
	DataType int64
	RawData  []byte
}

// ValueInfoProto declares a graph input or output. A dimension of -1 is
// written as the symbolic batch dimension "N".
type ValueInfoProto struct {
	Name     string
	ElemType int64
	Dims     []int64
}

// ONNXExporter handles conversion of checkpoints to ONNX format
type ONNXExporter struct {
	model *ModelProto
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportONNX writes checkpoint to path as an ONNX model.
func ExportONNX(checkpoint *Checkpoint, path string) error {
	return NewONNXExporter().ExportToONNX(checkpoint, path)
}

// ExportToONNX converts a checkpoint to ONNX format
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data, err := oe.Marshal(checkpoint)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}

	return nil
}

// Marshal builds the ONNX model for checkpoint and encodes it.
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	if err := checkpoint.Validate(); err != nil {
		return nil, err
	}

	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	oe.model = &ModelProto{
		IRVersion:       onnxIRVersion,
		ProducerName:    Framework,
		ProducerVersion: "1.0.0",
		ModelVersion:    1,
		DocString:       checkpoint.Metadata.Description,
		Opset:           onnxOpset,
		Graph:           graph,
	}

	return oe.model.Marshal(), nil
}

// buildONNXGraph creates the ONNX computation graph from the model spec
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) (*GraphProto, error) {
	spec := checkpoint.ModelSpec
	graph := &GraphProto{
		Name: "imgtrain-classifier",
	}

	weightMap := make(map[string]WeightTensor)
	for _, w := range checkpoint.Weights {
		weightMap[w.Name] = w
	}

	inputDims := append([]int64{-1}, toInt64s(spec.InputShape)...)
	graph.Inputs = append(graph.Inputs, &ValueInfoProto{Name: ONNXInput, ElemType: TensorFloat, Dims: inputDims})

	last := len(spec.Layers) - 1
	softmaxHead := spec.Layers[last].Type == layers.Softmax

	current := ONNXInput
	for i, layer := range spec.Layers {
		output := layer.Name + "_out"
		switch {
		case softmaxHead && i == last-1:
			output = ONNXLogits
		case i == last:
			output = ONNXOutput
		}

		nodes, inits, err := oe.createNodes(layer, weightMap, current, output)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", layer.Name, err)
		}
		graph.Nodes = append(graph.Nodes, nodes...)
		graph.Initializers = append(graph.Initializers, inits...)
		current = output
	}

	outDims := append([]int64{-1}, toInt64s(spec.OutputShape)...)
	if softmaxHead {
		graph.Outputs = append(graph.Outputs, &ValueInfoProto{Name: ONNXLogits, ElemType: TensorFloat, Dims: outDims})
	}
	graph.Outputs = append(graph.Outputs, &ValueInfoProto{Name: ONNXOutput, ElemType: TensorFloat, Dims: outDims})

	return graph, nil
}

func (oe *ONNXExporter) createNodes(layer layers.LayerSpec, weightMap map[string]WeightTensor, input, output string) ([]*NodeProto, []*TensorProto, error) {
	switch layer.Type {
	case layers.Reshape:
		shapeName := layer.Name + ".shape"
		shape := append([]int64{-1}, toInt64s(layer.OutputShape)...)
		return []*NodeProto{{
			Name:    layer.Name,
			OpType:  "Reshape",
			Inputs:  []string{input, shapeName},
			Outputs: []string{output},
		}}, []*TensorProto{int64Tensor(shapeName, shape)}, nil

	case layers.Rescaling:
		scale := layers.GetFloatParam(layer.Parameters, "scale", 1)
		offset := layers.GetFloatParam(layer.Parameters, "offset", 0)
		scaleName := layer.Name + ".scale"
		if offset == 0 {
			return []*NodeProto{{
				Name:    layer.Name,
				OpType:  "Mul",
				Inputs:  []string{input, scaleName},
				Outputs: []string{output},
			}}, []*TensorProto{floatTensor(scaleName, nil, []float32{float32(scale)})}, nil
		}
		offsetName := layer.Name + ".offset"
		scaled := layer.Name + "_scaled"
		return []*NodeProto{
				{Name: layer.Name + "_mul", OpType: "Mul", Inputs: []string{input, scaleName}, Outputs: []string{scaled}},
				{Name: layer.Name + "_add", OpType: "Add", Inputs: []string{scaled, offsetName}, Outputs: []string{output}},
			}, []*TensorProto{
				floatTensor(scaleName, nil, []float32{float32(scale)}),
				floatTensor(offsetName, nil, []float32{float32(offset)}),
			}, nil

	case layers.Conv2D, layers.DepthwiseConv2D:
		return oe.createConvNode(layer, weightMap, input, output)

	case layers.MaxPool2D:
		pool := int64(layers.GetIntParam(layer.Parameters, "pool_size", 2))
		stride := int64(layers.GetIntParam(layer.Parameters, "stride", int(pool)))
		return []*NodeProto{{
			Name:    layer.Name,
			OpType:  "MaxPool",
			Inputs:  []string{input},
			Outputs: []string{output},
			Attributes: []*AttributeProto{
				intsAttr("kernel_shape", pool, pool),
				intsAttr("strides", stride, stride),
			},
		}}, nil, nil

	case layers.ReLU:
		return []*NodeProto{{Name: layer.Name, OpType: "Relu", Inputs: []string{input}, Outputs: []string{output}}}, nil, nil

	case layers.Flatten:
		return []*NodeProto{{
			Name:       layer.Name,
			OpType:     "Flatten",
			Inputs:     []string{input},
			Outputs:    []string{output},
			Attributes: []*AttributeProto{{Name: "axis", Type: attrInt, I: 1}},
		}}, nil, nil

	case layers.Dense:
		return oe.createDenseNode(layer, weightMap, input, output)

	case layers.Softmax:
		return []*NodeProto{{
			Name:       layer.Name,
			OpType:     "Softmax",
			Inputs:     []string{input},
			Outputs:    []string{output},
			Attributes: []*AttributeProto{{Name: "axis", Type: attrInt, I: 1}},
		}}, nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported layer type for ONNX export: %s", layer.Type.String())
	}
}

func (oe *ONNXExporter) createConvNode(layer layers.LayerSpec, weightMap map[string]WeightTensor, input, output string) ([]*NodeProto, []*TensorProto, error) {
	kernel := layers.GetIntParam(layer.Parameters, "kernel_size", 3)
	stride := layers.GetIntParam(layer.Parameters, "stride", 1)
	padding := layers.GetStringParam(layer.Parameters, "padding", layers.PaddingValid)

	group := int64(1)
	if layer.Type == layers.DepthwiseConv2D {
		group = int64(layer.InputShape[0])
	}

	var pads [4]int64
	if padding == layers.PaddingSame {
		h, w := layer.InputShape[1], layer.InputShape[2]
		top := layers.SamePadding(h, kernel, stride)
		left := layers.SamePadding(w, kernel, stride)
		pads = [4]int64{
			int64(top), int64(left),
			int64((layer.OutputShape[1]-1)*stride + kernel - h - top),
			int64((layer.OutputShape[2]-1)*stride + kernel - w - left),
		}
		for i := range pads {
			if pads[i] < 0 {
				pads[i] = 0
			}
		}
	}

	node := &NodeProto{
		Name:    layer.Name,
		OpType:  "Conv",
		Inputs:  []string{input},
		Outputs: []string{output},
		Attributes: []*AttributeProto{
			intsAttr("kernel_shape", int64(kernel), int64(kernel)),
			intsAttr("strides", int64(stride), int64(stride)),
			intsAttr("pads", pads[:]...),
			{Name: "group", Type: attrInt, I: group},
		},
	}

	var inits []*TensorProto
	for _, suffix := range []string{".weight", ".bias"} {
		w, ok := weightMap[layer.Name+suffix]
		if !ok {
			if suffix == ".weight" {
				return nil, nil, fmt.Errorf("missing weight %s", layer.Name+suffix)
			}
			continue
		}
		node.Inputs = append(node.Inputs, w.Name)
		inits = append(inits, floatTensor(w.Name, w.Shape, w.Data))
	}

	return []*NodeProto{node}, inits, nil
}

func (oe *ONNXExporter) createDenseNode(layer layers.LayerSpec, weightMap map[string]WeightTensor, input, output string) ([]*NodeProto, []*TensorProto, error) {
	// Weights are stored [out, in], so B is transposed by Gemm.
	node := &NodeProto{
		Name:       layer.Name,
		OpType:     "Gemm",
		Inputs:     []string{input},
		Outputs:    []string{output},
		Attributes: []*AttributeProto{{Name: "transB", Type: attrInt, I: 1}},
	}

	var inits []*TensorProto
	for _, suffix := range []string{".weight", ".bias"} {
		w, ok := weightMap[layer.Name+suffix]
		if !ok {
			if suffix == ".weight" {
				return nil, nil, fmt.Errorf("missing weight %s", layer.Name+suffix)
			}
			continue
		}
		node.Inputs = append(node.Inputs, w.Name)
		inits = append(inits, floatTensor(w.Name, w.Shape, w.Data))
	}

	return []*NodeProto{node}, inits, nil
}

func intsAttr(name string, values ...int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: attrInts, Ints: values}
}

func floatTensor(name string, shape []int, data []float32) *TensorProto {
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return &TensorProto{Name: name, Dims: toInt64s(shape), DataType: TensorFloat, RawData: raw}
}

func int64Tensor(name string, data []int64) *TensorProto {
	raw := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
	}
	return &TensorProto{Name: name, Dims: []int64{int64(len(data))}, DataType: TensorInt64, RawData: raw}
}

func toInt64s(shape []int) []int64 {
	out := make([]int64, len(shape))
	for i, d := range shape {
		out[i] = int64(d)
	}
	return out
}
