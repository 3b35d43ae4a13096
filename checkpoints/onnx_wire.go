package checkpoints

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto.
const (
	modelIRVersion       = 1
	modelProducerName    = 2
	modelProducerVersion = 3
	modelModelVersion    = 5
	modelDocString       = 6
	modelGraph           = 7
	modelOpsetImport     = 8

	opsetVersion = 2

	graphNode        = 1
	graphName        = 2
	graphInitializer = 5
	graphInput       = 11
	graphOutput      = 12

	nodeInput     = 1
	nodeOutput    = 2
	nodeName      = 3
	nodeOpType    = 4
	nodeAttribute = 5

	attributeName = 1
	attributeF    = 2
	attributeI    = 3
	attributeInts = 8
	attributeType = 20

	tensorDims     = 1
	tensorDataType = 2
	tensorName     = 8
	tensorRawData  = 9

	valueInfoName = 1
	valueInfoType = 2

	typeTensorType = 1
	tensorElemType = 1
	tensorShape    = 2
	shapeDim       = 1
	dimValue       = 1
	dimParam       = 2
)

// Marshal encodes the model in the protobuf wire format.
func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = appendVarint(b, modelIRVersion, uint64(m.IRVersion))
	b = appendString(b, modelProducerName, m.ProducerName)
	b = appendString(b, modelProducerVersion, m.ProducerVersion)
	b = appendVarint(b, modelModelVersion, uint64(m.ModelVersion))
	if m.DocString != "" {
		b = appendString(b, modelDocString, m.DocString)
	}
	if m.Graph != nil {
		b = appendMessage(b, modelGraph, m.Graph.marshal())
	}
	// Default domain ("ai.onnx") is the empty string and left unset.
	b = appendMessage(b, modelOpsetImport, appendVarint(nil, opsetVersion, uint64(m.Opset)))
	return b
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	for _, n := range g.Nodes {
		b = appendMessage(b, graphNode, n.marshal())
	}
	b = appendString(b, graphName, g.Name)
	for _, t := range g.Initializers {
		b = appendMessage(b, graphInitializer, t.marshal())
	}
	for _, v := range g.Inputs {
		b = appendMessage(b, graphInput, v.marshal())
	}
	for _, v := range g.Outputs {
		b = appendMessage(b, graphOutput, v.marshal())
	}
	return b
}

func (n *NodeProto) marshal() []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = appendString(b, nodeInput, in)
	}
	for _, out := range n.Outputs {
		b = appendString(b, nodeOutput, out)
	}
	b = appendString(b, nodeName, n.Name)
	b = appendString(b, nodeOpType, n.OpType)
	for _, a := range n.Attributes {
		b = appendMessage(b, nodeAttribute, a.marshal())
	}
	return b
}

func (a *AttributeProto) marshal() []byte {
	var b []byte
	b = appendString(b, attributeName, a.Name)
	switch a.Type {
	case attrFloat:
		b = protowire.AppendTag(b, attributeF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case attrInt:
		b = appendVarint(b, attributeI, uint64(a.I))
	case attrInts:
		for _, v := range a.Ints {
			b = appendVarint(b, attributeInts, uint64(v))
		}
	}
	b = appendVarint(b, attributeType, uint64(a.Type))
	return b
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = appendVarint(b, tensorDims, uint64(d))
	}
	b = appendVarint(b, tensorDataType, uint64(t.DataType))
	b = appendString(b, tensorName, t.Name)
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, t.RawData)
	return b
}

func (v *ValueInfoProto) marshal() []byte {
	var shape []byte
	for _, d := range v.Dims {
		var dim []byte
		if d < 0 {
			dim = appendString(dim, dimParam, "N")
		} else {
			dim = appendVarint(dim, dimValue, uint64(d))
		}
		shape = appendMessage(shape, shapeDim, dim)
	}

	var tensorType []byte
	tensorType = appendVarint(tensorType, tensorElemType, uint64(v.ElemType))
	tensorType = appendMessage(tensorType, tensorShape, shape)

	var b []byte
	b = appendString(b, valueInfoName, v.Name)
	b = appendMessage(b, valueInfoType, appendMessage(nil, typeTensorType, tensorType))
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// ReadONNX reads and decodes an ONNX file written by ExportONNX.
func ReadONNX(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	return UnmarshalONNX(data)
}

// UnmarshalONNX decodes the fields of an ONNX model that ModelProto holds.
// Unknown fields are skipped.
func UnmarshalONNX(data []byte) (*ModelProto, error) {
	m := &ModelProto{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case modelIRVersion:
			m.IRVersion = int64(v)
		case modelProducerName:
			m.ProducerName = string(raw)
		case modelProducerVersion:
			m.ProducerVersion = string(raw)
		case modelModelVersion:
			m.ModelVersion = int64(v)
		case modelDocString:
			m.DocString = string(raw)
		case modelGraph:
			g, err := unmarshalGraph(raw)
			if err != nil {
				return err
			}
			m.Graph = g
		case modelOpsetImport:
			return walk(raw, func(num protowire.Number, _ protowire.Type, v uint64, _ []byte) error {
				if num == opsetVersion {
					m.Opset = int64(v)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode ONNX model: %w", err)
	}
	return m, nil
}

func unmarshalGraph(data []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := walk(data, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
		switch num {
		case graphNode:
			n, err := unmarshalNode(raw)
			if err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, n)
		case graphName:
			g.Name = string(raw)
		case graphInitializer:
			t, err := unmarshalTensor(raw)
			if err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, t)
		case graphInput, graphOutput:
			v, err := unmarshalValueInfo(raw)
			if err != nil {
				return err
			}
			if num == graphInput {
				g.Inputs = append(g.Inputs, v)
			} else {
				g.Outputs = append(g.Outputs, v)
			}
		}
		return nil
	})
	return g, err
}

func unmarshalNode(data []byte) (*NodeProto, error) {
	n := &NodeProto{}
	err := walk(data, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
		switch num {
		case nodeInput:
			n.Inputs = append(n.Inputs, string(raw))
		case nodeOutput:
			n.Outputs = append(n.Outputs, string(raw))
		case nodeName:
			n.Name = string(raw)
		case nodeOpType:
			n.OpType = string(raw)
		case nodeAttribute:
			a, err := unmarshalAttribute(raw)
			if err != nil {
				return err
			}
			n.Attributes = append(n.Attributes, a)
		}
		return nil
	})
	return n, err
}

func unmarshalAttribute(data []byte) (*AttributeProto, error) {
	a := &AttributeProto{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case attributeName:
			a.Name = string(raw)
		case attributeF:
			a.F = math.Float32frombits(uint32(v))
		case attributeI:
			a.I = int64(v)
		case attributeInts:
			vals, err := repeatedInt64(typ, v, raw)
			if err != nil {
				return err
			}
			a.Ints = append(a.Ints, vals...)
		case attributeType:
			a.Type = int64(v)
		}
		return nil
	})
	return a, err
}

func unmarshalTensor(data []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case tensorDims:
			vals, err := repeatedInt64(typ, v, raw)
			if err != nil {
				return err
			}
			t.Dims = append(t.Dims, vals...)
		case tensorDataType:
			t.DataType = int64(v)
		case tensorName:
			t.Name = string(raw)
		case tensorRawData:
			t.RawData = append([]byte(nil), raw...)
		}
		return nil
	})
	return t, err
}

func unmarshalValueInfo(data []byte) (*ValueInfoProto, error) {
	vi := &ValueInfoProto{}
	err := walk(data, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
		switch num {
		case valueInfoName:
			vi.Name = string(raw)
		case valueInfoType:
			return walk(raw, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
				if num != typeTensorType {
					return nil
				}
				return walk(raw, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
					switch num {
					case tensorElemType:
						vi.ElemType = int64(v)
					case tensorShape:
						return walk(raw, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
							if num != shapeDim {
								return nil
							}
							d := int64(-1)
							err := walk(raw, func(num protowire.Number, _ protowire.Type, v uint64, _ []byte) error {
								if num == dimValue {
									d = int64(v)
								}
								return nil
							})
							vi.Dims = append(vi.Dims, d)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	return vi, err
}

// walk calls fn for every field of a message. Varint and fixed fields are
// passed in v, length-delimited fields in raw.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var v uint64
		var raw []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var f uint32
			f, n = protowire.ConsumeFixed32(data)
			v = uint64(f)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}

// repeatedInt64 accepts both the unpacked and the packed encoding.
func repeatedInt64(typ protowire.Type, v uint64, raw []byte) ([]int64, error) {
	if typ == protowire.VarintType {
		return []int64{int64(v)}, nil
	}
	var out []int64
	for len(raw) > 0 {
		x, n := protowire.ConsumeVarint(raw)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int64(x))
		raw = raw[n:]
	}
	return out, nil
}
