package converter

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/zerfoo/zmf"
	"google.golang.org/protobuf/proto"

	"github.com/zerfoo/pt2onnx/internal/onnx"
)

// ONNXToZMF converts an exported ONNX model to the ZMF format. Float
// initializers become graph parameters; integer constants feeding a node are
// promoted to attributes of that node.
func ONNXToZMF(model *onnx.ModelProto) (*zmf.Model, error) {
	g := model.GetGraph()
	if g == nil {
		return nil, fmt.Errorf("model graph is nil")
	}

	initializers := make(map[string]*onnx.TensorProto, len(g.Initializer))
	for _, t := range g.Initializer {
		initializers[t.Name] = t
	}

	zm := &zmf.Model{
		Graph: &zmf.Graph{
			Nodes:      make([]*zmf.Node, 0, len(g.Node)),
			Parameters: make(map[string]*zmf.Tensor),
			Inputs:     convertValueInfos(g.Input),
			Outputs:    convertValueInfos(g.Output),
		},
		Metadata: &zmf.Metadata{
			ProducerName:    model.ProducerName,
			ProducerVersion: model.ProducerVersion,
			OpsetVersion:    model.GetOpsetVersion(),
		},
	}

	for _, n := range g.Node {
		zn, err := convertNode(n, initializers)
		if err != nil {
			return nil, fmt.Errorf("failed to convert node '%s': %w", n.Name, err)
		}
		zm.Graph.Nodes = append(zm.Graph.Nodes, zn)
	}

	for name, t := range initializers {
		switch onnx.TensorProto_DataType(t.DataType) {
		case onnx.TensorProto_FLOAT, onnx.TensorProto_FLOAT16, onnx.TensorProto_BFLOAT16, onnx.TensorProto_DOUBLE:
			zt, err := convertTensor(t)
			if err != nil {
				return nil, fmt.Errorf("failed to convert float initializer '%s': %w", name, err)
			}
			zm.Graph.Parameters[name] = zt
		}
	}
	return zm, nil
}

// WriteZMF converts model and writes the serialized result to path.
func WriteZMF(model *onnx.ModelProto, path string) (int, error) {
	zm, err := ONNXToZMF(model)
	if err != nil {
		return 0, err
	}
	b, err := proto.Marshal(zm)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal ZMF model: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write ZMF model: %w", err)
	}
	return len(b), nil
}

func convertNode(n *onnx.NodeProto, initializers map[string]*onnx.TensorProto) (*zmf.Node, error) {
	zn := &zmf.Node{
		Name:       n.Name,
		OpType:     n.OpType,
		Outputs:    n.Output,
		Attributes: make(map[string]*zmf.Attribute),
	}

	for _, a := range n.Attribute {
		if za := convertAttribute(a); za != nil {
			zn.Attributes[a.Name] = za
		}
	}

	processed := make(map[string]bool)

	// Named constant inputs that have a natural attribute name.
	named := map[string]map[int]string{
		"Reshape": {1: "shape"},
		"Resize":  {3: "sizes"},
	}
	for idx, attr := range named[n.OpType] {
		if idx >= len(n.Input) {
			continue
		}
		if init, ok := initializers[n.Input[idx]]; ok {
			if ints, err := getInt64Data(init); err == nil {
				zn.Attributes[attr] = &zmf.Attribute{
					Value: &zmf.Attribute_Ints{Ints: &zmf.Ints{Val: ints}},
				}
				processed[n.Input[idx]] = true
			}
		}
	}

	for _, in := range n.Input {
		if processed[in] {
			continue
		}
		init, ok := initializers[in]
		if !ok {
			zn.Inputs = append(zn.Inputs, in)
			continue
		}
		dt := onnx.TensorProto_DataType(init.DataType)
		if dt != onnx.TensorProto_INT64 && dt != onnx.TensorProto_INT32 {
			zn.Inputs = append(zn.Inputs, in)
			continue
		}
		// other integer constants are keyed by their initializer name
		ints, err := getInt64Data(init)
		if err != nil {
			return nil, fmt.Errorf("failed to get data for constant '%s': %w", in, err)
		}
		zn.Attributes[in] = &zmf.Attribute{
			Value: &zmf.Attribute_Ints{Ints: &zmf.Ints{Val: ints}},
		}
	}
	return zn, nil
}

func convertAttribute(a *onnx.AttributeProto) *zmf.Attribute {
	za := &zmf.Attribute{}
	switch a.Type {
	case onnx.AttributeProto_FLOAT:
		za.Value = &zmf.Attribute_F{F: a.F}
	case onnx.AttributeProto_INT:
		za.Value = &zmf.Attribute_I{I: a.I}
	case onnx.AttributeProto_STRING:
		za.Value = &zmf.Attribute_S{S: string(a.S)}
	case onnx.AttributeProto_FLOATS:
		za.Value = &zmf.Attribute_Floats{Floats: &zmf.Floats{Val: a.Floats}}
	case onnx.AttributeProto_INTS:
		za.Value = &zmf.Attribute_Ints{Ints: &zmf.Ints{Val: a.Ints}}
	case onnx.AttributeProto_STRINGS:
		strs := make([]string, len(a.Strings))
		for i, s := range a.Strings {
			strs[i] = string(s)
		}
		za.Value = &zmf.Attribute_Strings{Strings: &zmf.Strings{Val: strs}}
	default:
		return nil
	}
	return za
}

func convertTensor(t *onnx.TensorProto) (*zmf.Tensor, error) {
	zt := &zmf.Tensor{
		Shape: t.Dims,
		Data:  t.RawData,
	}
	switch onnx.TensorProto_DataType(t.DataType) {
	case onnx.TensorProto_FLOAT:
		zt.Dtype = zmf.Tensor_FLOAT32
	case onnx.TensorProto_FLOAT16:
		zt.Dtype = zmf.Tensor_FLOAT16
	case onnx.TensorProto_BFLOAT16:
		zt.Dtype = zmf.Tensor_BFLOAT16
	case onnx.TensorProto_INT32:
		zt.Dtype = zmf.Tensor_INT32
	case onnx.TensorProto_INT64:
		zt.Dtype = zmf.Tensor_INT64
	case onnx.TensorProto_DOUBLE:
		zt.Dtype = zmf.Tensor_FLOAT64
	default:
		return nil, fmt.Errorf("unsupported tensor data type: %s", onnx.TensorProto_DataType(t.DataType))
	}
	return zt, nil
}

func getInt64Data(p *onnx.TensorProto) ([]int64, error) {
	dt := onnx.TensorProto_DataType(p.DataType)
	if dt != onnx.TensorProto_INT64 && dt != onnx.TensorProto_INT32 {
		return nil, fmt.Errorf("tensor is not of type INT64 or INT32, but %s", dt)
	}
	if p.Int64Data != nil {
		return p.Int64Data, nil
	}
	if p.Int32Data != nil {
		data := make([]int64, len(p.Int32Data))
		for i, v := range p.Int32Data {
			data[i] = int64(v)
		}
		return data, nil
	}
	raw := p.RawData
	if dt == onnx.TensorProto_INT64 {
		if len(raw)%8 != 0 {
			return nil, fmt.Errorf("raw_data length %d is not a multiple of 8 for INT64", len(raw))
		}
		data := make([]int64, len(raw)/8)
		for i := range data {
			data[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		return data, nil
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("raw_data length %d is not a multiple of 4 for INT32", len(raw))
	}
	data := make([]int64, len(raw)/4)
	for i := range data {
		data[i] = int64(int32(binary.LittleEndian.Uint32(raw[i*4:])))
	}
	return data, nil
}

func convertValueInfos(infos []*onnx.ValueInfoProto) []*zmf.ValueInfo {
	out := make([]*zmf.ValueInfo, len(infos))
	for i, info := range infos {
		out[i] = &zmf.ValueInfo{
			Name:  info.Name,
			Shape: info.Shape(),
		}
	}
	return out
}
