package onnx

import (
	"errors"
	"fmt"
	"os"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// ErrMalformed is returned for input that is not a valid ONNX protobuf.
var ErrMalformed = errors.New("malformed ONNX protobuf")

// ReadFile reads and decodes an ONNX model file.
func ReadFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	m := &ModelProto{}
	if err := m.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ONNX protobuf: %w", err)
	}
	return m, nil
}

// Unmarshal decodes a model from protobuf wire format. Unknown fields are
// skipped and repeated scalars may be packed or not.
func (m *ModelProto) Unmarshal(b []byte) error {
	msg := dynamicpb.NewMessage(modelDesc)
	if err := proto.Unmarshal(b, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	*m = ModelProto{
		IrVersion:       getInt(msg, "ir_version"),
		ProducerName:    getString(msg, "producer_name"),
		ProducerVersion: getString(msg, "producer_version"),
		Domain:          getString(msg, "domain"),
		ModelVersion:    getInt(msg, "model_version"),
		DocString:       getString(msg, "doc_string"),
	}
	if g, ok := getMessage(msg, "graph"); ok {
		m.Graph = readGraph(g)
	}
	eachMessage(msg, "opset_import", func(op protoreflect.Message) {
		m.OpsetImport = append(m.OpsetImport, &OperatorSetIdProto{
			Domain:  getString(op, "domain"),
			Version: getInt(op, "version"),
		})
	})
	eachMessage(msg, "metadata_props", func(kv protoreflect.Message) {
		m.MetadataProps = append(m.MetadataProps, &StringStringEntryProto{
			Key:   getString(kv, "key"),
			Value: getString(kv, "value"),
		})
	})
	return nil
}

func getString(m protoreflect.Message, name protoreflect.Name) string {
	return m.Get(fieldOf(m, name)).String()
}

func getInt(m protoreflect.Message, name protoreflect.Name) int64 {
	return m.Get(fieldOf(m, name)).Int()
}

func getBytes(m protoreflect.Message, name protoreflect.Name) []byte {
	fd := fieldOf(m, name)
	if !m.Has(fd) {
		return nil
	}
	return append([]byte(nil), m.Get(fd).Bytes()...)
}

func getMessage(m protoreflect.Message, name protoreflect.Name) (protoreflect.Message, bool) {
	fd := fieldOf(m, name)
	if !m.Has(fd) {
		return nil, false
	}
	return m.Get(fd).Message(), true
}

func eachMessage(m protoreflect.Message, name protoreflect.Name, fn func(protoreflect.Message)) {
	list := m.Get(fieldOf(m, name)).List()
	for i := 0; i < list.Len(); i++ {
		fn(list.Get(i).Message())
	}
}

func getList[T any](m protoreflect.Message, name protoreflect.Name, value func(protoreflect.Value) T) []T {
	list := m.Get(fieldOf(m, name)).List()
	if list.Len() == 0 {
		return nil
	}
	out := make([]T, list.Len())
	for i := range out {
		out[i] = value(list.Get(i))
	}
	return out
}

func asString(v protoreflect.Value) string   { return v.String() }
func asInt64(v protoreflect.Value) int64     { return v.Int() }
func asInt32(v protoreflect.Value) int32     { return int32(v.Int()) }
func asFloat32(v protoreflect.Value) float32 { return float32(v.Float()) }
func asBytes(v protoreflect.Value) []byte    { return append([]byte(nil), v.Bytes()...) }

func readGraph(msg protoreflect.Message) *GraphProto {
	g := &GraphProto{
		Name:      getString(msg, "name"),
		DocString: getString(msg, "doc_string"),
	}
	eachMessage(msg, "node", func(n protoreflect.Message) {
		g.Node = append(g.Node, readNode(n))
	})
	eachMessage(msg, "initializer", func(t protoreflect.Message) {
		g.Initializer = append(g.Initializer, readTensor(t))
	})
	eachMessage(msg, "input", func(v protoreflect.Message) {
		g.Input = append(g.Input, readValueInfo(v))
	})
	eachMessage(msg, "output", func(v protoreflect.Message) {
		g.Output = append(g.Output, readValueInfo(v))
	})
	eachMessage(msg, "value_info", func(v protoreflect.Message) {
		g.ValueInfo = append(g.ValueInfo, readValueInfo(v))
	})
	return g
}

func readNode(msg protoreflect.Message) *NodeProto {
	n := &NodeProto{
		Input:     getList(msg, "input", asString),
		Output:    getList(msg, "output", asString),
		Name:      getString(msg, "name"),
		OpType:    getString(msg, "op_type"),
		Domain:    getString(msg, "domain"),
		DocString: getString(msg, "doc_string"),
	}
	eachMessage(msg, "attribute", func(a protoreflect.Message) {
		n.Attribute = append(n.Attribute, readAttribute(a))
	})
	return n
}

func readAttribute(msg protoreflect.Message) *AttributeProto {
	a := &AttributeProto{
		Name:    getString(msg, "name"),
		Type:    AttributeProto_AttributeType(getInt(msg, "type")),
		F:       float32(msg.Get(fieldOf(msg, "f")).Float()),
		I:       getInt(msg, "i"),
		S:       getBytes(msg, "s"),
		Floats:  getList(msg, "floats", asFloat32),
		Ints:    getList(msg, "ints", asInt64),
		Strings: getList(msg, "strings", asBytes),
	}
	if t, ok := getMessage(msg, "t"); ok {
		a.T = readTensor(t)
	}
	return a
}

func readTensor(msg protoreflect.Message) *TensorProto {
	return &TensorProto{
		Dims:      getList(msg, "dims", asInt64),
		DataType:  int32(getInt(msg, "data_type")),
		FloatData: getList(msg, "float_data", asFloat32),
		Int32Data: getList(msg, "int32_data", asInt32),
		Int64Data: getList(msg, "int64_data", asInt64),
		Name:      getString(msg, "name"),
		RawData:   getBytes(msg, "raw_data"),
		DocString: getString(msg, "doc_string"),
	}
}

func readValueInfo(msg protoreflect.Message) *ValueInfoProto {
	v := &ValueInfoProto{
		Name:      getString(msg, "name"),
		DocString: getString(msg, "doc_string"),
	}
	typ, ok := getMessage(msg, "type")
	if !ok {
		return v
	}
	v.Type = &TypeProto{}
	tt, ok := getMessage(typ, "tensor_type")
	if !ok {
		return v
	}
	v.Type.TensorType = &TypeProto_Tensor{ElemType: int32(getInt(tt, "elem_type"))}
	if shape, ok := getMessage(tt, "shape"); ok {
		s := &TensorShapeProto{}
		eachMessage(shape, "dim", func(d protoreflect.Message) {
			s.Dim = append(s.Dim, &TensorShapeProto_Dimension{
				DimValue: getInt(d, "dim_value"),
				DimParam: getString(d, "dim_param"),
			})
		})
		v.Type.TensorType.Shape = s
	}
	return v
}
