package onnx

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Marshal encodes the model in protobuf wire format. Output is deterministic
// for equal models.
func (m *ModelProto) Marshal() ([]byte, error) {
	msg := dynamicpb.NewMessage(modelDesc)
	m.fill(msg)
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ONNX model: %w", err)
	}
	return b, nil
}

func fieldOf(m protoreflect.Message, name protoreflect.Name) protoreflect.FieldDescriptor {
	fd := m.Descriptor().Fields().ByName(name)
	if fd == nil {
		panic(fmt.Sprintf("onnx: %s has no field %s", m.Descriptor().FullName(), name))
	}
	return fd
}

func setString(m protoreflect.Message, name protoreflect.Name, s string) {
	if s != "" {
		m.Set(fieldOf(m, name), protoreflect.ValueOfString(s))
	}
}

func setInt64(m protoreflect.Message, name protoreflect.Name, v int64) {
	if v != 0 {
		m.Set(fieldOf(m, name), protoreflect.ValueOfInt64(v))
	}
}

func setInt32(m protoreflect.Message, name protoreflect.Name, v int32) {
	if v != 0 {
		m.Set(fieldOf(m, name), protoreflect.ValueOfInt32(v))
	}
}

func setBytes(m protoreflect.Message, name protoreflect.Name, b []byte) {
	if len(b) > 0 {
		m.Set(fieldOf(m, name), protoreflect.ValueOfBytes(b))
	}
}

func mutableMessage(m protoreflect.Message, name protoreflect.Name) protoreflect.Message {
	return m.Mutable(fieldOf(m, name)).Message()
}

func appendMessage(m protoreflect.Message, name protoreflect.Name) protoreflect.Message {
	list := m.Mutable(fieldOf(m, name)).List()
	v := list.NewElement()
	list.Append(v)
	return v.Message()
}

func appendList[T any](m protoreflect.Message, name protoreflect.Name, vals []T, value func(T) protoreflect.Value) {
	if len(vals) == 0 {
		return
	}
	list := m.Mutable(fieldOf(m, name)).List()
	for _, v := range vals {
		list.Append(value(v))
	}
}

func (m *ModelProto) fill(msg protoreflect.Message) {
	setInt64(msg, "ir_version", m.IrVersion)
	setString(msg, "producer_name", m.ProducerName)
	setString(msg, "producer_version", m.ProducerVersion)
	setString(msg, "domain", m.Domain)
	setInt64(msg, "model_version", m.ModelVersion)
	setString(msg, "doc_string", m.DocString)
	if m.Graph != nil {
		m.Graph.fill(mutableMessage(msg, "graph"))
	}
	for _, op := range m.OpsetImport {
		sub := appendMessage(msg, "opset_import")
		setString(sub, "domain", op.Domain)
		// opset 0 stays distinguishable from absent.
		sub.Set(fieldOf(sub, "version"), protoreflect.ValueOfInt64(op.Version))
	}
	for _, kv := range m.MetadataProps {
		sub := appendMessage(msg, "metadata_props")
		setString(sub, "key", kv.Key)
		setString(sub, "value", kv.Value)
	}
}

func (g *GraphProto) fill(msg protoreflect.Message) {
	for _, n := range g.Node {
		n.fill(appendMessage(msg, "node"))
	}
	setString(msg, "name", g.Name)
	for _, t := range g.Initializer {
		t.fill(appendMessage(msg, "initializer"))
	}
	setString(msg, "doc_string", g.DocString)
	for _, v := range g.Input {
		v.fill(appendMessage(msg, "input"))
	}
	for _, v := range g.Output {
		v.fill(appendMessage(msg, "output"))
	}
	for _, v := range g.ValueInfo {
		v.fill(appendMessage(msg, "value_info"))
	}
}

func (n *NodeProto) fill(msg protoreflect.Message) {
	appendList(msg, "input", n.Input, protoreflect.ValueOfString)
	appendList(msg, "output", n.Output, protoreflect.ValueOfString)
	setString(msg, "name", n.Name)
	setString(msg, "op_type", n.OpType)
	for _, a := range n.Attribute {
		a.fill(appendMessage(msg, "attribute"))
	}
	setString(msg, "doc_string", n.DocString)
	setString(msg, "domain", n.Domain)
}

// fill writes only the value field selected by Type; type itself is always
// written.
func (a *AttributeProto) fill(msg protoreflect.Message) {
	setString(msg, "name", a.Name)
	switch a.Type {
	case AttributeProto_FLOAT:
		msg.Set(fieldOf(msg, "f"), protoreflect.ValueOfFloat32(a.F))
	case AttributeProto_INT:
		msg.Set(fieldOf(msg, "i"), protoreflect.ValueOfInt64(a.I))
	case AttributeProto_STRING:
		msg.Set(fieldOf(msg, "s"), protoreflect.ValueOfBytes(a.S))
	case AttributeProto_TENSOR:
		if a.T != nil {
			a.T.fill(mutableMessage(msg, "t"))
		}
	case AttributeProto_FLOATS:
		appendList(msg, "floats", a.Floats, protoreflect.ValueOfFloat32)
	case AttributeProto_INTS:
		appendList(msg, "ints", a.Ints, protoreflect.ValueOfInt64)
	case AttributeProto_STRINGS:
		appendList(msg, "strings", a.Strings, protoreflect.ValueOfBytes)
	}
	msg.Set(fieldOf(msg, "type"), protoreflect.ValueOfInt32(int32(a.Type)))
}

func (t *TensorProto) fill(msg protoreflect.Message) {
	appendList(msg, "dims", t.Dims, protoreflect.ValueOfInt64)
	setInt32(msg, "data_type", t.DataType)
	appendList(msg, "float_data", t.FloatData, protoreflect.ValueOfFloat32)
	appendList(msg, "int32_data", t.Int32Data, protoreflect.ValueOfInt32)
	appendList(msg, "int64_data", t.Int64Data, protoreflect.ValueOfInt64)
	setString(msg, "name", t.Name)
	setBytes(msg, "raw_data", t.RawData)
	setString(msg, "doc_string", t.DocString)
}

func (v *ValueInfoProto) fill(msg protoreflect.Message) {
	setString(msg, "name", v.Name)
	if v.Type != nil && v.Type.TensorType != nil {
		tt := mutableMessage(mutableMessage(msg, "type"), "tensor_type")
		setInt32(tt, "elem_type", v.Type.TensorType.ElemType)
		if s := v.Type.TensorType.Shape; s != nil {
			shape := mutableMessage(tt, "shape")
			for _, d := range s.Dim {
				dim := appendMessage(shape, "dim")
				if d.DimParam != "" {
					setString(dim, "dim_param", d.DimParam)
					continue
				}
				dim.Set(fieldOf(dim, "dim_value"), protoreflect.ValueOfInt64(d.DimValue))
			}
		}
	}
	setString(msg, "doc_string", v.DocString)
}
