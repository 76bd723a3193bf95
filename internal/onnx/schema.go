package onnx

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// The subset of onnx.proto (IR version 6) this package reads and writes.
// Enum-typed fields are declared as int32, which has the same encoding.
var schema = buildSchema()

var modelDesc = schema.Messages().ByName("ModelProto")

type fieldType = descriptorpb.FieldDescriptorProto_Type

const (
	tInt64   = descriptorpb.FieldDescriptorProto_TYPE_INT64
	tInt32   = descriptorpb.FieldDescriptorProto_TYPE_INT32
	tFloat   = descriptorpb.FieldDescriptorProto_TYPE_FLOAT
	tString  = descriptorpb.FieldDescriptorProto_TYPE_STRING
	tBytes   = descriptorpb.FieldDescriptorProto_TYPE_BYTES
	tMessage = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
)

func optional(name string, num int32, typ fieldType) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func repeated(name string, num int32, typ fieldType) *descriptorpb.FieldDescriptorProto {
	f := optional(name, num, typ)
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

func packed(name string, num int32, typ fieldType) *descriptorpb.FieldDescriptorProto {
	f := repeated(name, num, typ)
	f.Options = &descriptorpb.FieldOptions{Packed: proto.Bool(true)}
	return f
}

func message(name string, num int32, typeName string) *descriptorpb.FieldDescriptorProto {
	f := optional(name, num, tMessage)
	f.TypeName = proto.String(".onnx." + typeName)
	return f
}

func messages(name string, num int32, typeName string) *descriptorpb.FieldDescriptorProto {
	f := message(name, num, typeName)
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

func msg(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func buildSchema() protoreflect.FileDescriptor {
	typeProto := msg("TypeProto", message("tensor_type", 1, "TypeProto.Tensor"))
	typeProto.NestedType = []*descriptorpb.DescriptorProto{
		msg("Tensor",
			optional("elem_type", 1, tInt32),
			message("shape", 2, "TensorShapeProto"),
		),
	}
	shapeProto := msg("TensorShapeProto", messages("dim", 1, "TensorShapeProto.Dimension"))
	shapeProto.NestedType = []*descriptorpb.DescriptorProto{
		msg("Dimension",
			optional("dim_value", 1, tInt64),
			optional("dim_param", 2, tString),
		),
	}

	fd := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("onnx/onnx.proto"),
		Package: proto.String("onnx"),
		Syntax:  proto.String("proto2"),
		MessageType: []*descriptorpb.DescriptorProto{
			msg("ModelProto",
				optional("ir_version", 1, tInt64),
				optional("producer_name", 2, tString),
				optional("producer_version", 3, tString),
				optional("domain", 4, tString),
				optional("model_version", 5, tInt64),
				optional("doc_string", 6, tString),
				message("graph", 7, "GraphProto"),
				messages("opset_import", 8, "OperatorSetIdProto"),
				messages("metadata_props", 14, "StringStringEntryProto"),
			),
			msg("OperatorSetIdProto",
				optional("domain", 1, tString),
				optional("version", 2, tInt64),
			),
			msg("StringStringEntryProto",
				optional("key", 1, tString),
				optional("value", 2, tString),
			),
			msg("GraphProto",
				messages("node", 1, "NodeProto"),
				optional("name", 2, tString),
				messages("initializer", 5, "TensorProto"),
				optional("doc_string", 10, tString),
				messages("input", 11, "ValueInfoProto"),
				messages("output", 12, "ValueInfoProto"),
				messages("value_info", 13, "ValueInfoProto"),
			),
			msg("NodeProto",
				repeated("input", 1, tString),
				repeated("output", 2, tString),
				optional("name", 3, tString),
				optional("op_type", 4, tString),
				messages("attribute", 5, "AttributeProto"),
				optional("doc_string", 6, tString),
				optional("domain", 7, tString),
			),
			msg("AttributeProto",
				optional("name", 1, tString),
				optional("f", 2, tFloat),
				optional("i", 3, tInt64),
				optional("s", 4, tBytes),
				message("t", 5, "TensorProto"),
				repeated("floats", 7, tFloat),
				repeated("ints", 8, tInt64),
				repeated("strings", 9, tBytes),
				optional("type", 20, tInt32),
			),
			msg("TensorProto",
				repeated("dims", 1, tInt64),
				optional("data_type", 2, tInt32),
				packed("float_data", 4, tFloat),
				packed("int32_data", 5, tInt32),
				packed("int64_data", 7, tInt64),
				optional("name", 8, tString),
				optional("raw_data", 9, tBytes),
				optional("doc_string", 12, tString),
			),
			msg("ValueInfoProto",
				optional("name", 1, tString),
				message("type", 2, "TypeProto"),
				optional("doc_string", 3, tString),
			),
			typeProto,
			shapeProto,
		},
	}
	file, err := protodesc.NewFile(fd, nil)
	if err != nil {
		panic(fmt.Sprintf("onnx: invalid schema: %v", err))
	}
	return file
}
