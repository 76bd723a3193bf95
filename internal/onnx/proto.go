// Package onnx holds the ONNX messages written by the exporter. They are
// encoded through a dynamic protobuf message built from the onnx.proto
// descriptor in schema.go.
package onnx

// TensorProto_DataType enumerates ONNX element types.
type TensorProto_DataType int32

// Element types.
const (
	TensorProto_UNDEFINED TensorProto_DataType = 0
	TensorProto_FLOAT     TensorProto_DataType = 1
	TensorProto_UINT8     TensorProto_DataType = 2
	TensorProto_INT8      TensorProto_DataType = 3
	TensorProto_INT32     TensorProto_DataType = 6
	TensorProto_INT64     TensorProto_DataType = 7
	TensorProto_BOOL      TensorProto_DataType = 9
	TensorProto_FLOAT16   TensorProto_DataType = 10
	TensorProto_DOUBLE    TensorProto_DataType = 11
	TensorProto_BFLOAT16  TensorProto_DataType = 16
)

var dataTypeNames = map[TensorProto_DataType]string{
	TensorProto_UNDEFINED: "UNDEFINED",
	TensorProto_FLOAT:     "FLOAT",
	TensorProto_UINT8:     "UINT8",
	TensorProto_INT8:      "INT8",
	TensorProto_INT32:     "INT32",
	TensorProto_INT64:     "INT64",
	TensorProto_BOOL:      "BOOL",
	TensorProto_FLOAT16:   "FLOAT16",
	TensorProto_DOUBLE:    "DOUBLE",
	TensorProto_BFLOAT16:  "BFLOAT16",
}

func (d TensorProto_DataType) String() string {
	if name, ok := dataTypeNames[d]; ok {
		return name
	}
	return "UNKNOWN"
}

// AttributeProto_AttributeType enumerates attribute value kinds.
type AttributeProto_AttributeType int32

// Attribute kinds.
const (
	AttributeProto_UNDEFINED AttributeProto_AttributeType = 0
	AttributeProto_FLOAT     AttributeProto_AttributeType = 1
	AttributeProto_INT       AttributeProto_AttributeType = 2
	AttributeProto_STRING    AttributeProto_AttributeType = 3
	AttributeProto_TENSOR    AttributeProto_AttributeType = 4
	AttributeProto_FLOATS    AttributeProto_AttributeType = 6
	AttributeProto_INTS      AttributeProto_AttributeType = 7
	AttributeProto_STRINGS   AttributeProto_AttributeType = 8
)

// ModelProto is the top-level ONNX container.
type ModelProto struct {
	IrVersion       int64
	OpsetImport     []*OperatorSetIdProto
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	MetadataProps   []*StringStringEntryProto
}

// OperatorSetIdProto names an operator set and its version.
type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

// StringStringEntryProto is a metadata key/value pair.
type StringStringEntryProto struct {
	Key   string
	Value string
}

// GraphProto is a computation graph.
type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
	ValueInfo   []*ValueInfoProto
}

// NodeProto is one operator invocation.
type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Domain    string
	Attribute []*AttributeProto
	DocString string
}

// AttributeProto is a named operator attribute.
type AttributeProto struct {
	Name    string
	Type    AttributeProto_AttributeType
	F       float32
	I       int64
	S       []byte
	T       *TensorProto
	Floats  []float32
	Ints    []int64
	Strings [][]byte
}

// TensorProto is a constant tensor. The exporter always fills RawData.
type TensorProto struct {
	Dims      []int64
	DataType  int32
	FloatData []float32
	Int32Data []int32
	Int64Data []int64
	Name      string
	RawData   []byte
	DocString string
}

// ValueInfoProto describes a graph input, output or intermediate value.
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
}

// TypeProto carries the tensor type of a value.
type TypeProto struct {
	TensorType *TypeProto_Tensor
}

// TypeProto_Tensor is an element type plus shape.
type TypeProto_Tensor struct {
	ElemType int32
	Shape    *TensorShapeProto
}

// TensorShapeProto lists dimensions.
type TensorShapeProto struct {
	Dim []*TensorShapeProto_Dimension
}

// TensorShapeProto_Dimension is either a fixed size or a symbolic name.
type TensorShapeProto_Dimension struct {
	DimValue int64
	DimParam string
}

// GetOpsetVersion returns the default-domain opset version, or 0.
func (m *ModelProto) GetOpsetVersion() int64 {
	if m == nil {
		return 0
	}
	for _, op := range m.OpsetImport {
		if op.Domain == "" || op.Domain == "ai.onnx" {
			return op.Version
		}
	}
	return 0
}

// GetGraph returns the graph or nil.
func (m *ModelProto) GetGraph() *GraphProto {
	if m == nil {
		return nil
	}
	return m.Graph
}

// Shape returns the fixed dimensions of a tensor value; symbolic dims are -1.
func (v *ValueInfoProto) Shape() []int64 {
	if v == nil || v.Type == nil || v.Type.TensorType == nil || v.Type.TensorType.Shape == nil {
		return nil
	}
	dims := v.Type.TensorType.Shape.Dim
	shape := make([]int64, len(dims))
	for i, d := range dims {
		if d.DimParam != "" {
			shape[i] = -1
			continue
		}
		shape[i] = d.DimValue
	}
	return shape
}

// NewTensorValueInfo builds a ValueInfoProto for a fixed-shape tensor.
func NewTensorValueInfo(name string, elemType TensorProto_DataType, shape []int64) *ValueInfoProto {
	dims := make([]*TensorShapeProto_Dimension, len(shape))
	for i, d := range shape {
		dims[i] = &TensorShapeProto_Dimension{DimValue: d}
	}
	return &ValueInfoProto{
		Name: name,
		Type: &TypeProto{
			TensorType: &TypeProto_Tensor{
				ElemType: int32(elemType),
				Shape:    &TensorShapeProto{Dim: dims},
			},
		},
	}
}

// Attribute helpers.

func AttrInt(name string, v int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeProto_INT, I: v}
}

func AttrFloat(name string, v float32) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeProto_FLOAT, F: v}
}

func AttrInts(name string, v []int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeProto_INTS, Ints: v}
}

func AttrString(name, v string) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeProto_STRING, S: []byte(v)}
}

// FindAttribute returns the attribute with the given name, or nil.
func (n *NodeProto) FindAttribute(name string) *AttributeProto {
	for _, a := range n.Attribute {
		if a.Name == name {
			return a
		}
	}
	return nil
}
