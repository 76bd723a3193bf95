package inspector

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerfoo/zmf"
	"google.golang.org/protobuf/proto"

	"github.com/zerfoo/pt2onnx/internal/onnx"
)

func createDummyOnnxModel(t *testing.T, dir, filename string) string {
	t.Helper()
	model := &onnx.ModelProto{
		IrVersion:    4,
		OpsetImport:  []*onnx.OperatorSetIdProto{{Version: 9}},
		ProducerName: "pt2onnx",
		Graph: &onnx.GraphProto{
			Name: "main_graph",
			Node: []*onnx.NodeProto{
				{Name: "node1", OpType: "Add", Input: []string{"input", "input"}, Output: []string{"a"}},
				{Name: "node2", OpType: "Mul", Input: []string{"a", "a"}, Output: []string{"b"}},
				{Name: "node3", OpType: "Add", Input: []string{"b", "a"}, Output: []string{"output"}},
			},
			Input:  []*onnx.ValueInfoProto{onnx.NewTensorValueInfo("input", onnx.TensorProto_FLOAT, []int64{1, 3})},
			Output: []*onnx.ValueInfoProto{onnx.NewTensorValueInfo("output", onnx.TensorProto_FLOAT, []int64{1, 3})},
		},
		MetadataProps: []*onnx.StringStringEntryProto{{Key: "names", Value: "{0: 'person'}"}},
	}
	b, err := model.Marshal()
	require.NoError(t, err)
	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, b, 0o644), "Failed to write dummy ONNX model")
	return path
}

func createDummyZmfModel(t *testing.T, dir, filename string) string {
	t.Helper()
	zmfModel := &zmf.Model{
		Metadata: &zmf.Metadata{
			ProducerName:    "test-producer",
			ProducerVersion: "1.0",
			OpsetVersion:    1,
		},
		Graph: &zmf.Graph{
			Nodes: []*zmf.Node{
				{Name: "zmf_node1", OpType: "Add"},
			},
			Parameters: make(map[string]*zmf.Tensor),
		},
	}
	data, err := proto.Marshal(zmfModel)
	require.NoError(t, err, "Failed to marshal dummy ZMF model")
	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, data, 0o644), "Failed to write dummy ZMF model")
	return path
}

func TestInspectONNX(t *testing.T) {
	onnxFile := createDummyOnnxModel(t, t.TempDir(), "test.onnx")

	var out bytes.Buffer
	require.NoError(t, InspectONNX(&out, onnxFile))

	output := out.String()
	assert.Contains(t, output, "IR version: 4")
	assert.Contains(t, output, "Opset version: 9")
	assert.Contains(t, output, "Producer: pt2onnx")
	assert.Contains(t, output, "Input: input [1 3]")
	assert.Contains(t, output, "Output: output [1 3]")
	assert.Contains(t, output, "Graph has 3 nodes and 0 initializers.")
	assert.Regexp(t, `Add\s+2`, output)
	assert.Regexp(t, `Mul\s+1`, output)
	assert.Contains(t, output, "Metadata: names = {0: 'person'}")
}

func TestInspectONNXMissingFile(t *testing.T) {
	var out bytes.Buffer
	err := InspectONNX(&out, filepath.Join(t.TempDir(), "missing.onnx"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load ONNX model")
}

func TestInspectZMF(t *testing.T) {
	zmfFile := createDummyZmfModel(t, t.TempDir(), "test.zmf")

	var out bytes.Buffer
	require.NoError(t, InspectZMF(&out, zmfFile))

	output := out.String()
	assert.Contains(t, output, "Producer: test-producer 1.0")
	assert.Contains(t, output, "Opset version: 1")
	assert.Contains(t, output, "Graph has 1 nodes.")
	assert.Contains(t, output, "Graph has 0 parameters.")
	assert.Contains(t, output, "- Node: zmf_node1, OpType: Add")
}
