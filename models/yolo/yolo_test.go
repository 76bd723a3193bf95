package yolo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/pt2onnx/pkg/nn"
	"github.com/zerfoo/pt2onnx/pkg/registry"
	"github.com/zerfoo/pt2onnx/pkg/trace"
)

func TestRegistered(t *testing.T) {
	class, ok := registry.Model(DetectionModelType)
	require.True(t, ok)
	obj, err := class.PyNew()
	require.NoError(t, err)
	m, ok := obj.(*DetectionModel)
	require.True(t, ok)
	assert.Equal(t, DetectionModelType, m.TypeName())
}

func TestTrainRecurses(t *testing.T) {
	relu := nn.NewActivation("ReLU")
	m := New(nn.NewSequential(relu))

	m.Train(true)
	assert.True(t, m.Training())
	assert.True(t, relu.Training())

	m.Train(false)
	assert.False(t, m.Training())
	assert.False(t, relu.Training())
}

func TestExportScope(t *testing.T) {
	m := New(nn.NewSequential(nn.NewActivation("ReLU"), nn.NewActivation("Sigmoid")))
	m.Train(false)

	tr := trace.New()
	y, err := m.Export(tr, tr.Input("input", []int64{1, 3, 8, 8}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 8, 8}, y.Shape)

	g := tr.Graph()
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, "/model.0/Relu", g.Nodes[0].Name)
	assert.Equal(t, "/model.1/Sigmoid", g.Nodes[1].Name)
}

func TestExportWithoutLayers(t *testing.T) {
	m := &DetectionModel{Base: nn.NewBase(DetectionModelType)}
	tr := trace.New()
	_, err := m.Export(tr, tr.Input("input", []int64{1, 3, 8, 8}))
	assert.ErrorIs(t, err, trace.ErrUnsupported)
}

func TestMetadata(t *testing.T) {
	m := New(nil)
	assert.Nil(t, m.Metadata())

	m.Names = map[int64]string{2: "car", 0: "person", 1: "bicycle"}
	assert.Equal(t, map[string]string{"names": "{0: 'person', 1: 'bicycle', 2: 'car'}"}, m.Metadata())
}

func TestReadNamesFromSequence(t *testing.T) {
	names, err := readNames([]interface{}{"person", "bicycle"})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{0: "person", 1: "bicycle"}, names)

	_, err = readNames([]interface{}{"person", int64(3)})
	assert.Error(t, err)
}
