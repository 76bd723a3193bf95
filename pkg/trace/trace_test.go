package trace

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerfoo/zerfoo/tensor"

	"github.com/zerfoo/pt2onnx/internal/onnx"
)

func TestTracerNaming(t *testing.T) {
	tr := New()
	x := tr.Input("input", []int64{1, 3, 8, 8})

	pop := tr.Scope("model")
	popChild := tr.Scope("0")
	weight, err := tensor.New[float32]([]int{4, 3, 3, 3}, nil)
	require.NoError(t, err)
	w := tr.Param("weight", weight)
	y := tr.Op("Conv", []string{x.Name, w}, []int64{1, 4, 6, 6}, onnx.AttrInts("kernel_shape", []int64{3, 3}))
	z := tr.Op("Conv", []string{y.Name, w}, []int64{1, 4, 4, 4})
	popChild()
	assert.Equal(t, "model", tr.Path())
	pop()
	assert.Equal(t, "", tr.Path())

	assert.Equal(t, "model.0.weight", w)
	assert.Equal(t, "/model.0/Conv_output_0", y.Name)
	assert.Equal(t, "/model.0/Conv_1_output_0", z.Name)

	c := tr.ConstFloats("Clip", nil, []float32{0})
	assert.Equal(t, "onnx::Clip_0", c)

	g := tr.Graph()
	require.Len(t, g.Nodes, 2)
	require.Len(t, g.Initializers, 2)
	assert.True(t, g.Initializers[0].Param)
	assert.False(t, g.Initializers[1].Param)
	assert.Equal(t, []int64{1, 4, 4, 4}, g.Shapes[z.Name])

	init, ok := g.Initializer("model.0.weight")
	require.True(t, ok)
	assert.Equal(t, []int64{4, 3, 3, 3}, init.Shape())
	assert.Same(t, weight, init.Floats)
	_, ok = g.Initializer("missing")
	assert.False(t, ok)
}

func TestConstants(t *testing.T) {
	tr := New()
	clip := tr.ConstFloats("Clip", nil, []float32{6})
	shape := tr.ConstInts("Reshape", []int64{2}, []int64{1, -1})
	empty := tr.ConstFloats("Resize", []int64{0}, nil)

	g := tr.Graph()
	c, ok := g.Initializer(clip)
	require.True(t, ok)
	assert.Empty(t, c.Shape())
	assert.Equal(t, []float32{6}, c.Floats.Data())
	assert.Nil(t, c.Ints)

	s, ok := g.Initializer(shape)
	require.True(t, ok)
	assert.Equal(t, onnx.TensorProto_INT64, s.DataType)
	assert.Equal(t, []int64{2}, s.Shape())
	assert.Equal(t, []int64{1, -1}, s.Ints.Data())
	assert.Equal(t, []int64{2}, g.Shapes[shape])

	e, ok := g.Initializer(empty)
	require.True(t, ok)
	assert.Equal(t, []int64{0}, e.Shape())
	assert.Empty(t, e.Floats.Data())

	assert.Panics(t, func() { tr.ConstFloats("Clip", []int64{2}, []float32{1}) })
}

func TestErrorfCarriesPath(t *testing.T) {
	tr := New()
	defer tr.Scope("head")()
	err := tr.Errorf("expected %d features: %w", 10, ErrShapeMismatch)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	assert.Contains(t, err.Error(), "head: expected 10 features")
}

func TestPoolOutDim(t *testing.T) {
	tests := []struct {
		name                              string
		in, kernel, stride, pad, dilation int64
		ceil                              bool
		want                              int64
	}{
		{"same conv", 224, 3, 1, 1, 1, false, 224},
		{"strided conv", 224, 3, 2, 1, 1, false, 112},
		{"pool floor", 7, 2, 2, 0, 1, false, 3},
		{"pool ceil", 7, 2, 2, 0, 1, true, 4},
		{"dilated", 10, 3, 1, 0, 2, false, 6},
		{"kernel larger than input", 2, 5, 1, 0, 1, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PoolOutDim(tt.in, tt.kernel, tt.stride, tt.pad, tt.dilation, tt.ceil))
		})
	}
}

func TestShapeHelpers(t *testing.T) {
	assert.Equal(t, int64(150528), NumElements([]int64{1, 3, 224, 224}))
	assert.Equal(t, int64(1), NumElements(nil))
	assert.True(t, EqualShapes([]int64{1, 2}, []int64{1, 2}))
	assert.False(t, EqualShapes([]int64{1, 2}, []int64{2, 1}))
	assert.False(t, EqualShapes([]int64{1}, []int64{1, 1}))
}
