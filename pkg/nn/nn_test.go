package nn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/pt2onnx/pkg/checkpoint"
	"github.com/zerfoo/pt2onnx/pkg/registry"
	"github.com/zerfoo/pt2onnx/pkg/trace"
)

func floatTensor(shape []int64, data []float32) *checkpoint.Tensor {
	stride := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return &checkpoint.Tensor{
		Storage: &checkpoint.Storage{Type: checkpoint.StorageType{Name: "FloatStorage", ItemSize: 4, Float: true}, Floats: data},
		Shape:   shape,
		Stride:  stride,
	}
}

func param(t *testing.T, shape []int64, data []float32) *Param {
	t.Helper()
	p, err := NewParam(shape, data)
	require.NoError(t, err)
	return p
}

func ones(n int) []float32 {
	return filled(int64(n), 1)
}

func ops(g *trace.Graph) []string {
	var out []string
	for _, n := range g.Nodes {
		out = append(out, n.OpType)
	}
	return out
}

func TestLayersRegistered(t *testing.T) {
	for _, name := range []string{
		conv2dType, batchNorm2dType, linearType,
		maxPool2dType, avgPool2dType, adaptiveAvgPool2dType,
		flattenType, upsampleType, sequentialType, dropoutType, identityType,
		activationPrefix + "SiLU", activationPrefix + "ReLU6",
	} {
		cls, ok := registry.Layer(name)
		require.True(t, ok, name)
		obj, err := cls.PyNew()
		require.NoError(t, err)
		m, ok := obj.(Module)
		require.True(t, ok, name)
		assert.Equal(t, name, m.TypeName())
		assert.True(t, m.Training())
	}
}

func TestConv2dFromState(t *testing.T) {
	c := &Conv2d{Base: NewBase(conv2dType)}
	err := c.PySetState(map[string]interface{}{
		"training":     false,
		"in_channels":  int64(3),
		"out_channels": int64(2),
		"kernel_size":  []interface{}{int64(3), int64(3)},
		"stride":       []interface{}{int64(2), int64(2)},
		"padding":      []interface{}{int64(1), int64(1)},
		"dilation":     []interface{}{int64(1), int64(1)},
		"groups":       int64(1),
		"padding_mode": "zeros",
		"_parameters": map[string]interface{}{
			"weight": floatTensor([]int64{2, 3, 3, 3}, ones(54)),
			"bias":   nil,
		},
	})
	require.NoError(t, err)
	assert.False(t, c.Training())
	assert.Nil(t, c.Bias)

	tr := trace.New()
	x := tr.Input("input", []int64{1, 3, 224, 224})
	y, err := Apply(tr, "0", c, x)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 112, 112}, y.Shape)

	g := tr.Graph()
	require.Len(t, g.Nodes, 1)
	n := g.Nodes[0]
	assert.Equal(t, "/0/Conv", n.Name)
	assert.Equal(t, []string{"input", "0.weight"}, n.Input)
	assert.Equal(t, []int64{1, 1, 1, 1}, n.FindAttribute("pads").Ints)
	assert.Equal(t, []int64{2, 2}, n.FindAttribute("strides").Ints)
}

func TestConv2dRejectsPaddingMode(t *testing.T) {
	c := &Conv2d{Base: NewBase(conv2dType)}
	err := c.PySetState(map[string]interface{}{
		"in_channels":  int64(3),
		"out_channels": int64(2),
		"kernel_size":  int64(3),
		"stride":       int64(1),
		"padding":      int64(0),
		"dilation":     int64(1),
		"padding_mode": "reflect",
	})
	assert.True(t, errors.Is(err, trace.ErrUnsupported))
}

func TestConv2dSamePadding(t *testing.T) {
	c := NewConv2d(1, 1, 4, 1, 0, param(t, []int64{1, 1, 4, 4}, ones(16)), nil)
	c.SamePadding = true
	tr := trace.New()
	y, err := c.Export(tr, tr.Input("input", []int64{1, 1, 9, 9}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 9, 9}, y.Shape)
	assert.Equal(t, []int64{1, 1, 2, 2}, tr.Graph().Nodes[0].FindAttribute("pads").Ints)
}

func TestConv2dChannelMismatch(t *testing.T) {
	c := NewConv2d(3, 8, 3, 1, 1, param(t, []int64{8, 3, 3, 3}, ones(216)), nil)
	tr := trace.New()
	_, err := Apply(tr, "stem", c, tr.Input("input", []int64{1, 4, 32, 32}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, trace.ErrShapeMismatch))
	assert.Contains(t, err.Error(), "stem:")
}

func TestBatchNormDefaults(t *testing.T) {
	bn := NewBatchNorm2d(2, 1e-5, nil, nil, param(t, []int64{2}, []float32{0, 0}), param(t, []int64{2}, []float32{1, 1}))
	tr := trace.New()
	_, err := bn.Export(tr, tr.Input("input", []int64{1, 2, 4, 4}))
	require.NoError(t, err)
	g := tr.Graph()
	require.Len(t, g.Initializers, 4)
	w, ok := g.Initializer("weight")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 1}, w.Floats.Data())
	assert.InDelta(t, 0.9, g.Nodes[0].FindAttribute("momentum").F, 1e-6)
}

func TestBatchNormNeedsRunningStats(t *testing.T) {
	bn := NewBatchNorm2d(2, 1e-5, nil, nil, nil, nil)
	tr := trace.New()
	_, err := bn.Export(tr, tr.Input("input", []int64{1, 2, 4, 4}))
	assert.True(t, errors.Is(err, trace.ErrUnsupported))
}

func TestLinear(t *testing.T) {
	l := NewLinear(4, 2, param(t, []int64{2, 4}, ones(8)), param(t, []int64{2}, []float32{0, 1}))
	tr := trace.New()
	y, err := l.Export(tr, tr.Input("input", []int64{1, 4}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, y.Shape)
	assert.Equal(t, int64(1), tr.Graph().Nodes[0].FindAttribute("transB").I)

	_, err = l.Export(tr, trace.Value{Name: "bad", Shape: []int64{1, 5}})
	assert.True(t, errors.Is(err, trace.ErrShapeMismatch))
	_, err = l.Export(tr, trace.Value{Name: "bad", Shape: []int64{1, 4, 1}})
	assert.True(t, errors.Is(err, trace.ErrShapeMismatch))
}

func TestActivationLowering(t *testing.T) {
	tests := []struct {
		kind string
		want []string
	}{
		{"ReLU", []string{"Relu"}},
		{"LeakyReLU", []string{"LeakyRelu"}},
		{"Sigmoid", []string{"Sigmoid"}},
		{"Tanh", []string{"Tanh"}},
		{"SiLU", []string{"Sigmoid", "Mul"}},
		{"Hardswish", []string{"HardSigmoid", "Mul"}},
		{"ReLU6", []string{"Clip"}},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			tr := trace.New()
			x := tr.Input("input", []int64{1, 3, 4, 4})
			y, err := NewActivation(tt.kind).Export(tr, x)
			require.NoError(t, err)
			assert.Equal(t, x.Shape, y.Shape)
			assert.Equal(t, tt.want, ops(tr.Graph()))
		})
	}
}

func TestSiLUMultipliesInput(t *testing.T) {
	tr := trace.New()
	x := tr.Input("input", []int64{1, 8})
	y, err := NewActivation("SiLU").Export(tr, x)
	require.NoError(t, err)
	g := tr.Graph()
	assert.Equal(t, []string{"input", g.Nodes[0].Output[0]}, g.Nodes[1].Input)
	assert.Equal(t, g.Nodes[1].Output[0], y.Name)
}

func TestReLU6Constants(t *testing.T) {
	tr := trace.New()
	_, err := NewActivation("ReLU6").Export(tr, tr.Input("input", []int64{1, 8}))
	require.NoError(t, err)
	g := tr.Graph()
	require.Len(t, g.Initializers, 2)
	assert.Equal(t, []float32{0}, g.Initializers[0].Floats.Data())
	assert.Equal(t, []float32{6}, g.Initializers[1].Floats.Data())
	assert.False(t, g.Initializers[0].Param)
}

func TestSoftmax(t *testing.T) {
	a := NewActivation("Softmax")
	require.NoError(t, a.PySetState(map[string]interface{}{"dim": int64(-1)}))
	tr := trace.New()
	_, err := a.Export(tr, tr.Input("input", []int64{1, 10}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), tr.Graph().Nodes[0].FindAttribute("axis").I)

	require.NoError(t, a.PySetState(map[string]interface{}{"dim": int64(0)}))
	_, err = a.Export(tr, tr.Input("input", []int64{1, 10}))
	assert.True(t, errors.Is(err, trace.ErrUnsupported))

	require.NoError(t, a.PySetState(map[string]interface{}{"dim": nil}))
	assert.Nil(t, a.Dim)
}

func TestMaxPoolStrideDefaultsToKernel(t *testing.T) {
	p := &Pool2d{Base: NewBase(maxPool2dType), Max: true}
	require.NoError(t, p.PySetState(map[string]interface{}{
		"kernel_size": int64(2),
		"stride":      nil,
		"padding":     int64(0),
		"dilation":    int64(1),
		"ceil_mode":   false,
	}))
	assert.Equal(t, []int64{2, 2}, p.Stride)

	tr := trace.New()
	y, err := p.Export(tr, tr.Input("input", []int64{1, 3, 7, 7}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 3, 3}, y.Shape)
	assert.Equal(t, "MaxPool", tr.Graph().Nodes[0].OpType)
}

func TestMaxPoolReturnIndices(t *testing.T) {
	p := &Pool2d{Base: NewBase(maxPool2dType), Max: true}
	err := p.PySetState(map[string]interface{}{
		"kernel_size":    int64(2),
		"padding":        int64(0),
		"return_indices": true,
	})
	assert.True(t, errors.Is(err, trace.ErrUnsupported))
}

func TestAvgPool(t *testing.T) {
	p := &Pool2d{Base: NewBase(avgPool2dType)}
	require.NoError(t, p.PySetState(map[string]interface{}{
		"kernel_size":       int64(3),
		"stride":            int64(2),
		"padding":           int64(1),
		"ceil_mode":         true,
		"count_include_pad": false,
	}))
	tr := trace.New()
	y, err := p.Export(tr, tr.Input("input", []int64{1, 3, 8, 8}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 5, 5}, y.Shape)
	n := tr.Graph().Nodes[0]
	assert.Equal(t, "AveragePool", n.OpType)
	assert.Equal(t, int64(0), n.FindAttribute("count_include_pad").I)
}

func TestAdaptiveAvgPool(t *testing.T) {
	tr := trace.New()
	x := tr.Input("input", []int64{1, 16, 8, 8})

	y, err := NewAdaptiveAvgPool2d(1).Export(tr, x)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 16, 1, 1}, y.Shape)

	y, err = NewAdaptiveAvgPool2d(8).Export(tr, x)
	require.NoError(t, err)
	assert.Equal(t, x, y)

	y, err = NewAdaptiveAvgPool2d(4).Export(tr, x)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 16, 4, 4}, y.Shape)

	_, err = NewAdaptiveAvgPool2d(3).Export(tr, x)
	assert.True(t, errors.Is(err, trace.ErrUnsupported))

	assert.Equal(t, []string{"GlobalAveragePool", "AveragePool"}, ops(tr.Graph()))
}

func TestFlatten(t *testing.T) {
	tr := trace.New()
	x := tr.Input("input", []int64{2, 16, 1, 1})
	y, err := NewFlatten(1, -1).Export(tr, x)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 16}, y.Shape)

	y, err = NewFlatten(0, -1).Export(tr, x)
	require.NoError(t, err)
	assert.Equal(t, []int64{32}, y.Shape)
	assert.Equal(t, []string{"Flatten", "Reshape"}, ops(tr.Graph()))

	_, err = NewFlatten(3, 1).Export(tr, x)
	assert.True(t, errors.Is(err, trace.ErrShapeMismatch))
}

func TestUpsample(t *testing.T) {
	u := &Upsample{Base: NewBase(upsampleType)}
	require.NoError(t, u.PySetState(map[string]interface{}{
		"size":          nil,
		"scale_factor":  2.0,
		"mode":          "nearest",
		"align_corners": nil,
	}))
	tr := trace.New()
	y, err := u.Export(tr, tr.Input("input", []int64{1, 8, 5, 5}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 8, 10, 10}, y.Shape)

	g := tr.Graph()
	n := g.Nodes[0]
	assert.Equal(t, "Resize", n.OpType)
	require.Len(t, n.Input, 3)
	scales, ok := g.Initializer(n.Input[2])
	require.True(t, ok)
	assert.Equal(t, []float32{1, 1, 2, 2}, scales.Floats.Data())
	assert.Equal(t, []byte("asymmetric"), n.FindAttribute("coordinate_transformation_mode").S)

	bad := &Upsample{Base: NewBase(upsampleType)}
	assert.Error(t, bad.PySetState(map[string]interface{}{"mode": "nearest"}))
}

func TestSequential(t *testing.T) {
	conv := NewConv2d(3, 4, 3, 1, 1, param(t, []int64{4, 3, 3, 3}, ones(108)), nil)
	seq := NewSequential(conv, NewActivation("ReLU"), &Passthrough{Base: NewBase(dropoutType), P: 0.5})
	seq.Train(false)
	assert.False(t, conv.Training())

	tr := trace.New()
	y, err := Apply(tr, "model", seq, tr.Input("input", []int64{1, 3, 8, 8}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4, 8, 8}, y.Shape)

	g := tr.Graph()
	assert.Equal(t, []string{"Conv", "Relu", "Identity"}, ops(g))
	assert.Equal(t, "/model.1/Relu", g.Nodes[1].Name)
	assert.Equal(t, "model.0.weight", g.Initializers[0].Name)
}

func TestSequentialFromState(t *testing.T) {
	relu := NewActivation("ReLU")
	seq := &Sequential{Base: NewBase(sequentialType)}
	require.NoError(t, seq.PySetState(map[string]interface{}{
		"training": true,
		"_modules": map[string]interface{}{"0": relu, "1": NewActivation("Tanh")},
	}))
	require.Len(t, seq.Modules, 2)
	assert.Equal(t, []string{"0", "1"}, seq.Names)
	assert.Same(t, relu, seq.Modules[0])

	err := seq.PySetState(map[string]interface{}{
		"_modules": map[string]interface{}{"0": "not a module"},
	})
	assert.Error(t, err)
}

func TestDropoutTrainingRejected(t *testing.T) {
	d := &Passthrough{Base: NewBase(dropoutType), P: 0.5}
	tr := trace.New()
	_, err := d.Export(tr, tr.Input("input", []int64{1, 4}))
	assert.True(t, errors.Is(err, trace.ErrUnsupported))
	d.Train(false)
	_, err = d.Export(tr, tr.Input("input", []int64{1, 4}))
	assert.NoError(t, err)
}
