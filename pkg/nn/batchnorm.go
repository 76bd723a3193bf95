package nn

import (
	"fmt"

	"github.com/zerfoo/pt2onnx/internal/onnx"
	"github.com/zerfoo/pt2onnx/pkg/trace"
)

const batchNorm2dType = "torch.nn.modules.batchnorm.BatchNorm2d"

func init() {
	Register(batchNorm2dType, func() Module { return &BatchNorm2d{Base: NewBase(batchNorm2dType)} })
}

var _ stateful = (*BatchNorm2d)(nil)

// BatchNorm2d is torch.nn.BatchNorm2d. Only running statistics are exported;
// the batch statistics used in training mode have no inference lowering.
type BatchNorm2d struct {
	Base
	NumFeatures int64
	Eps         float64
	Momentum    float64
	Weight      *Param
	Bias        *Param
	RunningMean *Param
	RunningVar  *Param
}

// NewBatchNorm2d builds a batch norm layer from its statistics and affine
// parameters. Nil weight or bias means identity scale or zero shift.
func NewBatchNorm2d(features int64, eps float64, weight, bias, mean, variance *Param) *BatchNorm2d {
	return &BatchNorm2d{
		Base:        NewBase(batchNorm2dType),
		NumFeatures: features,
		Eps:         eps,
		Momentum:    0.1,
		Weight:      weight,
		Bias:        bias,
		RunningMean: mean,
		RunningVar:  variance,
	}
}

// PySetState rebuilds the layer from its pickled __dict__.
func (b *BatchNorm2d) PySetState(state interface{}) error {
	s, err := b.ReadState(state)
	if err != nil {
		return err
	}
	wrap := func(err error) error { return fmt.Errorf("%s: %w", b.typeName, err) }

	if b.NumFeatures, err = s.Int("num_features"); err != nil {
		return wrap(err)
	}
	if b.Eps, err = s.FloatOr("eps", 1e-5); err != nil {
		return wrap(err)
	}
	// momentum=None selects a cumulative average; the exported attribute
	// then keeps the default.
	if b.Momentum, err = s.FloatOr("momentum", 0.1); err != nil {
		return wrap(err)
	}
	for _, e := range []struct {
		dict, name string
		dst        **Param
	}{
		{"_parameters", "weight", &b.Weight},
		{"_parameters", "bias", &b.Bias},
		{"_buffers", "running_mean", &b.RunningMean},
		{"_buffers", "running_var", &b.RunningVar},
	} {
		if *e.dst, err = tensorEntry(s, e.dict, e.name); err != nil {
			return wrap(err)
		}
	}
	return nil
}

func filled(n int64, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Export lowers to BatchNormalization using the running statistics.
func (b *BatchNorm2d) Export(t *trace.Tracer, x trace.Value) (trace.Value, error) {
	if x.Rank() != 4 {
		return trace.Value{}, t.Errorf("BatchNorm2d expects a 4-D input, got shape %v: %w", x.Shape, trace.ErrShapeMismatch)
	}
	if x.Shape[1] != b.NumFeatures {
		return trace.Value{}, t.Errorf("BatchNorm2d expected %d channels, got %d: %w", b.NumFeatures, x.Shape[1], trace.ErrShapeMismatch)
	}
	if b.RunningMean == nil || b.RunningVar == nil {
		return trace.Value{}, t.Errorf("BatchNorm2d without running statistics: %w", trace.ErrUnsupported)
	}
	shape := []int64{b.NumFeatures}
	weight, bias := b.Weight, b.Bias
	var err error
	if weight == nil {
		if weight, err = NewParam(shape, filled(b.NumFeatures, 1)); err != nil {
			return trace.Value{}, t.Errorf("default weight: %w", err)
		}
	}
	if bias == nil {
		if bias, err = NewParam(shape, nil); err != nil {
			return trace.Value{}, t.Errorf("default bias: %w", err)
		}
	}
	for _, p := range []struct {
		name  string
		param *Param
	}{{"weight", weight}, {"bias", bias}, {"running_mean", b.RunningMean}, {"running_var", b.RunningVar}} {
		if err := checkParam(p.param, p.name, shape...); err != nil {
			return trace.Value{}, t.Errorf("%v: %w", err, trace.ErrShapeMismatch)
		}
	}

	inputs := []string{
		x.Name,
		t.Param("weight", weight),
		t.Param("bias", bias),
		t.Param("running_mean", b.RunningMean),
		t.Param("running_var", b.RunningVar),
	}
	return t.Op("BatchNormalization", inputs, x.Shape,
		onnx.AttrFloat("epsilon", float32(b.Eps)),
		onnx.AttrFloat("momentum", float32(1-b.Momentum)),
	), nil
}
