package nn

import (
	"fmt"

	"github.com/zerfoo/pt2onnx/internal/onnx"
	"github.com/zerfoo/pt2onnx/pkg/trace"
)

const linearType = "torch.nn.modules.linear.Linear"

func init() {
	Register(linearType, func() Module { return &Linear{Base: NewBase(linearType)} })
}

var _ stateful = (*Linear)(nil)

// Linear is torch.nn.Linear: y = x W^T + b.
type Linear struct {
	Base
	InFeatures  int64
	OutFeatures int64
	Weight      *Param
	Bias        *Param
}

// NewLinear builds a fully connected layer.
func NewLinear(in, out int64, weight, bias *Param) *Linear {
	return &Linear{Base: NewBase(linearType), InFeatures: in, OutFeatures: out, Weight: weight, Bias: bias}
}

// PySetState rebuilds the layer from its pickled __dict__.
func (l *Linear) PySetState(state interface{}) error {
	s, err := l.ReadState(state)
	if err != nil {
		return err
	}
	wrap := func(err error) error { return fmt.Errorf("%s: %w", l.typeName, err) }
	if l.InFeatures, err = s.Int("in_features"); err != nil {
		return wrap(err)
	}
	if l.OutFeatures, err = s.Int("out_features"); err != nil {
		return wrap(err)
	}
	if l.Weight, err = tensorEntry(s, "_parameters", "weight"); err != nil {
		return wrap(err)
	}
	if l.Bias, err = tensorEntry(s, "_parameters", "bias"); err != nil {
		return wrap(err)
	}
	return nil
}

// Export lowers to Gemm with transB=1. Only 2-D inputs are supported.
func (l *Linear) Export(t *trace.Tracer, x trace.Value) (trace.Value, error) {
	if x.Rank() != 2 {
		return trace.Value{}, t.Errorf("Linear expects a 2-D input, got shape %v: %w", x.Shape, trace.ErrShapeMismatch)
	}
	if x.Shape[1] != l.InFeatures {
		return trace.Value{}, t.Errorf("mat1 and mat2 shapes cannot be multiplied (%dx%d and %dx%d): %w",
			x.Shape[0], x.Shape[1], l.InFeatures, l.OutFeatures, trace.ErrShapeMismatch)
	}
	if err := checkParam(l.Weight, "weight", l.OutFeatures, l.InFeatures); err != nil {
		return trace.Value{}, t.Errorf("%v: %w", err, trace.ErrShapeMismatch)
	}
	inputs := []string{x.Name, t.Param("weight", l.Weight)}
	if l.Bias != nil {
		if err := checkParam(l.Bias, "bias", l.OutFeatures); err != nil {
			return trace.Value{}, t.Errorf("%v: %w", err, trace.ErrShapeMismatch)
		}
		inputs = append(inputs, t.Param("bias", l.Bias))
	}
	return t.Op("Gemm", inputs, []int64{x.Shape[0], l.OutFeatures},
		onnx.AttrFloat("alpha", 1),
		onnx.AttrFloat("beta", 1),
		onnx.AttrInt("transB", 1),
	), nil
}
