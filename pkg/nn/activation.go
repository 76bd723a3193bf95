package nn

import (
	"fmt"

	"github.com/zerfoo/pt2onnx/internal/onnx"
	"github.com/zerfoo/pt2onnx/pkg/trace"
)

const activationPrefix = "torch.nn.modules.activation."

func init() {
	for _, name := range []string{"ReLU", "LeakyReLU", "Sigmoid", "Tanh", "SiLU", "Hardswish", "ReLU6", "Softmax"} {
		kind := name
		Register(activationPrefix+kind, func() Module { return NewActivation(kind) })
	}
}

var _ stateful = (*Activation)(nil)

// Activation covers the element-wise torch activations plus Softmax. Kind is
// the torch class name.
type Activation struct {
	Base
	Kind          string
	NegativeSlope float64
	// Dim is the Softmax dimension; nil means torch's implicit choice.
	Dim *int64
}

// NewActivation returns an activation of the given torch class name.
func NewActivation(kind string) *Activation {
	return &Activation{Base: NewBase(activationPrefix + kind), Kind: kind, NegativeSlope: 0.01}
}

// PySetState rebuilds the layer from its pickled __dict__.
func (a *Activation) PySetState(state interface{}) error {
	s, err := a.ReadState(state)
	if err != nil {
		return err
	}
	switch a.Kind {
	case "LeakyReLU":
		if a.NegativeSlope, err = s.FloatOr("negative_slope", 0.01); err != nil {
			return fmt.Errorf("%s: %w", a.typeName, err)
		}
	case "ReLU6":
		lo, err := s.FloatOr("min_val", 0)
		if err != nil {
			return fmt.Errorf("%s: %w", a.typeName, err)
		}
		hi, err := s.FloatOr("max_val", 6)
		if err != nil {
			return fmt.Errorf("%s: %w", a.typeName, err)
		}
		if lo != 0 || hi != 6 {
			return fmt.Errorf("%s: bounds [%g, %g]: %w", a.typeName, lo, hi, trace.ErrUnsupported)
		}
	case "Softmax":
		a.Dim = nil
		if s.Has("dim") {
			dim, err := s.Int("dim")
			if err != nil {
				return fmt.Errorf("%s: %w", a.typeName, err)
			}
			a.Dim = &dim
		}
	}
	return nil
}

// Export lowers the activation. SiLU and Hardswish have no opset-11 operator
// and are decomposed into Sigmoid/HardSigmoid followed by Mul.
func (a *Activation) Export(t *trace.Tracer, x trace.Value) (trace.Value, error) {
	switch a.Kind {
	case "ReLU":
		return t.Op("Relu", []string{x.Name}, x.Shape), nil
	case "LeakyReLU":
		return t.Op("LeakyRelu", []string{x.Name}, x.Shape, onnx.AttrFloat("alpha", float32(a.NegativeSlope))), nil
	case "Sigmoid":
		return t.Op("Sigmoid", []string{x.Name}, x.Shape), nil
	case "Tanh":
		return t.Op("Tanh", []string{x.Name}, x.Shape), nil
	case "SiLU":
		sig := t.Op("Sigmoid", []string{x.Name}, x.Shape)
		return t.Op("Mul", []string{x.Name, sig.Name}, x.Shape), nil
	case "Hardswish":
		hs := t.Op("HardSigmoid", []string{x.Name}, x.Shape,
			onnx.AttrFloat("alpha", float32(1.0/6)),
			onnx.AttrFloat("beta", 0.5),
		)
		return t.Op("Mul", []string{x.Name, hs.Name}, x.Shape), nil
	case "ReLU6":
		lo := t.ConstFloats("Clip", nil, []float32{0})
		hi := t.ConstFloats("Clip", nil, []float32{6})
		return t.Op("Clip", []string{x.Name, lo, hi}, x.Shape), nil
	case "Softmax":
		if a.Dim == nil {
			return trace.Value{}, t.Errorf("Softmax with implicit dim: %w", trace.ErrUnsupported)
		}
		dim := *a.Dim
		if dim < 0 {
			dim += int64(x.Rank())
		}
		if dim < 0 || dim >= int64(x.Rank()) {
			return trace.Value{}, t.Errorf("Softmax dim %d out of range for shape %v: %w", *a.Dim, x.Shape, trace.ErrShapeMismatch)
		}
		// opset 11 Softmax coerces to 2-D around axis, which matches torch
		// only on the last dimension
		if dim != int64(x.Rank()-1) {
			return trace.Value{}, t.Errorf("Softmax over non-final dim %d: %w", dim, trace.ErrUnsupported)
		}
		return t.Op("Softmax", []string{x.Name}, x.Shape, onnx.AttrInt("axis", dim)), nil
	}
	return trace.Value{}, t.Errorf("activation %s: %w", a.Kind, trace.ErrUnsupported)
}
