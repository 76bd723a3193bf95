package nn

import (
	"fmt"
	"math"

	"github.com/zerfoo/pt2onnx/internal/onnx"
	"github.com/zerfoo/pt2onnx/pkg/checkpoint"
	"github.com/zerfoo/pt2onnx/pkg/trace"
)

const (
	flattenType  = "torch.nn.modules.flatten.Flatten"
	upsampleType = "torch.nn.modules.upsampling.Upsample"
)

func init() {
	Register(flattenType, func() Module { return NewFlatten(1, -1) })
	Register(upsampleType, func() Module { return &Upsample{Base: NewBase(upsampleType), Mode: "nearest"} })
}

var (
	_ stateful = (*Flatten)(nil)
	_ stateful = (*Upsample)(nil)
)

// Flatten is torch.nn.Flatten.
type Flatten struct {
	Base
	StartDim int64
	EndDim   int64
}

// NewFlatten builds a flatten layer over [start, end].
func NewFlatten(start, end int64) *Flatten {
	return &Flatten{Base: NewBase(flattenType), StartDim: start, EndDim: end}
}

// PySetState rebuilds the layer from its pickled __dict__.
func (f *Flatten) PySetState(state interface{}) error {
	s, err := f.ReadState(state)
	if err != nil {
		return err
	}
	if f.StartDim, err = s.IntOr("start_dim", 1); err != nil {
		return fmt.Errorf("%s: %w", f.typeName, err)
	}
	if f.EndDim, err = s.IntOr("end_dim", -1); err != nil {
		return fmt.Errorf("%s: %w", f.typeName, err)
	}
	return nil
}

// Export lowers to Flatten when the trailing dimensions from axis 1 are
// merged, and to Reshape otherwise.
func (f *Flatten) Export(t *trace.Tracer, x trace.Value) (trace.Value, error) {
	rank := int64(x.Rank())
	start, end := f.StartDim, f.EndDim
	if start < 0 {
		start += rank
	}
	if end < 0 {
		end += rank
	}
	if start < 0 || end >= rank || start > end {
		return trace.Value{}, t.Errorf("flatten dims [%d, %d] out of range for shape %v: %w",
			f.StartDim, f.EndDim, x.Shape, trace.ErrShapeMismatch)
	}
	out := append([]int64(nil), x.Shape[:start]...)
	out = append(out, trace.NumElements(x.Shape[start:end+1]))
	out = append(out, x.Shape[end+1:]...)

	if start == 1 && end == rank-1 {
		return t.Op("Flatten", []string{x.Name}, out, onnx.AttrInt("axis", 1)), nil
	}
	if start == end {
		return x, nil
	}
	shape := t.ConstInts("Reshape", []int64{int64(len(out))}, out)
	return t.Op("Reshape", []string{x.Name, shape}, out), nil
}

// Upsample is torch.nn.Upsample in nearest or bilinear mode.
type Upsample struct {
	Base
	Size         []int64
	ScaleFactor  []float64
	Mode         string
	AlignCorners bool
}

// NewUpsample builds a scale-factor upsampler.
func NewUpsample(scale float64, mode string) *Upsample {
	return &Upsample{Base: NewBase(upsampleType), ScaleFactor: []float64{scale, scale}, Mode: mode}
}

// PySetState rebuilds the layer from its pickled __dict__.
func (u *Upsample) PySetState(state interface{}) error {
	s, err := u.ReadState(state)
	if err != nil {
		return err
	}
	wrap := func(err error) error { return fmt.Errorf("%s: %w", u.typeName, err) }
	if u.Mode, err = s.String("mode", "nearest"); err != nil {
		return wrap(err)
	}
	if u.AlignCorners, err = s.Bool("align_corners", false); err != nil {
		return wrap(err)
	}
	if s.Has("size") {
		if u.Size, err = s.Ints("size", 2); err != nil {
			return wrap(err)
		}
	}
	if v, ok := s.Get("scale_factor"); ok && v != nil {
		if f, err := checkpoint.ToFloat(v); err == nil {
			u.ScaleFactor = []float64{f, f}
		} else {
			items, err := checkpoint.ToSlice(v)
			if err != nil || len(items) != 2 {
				return wrap(fmt.Errorf("scale_factor %v is not a float pair", v))
			}
			u.ScaleFactor = make([]float64, 2)
			for i, item := range items {
				if u.ScaleFactor[i], err = checkpoint.ToFloat(item); err != nil {
					return wrap(fmt.Errorf("scale_factor: %w", err))
				}
			}
		}
	}
	if u.Size == nil && u.ScaleFactor == nil {
		return wrap(fmt.Errorf("either size or scale_factor should be defined"))
	}
	return nil
}

// Export lowers to an opset-11 Resize with an empty roi.
func (u *Upsample) Export(t *trace.Tracer, x trace.Value) (trace.Value, error) {
	if x.Rank() != 4 {
		return trace.Value{}, t.Errorf("Upsample expects a 4-D input, got shape %v: %w", x.Shape, trace.ErrShapeMismatch)
	}
	attrs := []*onnx.AttributeProto{onnx.AttrFloat("cubic_coeff_a", -0.75)}
	switch u.Mode {
	case "nearest":
		attrs = append(attrs,
			onnx.AttrString("coordinate_transformation_mode", "asymmetric"),
			onnx.AttrString("mode", "nearest"),
			onnx.AttrString("nearest_mode", "floor"),
		)
	case "bilinear":
		ctm := "pytorch_half_pixel"
		if u.AlignCorners {
			ctm = "align_corners"
		}
		attrs = append(attrs,
			onnx.AttrString("coordinate_transformation_mode", ctm),
			onnx.AttrString("mode", "linear"),
			onnx.AttrString("nearest_mode", "floor"),
		)
	default:
		return trace.Value{}, t.Errorf("Upsample mode %q: %w", u.Mode, trace.ErrUnsupported)
	}

	out := []int64{x.Shape[0], x.Shape[1], 0, 0}
	roi := t.ConstFloats("Resize", []int64{0}, nil)
	if u.Size != nil {
		copy(out[2:], u.Size)
		scales := t.ConstFloats("Resize", []int64{0}, nil)
		sizes := t.ConstInts("Resize", []int64{4}, out)
		return t.Op("Resize", []string{x.Name, roi, scales, sizes}, out, attrs...), nil
	}
	for i, f := range u.ScaleFactor {
		if f <= 0 {
			return trace.Value{}, t.Errorf("scale_factor %v must be positive: %w", u.ScaleFactor, trace.ErrShapeMismatch)
		}
		out[2+i] = int64(math.Floor(float64(x.Shape[2+i]) * f))
	}
	scales := t.ConstFloats("Resize", []int64{4}, []float32{1, 1, float32(u.ScaleFactor[0]), float32(u.ScaleFactor[1])})
	return t.Op("Resize", []string{x.Name, roi, scales}, out, attrs...), nil
}
