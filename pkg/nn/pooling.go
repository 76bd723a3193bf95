package nn

import (
	"fmt"

	"github.com/zerfoo/pt2onnx/internal/onnx"
	"github.com/zerfoo/pt2onnx/pkg/checkpoint"
	"github.com/zerfoo/pt2onnx/pkg/trace"
)

const (
	poolingPrefix         = "torch.nn.modules.pooling."
	maxPool2dType         = poolingPrefix + "MaxPool2d"
	avgPool2dType         = poolingPrefix + "AvgPool2d"
	adaptiveAvgPool2dType = poolingPrefix + "AdaptiveAvgPool2d"
)

func init() {
	Register(maxPool2dType, func() Module { return &Pool2d{Base: NewBase(maxPool2dType), Max: true} })
	Register(avgPool2dType, func() Module { return &Pool2d{Base: NewBase(avgPool2dType), CountIncludePad: true} })
	Register(adaptiveAvgPool2dType, func() Module { return &AdaptiveAvgPool2d{Base: NewBase(adaptiveAvgPool2dType)} })
}

var (
	_ stateful = (*Pool2d)(nil)
	_ stateful = (*AdaptiveAvgPool2d)(nil)
)

// Pool2d is torch.nn.MaxPool2d (Max true) or torch.nn.AvgPool2d.
type Pool2d struct {
	Base
	Max             bool
	KernelSize      []int64
	Stride          []int64
	Padding         []int64
	Dilation        []int64
	CeilMode        bool
	CountIncludePad bool
}

// NewMaxPool2d builds a square max pooling layer.
func NewMaxPool2d(kernel, stride, padding int64) *Pool2d {
	return &Pool2d{
		Base:       NewBase(maxPool2dType),
		Max:        true,
		KernelSize: []int64{kernel, kernel},
		Stride:     []int64{stride, stride},
		Padding:    []int64{padding, padding},
		Dilation:   []int64{1, 1},
	}
}

// PySetState rebuilds the layer from its pickled __dict__.
func (p *Pool2d) PySetState(state interface{}) error {
	s, err := p.ReadState(state)
	if err != nil {
		return err
	}
	if err := p.readPoolState(s); err != nil {
		return fmt.Errorf("%s: %w", p.typeName, err)
	}
	return nil
}

func (p *Pool2d) readPoolState(s *checkpoint.State) error {
	var err error
	if p.KernelSize, err = s.Ints("kernel_size", 2); err != nil {
		return err
	}
	// stride=None defaults to the kernel size
	if s.Has("stride") {
		if p.Stride, err = s.Ints("stride", 2); err != nil {
			return err
		}
	} else {
		p.Stride = append([]int64(nil), p.KernelSize...)
	}
	if p.Padding, err = s.Ints("padding", 2); err != nil {
		return err
	}
	if p.CeilMode, err = s.Bool("ceil_mode", false); err != nil {
		return err
	}
	if p.Max {
		if s.Has("dilation") {
			if p.Dilation, err = s.Ints("dilation", 2); err != nil {
				return err
			}
		} else {
			p.Dilation = []int64{1, 1}
		}
		if ri, err := s.Bool("return_indices", false); err != nil {
			return err
		} else if ri {
			return fmt.Errorf("return_indices=True: %w", trace.ErrUnsupported)
		}
		return nil
	}
	p.Dilation = []int64{1, 1}
	if p.CountIncludePad, err = s.Bool("count_include_pad", true); err != nil {
		return err
	}
	if s.Has("divisor_override") {
		return fmt.Errorf("divisor_override: %w", trace.ErrUnsupported)
	}
	return nil
}

// Export lowers to MaxPool or AveragePool.
func (p *Pool2d) Export(t *trace.Tracer, x trace.Value) (trace.Value, error) {
	if x.Rank() != 4 {
		return trace.Value{}, t.Errorf("pooling expects a 4-D input, got shape %v: %w", x.Shape, trace.ErrShapeMismatch)
	}
	out := []int64{x.Shape[0], x.Shape[1], 0, 0}
	for i := 0; i < 2; i++ {
		if 2*p.Padding[i] > p.KernelSize[i] {
			return trace.Value{}, t.Errorf("pad should be at most half of kernel size, got pad %v and kernel %v: %w",
				p.Padding, p.KernelSize, trace.ErrShapeMismatch)
		}
		out[2+i] = trace.PoolOutDim(x.Shape[2+i], p.KernelSize[i], p.Stride[i], p.Padding[i], p.Dilation[i], p.CeilMode)
		if out[2+i] <= 0 {
			return trace.Value{}, t.Errorf("output size is too small for input %v: %w", x.Shape, trace.ErrShapeMismatch)
		}
	}
	pads := []int64{p.Padding[0], p.Padding[1], p.Padding[0], p.Padding[1]}
	ceil := int64(0)
	if p.CeilMode {
		ceil = 1
	}
	if p.Max {
		return t.Op("MaxPool", []string{x.Name}, out,
			onnx.AttrInt("ceil_mode", ceil),
			onnx.AttrInts("dilations", p.Dilation),
			onnx.AttrInts("kernel_shape", p.KernelSize),
			onnx.AttrInts("pads", pads),
			onnx.AttrInts("strides", p.Stride),
		), nil
	}
	include := int64(0)
	if p.CountIncludePad {
		include = 1
	}
	return t.Op("AveragePool", []string{x.Name}, out,
		onnx.AttrInt("ceil_mode", ceil),
		onnx.AttrInt("count_include_pad", include),
		onnx.AttrInts("kernel_shape", p.KernelSize),
		onnx.AttrInts("pads", pads),
		onnx.AttrInts("strides", p.Stride),
	), nil
}

// AdaptiveAvgPool2d is torch.nn.AdaptiveAvgPool2d. A zero in OutputSize
// stands for None (keep the input size).
type AdaptiveAvgPool2d struct {
	Base
	OutputSize []int64
}

// NewAdaptiveAvgPool2d builds a square adaptive pooling layer.
func NewAdaptiveAvgPool2d(size int64) *AdaptiveAvgPool2d {
	return &AdaptiveAvgPool2d{Base: NewBase(adaptiveAvgPool2dType), OutputSize: []int64{size, size}}
}

// PySetState rebuilds the layer from its pickled __dict__.
func (a *AdaptiveAvgPool2d) PySetState(state interface{}) error {
	s, err := a.ReadState(state)
	if err != nil {
		return err
	}
	v, ok := s.Get("output_size")
	if !ok {
		return fmt.Errorf("%s: missing attribute %q", a.typeName, "output_size")
	}
	if i, err := checkpoint.ToInt(v); err == nil {
		a.OutputSize = []int64{i, i}
		return nil
	}
	items, err := checkpoint.ToSlice(v)
	if err != nil || len(items) != 2 {
		return fmt.Errorf("%s: output_size %v is not a pair", a.typeName, v)
	}
	a.OutputSize = make([]int64, 2)
	for i, item := range items {
		if item == nil {
			continue
		}
		if a.OutputSize[i], err = checkpoint.ToInt(item); err != nil {
			return fmt.Errorf("%s: output_size: %w", a.typeName, err)
		}
	}
	return nil
}

// Export lowers to GlobalAveragePool for a 1x1 output, to nothing when the
// output equals the input, and to AveragePool when the input divides evenly.
func (a *AdaptiveAvgPool2d) Export(t *trace.Tracer, x trace.Value) (trace.Value, error) {
	if x.Rank() != 4 {
		return trace.Value{}, t.Errorf("AdaptiveAvgPool2d expects a 4-D input, got shape %v: %w", x.Shape, trace.ErrShapeMismatch)
	}
	size := make([]int64, 2)
	for i := range size {
		size[i] = a.OutputSize[i]
		if size[i] == 0 {
			size[i] = x.Shape[2+i]
		}
	}
	if size[0] == 1 && size[1] == 1 {
		return t.Op("GlobalAveragePool", []string{x.Name}, []int64{x.Shape[0], x.Shape[1], 1, 1}), nil
	}
	if size[0] == x.Shape[2] && size[1] == x.Shape[3] {
		return x, nil
	}
	kernel := make([]int64, 2)
	for i := range kernel {
		if size[i] <= 0 || x.Shape[2+i]%size[i] != 0 {
			return trace.Value{}, t.Errorf("adaptive pooling from %v to %v: %w", x.Shape[2:], size, trace.ErrUnsupported)
		}
		kernel[i] = x.Shape[2+i] / size[i]
	}
	return t.Op("AveragePool", []string{x.Name}, []int64{x.Shape[0], x.Shape[1], size[0], size[1]},
		onnx.AttrInts("kernel_shape", kernel),
		onnx.AttrInts("strides", kernel),
	), nil
}
