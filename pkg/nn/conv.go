package nn

import (
	"fmt"

	"github.com/zerfoo/pt2onnx/internal/onnx"
	"github.com/zerfoo/pt2onnx/pkg/trace"
)

const conv2dType = "torch.nn.modules.conv.Conv2d"

func init() {
	Register(conv2dType, func() Module { return &Conv2d{Base: NewBase(conv2dType)} })
}

var _ stateful = (*Conv2d)(nil)

// Conv2d is torch.nn.Conv2d with zero padding.
type Conv2d struct {
	Base
	InChannels  int64
	OutChannels int64
	KernelSize  []int64
	Stride      []int64
	Padding     []int64
	Dilation    []int64
	Groups      int64
	// SamePadding is set for padding='same'; Padding is then computed per input.
	SamePadding bool
	Weight      *Param
	Bias        *Param
}

// NewConv2d builds a square-kernel convolution with the given weights.
func NewConv2d(in, out, kernel, stride, padding int64, weight, bias *Param) *Conv2d {
	return &Conv2d{
		Base:        NewBase(conv2dType),
		InChannels:  in,
		OutChannels: out,
		KernelSize:  []int64{kernel, kernel},
		Stride:      []int64{stride, stride},
		Padding:     []int64{padding, padding},
		Dilation:    []int64{1, 1},
		Groups:      1,
		Weight:      weight,
		Bias:        bias,
	}
}

// PySetState rebuilds the layer from its pickled __dict__.
func (c *Conv2d) PySetState(state interface{}) error {
	s, err := c.ReadState(state)
	if err != nil {
		return err
	}
	wrap := func(err error) error { return fmt.Errorf("%s: %w", c.typeName, err) }

	if c.InChannels, err = s.Int("in_channels"); err != nil {
		return wrap(err)
	}
	if c.OutChannels, err = s.Int("out_channels"); err != nil {
		return wrap(err)
	}
	if c.KernelSize, err = s.Ints("kernel_size", 2); err != nil {
		return wrap(err)
	}
	if c.Stride, err = s.Ints("stride", 2); err != nil {
		return wrap(err)
	}
	if c.Dilation, err = s.Ints("dilation", 2); err != nil {
		return wrap(err)
	}
	if c.Groups, err = s.IntOr("groups", 1); err != nil {
		return wrap(err)
	}
	if mode, err := s.String("padding_mode", "zeros"); err != nil {
		return wrap(err)
	} else if mode != "zeros" {
		return wrap(fmt.Errorf("padding_mode %q: %w", mode, trace.ErrUnsupported))
	}

	if pad, err := s.String("padding", ""); err == nil && pad != "" {
		switch pad {
		case "valid":
			c.Padding = []int64{0, 0}
		case "same":
			c.SamePadding = true
		default:
			return wrap(fmt.Errorf("padding %q: %w", pad, trace.ErrUnsupported))
		}
	} else if c.Padding, err = s.Ints("padding", 2); err != nil {
		return wrap(err)
	}

	if c.Weight, err = tensorEntry(s, "_parameters", "weight"); err != nil {
		return wrap(err)
	}
	if c.Bias, err = tensorEntry(s, "_parameters", "bias"); err != nil {
		return wrap(err)
	}
	return nil
}

// pads returns ONNX pads [top, left, bottom, right].
func (c *Conv2d) pads() []int64 {
	if !c.SamePadding {
		return []int64{c.Padding[0], c.Padding[1], c.Padding[0], c.Padding[1]}
	}
	pads := make([]int64, 4)
	for i := 0; i < 2; i++ {
		total := c.Dilation[i] * (c.KernelSize[i] - 1)
		// torch puts the odd pixel on the right/bottom
		pads[i] = total / 2
		pads[i+2] = total - total/2
	}
	return pads
}

// Export lowers to Conv.
func (c *Conv2d) Export(t *trace.Tracer, x trace.Value) (trace.Value, error) {
	if x.Rank() != 4 {
		return trace.Value{}, t.Errorf("Conv2d expects a 4-D input, got shape %v: %w", x.Shape, trace.ErrShapeMismatch)
	}
	if c.Groups <= 0 || c.InChannels%c.Groups != 0 {
		return trace.Value{}, t.Errorf("in_channels %d not divisible by groups %d: %w", c.InChannels, c.Groups, trace.ErrShapeMismatch)
	}
	if x.Shape[1] != c.InChannels {
		return trace.Value{}, t.Errorf("Conv2d expected input with %d channels, got %d (input shape %v): %w",
			c.InChannels, x.Shape[1], x.Shape, trace.ErrShapeMismatch)
	}
	if err := checkParam(c.Weight, "weight", c.OutChannels, c.InChannels/c.Groups, c.KernelSize[0], c.KernelSize[1]); err != nil {
		return trace.Value{}, t.Errorf("%v: %w", err, trace.ErrShapeMismatch)
	}
	if c.SamePadding {
		for _, s := range c.Stride {
			if s != 1 {
				return trace.Value{}, t.Errorf("padding='same' with stride %v: %w", c.Stride, trace.ErrUnsupported)
			}
		}
	}

	pads := c.pads()
	out := []int64{x.Shape[0], c.OutChannels, 0, 0}
	for i := 0; i < 2; i++ {
		in := x.Shape[2+i]
		span := in + pads[i] + pads[i+2] - c.Dilation[i]*(c.KernelSize[i]-1) - 1
		if span < 0 || c.Stride[i] <= 0 {
			return trace.Value{}, t.Errorf("kernel size %v can't be greater than padded input size %v: %w",
				c.KernelSize, x.Shape[2:], trace.ErrShapeMismatch)
		}
		out[2+i] = span/c.Stride[i] + 1
	}

	inputs := []string{x.Name, t.Param("weight", c.Weight)}
	if c.Bias != nil {
		if err := checkParam(c.Bias, "bias", c.OutChannels); err != nil {
			return trace.Value{}, t.Errorf("%v: %w", err, trace.ErrShapeMismatch)
		}
		inputs = append(inputs, t.Param("bias", c.Bias))
	}
	return t.Op("Conv", inputs, out,
		onnx.AttrInts("dilations", c.Dilation),
		onnx.AttrInt("group", c.Groups),
		onnx.AttrInts("kernel_shape", c.KernelSize),
		onnx.AttrInts("pads", pads),
		onnx.AttrInts("strides", c.Stride),
	), nil
}
