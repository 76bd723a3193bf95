package checkpoint

import (
	"fmt"
	"math"

	"github.com/zerfoo/zerfoo/tensor"
)

// Tensor is a strided view over a Storage, as rebuilt by
// torch._utils._rebuild_tensor_v2.
type Tensor struct {
	Storage      *Storage
	Offset       int64
	Shape        []int64
	Stride       []int64
	RequiresGrad bool
}

// NumElements returns the number of elements in the view.
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// validate checks that the view is well formed and stays inside its storage.
// It returns the element count.
func (t *Tensor) validate() (int64, error) {
	if t.Storage == nil {
		return 0, fmt.Errorf("tensor has no storage")
	}
	if len(t.Shape) != len(t.Stride) {
		return 0, fmt.Errorf("size %v and stride %v differ in rank", t.Shape, t.Stride)
	}
	if t.Offset < 0 {
		return 0, fmt.Errorf("negative storage offset %d", t.Offset)
	}
	limit := int64(t.Storage.Len())
	n := int64(1)
	for i, d := range t.Shape {
		if d < 0 {
			return 0, fmt.Errorf("negative size %d in dimension %d", d, i)
		}
		if t.Stride[i] < 0 {
			return 0, fmt.Errorf("negative stride %d in dimension %d", t.Stride[i], i)
		}
		if d != 0 && n > math.MaxInt64/d {
			return 0, fmt.Errorf("size %v overflows the element count", t.Shape)
		}
		n *= d
	}
	if n == 0 {
		return 0, nil
	}
	if n > limit {
		return 0, fmt.Errorf("view of %d elements exceeds storage %s of %d elements", n, t.Storage.Key, limit)
	}
	// the last element read sits at offset + sum((size-1)*stride)
	last := t.Offset
	for i, d := range t.Shape {
		if t.Stride[i] != 0 && d-1 > (math.MaxInt64-last)/t.Stride[i] {
			return 0, fmt.Errorf("view %v/%v overflows storage offsets", t.Shape, t.Stride)
		}
		last += (d - 1) * t.Stride[i]
	}
	if last >= limit {
		return 0, fmt.Errorf("tensor view reads element %d outside storage %s of %d elements", last, t.Storage.Key, limit)
	}
	return n, nil
}

// Float32 materializes the view in row-major order.
func (t *Tensor) Float32() ([]float32, error) {
	n, err := t.validate()
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	if n == 0 {
		return out, nil
	}
	read := func(i int64) float32 {
		if t.Storage.Type.Float {
			return t.Storage.Floats[i]
		}
		return float32(t.Storage.Ints[i])
	}
	index := make([]int64, len(t.Shape))
	for flat := int64(0); flat < n; flat++ {
		pos := t.Offset
		for d := range index {
			pos += index[d] * t.Stride[d]
		}
		out[flat] = read(pos)
		for d := len(index) - 1; d >= 0; d-- {
			index[d]++
			if index[d] < t.Shape[d] {
				break
			}
			index[d] = 0
		}
	}
	return out, nil
}

// Numeric materializes the view as a contiguous float32 tensor.
func (t *Tensor) Numeric() (*tensor.TensorNumeric[float32], error) {
	data, err := t.Float32()
	if err != nil {
		return nil, err
	}
	return tensor.New(tensor.ConvertInt64ToInt(t.Shape), data)
}

// rebuildTensor implements torch._utils._rebuild_tensor_v2(storage,
// storage_offset, size, stride, requires_grad, backward_hooks[, metadata]).
func rebuildTensor(args ...interface{}) (interface{}, error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("_rebuild_tensor_v2: want at least 4 arguments, got %d", len(args))
	}
	storage, ok := args[0].(*Storage)
	if !ok {
		return nil, fmt.Errorf("_rebuild_tensor_v2: storage argument is %T", args[0])
	}
	offset, err := ToInt(args[1])
	if err != nil {
		return nil, fmt.Errorf("_rebuild_tensor_v2: storage_offset: %w", err)
	}
	shape, err := ToInts(args[2])
	if err != nil {
		return nil, fmt.Errorf("_rebuild_tensor_v2: size: %w", err)
	}
	stride, err := ToInts(args[3])
	if err != nil {
		return nil, fmt.Errorf("_rebuild_tensor_v2: stride: %w", err)
	}
	t := &Tensor{Storage: storage, Offset: offset, Shape: shape, Stride: stride}
	if _, err := t.validate(); err != nil {
		return nil, fmt.Errorf("_rebuild_tensor_v2: %w", err)
	}
	if len(args) > 4 {
		if b, ok := args[4].(bool); ok {
			t.RequiresGrad = b
		}
	}
	return t, nil
}

// rebuildParameter implements torch._utils._rebuild_parameter(data,
// requires_grad, backward_hooks).
func rebuildParameter(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("_rebuild_parameter: missing data argument")
	}
	t, ok := args[0].(*Tensor)
	if !ok {
		return nil, fmt.Errorf("_rebuild_parameter: data argument is %T", args[0])
	}
	if len(args) > 1 {
		if b, ok := args[1].(bool); ok {
			t.RequiresGrad = b
		}
	}
	return t, nil
}
