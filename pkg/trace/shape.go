package trace

// PoolOutDim computes one spatial output size of a convolution or pooling
// window, following the torch formula.
func PoolOutDim(in, kernel, stride, pad, dilation int64, ceil bool) int64 {
	if stride <= 0 {
		return -1
	}
	span := in + 2*pad - dilation*(kernel-1) - 1
	if span < 0 {
		return 0
	}
	out := span / stride
	if ceil && span%stride != 0 {
		out++
		// the last window must start inside the input or left padding
		if out*stride >= in+pad {
			out--
		}
	}
	return out + 1
}

// NumElements returns the product of dims.
func NumElements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// EqualShapes reports whether two shapes are identical.
func EqualShapes(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
