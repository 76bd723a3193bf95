// Package trace records the ONNX graph produced by running a model's forward
// pass over symbolic values. Only shapes flow through the trace; parameters are
// captured as initializers.
package trace

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zerfoo/zerfoo/tensor"

	"github.com/zerfoo/pt2onnx/internal/onnx"
)

var (
	// ErrShapeMismatch is returned when a layer receives an input it cannot consume.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrUnsupported is returned for layer configurations with no ONNX lowering.
	ErrUnsupported = errors.New("unsupported")
)

// Value is a traced tensor: the name of the graph edge plus its static shape.
type Value struct {
	Name  string
	Shape []int64
}

// Rank returns the number of dimensions.
func (v Value) Rank() int { return len(v.Shape) }

// Initializer is a constant tensor captured during tracing. FLOAT
// initializers hold Floats, INT64 ones hold Ints.
type Initializer struct {
	Name     string
	DataType onnx.TensorProto_DataType
	Floats   *tensor.TensorNumeric[float32]
	Ints     *tensor.TensorNumeric[int64]
	// Param is true for module parameters and buffers, false for constants
	// synthesized by the lowering (e.g. Clip bounds).
	Param bool
}

// Shape returns the dimensions of the held tensor.
func (i *Initializer) Shape() []int64 {
	switch {
	case i.Floats != nil:
		return tensor.ConvertIntToInt64(i.Floats.Shape())
	case i.Ints != nil:
		return tensor.ConvertIntToInt64(i.Ints.Shape())
	}
	return nil
}

// Tracer accumulates nodes and initializers.
type Tracer struct {
	nodes        []*onnx.NodeProto
	initializers []*Initializer
	shapes       map[string][]int64
	inputs       []Value
	scope        []string
	names        map[string]int
	consts       int
}

// New returns an empty tracer.
func New() *Tracer {
	return &Tracer{
		shapes: make(map[string][]int64),
		names:  make(map[string]int),
	}
}

// Input declares a graph input.
func (t *Tracer) Input(name string, shape []int64) Value {
	v := Value{Name: name, Shape: append([]int64(nil), shape...)}
	t.inputs = append(t.inputs, v)
	t.shapes[name] = v.Shape
	return v
}

// Scope pushes a module attribute name onto the naming path. The returned
// function pops it.
func (t *Tracer) Scope(name string) func() {
	t.scope = append(t.scope, name)
	return func() { t.scope = t.scope[:len(t.scope)-1] }
}

// Path returns the dotted module path of the current scope, e.g. "model.0".
func (t *Tracer) Path() string {
	return strings.Join(t.scope, ".")
}

// Errorf builds an error prefixed with the current module path.
func (t *Tracer) Errorf(format string, args ...interface{}) error {
	path := t.Path()
	if path == "" {
		path = "<root>"
	}
	return fmt.Errorf("%s: %w", path, fmt.Errorf(format, args...))
}

// Param records a float32 parameter under the current scope and returns its
// state-dict style name. The tensor is shared, not copied.
func (t *Tracer) Param(name string, p *tensor.TensorNumeric[float32]) string {
	full := name
	if path := t.Path(); path != "" {
		full = path + "." + name
	}
	t.addInitializer(&Initializer{
		Name:     full,
		DataType: onnx.TensorProto_FLOAT,
		Floats:   p,
		Param:    true,
	})
	return full
}

// ConstFloats records a synthesized float constant. A data length that does
// not match shape is a lowering bug and panics.
func (t *Tracer) ConstFloats(op string, shape []int64, data []float32) string {
	name := fmt.Sprintf("onnx::%s_%d", op, t.consts)
	t.consts++
	t.addInitializer(&Initializer{Name: name, DataType: onnx.TensorProto_FLOAT, Floats: must(tensor.New(tensor.ConvertInt64ToInt(shape), data))})
	return name
}

// ConstInts records a synthesized int64 constant.
func (t *Tracer) ConstInts(op string, shape []int64, data []int64) string {
	name := fmt.Sprintf("onnx::%s_%d", op, t.consts)
	t.consts++
	t.addInitializer(&Initializer{Name: name, DataType: onnx.TensorProto_INT64, Ints: must(tensor.New(tensor.ConvertInt64ToInt(shape), data))})
	return name
}

func (t *Tracer) addInitializer(init *Initializer) {
	t.initializers = append(t.initializers, init)
	t.shapes[init.Name] = init.Shape()
}

func must[T tensor.Numeric](t *tensor.TensorNumeric[T], err error) *tensor.TensorNumeric[T] {
	if err != nil {
		panic(fmt.Sprintf("trace: %v", err))
	}
	return t
}

// Op appends a node with a single output of the given shape.
func (t *Tracer) Op(opType string, inputs []string, outShape []int64, attrs ...*onnx.AttributeProto) Value {
	name := t.nodeName(opType)
	out := name + "_output_0"
	t.nodes = append(t.nodes, &onnx.NodeProto{
		Name:      name,
		OpType:    opType,
		Input:     inputs,
		Output:    []string{out},
		Attribute: attrs,
	})
	shape := append([]int64(nil), outShape...)
	t.shapes[out] = shape
	return Value{Name: out, Shape: shape}
}

func (t *Tracer) nodeName(opType string) string {
	base := "/" + opType
	if path := t.Path(); path != "" {
		base = "/" + path + "/" + opType
	}
	n := t.names[base]
	t.names[base] = n + 1
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, n)
}

// Graph is the raw traced graph.
type Graph struct {
	Inputs       []Value
	Nodes        []*onnx.NodeProto
	Initializers []*Initializer
	Shapes       map[string][]int64
}

// Graph returns what has been traced so far.
func (t *Tracer) Graph() *Graph {
	return &Graph{
		Inputs:       t.inputs,
		Nodes:        t.nodes,
		Initializers: t.initializers,
		Shapes:       t.shapes,
	}
}

// Initializer returns the named initializer.
func (g *Graph) Initializer(name string) (*Initializer, bool) {
	for _, init := range g.Initializers {
		if init.Name == name {
			return init, true
		}
	}
	return nil, false
}
