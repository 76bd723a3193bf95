// Package nn rebuilds standard torch.nn layers from their pickled state and
// lowers each of them to ONNX operators through a trace.Tracer.
package nn

import (
	"fmt"

	"github.com/zerfoo/zerfoo/tensor"

	"github.com/zerfoo/pt2onnx/pkg/checkpoint"
	"github.com/zerfoo/pt2onnx/pkg/registry"
	"github.com/zerfoo/pt2onnx/pkg/trace"
)

// Module is a reconstructed torch.nn.Module.
type Module interface {
	// TypeName is the fully qualified Python class name.
	TypeName() string
	// Train switches training mode on or off, recursively.
	Train(mode bool)
	Training() bool
	// Export traces the forward pass of the module applied to x.
	Export(t *trace.Tracer, x trace.Value) (trace.Value, error)
}

// stateful modules are rebuilt by the unpickler's BUILD opcode.
type stateful interface {
	Module
	PySetState(state interface{}) error
}

// Register adds a layer constructor to the registry under name.
func Register(name string, newModule func() Module) {
	registry.RegisterLayer(name, registry.ClassFunc(func(args ...interface{}) (interface{}, error) {
		return newModule(), nil
	}))
}

// Base carries what every torch module pickles: its class and training flag.
type Base struct {
	typeName string
	training bool
}

// NewBase returns a Base for the given Python class, in training mode.
func NewBase(typeName string) Base {
	return Base{typeName: typeName, training: true}
}

// TypeName implements Module.
func (b *Base) TypeName() string { return b.typeName }

// Training implements Module.
func (b *Base) Training() bool { return b.training }

// Train implements Module for leaf modules.
func (b *Base) Train(mode bool) { b.training = mode }

// ReadState wraps the pickled __dict__ and reads the training flag.
func (b *Base) ReadState(state interface{}) (*checkpoint.State, error) {
	s, err := checkpoint.NewState(state)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.typeName, err)
	}
	if b.training, err = s.Bool("training", true); err != nil {
		return nil, fmt.Errorf("%s: %w", b.typeName, err)
	}
	return s, nil
}

// Param is a materialized float32 parameter or buffer.
type Param = tensor.TensorNumeric[float32]

// NewParam copies data into a parameter of the given shape.
func NewParam(shape []int64, data []float32) (*Param, error) {
	return tensor.New(tensor.ConvertInt64ToInt(shape), append([]float32(nil), data...))
}

// tensorEntry reads dict[name] from _parameters or _buffers. A missing or None
// entry yields nil.
func tensorEntry(s *checkpoint.State, dict, name string) (*Param, error) {
	if !s.Has(dict) {
		return nil, nil
	}
	d, err := s.Dict(dict)
	if err != nil {
		return nil, err
	}
	t, err := d.Tensor(name)
	if err != nil || t == nil {
		return nil, err
	}
	p, err := t.Numeric()
	if err != nil {
		return nil, fmt.Errorf("%s[%q]: %w", dict, name, err)
	}
	return p, nil
}

// Child reads one submodule from _modules.
func Child(s *checkpoint.State, name string) (Module, error) {
	modules, err := s.Dict("_modules")
	if err != nil {
		return nil, err
	}
	v, ok := modules.Get(name)
	if !ok || v == nil {
		return nil, fmt.Errorf("missing submodule %q", name)
	}
	m, ok := v.(Module)
	if !ok {
		return nil, fmt.Errorf("submodule %q is %T, not a module", name, v)
	}
	return m, nil
}

func checkParam(p *Param, name string, shape ...int64) error {
	if p == nil {
		return fmt.Errorf("missing %s", name)
	}
	got := tensor.ConvertIntToInt64(p.Shape())
	if !trace.EqualShapes(got, shape) {
		return fmt.Errorf("%s has shape %v, want %v", name, got, shape)
	}
	if len(p.Data()) != p.Size() {
		return fmt.Errorf("%s holds %d values for shape %v", name, len(p.Data()), got)
	}
	return nil
}

// Apply runs m under the given scope name.
func Apply(t *trace.Tracer, name string, m Module, x trace.Value) (trace.Value, error) {
	defer t.Scope(name)()
	return m.Export(t, x)
}
