package nn

import (
	"fmt"
	"strconv"

	"github.com/zerfoo/pt2onnx/pkg/trace"
)

const (
	sequentialType = "torch.nn.modules.container.Sequential"
	dropoutType    = "torch.nn.modules.dropout.Dropout"
	identityType   = "torch.nn.modules.linear.Identity"
)

func init() {
	Register(sequentialType, func() Module { return &Sequential{Base: NewBase(sequentialType)} })
	Register(dropoutType, func() Module { return &Passthrough{Base: NewBase(dropoutType)} })
	Register(identityType, func() Module { return &Passthrough{Base: NewBase(identityType)} })
}

var (
	_ stateful = (*Sequential)(nil)
	_ stateful = (*Passthrough)(nil)
)

// Sequential is torch.nn.Sequential: its children applied in order.
type Sequential struct {
	Base
	Names   []string
	Modules []Module
}

// NewSequential builds a container whose children are named "0", "1", ...
func NewSequential(modules ...Module) *Sequential {
	s := &Sequential{Base: NewBase(sequentialType)}
	for i, m := range modules {
		s.Names = append(s.Names, strconv.Itoa(i))
		s.Modules = append(s.Modules, m)
	}
	return s
}

// PySetState rebuilds the container from its pickled __dict__.
func (q *Sequential) PySetState(state interface{}) error {
	s, err := q.ReadState(state)
	if err != nil {
		return err
	}
	modules, err := s.Dict("_modules")
	if err != nil {
		return fmt.Errorf("%s: %w", q.typeName, err)
	}

	var names []string
	if keys := modules.Keys(); keys != nil {
		for _, k := range keys {
			name, ok := k.(string)
			if !ok {
				return fmt.Errorf("%s: submodule key %v is not a str", q.typeName, k)
			}
			names = append(names, name)
		}
	} else {
		for i := 0; ; i++ {
			if _, ok := modules.Index(i); !ok {
				break
			}
			names = append(names, strconv.Itoa(i))
		}
	}

	q.Names, q.Modules = nil, nil
	for _, name := range names {
		m, err := Child(s, name)
		if err != nil {
			return fmt.Errorf("%s: %w", q.typeName, err)
		}
		q.Names = append(q.Names, name)
		q.Modules = append(q.Modules, m)
	}
	return nil
}

// Train sets the mode on the container and every child.
func (q *Sequential) Train(mode bool) {
	q.Base.Train(mode)
	for _, m := range q.Modules {
		m.Train(mode)
	}
}

// Export threads x through each child under its own scope.
func (q *Sequential) Export(t *trace.Tracer, x trace.Value) (trace.Value, error) {
	var err error
	for i, m := range q.Modules {
		if x, err = Apply(t, q.Names[i], m, x); err != nil {
			return trace.Value{}, err
		}
	}
	return x, nil
}

// Passthrough covers torch.nn.Identity and torch.nn.Dropout, which compute
// nothing in eval mode. They trace as an Identity node that the exporter
// later removes.
type Passthrough struct {
	Base
	P float64
}

// PySetState rebuilds the layer from its pickled __dict__.
func (p *Passthrough) PySetState(state interface{}) error {
	s, err := p.ReadState(state)
	if err != nil {
		return err
	}
	if p.P, err = s.FloatOr("p", 0); err != nil {
		return fmt.Errorf("%s: %w", p.typeName, err)
	}
	return nil
}

// Export emits an Identity node. Dropout in training mode is rejected.
func (p *Passthrough) Export(t *trace.Tracer, x trace.Value) (trace.Value, error) {
	if p.typeName == dropoutType && p.Training() && p.P > 0 {
		return trace.Value{}, t.Errorf("Dropout in training mode: %w", trace.ErrUnsupported)
	}
	return t.Op("Identity", []string{x.Name}, x.Shape), nil
}
