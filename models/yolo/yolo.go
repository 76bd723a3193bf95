// Package yolo holds the companion model definition that checkpoints saved as
// whole YOLO models resolve against. Importing it registers
// models.yolo.DetectionModel.
package yolo

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zerfoo/pt2onnx/pkg/checkpoint"
	"github.com/zerfoo/pt2onnx/pkg/nn"
	"github.com/zerfoo/pt2onnx/pkg/registry"
	"github.com/zerfoo/pt2onnx/pkg/trace"
)

// DetectionModelType is the fully qualified name the checkpoint pickles.
const DetectionModelType = "models.yolo.DetectionModel"

func init() {
	registry.RegisterModel(DetectionModelType, registry.ClassFunc(func(args ...interface{}) (interface{}, error) {
		return &DetectionModel{Base: nn.NewBase(DetectionModelType)}, nil
	}))
}

// DetectionModel wraps the layer stack stored under its "model" attribute.
type DetectionModel struct {
	nn.Base
	Model nn.Module
	// Names maps class indices to labels when the checkpoint carries them.
	Names map[int64]string
}

// New returns a DetectionModel around an already built layer stack.
func New(model nn.Module) *DetectionModel {
	return &DetectionModel{Base: nn.NewBase(DetectionModelType), Model: model}
}

// PySetState rebuilds the model from its pickled __dict__.
func (d *DetectionModel) PySetState(state interface{}) error {
	s, err := d.ReadState(state)
	if err != nil {
		return err
	}
	if d.Model, err = nn.Child(s, "model"); err != nil {
		return fmt.Errorf("%s: %w", DetectionModelType, err)
	}
	if v, ok := s.Get("names"); ok && v != nil {
		if d.Names, err = readNames(v); err != nil {
			return fmt.Errorf("%s: names: %w", DetectionModelType, err)
		}
	}
	return nil
}

func readNames(v interface{}) (map[int64]string, error) {
	names := make(map[int64]string)
	if items, err := checkpoint.ToSlice(v); err == nil {
		for i, item := range items {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("label %d is %T", i, item)
			}
			names[int64(i)] = name
		}
		return names, nil
	}
	s, err := checkpoint.NewState(v)
	if err != nil {
		return nil, err
	}
	for _, k := range s.Keys() {
		i, err := checkpoint.ToInt(k)
		if err != nil {
			return nil, err
		}
		label, _ := getAny(v, k)
		name, ok := label.(string)
		if !ok {
			return nil, fmt.Errorf("label %d is %T", i, label)
		}
		names[i] = name
	}
	return names, nil
}

// getAny looks up a non-string key in a pickled dict.
func getAny(dict, key interface{}) (interface{}, bool) {
	if m, ok := dict.(interface {
		Get(interface{}) (interface{}, bool)
	}); ok {
		return m.Get(key)
	}
	return nil, false
}

// Train sets the mode on the model and its layer stack.
func (d *DetectionModel) Train(mode bool) {
	d.Base.Train(mode)
	if d.Model != nil {
		d.Model.Train(mode)
	}
}

// Export traces the layer stack under the "model" scope, which gives the
// torch-style names model.0.weight and /model.0/Conv.
func (d *DetectionModel) Export(t *trace.Tracer, x trace.Value) (trace.Value, error) {
	if d.Model == nil {
		return trace.Value{}, t.Errorf("%s has no layers: %w", DetectionModelType, trace.ErrUnsupported)
	}
	return nn.Apply(t, "model", d.Model, x)
}

// Metadata is written into the exported model's metadata_props.
func (d *DetectionModel) Metadata() map[string]string {
	if len(d.Names) == 0 {
		return nil
	}
	idx := make([]int64, 0, len(d.Names))
	for i := range d.Names {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	parts := make([]string, len(idx))
	for n, i := range idx {
		parts[n] = fmt.Sprintf("%d: '%s'", i, d.Names[i])
	}
	return map[string]string{"names": "{" + strings.Join(parts, ", ") + "}"}
}
