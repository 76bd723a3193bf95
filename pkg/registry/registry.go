package registry

import (
	"fmt"
	"sort"
)

// Class reconstructs instances of a pickled Python class. It is called for the
// NEWOBJ opcode with the arguments of cls.__new__.
type Class interface {
	PyNew(args ...interface{}) (interface{}, error)
}

// ClassFunc adapts a function to the Class interface.
type ClassFunc func(args ...interface{}) (interface{}, error)

// PyNew calls f.
func (f ClassFunc) PyNew(args ...interface{}) (interface{}, error) {
	return f(args...)
}

// layers holds the standard torch.nn layer classes, keyed by their fully
// qualified Python name (e.g. "torch.nn.modules.conv.Conv2d").
var layers = make(map[string]Class)

// models holds companion model definitions that may be allow-listed as the
// root type of a checkpoint.
var models = make(map[string]Class)

// RegisterLayer adds a standard layer class.
func RegisterLayer(name string, class Class) {
	layers[name] = class
}

// RegisterModel adds a model definition. Companion packages call it from init.
func RegisterModel(name string, class Class) {
	models[name] = class
}

// Layer returns the standard layer class registered under name.
func Layer(name string) (Class, bool) {
	class, ok := layers[name]
	return class, ok
}

// Model returns the model definition registered under name.
func Model(name string) (Class, bool) {
	class, ok := models[name]
	return class, ok
}

// Models lists the registered model definitions in sorted order.
func Models() []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllowList maps fully qualified type names to the classes that may be
// reconstructed for them during deserialization.
type AllowList map[string]Class

// NewAllowList returns an allow-list holding exactly one type.
func NewAllowList(name string, class Class) AllowList {
	return AllowList{name: class}
}

// AllowListFor resolves name in the model registry and returns a one-entry
// allow-list for it.
func AllowListFor(name string) (AllowList, error) {
	class, ok := Model(name)
	if !ok {
		return nil, fmt.Errorf("model definition %q is not registered (registered: %v)", name, Models())
	}
	return NewAllowList(name, class), nil
}

// Allows reports whether name is on the list.
func (a AllowList) Allows(name string) bool {
	_, ok := a[name]
	return ok
}
