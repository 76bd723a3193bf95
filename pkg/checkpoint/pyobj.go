package checkpoint

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
)

// mapping is satisfied by gopickle's dict types and by OrderedDict below.
type mapping interface {
	Get(key interface{}) (interface{}, bool)
}

// sequence is satisfied by gopickle's tuple and list types.
type sequence interface {
	Len() int
	Get(i int) interface{}
}

// callable adapts a function to gopickle's types.Callable.
type callable func(args ...interface{}) (interface{}, error)

func (f callable) Call(args ...interface{}) (interface{}, error) {
	return f(args...)
}

// OrderedDict is the reconstruction of collections.OrderedDict.
type OrderedDict struct {
	keys   []interface{}
	values map[interface{}]interface{}
}

// NewOrderedDict returns an empty OrderedDict.
func NewOrderedDict() *OrderedDict {
	return &OrderedDict{values: make(map[interface{}]interface{})}
}

// Set inserts or replaces key, keeping first-insertion order.
func (d *OrderedDict) Set(key, value interface{}) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// PyDictSet is called by the unpickler for SETITEM(S) on this object.
func (d *OrderedDict) PyDictSet(key, value interface{}) error {
	d.Set(key, value)
	return nil
}

// Get returns the value stored under key.
func (d *OrderedDict) Get(key interface{}) (interface{}, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Len returns the number of entries.
func (d *OrderedDict) Len() int { return len(d.keys) }

// Keys returns the keys in insertion order.
func (d *OrderedDict) Keys() []interface{} { return d.keys }

var orderedDictClass = callable(func(args ...interface{}) (interface{}, error) {
	return NewOrderedDict(), nil
})

// Set is the reconstruction of builtins.set. Modules pickle
// _non_persistent_buffers_set as one; its content is not needed.
type Set struct {
	items []interface{}
}

var setClass = callable(func(args ...interface{}) (interface{}, error) {
	s := &Set{}
	if len(args) > 0 {
		if seq, ok := args[0].(sequence); ok {
			for i := 0; i < seq.Len(); i++ {
				s.items = append(s.items, seq.Get(i))
			}
		}
	}
	return s, nil
})

// Len returns the number of items.
func (s *Set) Len() int { return len(s.items) }

// ToInt converts a pickled Python int.
func ToInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case *big.Int:
		if !n.IsInt64() {
			return 0, fmt.Errorf("integer %s overflows int64", n)
		}
		return n.Int64(), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("expected int, got %T", v)
}

// ToFloat converts a pickled Python float or int.
func ToFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	}
	i, err := ToInt(v)
	if err != nil {
		return 0, fmt.Errorf("expected float, got %T", v)
	}
	return float64(i), nil
}

// ToInts converts a tuple or list of ints. A bare int becomes a one-element slice.
func ToInts(v interface{}) ([]int64, error) {
	items, err := ToSlice(v)
	if err != nil {
		i, ierr := ToInt(v)
		if ierr != nil {
			return nil, err
		}
		return []int64{i}, nil
	}
	out := make([]int64, len(items))
	for i, item := range items {
		if out[i], err = ToInt(item); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return out, nil
}

// ToSlice converts a tuple or list.
func ToSlice(v interface{}) ([]interface{}, error) {
	switch s := v.(type) {
	case []interface{}:
		return s, nil
	case sequence:
		out := make([]interface{}, s.Len())
		for i := range out {
			out[i] = s.Get(i)
		}
		return out, nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice || (rv.Kind() == reflect.Ptr && rv.Elem().Kind() == reflect.Slice) {
		rv = reflect.Indirect(rv)
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected tuple or list, got %T", v)
}

// State is read access to a pickled module __dict__ or any other dict.
type State struct {
	m mapping
}

// NewState wraps a pickled dict.
func NewState(v interface{}) (*State, error) {
	if m, ok := v.(mapping); ok {
		return &State{m: m}, nil
	}
	if rv := reflect.Indirect(reflect.ValueOf(v)); rv.Kind() == reflect.Map {
		return &State{m: reflectMap{rv}}, nil
	}
	return nil, fmt.Errorf("expected dict, got %T", v)
}

// reflectMap reads plain Go maps produced by older gopickle releases.
type reflectMap struct {
	v reflect.Value
}

func (r reflectMap) Get(key interface{}) (interface{}, bool) {
	kv := reflect.ValueOf(key)
	if !kv.Type().AssignableTo(r.v.Type().Key()) {
		return nil, false
	}
	val := r.v.MapIndex(kv)
	if !val.IsValid() {
		return nil, false
	}
	return val.Interface(), true
}

// Get returns a raw entry.
func (s *State) Get(key string) (interface{}, bool) {
	return s.m.Get(key)
}

// Has reports whether key is present and not None.
func (s *State) Has(key string) bool {
	v, ok := s.m.Get(key)
	return ok && v != nil
}

func (s *State) must(key string) (interface{}, error) {
	v, ok := s.m.Get(key)
	if !ok {
		return nil, fmt.Errorf("missing attribute %q", key)
	}
	return v, nil
}

// Int reads an int attribute.
func (s *State) Int(key string) (int64, error) {
	v, err := s.must(key)
	if err != nil {
		return 0, err
	}
	i, err := ToInt(v)
	if err != nil {
		return 0, fmt.Errorf("attribute %q: %w", key, err)
	}
	return i, nil
}

// IntOr reads an int attribute, returning def when it is absent.
func (s *State) IntOr(key string, def int64) (int64, error) {
	if !s.Has(key) {
		return def, nil
	}
	return s.Int(key)
}

// Float reads a float attribute.
func (s *State) Float(key string) (float64, error) {
	v, err := s.must(key)
	if err != nil {
		return 0, err
	}
	f, err := ToFloat(v)
	if err != nil {
		return 0, fmt.Errorf("attribute %q: %w", key, err)
	}
	return f, nil
}

// FloatOr reads a float attribute, returning def when it is absent or None.
func (s *State) FloatOr(key string, def float64) (float64, error) {
	if !s.Has(key) {
		return def, nil
	}
	return s.Float(key)
}

// Bool reads a bool attribute, returning def when it is absent.
func (s *State) Bool(key string, def bool) (bool, error) {
	v, ok := s.m.Get(key)
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("attribute %q: expected bool, got %T", key, v)
	}
	return b, nil
}

// String reads a str attribute, returning def when it is absent.
func (s *State) String(key, def string) (string, error) {
	v, ok := s.m.Get(key)
	if !ok || v == nil {
		return def, nil
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("attribute %q: expected str, got %T", key, v)
	}
	return str, nil
}

// Ints reads an attribute that is either an int or a tuple of ints, expanding
// a bare int to n copies (torch's _pair for n == 2).
func (s *State) Ints(key string, n int) ([]int64, error) {
	v, err := s.must(key)
	if err != nil {
		return nil, err
	}
	if i, err := ToInt(v); err == nil {
		out := make([]int64, n)
		for j := range out {
			out[j] = i
		}
		return out, nil
	}
	ints, err := ToInts(v)
	if err != nil {
		return nil, fmt.Errorf("attribute %q: %w", key, err)
	}
	if len(ints) != n {
		return nil, fmt.Errorf("attribute %q: want %d values, got %v", key, n, ints)
	}
	return ints, nil
}

// Dict reads a nested dict attribute such as _parameters or _modules.
func (s *State) Dict(key string) (*State, error) {
	v, err := s.must(key)
	if err != nil {
		return nil, err
	}
	d, err := NewState(v)
	if err != nil {
		return nil, fmt.Errorf("attribute %q: %w", key, err)
	}
	return d, nil
}

// Tensor reads a tensor entry. A None entry yields nil without error.
func (s *State) Tensor(key string) (*Tensor, error) {
	v, ok := s.m.Get(key)
	if !ok || v == nil {
		return nil, nil
	}
	t, ok := v.(*Tensor)
	if !ok {
		return nil, fmt.Errorf("entry %q: expected tensor, got %T", key, v)
	}
	return t, nil
}

// Index returns entry i of a dict keyed by decimal strings, as used by
// nn.Sequential and nn.ModuleList.
func (s *State) Index(i int) (interface{}, bool) {
	return s.m.Get(strconv.Itoa(i))
}

// Keys returns the dict's keys in insertion order, or nil when the
// underlying dict does not expose them.
func (s *State) Keys() []interface{} {
	if k, ok := s.m.(interface{ Keys() []interface{} }); ok {
		return k.Keys()
	}
	return nil
}
