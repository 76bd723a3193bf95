package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct{}

func TestModelRegistration(t *testing.T) {
	class := ClassFunc(func(args ...interface{}) (interface{}, error) { return &widget{}, nil })
	RegisterModel("tests.widgets.Widget", class)
	defer delete(models, "tests.widgets.Widget")

	got, ok := Model("tests.widgets.Widget")
	require.True(t, ok)
	obj, err := got.PyNew()
	require.NoError(t, err)
	assert.IsType(t, &widget{}, obj)
	assert.Contains(t, Models(), "tests.widgets.Widget")

	allow, err := AllowListFor("tests.widgets.Widget")
	require.NoError(t, err)
	assert.Len(t, allow, 1)
	assert.True(t, allow.Allows("tests.widgets.Widget"))
	assert.False(t, allow.Allows("tests.widgets.Other"))
}

func TestAllowListForUnknownModel(t *testing.T) {
	_, err := AllowListFor("nowhere.Missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere.Missing")
}

func TestLayerRegistration(t *testing.T) {
	RegisterLayer("tests.layers.Thing", ClassFunc(func(args ...interface{}) (interface{}, error) { return nil, nil }))
	defer delete(layers, "tests.layers.Thing")

	_, ok := Layer("tests.layers.Thing")
	assert.True(t, ok)
	_, ok = Layer("tests.layers.Other")
	assert.False(t, ok)
}
