package converter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDummyInput(t *testing.T) {
	opts := DefaultOptions()
	opts.Seed = 3
	a, err := New(opts).dummyInput()
	require.NoError(t, err)
	assert.Equal(t, InputShape, a.Shape())
	assert.Len(t, a.Data(), 1*3*224*224)

	b, err := New(opts).dummyInput()
	require.NoError(t, err)
	assert.Equal(t, a.Data()[:16], b.Data()[:16])

	opts.Seed = 4
	c, err := New(opts).dummyInput()
	require.NoError(t, err)
	assert.NotEqual(t, a.Data()[:16], c.Data()[:16])
}
