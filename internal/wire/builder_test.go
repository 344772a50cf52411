package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderEncodesOrderedArray(t *testing.T) {
	b := NewBuilder()
	b.Add(map[string]interface{}{"index": uint64(1)})
	b.Add(map[string]interface{}{"index": uint64(2)})
	require.Equal(t, 2, b.Len())

	s, err := b.Slice()
	require.NoError(t, err)

	decoded, err := UnmarshalAny(s)
	require.NoError(t, err)
	arr, ok := decoded.([]interface{})
	require.True(t, ok)
	assert.Len(t, arr, 2)
}

func TestCloneIsDeep(t *testing.T) {
	orig := map[string]interface{}{"nested": map[string]interface{}{"k": "v"}}
	cp, err := Clone(orig)
	require.NoError(t, err)

	orig["nested"].(map[string]interface{})["k"] = "mutated"
	cloned, ok := cp.(map[string]interface{})
	require.True(t, ok)
	assert.NotEqual(t, "mutated", cloned["nested"].(map[string]interface{})["k"])
}
