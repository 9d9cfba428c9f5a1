package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilNodeIDIsInvalid(t *testing.T) {
	assert.False(t, NilNodeID.IsValid())
}

func TestNewNodeIDIsValid(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	id := NewNodeID(keys.Public)
	assert.True(t, id.IsValid())
}

func TestNodeIDFromBytesRejectsWrongLength(t *testing.T) {
	_, ok := NodeIDFromBytes([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestNodeIDFromBytesRoundTrips(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	id, ok := NodeIDFromBytes(keys.Public[:])
	require.True(t, ok)
	assert.Equal(t, keys.Public[:], id.Bytes())
}

func TestNodeIDEqual(t *testing.T) {
	a := NodeID{1, 2, 3}
	b := NodeID{1, 2, 3}
	c := NodeID{4, 5, 6}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestNodeIDStringIsTruncated(t *testing.T) {
	id := NodeID{0xAB, 0xCD, 0xEF, 0x01, 0x02, 0x03, 0x04, 0x05}
	assert.Len(t, id.String(), 7)
	assert.Equal(t, 64, len(id.FullString()))
}
