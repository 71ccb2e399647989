package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/errdefs"
)

// TestForName tests codec selection by config name
func TestForName(t *testing.T) {
	mp, err := ForName(NameMsgpack)
	require.NoError(t, err)
	assert.Equal(t, NameMsgpack, mp.Name())

	js, err := ForName(NameJSON)
	require.NoError(t, err)
	assert.Equal(t, NameJSON, js.Name())

	_, err = ForName("protobuf")
	require.Error(t, err)
	assert.True(t, errdefs.IsConfig(err))
}

// TestIsMsgpack tests the map-marker sniffing boundaries
func TestIsMsgpack(t *testing.T) {
	tests := []struct {
		name  string
		first byte
		want  bool
	}{
		{"fixmap low", 0x80, true},
		{"fixmap high", 0x8f, true},
		{"map16", 0xde, true},
		{"map32", 0xdf, true},
		{"below fixmap", 0x7f, false},
		{"above fixmap", 0x90, false},
		{"json object", '{', false},
		{"json whitespace", ' ', false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsMsgpack([]byte{tt.first, 0x00}))
		})
	}

	assert.False(t, IsMsgpack(nil))
	assert.False(t, IsMsgpack([]byte{}))
}

// TestDecodeSniffs tests that Decode picks the right codec per payload
func TestDecodeSniffs(t *testing.T) {
	type doc struct {
		Name  string `json:"name" msgpack:"name"`
		Count int    `json:"count" msgpack:"count"`
	}
	in := doc{Name: "widgets", Count: 42}

	for _, c := range []Codec{Msgpack{}, JSON{}} {
		data, err := c.Marshal(in)
		require.NoError(t, err)

		var out doc
		require.NoError(t, Decode(data, &out))
		assert.Equal(t, in, out, "decoded via %s", c.Name())
	}
}

// TestDecodeEmptyPayload tests the empty-input guard
func TestDecodeEmptyPayload(t *testing.T) {
	var v map[string]any
	err := Decode(nil, &v)
	require.Error(t, err)
	assert.True(t, errdefs.IsSerialization(err))
}

// TestDecodeCorruptPayload tests that garbage maps to a serialization error
func TestDecodeCorruptPayload(t *testing.T) {
	var v map[string]any
	err := Decode([]byte("not json at all"), &v)
	require.Error(t, err)
	assert.True(t, errdefs.IsSerialization(err))
}
