package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestGet(t *testing.T) {
	for _, name := range []string{"json", "msgpack", "proto"} {
		c, err := Get(name)
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}

	def, err := Get("")
	require.NoError(t, err)
	assert.Equal(t, "json", def.Name())

	_, err = Get("xml")
	assert.True(t, errors.Is(err, ErrUnknownCodec))
	assert.Equal(t, []string{"json", "msgpack", "proto"}, Names())
}

func TestJSONInvalid(t *testing.T) {
	var v any
	err := JSON.Unmarshal([]byte(`{"a":`), &v)
	require.Error(t, err)

	var invalid *InvalidJSONError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, `{"a":`, invalid.Raw)
	assert.NotNil(t, invalid.Unwrap())
}

func TestJSONSortsMapKeys(t *testing.T) {
	b, err := Encode(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1}`, string(b))
}

func TestMsgpackHeaders(t *testing.T) {
	b, err := Msgpack.Marshal(map[string]any{"content-type": "application/json", "n": 3})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, Msgpack.Unmarshal(b, &out))
	assert.Equal(t, "application/json", out["content-type"])
	assert.EqualValues(t, 3, out["n"])
}

func TestProto(t *testing.T) {
	msg := wrapperspb.String("hello")
	b, err := Proto.Marshal(msg)
	require.NoError(t, err)

	name := ProtoName(msg)
	assert.Equal(t, "google.protobuf.StringValue", name)

	out, err := NewProtoMessage(name)
	require.NoError(t, err)
	require.NoError(t, Proto.Unmarshal(b, out))
	assert.True(t, proto.Equal(msg, out))

	_, err = Proto.Marshal(map[string]any{})
	assert.ErrorIs(t, err, ErrNotProtoMessage)

	_, err = NewProtoMessage("no.such.Message")
	assert.Error(t, err)
}

func TestByContentType(t *testing.T) {
	c, ok := ByContentType("application/msgpack")
	require.True(t, ok)
	assert.Equal(t, "msgpack", c.Name())

	_, ok = ByContentType("text/csv")
	assert.False(t, ok)
}
