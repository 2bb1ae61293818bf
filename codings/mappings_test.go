package codings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type suffixCoder struct{ s string }

func (c *suffixCoder) Code(_ *Context, in any) (any, error) {
	return in.(string) + c.s, nil
}

type namedCoder struct{ name string }

func (c namedCoder) Code(_ *Context, in any) (any, error) { return in, nil }

func (c namedCoder) Equal(other Coder) bool {
	o, ok := other.(namedCoder)
	return ok && o.name == c.name
}

func newCtx(m *Mappings, opts Options) *Context {
	return NewContext(context.Background(), opts, m)
}

func TestAddHandlerIdempotent(t *testing.T) {
	m := NewMappings()
	c := &suffixCoder{s: "!"}
	m.AddEncodeHandler(KindString, c)
	m.AddEncodeHandler(KindString, c)

	hs, err := m.EncodeHandlers(KindString, nil)
	require.NoError(t, err)
	assert.Len(t, hs, 1)

	m.AddEncodeHandler(KindString, namedCoder{"x"})
	m.AddEncodeHandler(KindString, namedCoder{"x"})
	hs, err = m.EncodeHandlers(KindString, nil)
	require.NoError(t, err)
	assert.Len(t, hs, 2)

	m.AddEncodeHandler(KindString, CoderFunc(passThrough))
	m.AddEncodeHandler(KindString, CoderFunc(passThrough))
	hs, _ = m.EncodeHandlers(KindString, nil)
	assert.Len(t, hs, 3)
}

func TestAddHandlerOrder(t *testing.T) {
	m := NewMappings()
	a, b, c := &suffixCoder{"a"}, &suffixCoder{"b"}, &suffixCoder{"c"}
	m.AddEncodeHandler(KindString, a)
	m.AddEncodeHandler(KindString, b)
	m.AddEncodeHandler(KindString, c, WithOrder(0))

	ctx := newCtx(m, Options{})
	defer ctx.Destroy()
	out, err := m.Encode(ctx, KindString, "")
	require.NoError(t, err)
	assert.Equal(t, "cab", out)
}

func TestRemoveHandler(t *testing.T) {
	m := NewMappings()
	a := &suffixCoder{"a"}
	unregister := m.AddDecodeHandler(KindString, a)
	m.AddDecodeHandler(KindString, namedCoder{"n"})

	assert.True(t, m.RemoveDecodeHandler(KindString, namedCoder{"n"}))
	assert.False(t, m.RemoveDecodeHandler(KindString, namedCoder{"n"}))
	assert.True(t, m.HasDecoder(KindString, nil))

	unregister()
	assert.False(t, m.HasDecoder(KindString, nil))
}

func TestNotSupported(t *testing.T) {
	m := NewMappings()
	_, err := m.EncodeHandlers(Kind("USER"), &Options{Transport: "mqtt", Client: true})
	require.Error(t, err)

	var nse *NotSupportedError
	require.True(t, errors.As(err, &nse))
	assert.Equal(t, Kind("USER"), nse.Kind)
	assert.Equal(t, "mqtt", nse.Transport)
	assert.True(t, nse.Client)
	assert.Contains(t, err.Error(), "USER")
	assert.Contains(t, err.Error(), "mqtt")
	assert.False(t, IsChannelFatal(err))
}

func TestScopedHandlers(t *testing.T) {
	m := NewMappings()
	m.AddEncodeHandler(KindString, &suffixCoder{"-any"})
	m.AddEncodeHandler(KindString, &suffixCoder{"-tcp-client"},
		WithScope(Scope{Transport: "tcp", Client: MatchTrue}))
	m.AddEncodeHandler(KindString, &suffixCoder{"-server"},
		WithScope(Scope{Client: MatchFalse}))

	cases := []struct {
		opts Options
		want string
	}{
		{Options{Transport: "tcp", Client: true}, "x-any-tcp-client"},
		{Options{Transport: "tcp"}, "x-any-server"},
		{Options{Transport: "mqtt", Client: true}, "x-any"},
	}
	for _, tc := range cases {
		ctx := newCtx(m, tc.opts)
		out, err := m.Encode(ctx, KindString, "x")
		require.NoError(t, err)
		assert.Equal(t, tc.want, out)
		ctx.Destroy()
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindBuffer, KindOf([]byte("x")))
	assert.Equal(t, KindString, KindOf("x"))
	assert.Equal(t, KindProto, KindOf(wrapperspb.Int32(1)))
	assert.Equal(t, KindJSON, KindOf(map[string]any{}))
	assert.Equal(t, KindJSON, KindOf(3))
	assert.Equal(t, Kind("USER"), KindOf(kinded{}))
}

type kinded struct{}

func (kinded) CodingKind() Kind { return "USER" }

func TestContentTypes(t *testing.T) {
	k, _ := KindFromContentType("")
	assert.Equal(t, KindJSON, k)
	k, _ = KindFromContentType(ContentTypeOctet)
	assert.Equal(t, KindBuffer, k)
	k, params := KindFromContentType(ProtoContentType("google.protobuf.Int32Value"))
	assert.Equal(t, KindProto, k)
	assert.Equal(t, "google.protobuf.Int32Value", params["type"])
}

func TestDefaultCoders(t *testing.T) {
	m := NewMappings()
	RegisterDefaults(m)

	ctx := newCtx(m, Options{})
	defer ctx.Destroy()

	b, err := m.Encode(ctx, KindJSON, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(b.([]byte)))
	ct, _ := ctx.Get(KeyContentType)
	assert.Equal(t, ContentTypeJSON, ct)

	v, err := m.Decode(ctx, KindJSON, b)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, v)

	v, err = m.Decode(ctx, KindJSON, []byte{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, v)

	s, err := m.Encode(ctx, KindString, "hi")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), s)
	s, err = m.Decode(ctx, KindString, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", s)
}

func TestDecodeInto(t *testing.T) {
	m := NewMappings()
	RegisterDefaults(m)
	ctx := newCtx(m, Options{})
	defer ctx.Destroy()

	var target struct {
		A int `json:"a"`
	}
	ctx.Set(KeyDecodeInto, &target)
	_, err := m.Decode(ctx, KindJSON, []byte(`{"a":5}`))
	require.NoError(t, err)
	assert.Equal(t, 5, target.A)
}

func TestProtoCoders(t *testing.T) {
	m := NewMappings()
	RegisterDefaults(m)

	enc := newCtx(m, Options{})
	defer enc.Destroy()
	msg := wrapperspb.String("hello")
	b, err := m.Encode(enc, KindProto, msg)
	require.NoError(t, err)
	ct, _ := enc.Get(KeyContentType)

	dec := newCtx(m, Options{})
	defer dec.Destroy()
	dec.Set(KeyContentType, ct)
	out, err := m.Decode(dec, KindProto, b)
	require.NoError(t, err)
	assert.True(t, proto.Equal(msg, out.(proto.Message)))
}
