package codings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextInputs(t *testing.T) {
	ctx := NewContext(context.Background(), Options{Transport: "tcp"}, nil)
	defer ctx.Destroy()

	assert.Nil(t, ctx.First())
	assert.Nil(t, ctx.Last())

	orig := map[string]any{"a": 1}
	ctx.Next(orig)
	ctx.Next(orig)
	assert.Len(t, ctx.Inputs(), 1)

	b := []byte("x")
	ctx.Next(b).Next(b).Next("y").Next("y")

	assert.Equal(t, orig, ctx.First())
	assert.Equal(t, "y", ctx.Last())
	in := ctx.Inputs()
	require.Len(t, in, 3)
	assert.Equal(t, "y", in[0])
	assert.Equal(t, b, in[1])
}

func TestContextValuesAndChannel(t *testing.T) {
	ctx := NewContext(context.Background(), Options{Transport: "tcp"}, nil)
	assert.Equal(t, "tcp", ctx.Channel())

	ctx.Set(KeyChannel, "tcp/room-1")
	assert.Equal(t, "tcp/room-1", ctx.Channel())

	ctx.Set("k", 3)
	v, ok := ctx.Get("k")
	require.True(t, ok)
	assert.Equal(t, 3, v)
	ctx.Delete("k")
	_, ok = ctx.Get("k")
	assert.False(t, ok)

	assert.False(t, ctx.Completed())
	ctx.Complete()
	assert.True(t, ctx.Completed())
}

func TestContextDestroy(t *testing.T) {
	ctx := NewContext(context.Background(), Options{}, nil)
	ctx.Next("a")
	ctx.Set("k", 1)
	ctx.Destroy()
	ctx.Destroy()

	assert.True(t, ctx.Destroyed())
	assert.True(t, errors.Is(ctx.Err(), ErrContextDestroyed))
	assert.Nil(t, ctx.First())
	_, ok := ctx.Get("k")
	assert.False(t, ok)
	assert.Error(t, ctx.Context().Err())
}

func TestContextParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx := NewContext(parent, Options{}, nil)
	defer ctx.Destroy()
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
