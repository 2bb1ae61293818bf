package codings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trace(name string, log *[]string) Interceptor {
	return InterceptorFunc(func(ctx *Context, input any, next Handler) ([]any, error) {
		*log = append(*log, name+">")
		out, err := next.Handle(ctx, input.(string)+name)
		*log = append(*log, "<"+name)
		return out, err
	})
}

func TestChainOrder(t *testing.T) {
	var log []string
	backend := HandlerFunc(func(ctx *Context, input any) ([]any, error) {
		log = append(log, "backend")
		return []any{input}, nil
	})
	c := NewChain(backend, trace("a", &log), trace("b", &log), trace("c", &log))
	assert.Equal(t, 3, c.Len())

	ctx := NewContext(context.Background(), Options{}, nil)
	defer ctx.Destroy()
	out, err := c.Handle(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []any{"abc"}, out)
	assert.Equal(t, []string{"a>", "b>", "c>", "backend", "<c", "<b", "<a"}, log)

	assert.Equal(t, "", ctx.First())
	assert.Equal(t, "abc", ctx.Last())
}

func TestChainShortCircuit(t *testing.T) {
	boom := errors.New("boom")
	called := false
	backend := HandlerFunc(func(*Context, any) ([]any, error) {
		called = true
		return nil, nil
	})
	fail := InterceptorFunc(func(*Context, any, Handler) ([]any, error) {
		return nil, boom
	})
	c := NewChain(backend, fail)

	ctx := NewContext(context.Background(), Options{}, nil)
	defer ctx.Destroy()
	_, err := c.Handle(ctx, "x")
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
}

func TestChainCancelled(t *testing.T) {
	called := false
	backend := HandlerFunc(func(*Context, any) ([]any, error) {
		called = true
		return nil, nil
	})
	cancelInside := InterceptorFunc(func(ctx *Context, input any, next Handler) ([]any, error) {
		ctx.Destroy()
		return next.Handle(ctx, input)
	})
	c := NewChain(backend, cancelInside)

	ctx := NewContext(context.Background(), Options{}, nil)
	_, err := c.Handle(ctx, "x")
	assert.ErrorIs(t, err, ErrContextDestroyed)
	assert.False(t, called)
}
