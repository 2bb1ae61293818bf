package codings

import (
	"context"
	"reflect"
	"sync"
)

// Well-known context value keys.
const (
	// KeyChannel overrides the framing channel (defaults to Options.Transport).
	KeyChannel = "channel"
	// KeyExpectedID holds the correlation id a client is waiting for.
	KeyExpectedID = "expected-id"
	// KeyContentType holds the content type chosen by the typed coder.
	KeyContentType = "content-type"
	// KeyDecodeInto holds a target value the typed decoder should fill.
	KeyDecodeInto = "decode-into"
)

// Context is the per-operation carrier threaded through a chain. It keeps
// the values seen so far, the active options and a bag of named values.
//
// A Context is owned by one logical operation. It is safe to read from
// several goroutines, which is what request/response pairing needs.
type Context struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     Options
	mappings *Mappings

	mu        sync.RWMutex
	inputs    []any
	values    map[string]any
	completed bool
	destroyed bool
}

// NewContext creates a context bound to parent. Destroy cancels it.
func NewContext(parent context.Context, opts Options, m *Mappings) *Context {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		mappings: m,
		values:   make(map[string]any),
	}
}

// Context returns the cancellation scope of the operation.
func (c *Context) Context() context.Context { return c.ctx }

// Options returns the options the chain runs with.
func (c *Context) Options() *Options { return &c.opts }

// Mappings returns the coder registry, which may be nil.
func (c *Context) Mappings() *Mappings { return c.mappings }

// Err is non-nil once the context was destroyed or its parent cancelled.
func (c *Context) Err() error {
	c.mu.RLock()
	destroyed := c.destroyed
	c.mu.RUnlock()
	if destroyed {
		return ErrContextDestroyed
	}
	return c.ctx.Err()
}

// Next records v as the current input. It is a no-op when v is the value
// already on top, so re-entering a stage does not grow the history.
func (c *Context) Next(v any) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return c
	}
	if n := len(c.inputs); n > 0 && sameValue(c.inputs[n-1], v) {
		return c
	}
	c.inputs = append(c.inputs, v)
	return c
}

// First returns the original input of the chain.
func (c *Context) First() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.inputs) == 0 {
		return nil
	}
	return c.inputs[0]
}

// Last returns the most recently recorded input.
func (c *Context) Last() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.inputs) == 0 {
		return nil
	}
	return c.inputs[len(c.inputs)-1]
}

// Inputs returns the recorded inputs, most recent first.
func (c *Context) Inputs() []any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]any, len(c.inputs))
	for i, v := range c.inputs {
		out[len(c.inputs)-1-i] = v
	}
	return out
}

// Set stores a named value.
func (c *Context) Set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.values[key] = v
}

// Get loads a named value.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Delete removes a named value.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// Channel returns the framing channel key.
func (c *Context) Channel() string {
	if v, ok := c.Get(KeyChannel); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return c.opts.Transport
}

// Complete marks the operation as finished.
func (c *Context) Complete() {
	c.mu.Lock()
	c.completed = true
	c.mu.Unlock()
}

// Completed reports whether Complete was called.
func (c *Context) Completed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.completed
}

// Destroy cancels the context and drops the retained history. It is safe to
// call more than once.
func (c *Context) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.inputs = nil
	c.values = nil
	c.mu.Unlock()
	c.cancel()
}

// Destroyed reports whether Destroy was called.
func (c *Context) Destroyed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.destroyed
}

func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}
	if va.Comparable() && vb.Comparable() {
		return va.Equal(vb)
	}
	return false
}
