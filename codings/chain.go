package codings

// Handler is a terminal stage of a chain.
type Handler interface {
	Handle(ctx *Context, input any) ([]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx *Context, input any) ([]any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx *Context, input any) ([]any, error) {
	return f(ctx, input)
}

// Interceptor wraps the rest of a chain. It may transform input before
// calling next, transform what next returns, or return an error instead.
type Interceptor interface {
	Intercept(ctx *Context, input any, next Handler) ([]any, error)
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(ctx *Context, input any, next Handler) ([]any, error)

// Intercept calls f.
func (f InterceptorFunc) Intercept(ctx *Context, input any, next Handler) ([]any, error) {
	return f(ctx, input, next)
}

// Chain is a backend wrapped by interceptors. The first interceptor is the
// outermost one and runs first. The chain is composed once.
type Chain struct {
	backend      Handler
	interceptors []Interceptor
	head         Handler
}

// NewChain composes interceptors around backend.
func NewChain(backend Handler, interceptors ...Interceptor) *Chain {
	c := &Chain{
		backend:      backend,
		interceptors: append([]Interceptor(nil), interceptors...),
	}
	h := guard(backend)
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		h = link(c.interceptors[i], h)
	}
	c.head = h
	return c
}

// Handle runs input through the chain.
func (c *Chain) Handle(ctx *Context, input any) ([]any, error) {
	return c.head.Handle(ctx, input)
}

// Len is the number of interceptors.
func (c *Chain) Len() int { return len(c.interceptors) }

// guard stops a destroyed or cancelled context before a stage runs and
// records the stage input.
func guard(h Handler) Handler {
	return HandlerFunc(func(ctx *Context, input any) ([]any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ctx.Next(input)
		return h.Handle(ctx, input)
	})
}

func link(i Interceptor, next Handler) Handler {
	return guard(HandlerFunc(func(ctx *Context, input any) ([]any, error) {
		return i.Intercept(ctx, input, next)
	}))
}
