package net

import (
	"context"
	"sync/atomic"

	"github.com/lcx/packetflow/codings"
	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// RecvLimiter is a token bucket applied to decoded packets before they reach
// the typed decoder. The limiter can be swapped at runtime.
type RecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewRecvLimiter creates a token bucket allowing limit packets per second
// with the given burst. A non-positive limit disables limiting.
func NewRecvLimiter(limit int, burst int) *RecvLimiter {
	l := &RecvLimiter{}
	l.Reload(limit, burst)
	return l
}

// Take blocks until a token is available or ctx is done.
func (l *RecvLimiter) Take(ctx context.Context) error {
	lim := l.limiter.Load()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Reload replaces the bucket.
func (l *RecvLimiter) Reload(limit int, burst int) {
	if limit <= 0 {
		l.limiter.Store(nil)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

// Intercept implements codings.Interceptor.
func (l *RecvLimiter) Intercept(ctx *codings.Context, input any, next codings.Handler) ([]any, error) {
	if err := l.Take(ctx.Context()); err != nil {
		return nil, err
	}
	return next.Handle(ctx, input)
}

// SendLimiter is a leaky bucket that paces outbound packets.
type SendLimiter struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

// NewSendLimiter creates a leaky bucket of limit packets per second. A
// non-positive limit disables pacing.
func NewSendLimiter(limit int) *SendLimiter {
	l := &SendLimiter{}
	l.Reload(limit)
	return l
}

// Take blocks until the next packet may leave.
func (l *SendLimiter) Take() {
	if lim := l.limiter.Load(); lim != nil {
		_ = (*lim).Take()
	}
}

// Reload replaces the bucket.
func (l *SendLimiter) Reload(limit int) {
	if limit <= 0 {
		l.limiter.Store(nil)
		return
	}
	lim := ratelimit.New(limit)
	l.limiter.Store(&lim)
}

// Intercept implements codings.Interceptor.
func (l *SendLimiter) Intercept(ctx *codings.Context, input any, next codings.Handler) ([]any, error) {
	l.Take()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return next.Handle(ctx, input)
}
