// Package ratelimiter throttles how fast the HTTP adapter admits new connections.
package ratelimiter

import (
	"context"
	"math"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket over accepted connections.
//
// Each admitted connection consumes one token. Tokens refill at perSecond and the
// bucket holds at most burst tokens, so short accept storms are absorbed while the
// sustained rate stays bounded. A zero rate disables limiting.
//
// Limiter is safe for concurrent use. A nil *Limiter admits everything.
type Limiter struct {
	limiter  *rate.Limiter
	rejected atomic.Uint64
}

// New creates a limiter admitting perSecond connections with the given burst.
// A zero burst defaults to perSecond.
func New(perSecond, burst uint) *Limiter {
	if perSecond == 0 {
		return &Limiter{}
	}
	if burst == 0 {
		burst = perSecond
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(burst)),
	}
}

// Admit consumes a token if one is available. It never blocks.
func (l *Limiter) Admit() bool {
	if l == nil || l.limiter == nil {
		return true
	}
	if l.limiter.Allow() {
		return true
	}
	l.rejected.Add(1)
	return false
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return ctx.Err()
	}
	return l.limiter.Wait(ctx)
}

// Unlimited reports whether limiting is disabled.
func (l *Limiter) Unlimited() bool {
	return l == nil || l.limiter == nil
}

// Rejected returns how many Admit calls were refused.
func (l *Limiter) Rejected() uint64 {
	if l == nil {
		return 0
	}
	return l.rejected.Load()
}

// Tokens returns the tokens currently in the bucket (+Inf when unlimited).
func (l *Limiter) Tokens() float64 {
	if l.Unlimited() {
		return math.Inf(1)
	}
	return l.limiter.Tokens()
}
