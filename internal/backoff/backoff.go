// Package backoff computes jittered exponential retry delays.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/austindbirch/harbor_retry/internal/model"
)

// JitterFraction bounds the random jitter added on top of the base delay.
const JitterFraction = 0.3

// Source yields uniform values in [0, 1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

type globalSource struct{}

func (globalSource) Float64() float64 { return rand.Float64() }

// lockedSource serialises access to a non goroutine-safe source such as *rand.Rand.
type lockedSource struct {
	mu  sync.Mutex
	src Source
}

func (l *lockedSource) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}

// Calculator computes jittered exponential delays between retry attempts.
// It is safe for concurrent use when its Source is.
type Calculator struct {
	src Source
}

// New returns a calculator drawing jitter from src. A nil src uses the global math/rand source.
func New(src Source) *Calculator {
	if src == nil {
		return &Calculator{src: globalSource{}}
	}
	return &Calculator{src: &lockedSource{src: src}}
}

// Base returns the un-jittered delay for attempt: min(initial * multiplier^attempt, max).
func Base(attempt int, p model.RetryPolicy) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	limit := float64(p.MaxDelay)
	raw := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if math.IsInf(raw, 0) || math.IsNaN(raw) || raw > limit {
		return p.MaxDelay
	}
	return time.Duration(raw)
}

// JitterMax is the largest jitter NextDelay may add for attempt.
func JitterMax(attempt int, p model.RetryPolicy) time.Duration {
	return time.Duration(float64(Base(attempt, p)) * JitterFraction)
}

// NextDelay returns the base delay plus uniform jitter in [0, 0.3*base], floored to milliseconds.
func (c *Calculator) NextDelay(attempt int, p model.RetryPolicy) time.Duration {
	base := float64(Base(attempt, p))
	d := base + c.src.Float64()*base*JitterFraction
	if d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64).Truncate(time.Millisecond)
	}
	return time.Duration(d).Truncate(time.Millisecond)
}

var defaultCalculator = New(nil)

// NextDelay computes a delay with the default calculator.
func NextDelay(attempt int, p model.RetryPolicy) time.Duration {
	return defaultCalculator.NextDelay(attempt, p)
}
