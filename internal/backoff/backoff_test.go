package backoff

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/austindbirch/harbor_retry/internal/model"
)

// fixedSource always returns the same value
type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

func examplePolicy() model.RetryPolicy {
	return model.RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      1000 * time.Millisecond,
		MaxDelay:          60000 * time.Millisecond,
		BackoffMultiplier: 2,
		Priority:          model.PriorityMedium,
	}
}

func TestBase(t *testing.T) {
	p := examplePolicy()
	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"attempt 0", 0, time.Second},
		{"attempt 1", 1, 2 * time.Second},
		{"attempt 2", 2, 4 * time.Second},
		{"attempt 5", 5, 32 * time.Second},
		{"capped at max delay", 6, time.Minute},
		{"negative attempt treated as zero", -3, time.Second},
		{"huge attempt does not overflow", 10_000, time.Minute},
		{"max int attempt", math.MaxInt, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Base(tt.attempt, p); got != tt.want {
				t.Errorf("Base(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestNextDelayJitterBounds(t *testing.T) {
	p := examplePolicy()
	tests := []struct {
		name    string
		src     Source
		attempt int
		want    time.Duration
	}{
		{"no jitter", fixedSource(0), 0, time.Second},
		{"full jitter on first attempt", fixedSource(0.9999999), 0, 1299 * time.Millisecond},
		{"half jitter on second attempt", fixedSource(0.5), 1, 2300 * time.Millisecond},
		{"jitter on capped delay", fixedSource(0.5), 40, 69 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.src)
			if got := c.NextDelay(tt.attempt, p); got != tt.want {
				t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestNextDelayFlooredToMillisecond(t *testing.T) {
	p := model.RetryPolicy{
		MaxRetries: 3, InitialDelay: 1001 * time.Microsecond, MaxDelay: time.Second,
		BackoffMultiplier: 1.7, Priority: model.PriorityLow,
	}
	c := New(rand.New(rand.NewSource(7)))
	for attempt := 0; attempt < 20; attempt++ {
		d := c.NextDelay(attempt, p)
		if d%time.Millisecond != 0 {
			t.Fatalf("NextDelay(%d) = %v, not a whole number of milliseconds", attempt, d)
		}
	}
}

func TestNextDelayMonotonic(t *testing.T) {
	p := examplePolicy()
	c := New(rand.New(rand.NewSource(42)))

	for trial := 0; trial < 200; trial++ {
		prev := c.NextDelay(0, p)
		for n := 0; n < 12; n++ {
			next := c.NextDelay(n+1, p)
			if next < prev-JitterMax(n, p) {
				t.Fatalf("trial %d: NextDelay(%d)=%v < NextDelay(%d)=%v - jitterMax %v",
					trial, n+1, next, n, prev, JitterMax(n, p))
			}
			prev = next
		}
	}
}

func TestNextDelayWithinRange(t *testing.T) {
	p := examplePolicy()
	c := New(rand.New(rand.NewSource(1)))
	for attempt := 0; attempt < 10; attempt++ {
		base := Base(attempt, p)
		for i := 0; i < 100; i++ {
			d := c.NextDelay(attempt, p)
			if d < base || d > base+JitterMax(attempt, p) {
				t.Fatalf("NextDelay(%d) = %v outside [%v, %v]", attempt, d, base, base+JitterMax(attempt, p))
			}
		}
	}
}

func TestPackageNextDelay(t *testing.T) {
	p := examplePolicy()
	d := NextDelay(0, p)
	if d < time.Second || d > 1300*time.Millisecond {
		t.Errorf("NextDelay(0) = %v, want ~1s", d)
	}
}

func TestMaxDurationPolicyDoesNotOverflow(t *testing.T) {
	p := model.RetryPolicy{
		MaxRetries: 3, InitialDelay: time.Hour, MaxDelay: time.Duration(math.MaxInt64),
		BackoffMultiplier: 10, Priority: model.PriorityLow,
	}
	c := New(fixedSource(0.9))
	d := c.NextDelay(1_000, p)
	if d <= 0 {
		t.Errorf("NextDelay() = %v, want positive clamped duration", d)
	}
}
