package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	Fixed          = "fixed"
	Linear         = "linear"
	Exponential    = "exponential"
	ExpEqualJitter = "exp_equal_jitter"
	ExpFullJitter  = "exp_full_jitter"
)

// Policy yields the wait before retry number n (0 for the first retry).
type Policy interface {
	Next(n int) time.Duration
}

// Compute returns the delay for the given policy name. attempts is
// expected to be >= 0.
func Compute(policy string, base, max time.Duration, attempts int, rng *rand.Rand) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = base
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	switch policy {
	case Fixed:
		return minDur(base, max)
	case Linear:
		return minDur(base*time.Duration(maxInt(1, attempts)), max)
	case Exponential:
		return expCapped(base, max, attempts)
	case ExpEqualJitter:
		ceil := expCapped(base, max, attempts)
		half := ceil / 2
		return half + time.Duration(rng.Int63n(int64(half)+1))
	default: // exp_full_jitter
		ceil := expCapped(base, max, attempts)
		if ceil <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(ceil) + 1))
	}
}

// New builds a named policy. An empty name means fixed.
func New(name string, base, max time.Duration, rng *rand.Rand) (Policy, error) {
	switch name {
	case "", Fixed:
		return Constant(base), nil
	case Linear, Exponential, ExpEqualJitter, ExpFullJitter:
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		return &named{name: name, base: base, max: max, rng: rng}, nil
	default:
		return nil, fmt.Errorf("unknown backoff policy %q", name)
	}
}

// Constant waits the same interval before every retry.
type Constant time.Duration

func (c Constant) Next(int) time.Duration { return time.Duration(c) }

type named struct {
	name      string
	base, max time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func (p *named) Next(n int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.name == Linear {
		// retry n waits (n+1)*base so consecutive waits always grow
		n = maxInt(0, n) + 1
	}
	return Compute(p.name, p.base, p.max, n, p.rng)
}

func expCapped(base, max time.Duration, attempts int) time.Duration {
	f := float64(base) * math.Pow(2, float64(attempts))
	if f >= float64(max) {
		return max
	}
	return time.Duration(f)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
