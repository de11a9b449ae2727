package sync

import (
	"math"
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff computes retry delays for failed pushes:
// min(max, base*2^attempt) spread by ±jitter percent.
type Backoff struct {
	Base          time.Duration
	Max           time.Duration
	JitterPercent int
}

// Delay returns the delay before the retry that follows attempt failed attempts.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.base()

	// дальше потолка или переполнения экспонента не растет
	steps := 0
	for steps < attempt && base <= math.MaxInt64>>(steps+2) && (b.Max <= 0 || base<<steps < b.Max) {
		steps++
	}

	policy := b.policy()
	var d time.Duration
	for range steps + 1 {
		d, _ = policy.Next()
	}
	return d
}

func (b Backoff) base() time.Duration {
	if b.Base <= 0 {
		return time.Second
	}
	return b.Base
}

func (b Backoff) policy() retry.Backoff {
	policy := retry.NewExponential(b.base())
	if b.Max > 0 {
		policy = retry.WithCappedDuration(b.Max, policy)
	}
	if b.JitterPercent > 0 {
		policy = retry.WithJitterPercent(uint64(b.JitterPercent), policy)
	}
	return policy
}
