package upstream

import (
	"math/rand"
	"net/http"
	"time"
)

// RetryPolicy decides which failed attempts are repeated and how long to
// wait between them.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter returns a value in [0,1). Nil uses math/rand.
	Jitter func() float64
}

// DefaultRetryPolicy is three attempts starting at 250ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// RetryableStatus reports whether a status is transient: 429 or any 5xx.
func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait before attempt n+1, where n counts completed
// attempts starting at 1. The delay doubles per attempt, is capped at
// MaxDelay, and is spread over [delay/2, delay).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	half := delay / 2
	return half + time.Duration(jitter()*float64(half))
}
