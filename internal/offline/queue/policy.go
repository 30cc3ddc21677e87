package queue

import "time"

// Retry defaults.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Policy bounds retries of transient failures.
type Policy struct {
	// MaxRetries is the number of failed attempts after which an item is
	// moved to Failed.
	MaxRetries int

	// BaseDelay is the wait after the first failure. It doubles per retry.
	BaseDelay time.Duration

	// MaxDelay caps the wait.
	MaxDelay time.Duration
}

// DefaultPolicy returns 5 retries with 1s..30s exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Backoff returns min(BaseDelay * 2^retryCount, MaxDelay), where retryCount
// is the number of failures recorded before the one being scheduled.
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether retryCount failures use up the budget.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}
