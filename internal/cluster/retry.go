package cluster

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy is a bounded fixed-delay retry loop for transient submission
// failures. Sleep is injectable so tests run without real delays.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Sleep       func(time.Duration)
}

// DefaultRetryPolicy matches scheduler submission behavior: five attempts
// with a one second pause between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Delay: time.Second}
}

// Do runs op until it succeeds or the attempt budget is spent, returning the
// last error. Only errors returned by op are treated as transient; callers
// must keep non-retryable work (such as output parsing) outside op.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt < attempts {
			log.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Int("max_attempts", attempts).
				Dur("delay", p.Delay).
				Msg("submission failed, retrying")
			sleep(p.Delay)
		}
	}
	return lastErr
}
