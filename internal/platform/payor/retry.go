package payor

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy controls how submissions are retried on transient failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy allows three attempts in total, backing off 2s then 4s
// between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}
}

// SubmitWithRetry submits a claim, making at most MaxRetries attempts with
// exponential backoff (BaseDelay * 2^attempt) between them. Client rejections
// and malformed responses are returned immediately; retrying a payload the
// payor has already ruled invalid cannot change the outcome. Context
// cancellation aborts the wait between attempts.
//
// The returned attempt count includes the final attempt, successful or not.
func (c *Client) SubmitWithRetry(ctx context.Context, payload map[string]interface{}, policy RetryPolicy) (*SubmitResult, int, error) {
	maxAttempts := policy.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := c.SubmitClaim(ctx, payload)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if errors.Is(err, ErrClientRejected) || errors.Is(err, ErrMalformedResponse) {
			return nil, attempt, err
		}
		if attempt == maxAttempts {
			return nil, attempt, lastErr
		}

		delay := policy.BaseDelay << uint(attempt) // 2s, 4s with a 1s base
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("claim submission failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, attempt, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, maxAttempts, lastErr
}
