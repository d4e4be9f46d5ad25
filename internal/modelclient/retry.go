package modelclient

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/agentcore/internal/engineerr"
)

// Backoff computes the delay before retry attempt n (1-indexed: the delay
// before the first retry, after the initial attempt failed), per spec
// §4.F/§4.G's shared retry policy: exponential base 500ms, capped at 8s,
// with ±20% jitter so a fleet of sessions retrying the same outage doesn't
// all wake up on the same tick. internal/agentloop reuses this for its own
// per-step retry policy rather than duplicating the formula.
func Backoff(n int) time.Duration {
	const (
		base    = 500 * time.Millisecond
		maxWait = 8 * time.Second
	)
	d := base << uint(n-1)
	if d > maxWait || d <= 0 {
		d = maxWait
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2) // [0.8, 1.2)
	return time.Duration(float64(d) * jitter)
}

// retryingProvider wraps a Provider, retrying the connection-establish phase
// of Stream: a failure classified engineerr.IsRetryable before the channel
// is even returned gets another attempt, up to maxRetries. A failure that
// happens mid-stream (the channel itself emits a PartError, e.g. the
// RemoteProtocolError case spec §4.F names) is not retried at this layer —
// it surfaces through the returned channel as usual, and
// agentloop.Soul.runModelCall is the layer that retries it, since only the
// caller there knows nothing has been appended to the Store yet. This
// mirrors the teacher's split between httpDoSSE's connection-retry ladder
// and parseSSEStream's single-pass, no-retry event loop, generalized one
// layer up instead of dropped.
type retryingProvider struct {
	inner      Provider
	maxRetries int
}

// WithRetry wraps p so that connection-establishment failures are retried
// up to maxRetries times using Backoff. maxRetries <= 0 means no retries.
func WithRetry(p Provider, maxRetries int) Provider {
	return &retryingProvider{inner: p, maxRetries: maxRetries}
}

func (r *retryingProvider) Name() string { return r.inner.Name() }
func (r *retryingProvider) Close() error { return r.inner.Close() }

func (r *retryingProvider) Stream(ctx context.Context, req StreamRequest) (<-chan Part, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := Backoff(attempt)
			log.Warn().Str("provider", r.inner.Name()).Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("modelclient: retrying stream connection")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ch, err := r.inner.Stream(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if !engineerr.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}
