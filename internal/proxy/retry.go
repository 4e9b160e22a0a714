package proxy

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/polyroute/gateway/internal/providers"
)

// retryableStatuses are upstream statuses worth retrying on the same
// provider: timeouts, throttling, and transient server errors. Other 4xx
// statuses mean the request itself is at fault and retrying cannot help.
var retryableStatuses = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// isRetryable classifies an upstream error. Context errors are never
// retryable: a cancelled or expired request must stop immediately rather
// than burn the remaining deadline on doomed attempts.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return retryableStatuses[sc.HTTPStatus()]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unclassified transport failures (closed connections, reset streams)
	// get one more chance; a different provider may well succeed.
	return true
}

// backoffDelay computes exponential backoff with ±20% jitter:
// min(max, base·2^attempt), attempt counted from 0.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// sleepCtx waits for d or until the context ends, whichever comes first.
// Returns the context error when the wait was cut short.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
