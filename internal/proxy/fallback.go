package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polyroute/gateway/internal/providers"
	"github.com/polyroute/gateway/internal/routing"
)

var (
	// ErrDeadlineExceeded means the overall request deadline expired while
	// attempts remained. Mapped to 504.
	ErrDeadlineExceeded = errors.New("proxy: request deadline exceeded")

	// ErrAllProvidersFailed means every ranked candidate was exhausted.
	// Mapped to 503.
	ErrAllProvidersFailed = errors.New("proxy: all providers failed")
)

// Exec performs one upstream attempt against (provider, model). The fallback
// runner owns retry and failover around it; the adapter wired in by the
// gateway reports the outcome to the registry exactly once per attempt.
type Exec func(ctx context.Context, provider providers.Name, model string) (*providers.ChatResponse, error)

// FallbackOptions tune the runner for one request.
type FallbackOptions struct {
	// MaxRetries is the extra same-provider attempts after the first
	// (attempts per provider = MaxRetries+1). Ignored when Streaming.
	MaxRetries int

	// Streaming caps each provider at a single attempt. Once a stream is
	// handed to the client there is nothing to retry, so retry budget is
	// spent on reaching the next provider instead.
	Streaming bool

	// PerAttemptTimeout bounds each upstream call. Zero means the attempt
	// runs under the request deadline alone.
	PerAttemptTimeout time.Duration

	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o *FallbackOptions) withDefaults() FallbackOptions {
	out := *o
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = providers.DefaultBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = providers.MaxBackoff
	}
	return out
}

// Attempt is one entry in the fallback attempt log.
type Attempt struct {
	Provider  providers.Name
	Model     string
	LatencyMs int64
	Err       error
}

// FallbackResult reports which candidate served the request. Log includes the
// failed attempts that preceded the successful one.
type FallbackResult struct {
	Response *providers.ChatResponse
	Provider providers.Name
	Model    string
	Attempts int
	Log      []Attempt
}

// FallbackError is the terminal failure of a fallback walk: the classifying
// sentinel, the last upstream error, and the full attempt log.
type FallbackError struct {
	sentinel error
	last     error
	Attempts []Attempt
}

func (e *FallbackError) Error() string {
	if e.last == nil {
		return fmt.Sprintf("%s after %d attempts across %v", e.sentinel, len(e.Attempts), e.Providers())
	}
	return fmt.Sprintf("%s after %d attempts across %v: %s", e.sentinel, len(e.Attempts), e.Providers(), e.last)
}

// Unwrap exposes the sentinel for errors.Is classification and the last
// upstream error for errors.As status mapping.
func (e *FallbackError) Unwrap() []error {
	if e.last == nil {
		return []error{e.sentinel}
	}
	return []error{e.sentinel, e.last}
}

// Providers lists the distinct providers tried, in attempt order. Attempts
// against one provider are always consecutive.
func (e *FallbackError) Providers() []providers.Name {
	var out []providers.Name
	for _, a := range e.Attempts {
		if len(out) == 0 || out[len(out)-1] != a.Provider {
			out = append(out, a.Provider)
		}
	}
	return out
}

// runFallback walks the ranked candidate list in order. Each provider gets
// its retry budget for retryable errors; non-retryable errors skip straight
// to the next candidate. The whole walk runs under ctx's deadline. Terminal
// failures come back as a *FallbackError carrying the attempt log: the
// sentinel is ErrDeadlineExceeded when the deadline expired with candidates
// left, ErrAllProvidersFailed when the list was exhausted.
func runFallback(ctx context.Context, ranked []routing.RankedProvider, exec Exec, opts FallbackOptions, log *slog.Logger) (*FallbackResult, error) {
	if log == nil {
		log = slog.Default()
	}
	o := opts.withDefaults()

	attemptsPerProvider := o.MaxRetries + 1
	if o.Streaming {
		attemptsPerProvider = 1
	}

	var (
		lastErr  error
		attempts []Attempt
	)

	for _, cand := range ranked {
		for attempt := 0; attempt < attemptsPerProvider; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, &FallbackError{sentinel: ErrDeadlineExceeded, last: lastErr, Attempts: attempts}
			}

			if attempt > 0 {
				if err := sleepCtx(ctx, backoffDelay(attempt-1, o.BaseBackoff, o.MaxBackoff)); err != nil {
					return nil, &FallbackError{sentinel: ErrDeadlineExceeded, last: lastErr, Attempts: attempts}
				}
			}

			start := time.Now()

			// Streaming attempts run under the request context alone: the
			// stream outlives this call, so a per-attempt cancel would kill
			// it mid-flight.
			resp, err := func() (*providers.ChatResponse, error) {
				attemptCtx := ctx
				if !o.Streaming && o.PerAttemptTimeout > 0 {
					var cancel context.CancelFunc
					attemptCtx, cancel = context.WithTimeout(ctx, o.PerAttemptTimeout)
					defer cancel()
				}
				return exec(attemptCtx, cand.Provider, cand.Model)
			}()
			attempts = append(attempts, Attempt{
				Provider:  cand.Provider,
				Model:     cand.Model,
				LatencyMs: time.Since(start).Milliseconds(),
				Err:       err,
			})
			if err == nil {
				return &FallbackResult{
					Response: resp,
					Provider: cand.Provider,
					Model:    cand.Model,
					Attempts: len(attempts),
					Log:      attempts,
				}, nil
			}

			lastErr = err
			log.Warn("upstream_attempt_failed",
				slog.String("provider", string(cand.Provider)),
				slog.String("model", cand.Model),
				slog.Int("attempt", attempt+1),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("error", err.Error()),
			)

			if ctx.Err() != nil {
				return nil, &FallbackError{sentinel: ErrDeadlineExceeded, last: lastErr, Attempts: attempts}
			}
			if !isRetryable(err) {
				break // next candidate
			}
		}
	}

	// Callers classify on the sentinel via errors.Is and can still reach the
	// last upstream status underneath via errors.As.
	return nil, &FallbackError{sentinel: ErrAllProvidersFailed, last: lastErr, Attempts: attempts}
}
