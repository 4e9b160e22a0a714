package proxy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/polyroute/gateway/internal/providers"
)

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "connection reset" }
func (fakeNetError) Timeout() bool   { return false }
func (fakeNetError) Temporary() bool { return true }

func upstreamErr(status int) error {
	return &providers.Error{Provider: providers.OpenAI, Status: status, Message: "upstream"}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"status 408", upstreamErr(408), true},
		{"status 429", upstreamErr(429), true},
		{"status 500", upstreamErr(500), true},
		{"status 502", upstreamErr(502), true},
		{"status 503", upstreamErr(503), true},
		{"status 504", upstreamErr(504), true},
		{"status 400", upstreamErr(400), false},
		{"status 401", upstreamErr(401), false},
		{"status 404", upstreamErr(404), false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), false},
		{"net error", fakeNetError{}, true},
		{"unclassified", errors.New("stream reset"), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := isRetryable(c.err); got != c.want {
				t.Errorf("isRetryable(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestBackoffDelay_Bounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	for attempt := 0; attempt < 8; attempt++ {
		d := backoffDelay(attempt, base, max)

		ideal := base << uint(attempt)
		if ideal > max || ideal <= 0 {
			ideal = max
		}
		lo := time.Duration(float64(ideal) * 0.8)
		hi := time.Duration(float64(ideal) * 1.2)
		if d < lo || d > hi {
			t.Errorf("attempt %d: delay %s outside jitter bounds [%s, %s]", attempt, d, lo, hi)
		}
	}
}

func TestSleepCtx(t *testing.T) {
	if err := sleepCtx(context.Background(), time.Millisecond); err != nil {
		t.Errorf("uninterrupted sleep: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleepCtx(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancelled sleep must return promptly")
	}
}
