package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/polyroute/gateway/internal/providers"
	"github.com/polyroute/gateway/internal/routing"
)

// scriptedExec replays a fixed sequence of outcomes and records every call.
type scriptedExec struct {
	mu      sync.Mutex
	outcome []error
	calls   []providers.Name
}

func (s *scriptedExec) exec(ctx context.Context, p providers.Name, model string) (*providers.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, p)
	i := len(s.calls) - 1
	if i < len(s.outcome) && s.outcome[i] != nil {
		return nil, s.outcome[i]
	}
	return &providers.ChatResponse{ID: "resp-1", Model: model, Content: "ok"}, nil
}

func twoCandidates() []routing.RankedProvider {
	return []routing.RankedProvider{
		{Provider: providers.OpenAI, Model: "gpt-4o", Score: 0.9},
		{Provider: providers.Anthropic, Model: "claude-sonnet-4-5", Score: 0.8},
	}
}

// fastBackoff keeps retry waits negligible in tests.
var fastBackoff = FallbackOptions{
	MaxRetries:  2,
	BaseBackoff: time.Millisecond,
	MaxBackoff:  2 * time.Millisecond,
}

func TestRunFallback_FirstAttemptSucceeds(t *testing.T) {
	s := &scriptedExec{}

	res, err := runFallback(context.Background(), twoCandidates(), s.exec, fastBackoff, nil)
	if err != nil {
		t.Fatalf("runFallback: %v", err)
	}
	if res.Provider != providers.OpenAI || res.Attempts != 1 {
		t.Errorf("expected first candidate on attempt 1, got %s after %d", res.Provider, res.Attempts)
	}
	if res.Response.Content != "ok" {
		t.Errorf("unexpected response: %+v", res.Response)
	}
}

func TestRunFallback_RetryableErrorRetriesSameProvider(t *testing.T) {
	s := &scriptedExec{outcome: []error{upstreamErr(503), nil}}

	res, err := runFallback(context.Background(), twoCandidates(), s.exec, fastBackoff, nil)
	if err != nil {
		t.Fatalf("runFallback: %v", err)
	}
	if res.Provider != providers.OpenAI {
		t.Errorf("retry must stay on the same provider, got %s", res.Provider)
	}
	if res.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", res.Attempts)
	}
	if len(s.calls) != 2 || s.calls[0] != providers.OpenAI || s.calls[1] != providers.OpenAI {
		t.Errorf("unexpected call sequence: %v", s.calls)
	}
}

func TestRunFallback_NonRetryableSkipsToNextProvider(t *testing.T) {
	s := &scriptedExec{outcome: []error{upstreamErr(400), nil}}

	res, err := runFallback(context.Background(), twoCandidates(), s.exec, fastBackoff, nil)
	if err != nil {
		t.Fatalf("runFallback: %v", err)
	}
	if res.Provider != providers.Anthropic {
		t.Errorf("expected failover to the second candidate, got %s", res.Provider)
	}
	if s.calls[0] != providers.OpenAI || s.calls[1] != providers.Anthropic {
		t.Errorf("unexpected call sequence: %v", s.calls)
	}
}

func TestRunFallback_ExhaustionWrapsLastError(t *testing.T) {
	last := upstreamErr(401)
	s := &scriptedExec{outcome: []error{upstreamErr(400), last}}

	_, err := runFallback(context.Background(), twoCandidates(), s.exec, fastBackoff, nil)
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
	}

	// The last upstream error stays reachable for status mapping.
	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatal("expected the wrapped provider error to unwrap")
	}
	if pe.Status != 401 {
		t.Errorf("expected the LAST error (401), got status %d", pe.Status)
	}
}

func TestRunFallback_AttemptLogOnExhaustion(t *testing.T) {
	s := &scriptedExec{outcome: []error{upstreamErr(400), upstreamErr(401)}}

	_, err := runFallback(context.Background(), twoCandidates(), s.exec, fastBackoff, nil)

	var fe *FallbackError
	if !errors.As(err, &fe) {
		t.Fatalf("expected a *FallbackError, got %T: %v", err, err)
	}
	if len(fe.Attempts) != 2 {
		t.Fatalf("expected 2 logged attempts, got %d", len(fe.Attempts))
	}
	if fe.Attempts[0].Provider != providers.OpenAI || fe.Attempts[1].Provider != providers.Anthropic {
		t.Errorf("unexpected attempt order: %+v", fe.Attempts)
	}
	for i, a := range fe.Attempts {
		if a.Err == nil {
			t.Errorf("attempt %d: expected a recorded error", i)
		}
		if a.Model == "" {
			t.Errorf("attempt %d: expected the model recorded", i)
		}
		if a.LatencyMs < 0 {
			t.Errorf("attempt %d: negative latency", i)
		}
	}

	tried := fe.Providers()
	if len(tried) != 2 || tried[0] != providers.OpenAI || tried[1] != providers.Anthropic {
		t.Errorf("unexpected provider summary: %v", tried)
	}
}

func TestRunFallback_SuccessCarriesAttemptLog(t *testing.T) {
	s := &scriptedExec{outcome: []error{upstreamErr(503), nil}}

	res, err := runFallback(context.Background(), twoCandidates(), s.exec, fastBackoff, nil)
	if err != nil {
		t.Fatalf("runFallback: %v", err)
	}
	if len(res.Log) != 2 {
		t.Fatalf("expected 2 logged attempts, got %d", len(res.Log))
	}
	if res.Log[0].Err == nil {
		t.Error("the failed attempt must keep its error")
	}
	if res.Log[1].Err != nil {
		t.Errorf("the serving attempt must log no error, got %v", res.Log[1].Err)
	}
}

func TestRunFallback_RetryBudgetPerProvider(t *testing.T) {
	// Every attempt throttled: each provider burns MaxRetries+1 attempts.
	s := &scriptedExec{outcome: []error{
		upstreamErr(429), upstreamErr(429), upstreamErr(429),
		upstreamErr(429), upstreamErr(429), upstreamErr(429),
	}}

	_, err := runFallback(context.Background(), twoCandidates(), s.exec, fastBackoff, nil)
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
	}
	if len(s.calls) != 6 {
		t.Fatalf("expected 6 attempts (3 per provider), got %d: %v", len(s.calls), s.calls)
	}
	want := []providers.Name{
		providers.OpenAI, providers.OpenAI, providers.OpenAI,
		providers.Anthropic, providers.Anthropic, providers.Anthropic,
	}
	for i, p := range want {
		if s.calls[i] != p {
			t.Errorf("call %d: expected %s, got %s", i, p, s.calls[i])
		}
	}
}

func TestRunFallback_StreamingSingleAttemptPerProvider(t *testing.T) {
	s := &scriptedExec{outcome: []error{upstreamErr(503), upstreamErr(503)}}

	opts := fastBackoff
	opts.Streaming = true

	_, err := runFallback(context.Background(), twoCandidates(), s.exec, opts, nil)
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
	}
	if len(s.calls) != 2 {
		t.Errorf("streaming must not retry within a provider: %v", s.calls)
	}
}

func TestRunFallback_DeadlineBeatsCandidates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &scriptedExec{}
	_, err := runFallback(ctx, twoCandidates(), s.exec, fastBackoff, nil)
	if !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
	if len(s.calls) != 0 {
		t.Errorf("no attempts after the deadline: %v", s.calls)
	}
}

func TestRunFallback_DeadlineDuringAttempt(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	exec := func(ctx context.Context, p providers.Name, model string) (*providers.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := runFallback(ctx, twoCandidates(), exec, fastBackoff, nil)
	if !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
}

func TestRunFallback_PerAttemptTimeout(t *testing.T) {
	opts := fastBackoff
	opts.MaxRetries = 0
	opts.PerAttemptTimeout = 10 * time.Millisecond

	var deadlines []bool
	exec := func(ctx context.Context, p providers.Name, model string) (*providers.ChatResponse, error) {
		_, ok := ctx.Deadline()
		deadlines = append(deadlines, ok)
		return &providers.ChatResponse{Content: "ok"}, nil
	}

	if _, err := runFallback(context.Background(), twoCandidates(), exec, opts, nil); err != nil {
		t.Fatalf("runFallback: %v", err)
	}
	if len(deadlines) != 1 || !deadlines[0] {
		t.Errorf("buffered attempts must carry a per-attempt deadline: %v", deadlines)
	}

	// Streaming attempts run without one.
	deadlines = nil
	opts.Streaming = true
	if _, err := runFallback(context.Background(), twoCandidates(), exec, opts, nil); err != nil {
		t.Fatalf("runFallback (streaming): %v", err)
	}
	if len(deadlines) != 1 || deadlines[0] {
		t.Errorf("streaming attempts must not carry a per-attempt deadline: %v", deadlines)
	}
}

func TestRunFallback_EmptyRanking(t *testing.T) {
	s := &scriptedExec{}
	_, err := runFallback(context.Background(), nil, s.exec, fastBackoff, nil)
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Errorf("expected ErrAllProvidersFailed for an empty ranking, got %v", err)
	}
}
