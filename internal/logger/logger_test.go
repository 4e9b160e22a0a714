package logger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// captureSink collects every flushed batch.
type captureSink struct {
	mu      sync.Mutex
	records []RequestLog
	batches int
}

func (s *captureSink) WriteBatch(_ context.Context, batch []RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, batch...)
	s.batches++
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestLogger_FlushesOnClose(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 5; i++ {
		l.Log(RequestLog{ID: uuid.New(), Provider: "openai", Model: "gpt-4o", Status: 200})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := sink.count(); got != 5 {
		t.Errorf("expected 5 flushed records, got %d", got)
	}
	if l.DroppedLogs() != 0 {
		t.Errorf("expected no drops, got %d", l.DroppedLogs())
	}
}

func TestLogger_BatchesLargeBursts(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = batchSize*2 + 10
	for i := 0; i < n; i++ {
		l.Log(RequestLog{ID: uuid.New(), Status: 200})
	}
	l.Close()

	if got := sink.count(); got != n {
		t.Errorf("expected %d records, got %d", n, got)
	}

	sink.mu.Lock()
	batches := sink.batches
	sink.mu.Unlock()
	if batches < 2 {
		t.Errorf("expected the burst split across batches, got %d", batches)
	}
}

func TestLogger_CloseIsIdempotent(t *testing.T) {
	l, err := New(context.Background(), &captureSink{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLogger_RequiresContext(t *testing.T) {
	if _, err := New(nil, &captureSink{}, nil); err == nil {
		t.Error("expected an error for a nil context")
	}
}
