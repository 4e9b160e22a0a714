package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const requestLogDDL = `
CREATE TABLE IF NOT EXISTS request_log (
	id           UUID,
	provider     LowCardinality(String),
	model        LowCardinality(String),
	strategy     LowCardinality(String),
	input_tokens  UInt32,
	output_tokens UInt32,
	latency_ms   UInt32,
	status       UInt16,
	attempts     UInt8,
	cache_status LowCardinality(String),
	created_at   DateTime64(3)
) ENGINE = MergeTree()
ORDER BY (created_at, provider)
TTL toDateTime(created_at) + INTERVAL 90 DAY
`

// ClickHouseSink writes request logs to a ClickHouse table for offline
// analysis. Enabled when CLICKHOUSE_DSN is configured; the gateway runs fine
// without it.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink opens the connection, verifies it with a ping, and
// creates the request_log table when missing.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: clickhouse ping: %w", err)
	}

	if err := conn.Exec(ctx, requestLogDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: create request_log: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

// WriteBatch implements Sink using a native columnar batch insert.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, batch []RequestLog) error {
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO request_log")
	if err != nil {
		return fmt.Errorf("logger: prepare batch: %w", err)
	}
	for _, e := range batch {
		if err := b.Append(
			e.ID,
			e.Provider,
			e.Model,
			e.Strategy,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Attempts,
			e.CacheStatus,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("logger: append: %w", err)
		}
	}
	return b.Send()
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
