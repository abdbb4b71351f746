package logger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseSink batches RequestLog rows into a single async INSERT per
// flush. This is the analytics sink the async request logger was built to
// support; previously the ClickHouse driver sat in go.mod unused with
// every request instead only reaching SlogSink.
type ClickHouseSink struct {
	conn  clickhouse.Conn
	table string
}

// NewClickHouseSink opens a connection to addr (e.g. "localhost:9000") and
// returns a sink that inserts into table. table must already exist; this
// sink does not run migrations.
func NewClickHouseSink(addr, database, username, password, table string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse open: %w", err)
	}
	return &ClickHouseSink{conn: conn, table: table}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, entries []RequestLog) error {
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.table))
	if err != nil {
		return fmt.Errorf("logger: clickhouse prepare batch: %w", err)
	}

	for _, e := range entries {
		if err := batch.Append(
			e.ID.String(),
			e.Router,
			e.EndpointType,
			e.Provider,
			e.Model,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Cached,
			e.CacheLabel,
			e.CreatedAt,
		); err != nil {
			return fmt.Errorf("logger: clickhouse append: %w", err)
		}
	}

	return batch.Send()
}

// Close releases the underlying ClickHouse connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
