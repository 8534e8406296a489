// Package clickhouse is an optional history backend for deployments that
// want to warehouse lifecycle events at scale for analytics.
package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/samjin/taskmaster/internal/history"
)

type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to addr (host:port) and ensures table exists.
func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{Database: "default", Username: "default"},
	})
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		occurred_at DateTime,
		type String,
		name String,
		instance_index Int32,
		pid Int32,
		state String,
		exit_code Int32,
		error String
	) ENGINE = MergeTree() ORDER BY occurred_at`, s.table)
	return s.conn.Exec(ctx, stmt)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, type, name, instance_index, pid, state, exit_code, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		e.OccurredAt, string(e.Type), e.Record.Name, e.Record.Index,
		e.Record.Pid, e.Record.State, e.Record.ExitCode, e.Record.Err)
	if err != nil {
		return fmt.Errorf("insert clickhouse event: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
