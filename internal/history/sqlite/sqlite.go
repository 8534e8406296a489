// Package sqlite is the history backend that needs no external service: a
// pure-Go SQLite file. It is used only when a DSN selects it; with no DSN
// the audit trail is disabled.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/samjin/taskmaster/internal/history"
)

type Sink struct {
	db *sql.DB
}

// New opens (creating if absent) a SQLite database for the audit trail.
// Accepted DSN forms: "sqlite:///path/to/file.db", ":memory:", or a bare
// filesystem path.
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty sqlite dsn")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS process_history(
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		instance_index INTEGER NOT NULL,
		pid INTEGER NOT NULL,
		state TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		error TEXT
	);`)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_history(occurred_at, type, name, instance_index, pid, state, exit_code, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), e.Record.Name, e.Record.Index,
		e.Record.Pid, e.Record.State, e.Record.ExitCode, e.Record.Err)
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
