package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/samjin/taskmaster/internal/history"
)

func TestSinkSendAndSchema(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = s.Close() }()

	ev := history.Event{
		Type:       history.EventExit,
		OccurredAt: time.Now(),
		Record:     history.Record{Name: "web", Index: 0, Pid: 1234, State: "EXITED", ExitCode: 1},
	}
	if err := s.Send(context.Background(), ev); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM process_history`).Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}
