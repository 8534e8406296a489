package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/samjin/taskmaster/internal/history"
)

// TestSinkAgainstRealPostgres spins up a disposable Postgres container and
// exercises Send/ensureSchema against it. Skipped in short mode or when
// Docker is unavailable, matching the corpus's own container-gated tests.
func TestSinkAgainstRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testcontainers-backed test in -short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("taskmaster"),
		postgres.WithUsername("taskmaster"),
		postgres.WithPassword("taskmaster"),
	)
	if err != nil {
		t.Skipf("docker unavailable, skipping: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("ConnectionString: %v", err)
	}

	sink, err := New(dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ev := history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now(),
		Record:     history.Record{Name: "web", Index: 0, Pid: 4242, State: "RUNNING"},
	}
	if err := sink.Send(ctx, ev); err != nil {
		t.Fatalf("Send: %v", err)
	}
}
