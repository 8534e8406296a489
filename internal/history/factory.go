package history

import (
	"fmt"
	"strings"

	"github.com/samjin/taskmaster/internal/history/clickhouse"
	"github.com/samjin/taskmaster/internal/history/postgres"
	"github.com/samjin/taskmaster/internal/history/sqlite"
)

// Open dispatches on dsn's scheme to construct the matching Sink
// implementation. An empty dsn disables the audit trail (nil, nil).
func Open(dsn string) (Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.New(dsn)
	case strings.HasPrefix(dsn, "clickhouse://"):
		addr := strings.TrimPrefix(dsn, "clickhouse://")
		host, table, _ := strings.Cut(addr, "/")
		if table == "" {
			table = "process_history"
		}
		return clickhouse.New(host, table)
	case strings.HasPrefix(dsn, "sqlite://"), strings.HasSuffix(dsn, ".db"), dsn == ":memory:":
		return sqlite.New(dsn)
	default:
		return nil, fmt.Errorf("history: unrecognized DSN %q", dsn)
	}
}
