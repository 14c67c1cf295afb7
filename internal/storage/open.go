package storage

import (
	"context"
	"fmt"
	"strings"

	logx "cadence/pkg/logx"
)

// Store appends entries. Implementations are safe for concurrent use.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}

// Reader is implemented by drivers that can list what they stored.
type Reader interface {
	// Recent returns up to n entries, newest first.
	Recent(ctx context.Context, n int) ([]Entry, error)
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("storage"), logx.String("driver", driver))

	switch driver {
	case "file", "jsonl":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	case "bolt", "bbolt":
		return openBolt(cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	case "kafka":
		return openKafka(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}

func clampLimit(n int) int {
	if n <= 0 || n > 500 {
		return 50
	}
	return n
}
