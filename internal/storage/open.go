package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "saverbot/pkg/logx"
)

// Store is the persistence API used by the batch controller, the traffic
// ledger, and the janitor.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LoadCheckpoint(ctx context.Context, jobID string) (Checkpoint, bool, error)
	ActiveCheckpoints(ctx context.Context) ([]Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, jobID string) error

	AppendOutcome(ctx context.Context, o Outcome) error
	RecentOutcomes(ctx context.Context, requester int64, limit int) ([]Outcome, error)
	PruneOutcomes(ctx context.Context, before time.Time) (int64, error)

	AddTraffic(ctx context.Context, userID int64, day string, bytes int64) error
	TrafficUsed(ctx context.Context, userID int64, day string) (int64, error)
	ResetTraffic(ctx context.Context, beforeDay string) (int64, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
