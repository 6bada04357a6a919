package traffic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"saverbot/internal/storage"
	logx "saverbot/pkg/logx"
)

// LimitKind names which quota rejected a reservation.
type LimitKind string

const LimitDaily LimitKind = "daily"

// QuotaExceededError is a user-facing, per-task-fatal rejection.
type QuotaExceededError struct {
	Kind  LimitKind
	Limit int64
	Used  int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("traffic: %s quota exceeded (%d of %d bytes used)", e.Kind, e.Used, e.Limit)
}

// Reason implements the queue's failure-reason contract.
func (e *QuotaExceededError) Reason() string { return "quota_exceeded" }

// IsQuotaExceeded reports whether err is a quota rejection.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// Ledger meters per-user transfer volume.
//
// CheckAndReserve must be atomic with respect to concurrent reservations for
// the same user: two workers must never both pass the check on the same
// remaining budget.
type Ledger interface {
	CheckAndReserve(ctx context.Context, userID int64, bytes int64) error
	Record(ctx context.Context, userID int64, bytes int64, outcome string) error
	Used(ctx context.Context, userID int64) (int64, error)
}

// Config holds quota tunables.
type Config struct {
	// DailyLimitBytes caps per-user transfer per UTC day. 0 disables the
	// quota entirely.
	DailyLimitBytes int64
}

// StoreLedger is the storage-backed ledger. Reservations go through one
// mutex so the read-check-write sequence can't double-spend; the store keeps
// the running totals so budgets survive restarts.
type StoreLedger struct {
	cfg   Config
	store storage.Store
	log   logx.Logger

	mu sync.Mutex
}

func NewStoreLedger(cfg Config, store storage.Store, log logx.Logger) *StoreLedger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &StoreLedger{cfg: cfg, store: store, log: log.With(logx.String("comp", "traffic"))}
}

func day(t time.Time) string { return t.UTC().Format("2006-01-02") }

func (l *StoreLedger) CheckAndReserve(ctx context.Context, userID int64, bytes int64) error {
	if l.cfg.DailyLimitBytes <= 0 || bytes <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	d := day(time.Now())
	used, err := l.store.TrafficUsed(ctx, userID, d)
	if err != nil {
		return fmt.Errorf("traffic: read usage: %w", err)
	}
	if used+bytes > l.cfg.DailyLimitBytes {
		return &QuotaExceededError{Kind: LimitDaily, Limit: l.cfg.DailyLimitBytes, Used: used}
	}
	if err := l.store.AddTraffic(ctx, userID, d, bytes); err != nil {
		return fmt.Errorf("traffic: reserve: %w", err)
	}
	return nil
}

// Record notes the outcome of an already reserved transfer. Failed transfers
// give their reservation back.
func (l *StoreLedger) Record(ctx context.Context, userID int64, bytes int64, outcome string) error {
	if l.cfg.DailyLimitBytes <= 0 || bytes <= 0 {
		return nil
	}
	if outcome == "success" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.AddTraffic(ctx, userID, day(time.Now()), -bytes); err != nil {
		return fmt.Errorf("traffic: refund: %w", err)
	}
	return nil
}

func (l *StoreLedger) Used(ctx context.Context, userID int64) (int64, error) {
	return l.store.TrafficUsed(ctx, userID, day(time.Now()))
}

// Unlimited is a no-op ledger used when quotas are disabled or storage is
// off.
type Unlimited struct{}

func (Unlimited) CheckAndReserve(context.Context, int64, int64) error { return nil }
func (Unlimited) Record(context.Context, int64, int64, string) error  { return nil }
func (Unlimited) Used(context.Context, int64) (int64, error)          { return 0, nil }
