package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "saverbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- batch checkpoints ----

func (s *sqliteStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_checkpoint(job_id, owner, target, base_link, count, cursor, succeeded, failed, state, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   cursor=excluded.cursor, succeeded=excluded.succeeded,
		   failed=excluded.failed, state=excluded.state, updated_at=excluded.updated_at`,
		cp.JobID, cp.Owner, cp.Target, cp.BaseLink, cp.Count,
		cp.Cursor, cp.Succeeded, cp.Failed, cp.State,
		cp.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LoadCheckpoint(ctx context.Context, jobID string) (Checkpoint, bool, error) {
	if s == nil || s.db == nil {
		return Checkpoint{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, owner, target, base_link, count, cursor, succeeded, failed, state, updated_at
		 FROM batch_checkpoint WHERE job_id = ?`, jobID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *sqliteStore) ActiveCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, owner, target, base_link, count, cursor, succeeded, failed, state, updated_at
		 FROM batch_checkpoint WHERE state IN ('active', 'cancelling') ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteCheckpoint(ctx context.Context, jobID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM batch_checkpoint WHERE job_id = ?`, jobID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(r rowScanner) (Checkpoint, error) {
	var cp Checkpoint
	var at string
	err := r.Scan(&cp.JobID, &cp.Owner, &cp.Target, &cp.BaseLink, &cp.Count,
		&cp.Cursor, &cp.Succeeded, &cp.Failed, &cp.State, &at)
	if err != nil {
		return Checkpoint{}, err
	}
	if ts, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
		cp.UpdatedAt = ts
	}
	return cp, nil
}

// ---- outcome history ----

func (s *sqliteStore) AppendOutcome(ctx context.Context, o Outcome) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if o.At.IsZero() {
		o.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcome(at, task_id, batch_id, requester, chat_ref, message_id, bytes, result, reason)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		o.At.Format(time.RFC3339Nano), o.TaskID, nullStr(o.BatchID), o.Requester,
		o.ChatRef, o.MessageID, o.Bytes, o.Result, nullStr(o.Reason),
	)
	return err
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, requester int64, limit int) ([]Outcome, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, task_id, COALESCE(batch_id,''), requester, chat_ref, message_id, bytes, result, COALESCE(reason,'')
		 FROM outcome WHERE requester = ? ORDER BY id DESC LIMIT ?`, requester, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var at string
		if err := rows.Scan(&at, &o.TaskID, &o.BatchID, &o.Requester,
			&o.ChatRef, &o.MessageID, &o.Bytes, &o.Result, &o.Reason); err != nil {
			return nil, err
		}
		if ts, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			o.At = ts
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneOutcomes(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM outcome WHERE at < ?`,
		before.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- traffic accounting ----

func (s *sqliteStore) AddTraffic(ctx context.Context, userID int64, day string, bytes int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO traffic(user_id, day, bytes) VALUES(?,?,?)
		 ON CONFLICT(user_id, day) DO UPDATE SET bytes = bytes + excluded.bytes`,
		userID, day, bytes,
	)
	return err
}

func (s *sqliteStore) TrafficUsed(ctx context.Context, userID int64, day string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT bytes FROM traffic WHERE user_id = ? AND day = ?`, userID, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *sqliteStore) ResetTraffic(ctx context.Context, beforeDay string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM traffic WHERE day < ?`, beforeDay)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
