package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (pure-Go driver)
//
// If Driver is empty or "none", storage is disabled and batch jobs lose
// crash-resume.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Checkpoint is the persisted progress of one batch job.
//
// The reference range is stored as its base link plus a count; individual
// references are re-derived on resume. Cursor is the contiguous prefix of
// references known to be terminal, so a crash mid-window re-submits at most
// the in-flight window.
type Checkpoint struct {
	JobID     string
	Owner     int64
	Target    int64
	BaseLink  string
	Count     int
	Cursor    int
	Succeeded int
	Failed    int
	State     string
	UpdatedAt time.Time
}

// Outcome is one append-only task result record.
// Keep it compact and schema-stable.
type Outcome struct {
	At        time.Time
	TaskID    string
	BatchID   string
	Requester int64
	ChatRef   string
	MessageID int
	Bytes     int64
	Result    string
	Reason    string
}
