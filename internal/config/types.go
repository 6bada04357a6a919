package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Queue controls the shared retrieval queue and its worker pool.
	Queue QueueConfig `json:"queue,omitempty"`

	// RateLimit tunes the adaptive per-process retrieval rate.
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`

	Pool    PoolConfig     `json:"pool,omitempty"`
	Relay   RelayConfig    `json:"relay,omitempty"`
	Batch   BatchConfig    `json:"batch,omitempty"`
	Traffic TrafficConfig  `json:"traffic,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Janitor JanitorConfig  `json:"janitor,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig controls task execution.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Defaults (when fields are omitted/zero):
//   - workers: 3
//   - queue_size: 128
//   - retry_max: 8
//   - requeue_min: "250ms"
type QueueConfig struct {
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
	RequeueMin string `json:"requeue_min,omitempty"`
}

// RateLimitConfig tunes the adaptive limiter. Zero values take the built-in
// defaults; bounds are requests per second.
type RateLimitConfig struct {
	InitialRate      float64 `json:"initial_rate,omitempty"`
	MinRate          float64 `json:"min_rate,omitempty"`
	MaxRate          float64 `json:"max_rate,omitempty"`
	Burst            int     `json:"burst,omitempty"`
	SuccessThreshold int     `json:"success_threshold,omitempty"`
	GrowthFactor     float64 `json:"growth_factor,omitempty"`
	ShrinkFactor     float64 `json:"shrink_factor,omitempty"`
}

type PoolConfig struct {
	// ReconnectBase / ReconnectMax bound the backoff between reconnect
	// attempts for a degraded session (Go duration strings).
	ReconnectBase  string `json:"reconnect_base,omitempty"`
	ReconnectMax   string `json:"reconnect_max,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

type RelayConfig struct {
	// StagingDir is where downloaded content lives between fetch and
	// delivery. Defaults to the system temp dir.
	StagingDir     string `json:"staging_dir,omitempty"`
	FetchTimeout   string `json:"fetch_timeout,omitempty"`
	DeliverTimeout string `json:"deliver_timeout,omitempty"`
}

type BatchConfig struct {
	MaxCount int `json:"max_count,omitempty"`
	Window   int `json:"window,omitempty"`
}

// TrafficConfig controls the per-requester daily byte quota.
// A zero limit disables quota enforcement.
type TrafficConfig struct {
	DailyLimitMB int64 `json:"daily_limit_mb,omitempty"`
}

// StorageConfig controls the persistence layer. If the whole section is
// omitted, storage is disabled and batch jobs lose crash-resume.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./saverbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// JanitorConfig controls scheduled maintenance. Schedules are cron
// expressions; empty fields take the defaults below.
type JanitorConfig struct {
	Enabled bool `json:"enabled"`

	// TrafficResetSchedule drops traffic rows for past days.
	// Default: "5 0 * * *" (00:05 daily).
	TrafficResetSchedule string `json:"traffic_reset_schedule,omitempty"`

	// OutcomePruneSchedule prunes old outcome rows.
	// Default: "30 3 * * *" (03:30 daily).
	OutcomePruneSchedule string `json:"outcome_prune_schedule,omitempty"`

	// OutcomeRetention is how long outcome rows are kept (Go duration
	// string). Default: "720h" (30 days).
	OutcomeRetention string `json:"outcome_retention,omitempty"`
}
