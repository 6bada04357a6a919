// Package janitor runs scheduled storage maintenance: dropping traffic rows
// for past days and pruning old outcome records.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"saverbot/internal/storage"
	logx "saverbot/pkg/logx"
)

type Config struct {
	// TrafficResetSchedule and OutcomePruneSchedule are standard 5-field
	// cron expressions.
	TrafficResetSchedule string
	OutcomePruneSchedule string

	// OutcomeRetention is how long outcome rows are kept.
	OutcomeRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.TrafficResetSchedule == "" {
		c.TrafficResetSchedule = "5 0 * * *"
	}
	if c.OutcomePruneSchedule == "" {
		c.OutcomePruneSchedule = "30 3 * * *"
	}
	if c.OutcomeRetention <= 0 {
		c.OutcomeRetention = 30 * 24 * time.Hour
	}
	return c
}

type Service struct {
	cfg   Config
	store storage.Store
	log   logx.Logger
	c     *cron.Cron
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log.With(logx.String("comp", "janitor")),
	}
}

func (s *Service) Start() error {
	if s.store == nil {
		s.log.Debug("storage disabled, janitor idle")
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.c = cron.New(cron.WithParser(parser))

	if _, err := s.c.AddFunc(s.cfg.TrafficResetSchedule, s.resetTraffic); err != nil {
		return fmt.Errorf("janitor: traffic schedule: %w", err)
	}
	if _, err := s.c.AddFunc(s.cfg.OutcomePruneSchedule, s.pruneOutcomes); err != nil {
		return fmt.Errorf("janitor: prune schedule: %w", err)
	}

	s.c.Start()
	s.log.Info("janitor started",
		logx.String("traffic_reset", s.cfg.TrafficResetSchedule),
		logx.String("outcome_prune", s.cfg.OutcomePruneSchedule),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.c == nil {
		return
	}
	done := s.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("janitor stop timed out")
	}
}

// resetTraffic drops quota rows for days before today (UTC). Today's usage
// stays untouched so the daily limit holds across the reset.
func (s *Service) resetTraffic() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	today := time.Now().UTC().Format("2006-01-02")
	n, err := s.store.ResetTraffic(ctx, today)
	if err != nil {
		s.log.Warn("traffic reset failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("traffic rows cleared", logx.Int64("rows", n))
	}
}

func (s *Service) pruneOutcomes() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.OutcomeRetention)
	n, err := s.store.PruneOutcomes(ctx, cutoff)
	if err != nil {
		s.log.Warn("outcome prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("outcomes pruned", logx.Int64("rows", n), logx.Time("before", cutoff))
	}
}
