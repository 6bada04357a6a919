package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"saverbot/internal/clientpool"
	"saverbot/internal/config"
	"saverbot/internal/eventbus"
	"saverbot/internal/ratelimit"
	"saverbot/internal/relay"
	"saverbot/internal/services/janitor"
	"saverbot/internal/storage"
	"saverbot/internal/task/batch"
	"saverbot/internal/task/queue"
	"saverbot/internal/traffic"
	telegram "saverbot/internal/transport/telegram"
	"saverbot/internal/upstream"
	logx "saverbot/pkg/logx"
)

// App wires the pipeline together: session pool, adaptive limiter, task
// queue, orchestrator, batch controller, storage and maintenance.
type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store   storage.Store
	ledger  traffic.Ledger
	limiter *ratelimit.Limiter
	pool    *clientpool.Pool
	jan     *janitor.Service

	session *telegram.BotSession

	// Built during Start, once the general session is connected.
	queue *queue.Service
	batch *batch.Controller

	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	var store storage.Store
	if cfg.Storage != nil {
		sc, err := mapStorageConfig(cfg.Storage)
		if err != nil {
			return nil, err
		}
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		if store != nil {
			log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
		}
	}

	var ledger traffic.Ledger = traffic.Unlimited{}
	if cfg.Traffic.DailyLimitMB > 0 && store != nil {
		ledger = traffic.NewStoreLedger(traffic.Config{
			DailyLimitBytes: cfg.Traffic.DailyLimitMB * 1024 * 1024,
		}, store, log)
	}

	limiter := ratelimit.New(ratelimit.Config{
		InitialRate:      cfg.RateLimit.InitialRate,
		MinRate:          cfg.RateLimit.MinRate,
		MaxRate:          cfg.RateLimit.MaxRate,
		Burst:            cfg.RateLimit.Burst,
		SuccessThreshold: cfg.RateLimit.SuccessThreshold,
		GrowthFactor:     cfg.RateLimit.GrowthFactor,
		ShrinkFactor:     cfg.RateLimit.ShrinkFactor,
	}, log)

	poolCfg, err := mapPoolConfig(cfg.Pool)
	if err != nil {
		return nil, err
	}
	pool := clientpool.New(poolCfg, log, bus)

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	session, err := telegram.NewBotSession(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log)
	if err != nil {
		return nil, err
	}

	var jan *janitor.Service
	if cfg.Janitor.Enabled && store != nil {
		retention, err := config.ParseDurationOrDefault("janitor.outcome_retention", cfg.Janitor.OutcomeRetention, 30*24*time.Hour)
		if err != nil {
			return nil, err
		}
		jan = janitor.New(janitor.Config{
			TrafficResetSchedule: cfg.Janitor.TrafficResetSchedule,
			OutcomePruneSchedule: cfg.Janitor.OutcomePruneSchedule,
			OutcomeRetention:     retention,
		}, store, log)
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log,
		bus:     bus,
		store:   store,
		ledger:  ledger,
		limiter: limiter,
		pool:    pool,
		jan:     jan,
		session: session,
	}, nil
}

// Start connects the general session, builds the execution pipeline on top
// of it, resumes checkpointed batches and begins watching the config file.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	if err := a.pool.AddGeneral(ctx, a.session); err != nil {
		return err
	}

	relayCfg, err := mapRelayConfig(cfg.Relay)
	if err != nil {
		return err
	}
	orch := relay.NewOrchestrator(
		relayCfg,
		a.pool,
		a.limiter,
		a.ledger,
		a.store,
		a.session.Client(),
		a.log,
	)

	queueCfg, err := mapQueueConfig(cfg.Queue)
	if err != nil {
		return err
	}
	a.queue = queue.New(queueCfg, orch, a.log, a.bus)
	a.queue.Start(ctx)

	a.batch = batch.NewController(batch.Config{
		MaxCount: cfg.Batch.MaxCount,
		Window:   cfg.Batch.Window,
	}, a.queue, a.store, a.log, a.bus)
	if err := a.batch.Resume(ctx); err != nil {
		a.log.Warn("batch resume failed", logx.Err(err))
	}

	if a.jan != nil {
		if err := a.jan.Start(); err != nil {
			return err
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.watchWG.Add(2)
	go func() {
		defer a.watchWG.Done()
		_ = a.cfgm.Watch(wctx)
	}()
	go func() {
		defer a.watchWG.Done()
		a.applyReloads(wctx)
	}()

	a.log.Info("started")
	return nil
}

// applyReloads consumes committed config reloads. Only logging settings are
// live; pipeline tunables stay fixed until restart.
func (a *App) applyReloads(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("logging settings applied", logx.String("level", cfg.Logging.Level))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
		a.watchWG.Wait()
	}
	if a.queue != nil {
		a.queue.Stop(ctx)
	}
	if a.jan != nil {
		a.jan.Stop(ctx)
	}
	if err := a.pool.Close(); err != nil {
		a.log.Warn("pool close", logx.Err(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// AddPrivilegedSession installs a requester-supplied session for restricted
// sources.
func (a *App) AddPrivilegedSession(ctx context.Context, requester int64, s upstream.Session) error {
	return a.pool.AddPrivileged(ctx, requester, s)
}

// Relay submits a single link for retrieval and delivery to target. It
// returns the task id; completion is observable through the event bus.
func (a *App) Relay(link string, requester int64, target upstream.Target) (string, error) {
	ref, err := relay.ParseRef(link)
	if err != nil {
		return "", err
	}
	t := &queue.Task{Ref: ref, Requester: requester, Target: target}
	if err := a.queue.Submit(t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// CancelTask cancels a queued or running task.
func (a *App) CancelTask(taskID string) error { return a.queue.Cancel(taskID) }

// StartBatch relays count consecutive messages beginning at link.
func (a *App) StartBatch(ctx context.Context, owner int64, target upstream.Target, link string, count int) (batch.Status, error) {
	j, err := a.batch.Start(ctx, owner, target, link, count)
	if err != nil {
		return batch.Status{}, err
	}
	return j.Status(), nil
}

// CancelBatch cancels a running batch job.
func (a *App) CancelBatch(jobID string) error { return a.batch.Cancel(jobID) }

// Batches reports progress of every tracked batch job.
func (a *App) Batches() []batch.Status { return a.batch.Jobs() }

// Events exposes the lifecycle event bus.
func (a *App) Events() eventbus.Bus { return a.bus }

// ---- config mapping ----

func mapStorageConfig(sc *config.StorageConfig) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}, nil
}

func mapPoolConfig(pc config.PoolConfig) (clientpool.Config, error) {
	base, err := config.ParseDurationField("pool.reconnect_base", pc.ReconnectBase)
	if err != nil {
		return clientpool.Config{}, err
	}
	max, err := config.ParseDurationField("pool.reconnect_max", pc.ReconnectMax)
	if err != nil {
		return clientpool.Config{}, err
	}
	connect, err := config.ParseDurationField("pool.connect_timeout", pc.ConnectTimeout)
	if err != nil {
		return clientpool.Config{}, err
	}
	return clientpool.Config{
		ReconnectBase:  base,
		ReconnectMax:   max,
		ConnectTimeout: connect,
	}, nil
}

func mapRelayConfig(rc config.RelayConfig) (relay.Config, error) {
	fetch, err := config.ParseDurationField("relay.fetch_timeout", rc.FetchTimeout)
	if err != nil {
		return relay.Config{}, err
	}
	deliver, err := config.ParseDurationField("relay.deliver_timeout", rc.DeliverTimeout)
	if err != nil {
		return relay.Config{}, err
	}
	return relay.Config{
		StagingDir:     rc.StagingDir,
		FetchTimeout:   fetch,
		DeliverTimeout: deliver,
	}, nil
}

func mapQueueConfig(qc config.QueueConfig) (queue.Config, error) {
	requeueMin, err := config.ParseDurationField("queue.requeue_min", qc.RequeueMin)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Workers:    qc.Workers,
		QueueSize:  qc.QueueSize,
		RetryMax:   qc.RetryMax,
		RequeueMin: requeueMin,
	}, nil
}
