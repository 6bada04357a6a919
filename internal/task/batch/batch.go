package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"saverbot/internal/eventbus"
	"saverbot/internal/relay"
	"saverbot/internal/storage"
	"saverbot/internal/task/queue"
	"saverbot/internal/upstream"
	logx "saverbot/pkg/logx"
)

// Config controls batch jobs.
type Config struct {
	// MaxCount caps the number of references in one job.
	MaxCount int

	// Window is how many tasks of a job may be queued or running at once.
	// A small window keeps one big job from monopolizing the shared queue.
	Window int
}

func (c Config) withDefaults() Config {
	if c.MaxCount <= 0 {
		c.MaxCount = 100
	}
	if c.Window <= 0 {
		c.Window = 5
	}
	return c
}

// Job states, persisted verbatim in the checkpoint.
const (
	StateActive     = "active"
	StateCancelling = "cancelling"
	StateCompleted  = "completed"
	StateCancelled  = "cancelled"
)

var (
	ErrJobNotFound = errors.New("batch: job not found")
	ErrJobDone     = errors.New("batch: job already finished")
)

// Job is one sequential range of references relayed as a unit.
//
// Progress is tracked per index. The cursor is the length of the contiguous
// prefix of terminal indices; it only ever advances, so a resumed job
// re-submits at most the window that was in flight when the process died.
// The succeeded/failed counters cover prefix indices only. Work past the
// cursor re-runs after a resume, and counting it before it enters the prefix
// would count it twice.
type Job struct {
	ID       string
	Owner    int64
	Target   upstream.Target
	BaseLink string
	Count    int

	baseRef upstream.Ref

	mu        sync.Mutex
	state     string
	next      int // next index to submit
	cursor    int
	succeeded int
	failed    int
	terminal  []bool
	success   []bool         // valid only where terminal
	inflight  map[int]string // index → task id
	startedAt time.Time
}

// Status is an immutable progress view of a job.
type Status struct {
	ID        string `json:"id"`
	Owner     int64  `json:"owner"`
	State     string `json:"state"`
	Count     int    `json:"count"`
	Cursor    int    `json:"cursor"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Inflight  int    `json:"inflight"`
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Status{
		ID:        j.ID,
		Owner:     j.Owner,
		State:     j.state,
		Count:     j.Count,
		Cursor:    j.cursor,
		Succeeded: j.succeeded,
		Failed:    j.failed,
		Inflight:  len(j.inflight),
	}
}

func (j *Job) done() bool {
	return j.state == StateCompleted || j.state == StateCancelled
}

// Controller runs batch jobs over the shared task queue and checkpoints
// their progress after every completion.
type Controller struct {
	cfg   Config
	queue *queue.Service
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	mu    sync.Mutex
	jobs  map[string]*Job
	idSeq uint64
}

func NewController(cfg Config, q *queue.Service, store storage.Store, log logx.Logger, bus eventbus.Bus) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		cfg:   cfg.withDefaults(),
		queue: q,
		store: store,
		log:   log.With(logx.String("comp", "batch")),
		bus:   bus,
		jobs:  map[string]*Job{},
	}
}

// Start creates a job covering count consecutive messages beginning at link
// and submits the first window.
func (c *Controller) Start(ctx context.Context, owner int64, target upstream.Target, link string, count int) (*Job, error) {
	if count < 1 {
		return nil, fmt.Errorf("batch: count must be at least 1")
	}
	if count > c.cfg.MaxCount {
		return nil, fmt.Errorf("batch: count %d exceeds limit %d", count, c.cfg.MaxCount)
	}
	baseRef, err := relay.ParseRef(link)
	if err != nil {
		return nil, err
	}

	j := &Job{
		ID:        c.newJobID(),
		Owner:     owner,
		Target:    target,
		BaseLink:  link,
		Count:     count,
		baseRef:   baseRef,
		state:     StateActive,
		terminal:  make([]bool, count),
		success:   make([]bool, count),
		inflight:  map[int]string{},
		startedAt: time.Now(),
	}

	c.mu.Lock()
	c.jobs[j.ID] = j
	c.mu.Unlock()

	c.persist(ctx, j)
	c.publish(j, "batch.started")
	c.log.Info("batch started",
		logx.String("job", j.ID),
		logx.Int64("owner", owner),
		logx.Int("count", count),
	)

	c.fillWindow(j)
	return j, nil
}

// Cancel moves an active job to Cancelling, fails its queued tasks, and lets
// running tasks finish at their next stage boundary. The job reaches
// Cancelled once nothing is in flight.
func (c *Controller) Cancel(jobID string) error {
	c.mu.Lock()
	j := c.jobs[jobID]
	c.mu.Unlock()
	if j == nil {
		return ErrJobNotFound
	}

	j.mu.Lock()
	if j.done() {
		j.mu.Unlock()
		return ErrJobDone
	}
	j.state = StateCancelling
	ids := make([]string, 0, len(j.inflight))
	for _, id := range j.inflight {
		ids = append(ids, id)
	}
	settled := len(j.inflight) == 0
	j.mu.Unlock()

	c.publish(j, "batch.cancelling")
	// Cancelling a pending task fires its OnDone synchronously, which takes
	// the job lock again; don't hold it here.
	for _, id := range ids {
		if err := c.queue.Cancel(id); err != nil && !errors.Is(err, queue.ErrNotFound) {
			c.log.Warn("batch task cancel failed",
				logx.String("job", jobID),
				logx.String("task", id),
				logx.Err(err),
			)
		}
	}
	if settled {
		c.settle(j)
	}
	return nil
}

// Job looks up a tracked job.
func (c *Controller) Job(jobID string) (*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[jobID]
	return j, ok
}

// Jobs returns a status snapshot of every tracked job.
func (c *Controller) Jobs() []Status {
	c.mu.Lock()
	jobs := make([]*Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		jobs = append(jobs, j)
	}
	c.mu.Unlock()

	out := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Status())
	}
	return out
}

// Resume reloads unfinished jobs from their checkpoints and re-submits from
// each job's cursor. Indices past the cursor that already ran to completion
// before the crash run again; every pipeline stage tolerates that.
func (c *Controller) Resume(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	cps, err := c.store.ActiveCheckpoints(ctx)
	if err != nil {
		return fmt.Errorf("batch: load checkpoints: %w", err)
	}

	for _, cp := range cps {
		if cp.State == StateCancelling {
			// Nothing was in flight across the restart, so the cancel is done.
			cp.State = StateCancelled
			if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
				c.log.Warn("checkpoint finalize failed", logx.String("job", cp.JobID), logx.Err(err))
			}
			continue
		}

		baseRef, err := relay.ParseRef(cp.BaseLink)
		if err != nil {
			c.log.Warn("checkpoint has unparseable base link, dropping",
				logx.String("job", cp.JobID),
				logx.String("link", cp.BaseLink),
				logx.Err(err),
			)
			_ = c.store.DeleteCheckpoint(ctx, cp.JobID)
			continue
		}

		// Counters must stay within the prefix the cursor covers. Rows
		// written before that invariant held may exceed it; cap them so a
		// resume cannot inflate past Count.
		succeeded, failed := cp.Succeeded, cp.Failed
		if succeeded > cp.Cursor {
			succeeded = cp.Cursor
		}
		if succeeded+failed > cp.Cursor {
			failed = cp.Cursor - succeeded
		}

		j := &Job{
			ID:        cp.JobID,
			Owner:     cp.Owner,
			Target:    upstream.Target{ChatID: cp.Target},
			BaseLink:  cp.BaseLink,
			Count:     cp.Count,
			baseRef:   baseRef,
			state:     StateActive,
			next:      cp.Cursor,
			cursor:    cp.Cursor,
			succeeded: succeeded,
			failed:    failed,
			terminal:  make([]bool, cp.Count),
			success:   make([]bool, cp.Count),
			inflight:  map[int]string{},
			startedAt: time.Now(),
		}
		for i := 0; i < cp.Cursor && i < cp.Count; i++ {
			j.terminal[i] = true
		}

		c.mu.Lock()
		c.jobs[j.ID] = j
		c.mu.Unlock()

		c.log.Info("batch resumed",
			logx.String("job", j.ID),
			logx.Int("cursor", cp.Cursor),
			logx.Int("count", cp.Count),
		)
		c.fillWindow(j)
	}
	return nil
}

// fillWindow submits tasks until the window is full or the job has no more
// indices to hand out.
func (c *Controller) fillWindow(j *Job) {
	for {
		j.mu.Lock()
		if j.state != StateActive || j.next >= j.Count || len(j.inflight) >= c.cfg.Window {
			j.mu.Unlock()
			return
		}
		idx := j.next
		j.next++
		j.inflight[idx] = "" // reserved; real id set below
		j.mu.Unlock()

		if !c.submit(j, idx) {
			return
		}
	}
}

// submit enqueues index idx of j. Returns false when the job should stop
// handing out work (queue stopped).
func (c *Controller) submit(j *Job, idx int) bool {
	t := &queue.Task{
		Ref:       relay.WithMessageID(j.baseRef, j.baseRef.MessageID+idx),
		Requester: j.Owner,
		Target:    j.Target,
		BatchID:   j.ID,
		OnDone: func(t *queue.Task) {
			c.onTaskDone(j, idx, t)
		},
	}

	err := c.queue.Submit(t)
	switch {
	case err == nil:
		j.mu.Lock()
		j.inflight[idx] = t.ID
		j.mu.Unlock()
		return true
	case errors.Is(err, queue.ErrQueueFull):
		// The shared queue is saturated by other work. Keep the slot reserved
		// and try again shortly instead of failing the index.
		time.AfterFunc(500*time.Millisecond, func() {
			j.mu.Lock()
			stillWanted := j.state == StateActive
			j.mu.Unlock()
			if stillWanted {
				c.submit(j, idx)
			} else {
				c.releaseSlot(j, idx)
			}
		})
		return true
	default:
		// Queue is shutting down; the checkpoint brings the job back later.
		c.releaseSlot(j, idx)
		return false
	}
}

func (c *Controller) releaseSlot(j *Job, idx int) {
	j.mu.Lock()
	delete(j.inflight, idx)
	settled := j.state == StateCancelling && len(j.inflight) == 0
	j.mu.Unlock()
	if settled {
		c.settle(j)
	}
}

func (c *Controller) onTaskDone(j *Job, idx int, t *queue.Task) {
	j.mu.Lock()
	delete(j.inflight, idx)
	if idx < len(j.terminal) && !j.terminal[idx] {
		j.terminal[idx] = true
		j.success[idx] = t.State() == queue.StateSucceeded
	}
	// Counters advance with the cursor, never ahead of it, so a checkpoint
	// taken here stays consistent with what a resume will re-run.
	for j.cursor < j.Count && j.terminal[j.cursor] {
		if j.success[j.cursor] {
			j.succeeded++
		} else {
			j.failed++
		}
		j.cursor++
	}
	finished := j.cursor >= j.Count
	cancelled := j.state == StateCancelling && len(j.inflight) == 0
	j.mu.Unlock()

	c.persist(context.Background(), j)

	switch {
	case cancelled:
		c.settle(j)
	case finished:
		c.finalize(j, StateCompleted)
	default:
		c.fillWindow(j)
	}
}

// settle finishes a cancelling job once its last in-flight task is terminal.
func (c *Controller) settle(j *Job) {
	j.mu.Lock()
	if j.state != StateCancelling {
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()
	c.finalize(j, StateCancelled)
}

func (c *Controller) finalize(j *Job, state string) {
	j.mu.Lock()
	if j.done() {
		j.mu.Unlock()
		return
	}
	j.state = state
	j.mu.Unlock()

	c.persist(context.Background(), j)
	c.publish(j, "batch."+state)

	st := j.Status()
	c.log.Info("batch finished",
		logx.String("job", j.ID),
		logx.String("state", state),
		logx.Int("succeeded", st.Succeeded),
		logx.Int("failed", st.Failed),
		logx.Duration("elapsed", time.Since(j.startedAt)),
	)

	c.mu.Lock()
	delete(c.jobs, j.ID)
	c.mu.Unlock()
}

func (c *Controller) persist(ctx context.Context, j *Job) {
	if c.store == nil {
		return
	}
	j.mu.Lock()
	cp := storage.Checkpoint{
		JobID:     j.ID,
		Owner:     j.Owner,
		Target:    j.Target.ChatID,
		BaseLink:  j.BaseLink,
		Count:     j.Count,
		Cursor:    j.cursor,
		Succeeded: j.succeeded,
		Failed:    j.failed,
		State:     j.state,
	}
	j.mu.Unlock()

	if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
		c.log.Warn("checkpoint save failed", logx.String("job", j.ID), logx.Err(err))
	}
}

func (c *Controller) publish(j *Job, typ string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: j.Status()})
}

func (c *Controller) newJobID() string {
	return fmt.Sprintf("bat-%x-%x", time.Now().UnixNano(), atomic.AddUint64(&c.idSeq, 1))
}
