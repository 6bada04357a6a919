package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"saverbot/internal/clientpool"
	"saverbot/internal/ratelimit"
	"saverbot/internal/storage"
	"saverbot/internal/task/queue"
	"saverbot/internal/traffic"
	"saverbot/internal/upstream"
	logx "saverbot/pkg/logx"
)

// Config holds orchestrator tunables.
type Config struct {
	// StagingDir is where non-remote content is downloaded before upload.
	StagingDir string

	// FetchTimeout / DeliverTimeout bound each network call individually.
	// A timed-out call is treated like upstream throttling (bounded retry).
	FetchTimeout   time.Duration
	DeliverTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StagingDir == "" {
		c.StagingDir = os.TempDir()
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Minute
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 5 * time.Minute
	}
	return c
}

// Orchestrator executes one retrieval task end to end:
// resolve → acquire handle → rate gate → fetch → quota → deliver → cleanup.
//
// Recoverable conditions (rate-gate miss, upstream throttle, degraded
// handle) surface as queue.RequeueError and never escape as task failures;
// everything else becomes the task's terminal failure reason.
type Orchestrator struct {
	cfg      Config
	pool     *clientpool.Pool
	limiter  *ratelimit.Limiter
	ledger   traffic.Ledger
	store    storage.Store
	fallback upstream.Client
	log      logx.Logger
}

func NewOrchestrator(
	cfg Config,
	pool *clientpool.Pool,
	limiter *ratelimit.Limiter,
	ledger traffic.Ledger,
	store storage.Store,
	fallback upstream.Client,
	log logx.Logger,
) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if ledger == nil {
		ledger = traffic.Unlimited{}
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		pool:     pool,
		limiter:  limiter,
		ledger:   ledger,
		store:    store,
		fallback: fallback,
		log:      log.With(logx.String("comp", "orchestrator")),
	}
}

var errTaskCancelled = errors.New("task cancelled")

// cancelledError maps cooperative cancellation onto the queue's reason.
type cancelledError struct{}

func (cancelledError) Error() string  { return "task cancelled" }
func (cancelledError) Reason() string { return queue.ReasonCancelled }

// Execute implements queue.Executor.
func (o *Orchestrator) Execute(ctx context.Context, t *queue.Task) error {
	err := o.run(ctx, t)
	if err == nil {
		o.limiter.OnSuccess()
		o.recordOutcome(ctx, t, "success", "")
		return nil
	}

	var rq *queue.RequeueError
	if errors.As(err, &rq) {
		// Recoverable; the queue resubmits. Nothing recorded yet.
		return err
	}
	if errors.Is(err, errTaskCancelled) {
		err = cancelledError{}
	}
	o.recordOutcome(ctx, t, "failed", reasonOf(err))
	return err
}

func (o *Orchestrator) run(ctx context.Context, t *queue.Task) error {
	// Stage 1: the reference was resolved at submission; re-check shape so a
	// hand-built task can't reach the network with a zero ref.
	ref := t.Ref
	if ref.MessageID <= 0 || (ref.ChatName == "" && ref.ChatID == 0) {
		return &InvalidReferenceError{Link: "", Cause: "unresolved reference"}
	}
	if t.Cancelled() {
		return errTaskCancelled
	}

	// Stage 2: capability-qualified handle lookup. Missing capability is
	// fatal before any network call; a known-but-degraded handle is a
	// transient condition worth a delayed retry.
	handle, err := o.pool.Acquire(ref.Capability, t.Requester)
	if err != nil {
		if errors.Is(err, clientpool.ErrNoPrivilegedSession) {
			return &AccessDeniedError{Cause: err}
		}
		return queue.Requeue(o.limiter.RetryDelay(), err)
	}
	defer o.pool.Release(handle)

	// Stage 3: rate gate. Losing the token race re-enqueues with a delay
	// derived from the current refill interval instead of busy-waiting a
	// worker.
	if !o.limiter.TryAcquire(1) {
		return queue.Requeue(o.limiter.RetryDelay(), errors.New("rate limited"))
	}
	if t.Cancelled() {
		return errTaskCancelled
	}

	// Stage 4: fetch.
	content, err := o.fetch(ctx, handle, ref)
	if err != nil {
		return err
	}
	// Staged artifacts are removed on every exit path from here on.
	defer o.cleanup(content)

	t.SetSize(content.Size)
	if t.Cancelled() {
		return errTaskCancelled
	}

	// Stage 5: quota.
	if err := o.ledger.CheckAndReserve(ctx, t.Requester, content.Size); err != nil {
		if traffic.IsQuotaExceeded(err) {
			o.log.Info("quota exceeded",
				logx.Int64("requester", t.Requester),
				logx.Int64("size", content.Size),
			)
			return err
		}
		return fmt.Errorf("quota check: %w", err)
	}
	if t.Cancelled() {
		o.refund(ctx, t, content.Size)
		return errTaskCancelled
	}

	// Stage 6: deliver, primary then (for transient failures) fallback.
	if err := o.deliver(ctx, handle, content, t.Target); err != nil {
		o.refund(ctx, t, content.Size)
		return err
	}
	return nil
}

func (o *Orchestrator) fetch(ctx context.Context, handle *clientpool.Handle, ref upstream.Ref) (*upstream.Content, error) {
	fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	content, err := handle.Client().Fetch(fctx, ref, o.cfg.StagingDir)
	if err == nil {
		return content, nil
	}

	switch {
	case errors.Is(err, upstream.ErrNotFound):
		return nil, &NotFoundError{Cause: err}
	case errors.Is(err, upstream.ErrAccessDenied):
		return nil, &AccessDeniedError{Cause: err}
	case errors.Is(err, upstream.ErrEmptyMessage):
		return nil, &EmptyMessageError{Cause: err}
	}

	if wait, ok := upstream.AsThrottled(err); ok {
		o.limiter.OnThrottled(wait)
		return nil, queue.Requeue(wait, err)
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// Per-call timeout: treat like throttling so the retry stays bounded.
		o.limiter.OnThrottled(upstream.ThrottleHint)
		return nil, queue.Requeue(upstream.ThrottleHint, err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Unknown protocol error: take the handle out of rotation and retry on
	// another (or the recovered) session.
	o.pool.MarkDegraded(handle, err)
	return nil, queue.Requeue(o.limiter.RetryDelay(), err)
}

func (o *Orchestrator) deliver(ctx context.Context, handle *clientpool.Handle, content *upstream.Content, to upstream.Target) error {
	dctx, cancel := context.WithTimeout(ctx, o.cfg.DeliverTimeout)
	primaryErr := handle.Client().Deliver(dctx, content, to)
	cancel()
	if primaryErr == nil {
		return nil
	}

	if wait, ok := upstream.AsThrottled(primaryErr); ok {
		o.limiter.OnThrottled(wait)
		return queue.Requeue(wait, primaryErr)
	}

	if !upstream.IsTransientDelivery(primaryErr) || o.fallback == nil {
		return &DeliveryFailedError{Primary: primaryErr}
	}

	// Fallback path, attempted exactly once.
	o.log.Debug("primary delivery failed, trying fallback", logx.Err(primaryErr))
	fctx, cancel := context.WithTimeout(ctx, o.cfg.DeliverTimeout)
	fallbackErr := o.fallback.Deliver(fctx, content, to)
	cancel()
	if fallbackErr == nil {
		return nil
	}
	return &DeliveryFailedError{Primary: primaryErr, Fallback: fallbackErr}
}

// cleanup removes the staged artifact, if any. Runs on every exit path.
func (o *Orchestrator) cleanup(content *upstream.Content) {
	if content == nil || content.FilePath == "" {
		return
	}
	if err := os.Remove(content.FilePath); err != nil && !os.IsNotExist(err) {
		o.log.Warn("staged file cleanup failed",
			logx.String("path", content.FilePath),
			logx.Err(err),
		)
	}
}

func (o *Orchestrator) refund(ctx context.Context, t *queue.Task, size int64) {
	if err := o.ledger.Record(ctx, t.Requester, size, "failed"); err != nil {
		o.log.Warn("traffic refund failed", logx.Err(err))
	}
}

func (o *Orchestrator) recordOutcome(ctx context.Context, t *queue.Task, result, reason string) {
	if result == "success" {
		if err := o.ledger.Record(ctx, t.Requester, t.Size(), "success"); err != nil {
			o.log.Warn("traffic record failed", logx.Err(err))
		}
	}
	if o.store == nil {
		return
	}
	chatRef := t.Ref.ChatName
	if chatRef == "" {
		chatRef = fmt.Sprintf("%d", t.Ref.ChatID)
	}
	err := o.store.AppendOutcome(ctx, storage.Outcome{
		TaskID:    t.ID,
		BatchID:   t.BatchID,
		Requester: t.Requester,
		ChatRef:   chatRef,
		MessageID: t.Ref.MessageID,
		Bytes:     t.Size(),
		Result:    result,
		Reason:    reason,
	})
	if err != nil {
		o.log.Warn("outcome append failed", logx.Err(err))
	}
}

func reasonOf(err error) string {
	var r queue.Reasoner
	if errors.As(err, &r) {
		return r.Reason()
	}
	return queue.ReasonError
}
