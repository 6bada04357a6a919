package clientpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"saverbot/internal/eventbus"
	"saverbot/internal/upstream"
	logx "saverbot/pkg/logx"
)

// HandleKind distinguishes the general bot session from privileged user
// sessions.
type HandleKind int

const (
	KindGeneral HandleKind = iota
	KindPrivileged
)

func (k HandleKind) String() string {
	if k == KindPrivileged {
		return "privileged"
	}
	return "general"
}

// HandleState is the connectivity state of one session handle.
type HandleState int

const (
	StateDisconnected HandleState = iota
	StateConnecting
	StateReady
	StateDegraded
)

func (s HandleState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

var (
	// ErrNoPrivilegedSession: the requester asked for restricted content but
	// never supplied a user session. Fatal for the task, never retried.
	ErrNoPrivilegedSession = errors.New("clientpool: no privileged session for requester")

	// ErrUnavailable: a matching handle exists but is not Ready right now.
	ErrUnavailable = errors.New("clientpool: session handle not ready")
)

// Handle is one session slot. Acquisition is per-call, not per-task: a task
// acquires a handle for each network call and releases it right after, so a
// degraded handle never strands unrelated work.
type Handle struct {
	kind    HandleKind
	owner   int64 // requester that supplied the session; 0 for general
	session upstream.Session

	mu       sync.Mutex
	state    HandleState
	failures int
	lastErr  string
}

func (h *Handle) Kind() HandleKind { return h.kind }

func (h *Handle) Identity() string { return h.session.Identity() }

func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Client returns the network operations bound to this handle's session.
func (h *Handle) Client() upstream.Client { return h.session.Client() }

func (h *Handle) setState(s HandleState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Config holds pool tunables.
type Config struct {
	// ReconnectBase / ReconnectMax bound the backoff between reconnect
	// attempts for a degraded handle.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// ConnectTimeout bounds each connect attempt.
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 5 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	return c
}

// Pool owns the finite set of session handles and answers capability-
// qualified lookups. Acquire never blocks: it returns a Ready handle or a
// typed error immediately.
type Pool struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu         sync.Mutex
	general    *Handle
	privileged map[int64]*Handle // keyed by requester id

	reconnectWG sync.WaitGroup
	stopCh      chan struct{}
	stopOnce    sync.Once
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:        cfg.withDefaults(),
		log:        log,
		bus:        bus,
		privileged: map[int64]*Handle{},
		stopCh:     make(chan struct{}),
	}
}

// AddGeneral installs the general session and connects it.
func (p *Pool) AddGeneral(ctx context.Context, s upstream.Session) error {
	h := &Handle{kind: KindGeneral, session: s}
	if err := p.connect(ctx, h); err != nil {
		return fmt.Errorf("connect general session: %w", err)
	}
	p.mu.Lock()
	p.general = h
	p.mu.Unlock()
	p.log.Info("general session ready", logx.String("identity", s.Identity()))
	return nil
}

// AddPrivileged installs (or replaces) a requester's privileged session.
// A replaced session is closed.
func (p *Pool) AddPrivileged(ctx context.Context, requester int64, s upstream.Session) error {
	h := &Handle{kind: KindPrivileged, owner: requester, session: s}
	if err := p.connect(ctx, h); err != nil {
		return fmt.Errorf("connect privileged session: %w", err)
	}

	p.mu.Lock()
	old := p.privileged[requester]
	p.privileged[requester] = h
	p.mu.Unlock()

	if old != nil {
		_ = old.session.Close()
	}
	p.log.Info("privileged session ready",
		logx.Int64("requester", requester),
		logx.String("identity", s.Identity()),
	)
	return nil
}

func (p *Pool) connect(ctx context.Context, h *Handle) error {
	h.setState(StateConnecting)
	p.publishState(h)

	cctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	if err := h.session.Connect(cctx); err != nil {
		h.setState(StateDisconnected)
		p.publishState(h)
		return err
	}
	h.mu.Lock()
	h.state = StateReady
	h.failures = 0
	h.lastErr = ""
	h.mu.Unlock()
	p.publishState(h)
	return nil
}

// Acquire returns a Ready handle matching the capability for the requester.
//
// CapabilityPrivileged requires a session owned by that requester; its
// absence is ErrNoPrivilegedSession (fatal, don't retry). A known but
// not-Ready handle is ErrUnavailable (caller may retry later).
func (p *Pool) Acquire(capability upstream.Capability, requester int64) (*Handle, error) {
	p.mu.Lock()
	var h *Handle
	switch capability {
	case upstream.CapabilityPrivileged:
		h = p.privileged[requester]
	default:
		h = p.general
	}
	p.mu.Unlock()

	if h == nil {
		if capability == upstream.CapabilityPrivileged {
			return nil, ErrNoPrivilegedSession
		}
		return nil, ErrUnavailable
	}
	if h.State() != StateReady {
		return nil, ErrUnavailable
	}
	return h, nil
}

// Release returns the handle to the pool. Handles are shared, so this is
// bookkeeping only today; it exists so callers keep the acquire/release
// discipline that a checked-out pool would need.
func (p *Pool) Release(h *Handle) {
	_ = h
}

// MarkDegraded takes a handle out of rotation after a fatal protocol error
// and schedules reconnection with backoff. Acquire skips the handle until it
// is Ready again.
func (p *Pool) MarkDegraded(h *Handle, reason error) {
	if h == nil {
		return
	}
	h.mu.Lock()
	alreadyDegraded := h.state == StateDegraded
	h.state = StateDegraded
	h.failures++
	if reason != nil {
		h.lastErr = reason.Error()
	}
	h.mu.Unlock()

	p.publishState(h)
	p.log.Warn("session degraded",
		logx.String("kind", h.kind.String()),
		logx.String("identity", h.Identity()),
		logx.Err(reason),
	)

	if alreadyDegraded {
		// A reconnect loop is already running for this handle.
		return
	}

	p.reconnectWG.Add(1)
	go p.reconnectLoop(h)
}

func (p *Pool) reconnectLoop(h *Handle) {
	defer p.reconnectWG.Done()

	delay := p.cfg.ReconnectBase
	for {
		select {
		case <-p.stopCh:
			return
		case <-time.After(delay):
		}

		_ = h.session.Close()
		err := p.connect(context.Background(), h)
		if err == nil {
			p.log.Info("session reconnected",
				logx.String("kind", h.kind.String()),
				logx.String("identity", h.Identity()),
			)
			return
		}

		h.setState(StateDegraded)
		p.log.Warn("session reconnect failed",
			logx.String("identity", h.Identity()),
			logx.Duration("next_attempt", delay),
			logx.Err(err),
		)
		delay *= 2
		if delay > p.cfg.ReconnectMax {
			delay = p.cfg.ReconnectMax
		}
	}
}

func (p *Pool) publishState(h *Handle) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{
		Type: "session.state",
		Data: SessionEvent{
			Kind:     h.kind.String(),
			Identity: h.Identity(),
			State:    h.State().String(),
			Owner:    h.owner,
		},
	})
}

// SessionEvent is published on the event bus for connectivity transitions.
type SessionEvent struct {
	Kind     string `json:"kind"`
	Identity string `json:"identity"`
	State    string `json:"state"`
	Owner    int64  `json:"owner,omitempty"`
}

// Snapshot is a diagnostics view of the pool.
type Snapshot struct {
	General    *HandleInfo  `json:"general,omitempty"`
	Privileged []HandleInfo `json:"privileged,omitempty"`
}

type HandleInfo struct {
	Kind     string `json:"kind"`
	Identity string `json:"identity"`
	State    string `json:"state"`
	Owner    int64  `json:"owner,omitempty"`
	Failures int    `json:"failures,omitempty"`
	LastErr  string `json:"last_err,omitempty"`
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var snap Snapshot
	if p.general != nil {
		hi := handleInfo(p.general)
		snap.General = &hi
	}
	for _, h := range p.privileged {
		snap.Privileged = append(snap.Privileged, handleInfo(h))
	}
	return snap
}

func handleInfo(h *Handle) HandleInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HandleInfo{
		Kind:     h.kind.String(),
		Identity: h.session.Identity(),
		State:    h.state.String(),
		Owner:    h.owner,
		Failures: h.failures,
		LastErr:  h.lastErr,
	}
}

// Close stops reconnect loops and closes every session.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.reconnectWG.Wait()

	p.mu.Lock()
	handles := make([]*Handle, 0, 1+len(p.privileged))
	if p.general != nil {
		handles = append(handles, p.general)
	}
	for _, h := range p.privileged {
		handles = append(handles, h)
	}
	p.general = nil
	p.privileged = map[int64]*Handle{}
	p.mu.Unlock()

	var first error
	for _, h := range handles {
		h.setState(StateDisconnected)
		if err := h.session.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
