package clientpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"saverbot/internal/upstream"
	logx "saverbot/pkg/logx"
)

type stubClient struct{}

func (stubClient) Fetch(ctx context.Context, ref upstream.Ref, stagingDir string) (*upstream.Content, error) {
	return &upstream.Content{Ref: ref}, nil
}

func (stubClient) Deliver(ctx context.Context, content *upstream.Content, to upstream.Target) error {
	return nil
}

type stubSession struct {
	name       string
	connectErr error

	connects atomic.Int32
	closes   atomic.Int32
}

func (s *stubSession) Identity() string { return s.name }

func (s *stubSession) Connect(ctx context.Context) error {
	s.connects.Add(1)
	return s.connectErr
}

func (s *stubSession) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *stubSession) Client() upstream.Client { return stubClient{} }

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := New(cfg, logx.Nop(), nil)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAcquireEmptyPool(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{})

	if _, err := p.Acquire(upstream.CapabilityGeneral, 1); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("general acquire = %v, want ErrUnavailable", err)
	}
	if _, err := p.Acquire(upstream.CapabilityPrivileged, 1); !errors.Is(err, ErrNoPrivilegedSession) {
		t.Fatalf("privileged acquire = %v, want ErrNoPrivilegedSession", err)
	}
}

func TestAcquireByCapability(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{})
	ctx := context.Background()

	if err := p.AddGeneral(ctx, &stubSession{name: "bot"}); err != nil {
		t.Fatalf("AddGeneral: %v", err)
	}
	if err := p.AddPrivileged(ctx, 42, &stubSession{name: "user42"}); err != nil {
		t.Fatalf("AddPrivileged: %v", err)
	}

	h, err := p.Acquire(upstream.CapabilityGeneral, 7)
	if err != nil {
		t.Fatalf("general acquire: %v", err)
	}
	if h.Kind() != KindGeneral || h.Identity() != "bot" {
		t.Fatalf("wrong handle: kind=%s identity=%s", h.Kind(), h.Identity())
	}
	p.Release(h)

	h, err = p.Acquire(upstream.CapabilityPrivileged, 42)
	if err != nil {
		t.Fatalf("privileged acquire: %v", err)
	}
	if h.Kind() != KindPrivileged || h.Identity() != "user42" {
		t.Fatalf("wrong handle: kind=%s identity=%s", h.Kind(), h.Identity())
	}
	p.Release(h)

	// A privileged handle is scoped to its owner.
	if _, err := p.Acquire(upstream.CapabilityPrivileged, 7); !errors.Is(err, ErrNoPrivilegedSession) {
		t.Fatalf("other requester acquire = %v, want ErrNoPrivilegedSession", err)
	}
}

func TestConnectFailureSurfaces(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{})
	s := &stubSession{name: "bot", connectErr: errors.New("unauthorized")}

	if err := p.AddGeneral(context.Background(), s); err == nil {
		t.Fatal("AddGeneral accepted a failing session")
	}
	if _, err := p.Acquire(upstream.CapabilityGeneral, 1); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("acquire after failed connect = %v, want ErrUnavailable", err)
	}
}

func TestReplacePrivilegedClosesOld(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{})
	ctx := context.Background()

	old := &stubSession{name: "old"}
	if err := p.AddPrivileged(ctx, 42, old); err != nil {
		t.Fatalf("AddPrivileged old: %v", err)
	}
	if err := p.AddPrivileged(ctx, 42, &stubSession{name: "new"}); err != nil {
		t.Fatalf("AddPrivileged new: %v", err)
	}

	if got := old.closes.Load(); got != 1 {
		t.Fatalf("old session closed %d times, want 1", got)
	}
	h, err := p.Acquire(upstream.CapabilityPrivileged, 42)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.Identity() != "new" {
		t.Fatalf("acquired %s, want the replacement", h.Identity())
	}
}

func TestMarkDegradedAndReconnect(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{ReconnectBase: 5 * time.Millisecond, ReconnectMax: 20 * time.Millisecond})
	s := &stubSession{name: "bot"}
	if err := p.AddGeneral(context.Background(), s); err != nil {
		t.Fatalf("AddGeneral: %v", err)
	}

	h, err := p.Acquire(upstream.CapabilityGeneral, 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.MarkDegraded(h, errors.New("rpc error"))

	if _, err := p.Acquire(upstream.CapabilityGeneral, 1); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("acquire while degraded = %v, want ErrUnavailable", err)
	}

	// The reconnect loop brings the handle back.
	deadline := time.After(2 * time.Second)
	for {
		if _, err := p.Acquire(upstream.CapabilityGeneral, 1); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("handle never recovered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := s.connects.Load(); got < 2 {
		t.Fatalf("connect attempts = %d, want a reconnect after the initial connect", got)
	}
}

func TestCloseClosesAllSessions(t *testing.T) {
	t.Parallel()

	p := New(Config{}, logx.Nop(), nil)
	ctx := context.Background()

	general := &stubSession{name: "bot"}
	user := &stubSession{name: "user"}
	if err := p.AddGeneral(ctx, general); err != nil {
		t.Fatalf("AddGeneral: %v", err)
	}
	if err := p.AddPrivileged(ctx, 1, user); err != nil {
		t.Fatalf("AddPrivileged: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if general.closes.Load() != 1 || user.closes.Load() != 1 {
		t.Fatalf("sessions not closed: general=%d user=%d", general.closes.Load(), user.closes.Load())
	}
	if _, err := p.Acquire(upstream.CapabilityGeneral, 1); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("acquire after close = %v, want ErrUnavailable", err)
	}
}
