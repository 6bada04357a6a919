package upstream

import (
	"context"
	"time"
)

// Capability says which kind of session a source reference needs.
//
// Public channels are reachable through the general bot session; private and
// restricted sources need a privileged user session supplied by the requester.
type Capability int

const (
	CapabilityGeneral Capability = iota
	CapabilityPrivileged
)

func (c Capability) String() string {
	switch c {
	case CapabilityGeneral:
		return "general"
	case CapabilityPrivileged:
		return "privileged"
	default:
		return "unknown"
	}
}

// Ref is a resolved source reference: one retrievable item in one chat.
//
// Exactly one of ChatName / ChatID is set. ChatID carries the already
// translated internal id (including the marker prefix for private channels).
type Ref struct {
	ChatName  string
	ChatID    int64
	MessageID int

	// Capability the reference was resolved to require.
	Capability Capability
}

// MediaKind classifies fetched content for delivery.
type MediaKind string

const (
	KindText     MediaKind = "text"
	KindPhoto    MediaKind = "photo"
	KindVideo    MediaKind = "video"
	KindAudio    MediaKind = "audio"
	KindVoice    MediaKind = "voice"
	KindDocument MediaKind = "document"
)

// Content is the result of a fetch.
//
// Remote content references the upstream message and is delivered by a
// server-side copy; staged content has been downloaded to FilePath and is
// re-uploaded on delivery. Staged files are owned by the task that fetched
// them and must be removed on every exit path.
type Content struct {
	Ref      Ref
	Kind     MediaKind
	Text     string
	Size     int64
	Remote   bool
	FilePath string
}

// Target is where content is delivered (the requesting user's chat).
type Target struct {
	ChatID int64
}

// Client is the source network abstraction bound to one session.
//
// Implementations must map upstream failures onto the error taxonomy in
// errors.go so the orchestrator can tell throttling from permanent failure.
type Client interface {
	// Fetch retrieves the referenced item. stagingDir is where non-remote
	// content is downloaded to.
	Fetch(ctx context.Context, ref Ref, stagingDir string) (*Content, error)

	// Deliver sends previously fetched content to the target.
	Deliver(ctx context.Context, content *Content, to Target) error
}

// Session is one authenticated connection slot managed by the client pool.
type Session interface {
	// Identity names the session for logging (bot username, phone hash, ...).
	Identity() string

	Connect(ctx context.Context) error
	Close() error

	// Client returns the network operations bound to this session.
	// Only valid while the session is connected.
	Client() Client
}

// ThrottleHint is the minimum wait a throttled caller should observe when the
// upstream did not provide one.
const ThrottleHint = 2 * time.Second
