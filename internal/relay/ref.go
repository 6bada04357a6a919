package relay

import (
	"fmt"
	"strconv"
	"strings"

	"saverbot/internal/upstream"
)

// privateChatPrefix is the marker the network prepends to a channel's
// internal id to form the API-level chat id.
const privateChatPrefix = "-100"

// ParseRef normalizes a message link into a source reference.
//
// Accepted forms:
//
//	t.me/<channel>/<id>        public channel, general session
//	t.me/c/<internal>/<id>     private channel by internal id; the id gets
//	                           the -100 prefix translation
//	t.me/b/<name>/<id>         bot-scoped private form, name addressing
//
// An optional https:// scheme, a telegram.me host, and a trailing ?single
// are tolerated. Anything else is an invalid reference.
func ParseRef(link string) (upstream.Ref, error) {
	raw := strings.TrimSpace(link)
	if raw == "" {
		return upstream.Ref{}, &InvalidReferenceError{Link: link, Cause: "empty link"}
	}

	// Album links carry a ?single suffix pointing at one item.
	if i := strings.Index(raw, "?single"); i >= 0 {
		raw = raw[:i]
	}

	s := raw
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	switch {
	case strings.HasPrefix(s, "t.me/"):
		s = strings.TrimPrefix(s, "t.me/")
	case strings.HasPrefix(s, "telegram.me/"):
		s = strings.TrimPrefix(s, "telegram.me/")
	default:
		return upstream.Ref{}, &InvalidReferenceError{Link: link, Cause: "not a t.me link"}
	}

	parts := strings.Split(strings.Trim(s, "/"), "/")

	switch {
	case len(parts) == 3 && parts[0] == "c":
		internal, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || internal <= 0 {
			return upstream.Ref{}, &InvalidReferenceError{Link: link, Cause: "bad internal chat id"}
		}
		msgID, err := parseMessageID(parts[2])
		if err != nil {
			return upstream.Ref{}, &InvalidReferenceError{Link: link, Cause: err.Error()}
		}
		chatID, err := strconv.ParseInt(privateChatPrefix+parts[1], 10, 64)
		if err != nil {
			return upstream.Ref{}, &InvalidReferenceError{Link: link, Cause: "chat id overflow"}
		}
		return upstream.Ref{
			ChatID:     chatID,
			MessageID:  msgID,
			Capability: upstream.CapabilityPrivileged,
		}, nil

	case len(parts) == 3 && parts[0] == "b":
		name := parts[1]
		if !validChatName(name) {
			return upstream.Ref{}, &InvalidReferenceError{Link: link, Cause: "bad chat name"}
		}
		msgID, err := parseMessageID(parts[2])
		if err != nil {
			return upstream.Ref{}, &InvalidReferenceError{Link: link, Cause: err.Error()}
		}
		return upstream.Ref{
			ChatName:   name,
			MessageID:  msgID,
			Capability: upstream.CapabilityPrivileged,
		}, nil

	case len(parts) == 2:
		name := parts[0]
		if !validChatName(name) {
			return upstream.Ref{}, &InvalidReferenceError{Link: link, Cause: "bad chat name"}
		}
		msgID, err := parseMessageID(parts[1])
		if err != nil {
			return upstream.Ref{}, &InvalidReferenceError{Link: link, Cause: err.Error()}
		}
		return upstream.Ref{
			ChatName:   name,
			MessageID:  msgID,
			Capability: upstream.CapabilityGeneral,
		}, nil

	default:
		return upstream.Ref{}, &InvalidReferenceError{Link: link, Cause: "unrecognized link shape"}
	}
}

// WithMessageID returns a copy of ref pointing at a different item in the
// same chat. Batch jobs use this to expand a range from one base link.
func WithMessageID(ref upstream.Ref, msgID int) upstream.Ref {
	ref.MessageID = msgID
	return ref
}

func parseMessageID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad message id %q", s)
	}
	return id, nil
}

func validChatName(s string) bool {
	if len(s) < 2 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}
