package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"saverbot/internal/upstream"
	logx "saverbot/pkg/logx"
)

// botClient implements upstream.Client over the Bot API.
//
// The Bot API cannot read arbitrary channel history, so Fetch never
// downloads: public references resolve to Remote content and delivery is a
// server-side copy. References that need a user session are rejected here
// and routed to a privileged handle by the pool.
type botClient struct {
	bot *tele.Bot
	log logx.Logger
}

func (c *botClient) Fetch(ctx context.Context, ref upstream.Ref, stagingDir string) (*upstream.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref.Capability != upstream.CapabilityGeneral {
		return nil, fmt.Errorf("bot session cannot read restricted source: %w", upstream.ErrAccessDenied)
	}
	if ref.MessageID <= 0 {
		return nil, upstream.ErrNotFound
	}
	return &upstream.Content{Ref: ref, Remote: true}, nil
}

func (c *botClient) Deliver(ctx context.Context, content *upstream.Content, to upstream.Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if content.Remote {
		return c.copyRemote(content, to)
	}
	return c.sendStaged(content, to)
}

// copyRemote relays the message server side without touching its bytes.
func (c *botClient) copyRemote(content *upstream.Content, to upstream.Target) error {
	srcChat, err := c.sourceChatID(content.Ref)
	if err != nil {
		return err
	}

	_, err = c.bot.Copy(tele.ChatID(to.ChatID), tele.StoredMessage{
		ChatID:    srcChat,
		MessageID: strconv.Itoa(content.Ref.MessageID),
	})
	if err == nil {
		return nil
	}
	if mapped := mapThrottle(err); mapped != nil {
		return mapped
	}
	// Protected or otherwise uncopyable content: a staged re-upload through
	// another session can still work, so flag the failure as transient.
	return &upstream.DeliveryError{Transient: true, Err: err}
}

// sendStaged uploads a previously downloaded file, picking the send method
// from the media kind.
func (c *botClient) sendStaged(content *upstream.Content, to upstream.Target) error {
	var what interface{}
	switch content.Kind {
	case upstream.KindText:
		what = content.Text
	case upstream.KindPhoto:
		what = &tele.Photo{File: tele.FromDisk(content.FilePath), Caption: content.Text}
	case upstream.KindVideo:
		what = &tele.Video{File: tele.FromDisk(content.FilePath), Caption: content.Text}
	case upstream.KindAudio:
		what = &tele.Audio{File: tele.FromDisk(content.FilePath), Caption: content.Text}
	case upstream.KindVoice:
		what = &tele.Voice{File: tele.FromDisk(content.FilePath)}
	default:
		what = &tele.Document{File: tele.FromDisk(content.FilePath), Caption: content.Text}
	}

	_, err := c.bot.Send(tele.ChatID(to.ChatID), what)
	if err == nil {
		return nil
	}
	if mapped := mapThrottle(err); mapped != nil {
		return mapped
	}
	if content.Kind != upstream.KindDocument && content.FilePath != "" {
		// Some media is rejected by its native send method (dimensions,
		// codec). A plain document upload accepts anything.
		c.log.Debug("native send rejected, retrying as document",
			logx.String("kind", string(content.Kind)),
			logx.Err(err),
		)
		_, derr := c.bot.Send(tele.ChatID(to.ChatID), &tele.Document{
			File:    tele.FromDisk(content.FilePath),
			Caption: content.Text,
		})
		if derr == nil {
			return nil
		}
		if mapped := mapThrottle(derr); mapped != nil {
			return mapped
		}
		err = derr
	}
	return &upstream.DeliveryError{Err: err}
}

// sourceChatID turns a reference into the numeric chat id the copy call
// needs, resolving usernames through the API when necessary.
func (c *botClient) sourceChatID(ref upstream.Ref) (int64, error) {
	if ref.ChatID != 0 {
		return ref.ChatID, nil
	}
	chat, err := c.bot.ChatByUsername("@" + ref.ChatName)
	if err != nil {
		if mapped := mapThrottle(err); mapped != nil {
			return 0, mapped
		}
		return 0, fmt.Errorf("resolve %q: %w", ref.ChatName, upstream.ErrNotFound)
	}
	return chat.ID, nil
}

// mapThrottle translates the API's flood control error into the orchestrator's
// throttle signal. Returns nil for every other error.
func mapThrottle(err error) error {
	if fe, ok := err.(tele.FloodError); ok {
		return upstream.Throttled(time.Duration(fe.RetryAfter) * time.Second)
	}
	if fe, ok := err.(*tele.FloodError); ok {
		return upstream.Throttled(time.Duration(fe.RetryAfter) * time.Second)
	}
	return nil
}
