// Package telegram adapts gopkg.in/telebot.v4 to the upstream session and
// client contracts for the general bot handle. The privileged user-session
// side of the network is out of scope here; the pool accepts any
// upstream.Session implementation for it.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"saverbot/internal/upstream"
	logx "saverbot/pkg/logx"
)

// Config configures the bot session.
type Config struct {
	Token string

	// PollTimeout is the long-poll timeout for incoming updates.
	PollTimeout time.Duration
}

// BotSession is the general session backed by the Bot API. Connect performs
// the initial getMe round-trip; the session is usable until Close.
type BotSession struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	bot    *tele.Bot
	client *botClient
}

func NewBotSession(cfg Config, log logx.Logger) (*BotSession, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &BotSession{cfg: cfg, log: log.With(logx.String("comp", "telegram"))}, nil
}

func (s *BotSession) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot != nil && s.bot.Me != nil {
		return "@" + s.bot.Me.Username
	}
	return "bot"
}

func (s *BotSession) Connect(ctx context.Context) error {
	b, err := tele.NewBot(tele.Settings{
		Token:  s.cfg.Token,
		Poller: &tele.LongPoller{Timeout: s.cfg.PollTimeout},
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.bot = b
	s.client = &botClient{bot: b, log: s.log}
	s.mu.Unlock()

	s.log.Info("bot session connected", logx.String("identity", "@"+b.Me.Username))
	return ctx.Err()
}

func (s *BotSession) Close() error {
	s.mu.Lock()
	bot := s.bot
	s.bot = nil
	s.client = nil
	s.mu.Unlock()

	if bot != nil {
		// Stop is safe even when polling never started.
		bot.Stop()
	}
	return nil
}

func (s *BotSession) Client() upstream.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Bot exposes the underlying telebot instance for the command surface.
// Nil until Connect succeeds.
func (s *BotSession) Bot() *tele.Bot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bot
}
