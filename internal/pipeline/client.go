// Package pipeline drives a user's conversations from compose to read:
// optimistic local entries, the atomic store write with one retry,
// rollback on failure, and status propagation from live subscriptions.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/metrics"
	"github.com/whisper/dm/internal/notify"
	"github.com/whisper/dm/internal/presence"
	"github.com/whisper/dm/internal/reconcile"
	"github.com/whisper/dm/internal/store"
)

// Config bounds how long sends may take.
type Config struct {
	SendTimeout   time.Duration // per store attempt
	RetryBackoff  time.Duration // pause before the single automatic retry
	Grace         time.Duration // optimistic entries older than this are flagged failed
	SweepInterval time.Duration // how often views look for stale entries
	EventBuffer   int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SendTimeout:   5 * time.Second,
		RetryBackoff:  500 * time.Millisecond,
		Grace:         reconcile.DefaultGrace,
		SweepInterval: time.Second,
		EventBuffer:   64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.Grace <= 0 {
		c.Grace = d.Grace
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// Client is one authenticated user's messaging session.
type Client struct {
	userID   string
	store    store.Store
	tracker  *presence.Tracker
	notifier notify.Dispatcher
	cfg      Config
	now      func() time.Time
	log      zerolog.Logger
}

// NewClient creates a session for userID.
func NewClient(userID string, st store.Store, tracker *presence.Tracker, notifier notify.Dispatcher, cfg Config, log zerolog.Logger) *Client {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Client{
		userID:   userID,
		store:    st,
		tracker:  tracker,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		log:      log.With().Str("component", "pipeline").Str("user_id", userID).Logger(),
	}
}

// UserID returns the session's user.
func (c *Client) UserID() string {
	return c.userID
}

// Open starts a live view of the conversation and marks it read for the
// user when it is unread. The view runs until ctx ends or Close is
// called.
func (c *Client) Open(ctx context.Context, conversationID string) (*View, error) {
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsParticipant(c.userID) {
		return nil, chat.ErrPermissionDenied
	}

	vctx, cancel := context.WithCancel(ctx)
	sub, err := c.store.SubscribeMessages(vctx, conversationID)
	if err != nil {
		cancel()
		return nil, err
	}

	v := newView(c, conv, cancel)
	go v.run(vctx, sub)
	metrics.ActiveViews.Inc()

	cleared, err := c.tracker.MarkRead(ctx, conversationID, c.userID)
	if err != nil {
		c.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark read on open")
	}
	c.log.Debug().Str("conversation_id", conversationID).Bool("cleared", cleared).Msg("view opened")
	return v, nil
}
