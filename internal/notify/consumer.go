package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/dm/internal/identity"
	"github.com/whisper/dm/internal/messaging"
	"github.com/whisper/dm/internal/metrics"
)

// Pusher hands a notification to an out-of-band channel such as mobile
// push or email.
type Pusher interface {
	Push(ctx context.Context, n Notification, to identity.Profile) error
}

// LogPusher records pushes in the log. It stands in for a real push
// provider.
type LogPusher struct {
	Log zerolog.Logger
}

func (p LogPusher) Push(_ context.Context, n Notification, to identity.Profile) error {
	p.Log.Info().
		Str("recipient_id", n.RecipientID).
		Str("display_name", to.DisplayName).
		Str("conversation_id", n.ConversationID).
		Str("preview", n.Preview).
		Msg("push")
	return nil
}

// Consumer forwards notifications for offline recipients to a Pusher.
type Consumer struct {
	users   identity.Provider
	pusher  Pusher
	timeout time.Duration
	log     zerolog.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(users identity.Provider, pusher Pusher, log zerolog.Logger) *Consumer {
	return &Consumer{
		users:   users,
		pusher:  pusher,
		timeout: 5 * time.Second,
		log:     log.With().Str("component", "notifier").Logger(),
	}
}

// Handle processes one raw notification received on subject.
func (c *Consumer) Handle(subject string, data []byte) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		c.log.Warn().Err(err).Str("subject", subject).Msg("invalid notification")
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		return
	}
	if want := messaging.NotifySubject(n.RecipientID); n.RecipientID == "" || !strings.EqualFold(subject, want) {
		c.log.Warn().Str("subject", subject).Str("recipient_id", n.RecipientID).Msg("notification subject mismatch")
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	profile, err := c.users.Profile(ctx, n.RecipientID)
	if err != nil {
		c.log.Warn().Err(err).Str("recipient_id", n.RecipientID).Msg("lookup recipient")
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		return
	}
	if profile.IsOnline {
		metrics.NotificationsTotal.WithLabelValues("skipped_online").Inc()
		return
	}
	if err := c.pusher.Push(ctx, n, *profile); err != nil {
		c.log.Error().Err(err).Str("recipient_id", n.RecipientID).Msg("push failed")
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues("pushed").Inc()
}
