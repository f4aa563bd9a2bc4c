// Package notify alerts message recipients outside the live
// conversation. Dispatch is fire-and-forget: failures are logged and
// counted, never returned to the sender.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/whisper/dm/internal/metrics"
)

// PreviewRunes is the maximum length of a notification preview.
const PreviewRunes = 80

// Notification announces a new message to its recipient.
type Notification struct {
	RecipientID    string    `json:"recipient_id"`
	SenderID       string    `json:"sender_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Preview        string    `json:"preview"`
	At             time.Time `json:"at"`
}

// Preview shortens text for display in a notification.
func Preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= PreviewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewRunes-1]) + "…"
}

// Dispatcher delivers notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Dispatch(context.Context, Notification) {}

// Publisher is the transport a NATSDispatcher publishes through.
type Publisher interface {
	PublishNotification(recipientID string, data []byte) error
}

// NATSDispatcher publishes notifications on the recipient's subject.
type NATSDispatcher struct {
	pub Publisher
	log zerolog.Logger
}

// NewNATSDispatcher creates a dispatcher publishing through pub.
func NewNATSDispatcher(pub Publisher, log zerolog.Logger) *NATSDispatcher {
	return &NATSDispatcher{pub: pub, log: log.With().Str("component", "notify").Logger()}
}

func (d *NATSDispatcher) Dispatch(_ context.Context, n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		d.log.Error().Err(err).Str("conversation_id", n.ConversationID).Msg("marshal notification")
		metrics.NotificationsTotal.WithLabelValues("publish_error").Inc()
		return
	}
	if err := d.pub.PublishNotification(n.RecipientID, data); err != nil {
		d.log.Warn().Err(err).
			Str("recipient_id", n.RecipientID).
			Str("conversation_id", n.ConversationID).
			Msg("publish notification")
		metrics.NotificationsTotal.WithLabelValues("publish_error").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues("published").Inc()
}

var (
	_ Dispatcher = Nop{}
	_ Dispatcher = (*NATSDispatcher)(nil)
)
