// Package presence tracks who has unread messages and who is online.
// Unread state lives on the conversation in the store; presence is read
// from the identity provider.
package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/identity"
	"github.com/whisper/dm/internal/metrics"
	"github.com/whisper/dm/internal/store"
)

// Participant is a conversation member as shown to the other side.
type Participant struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	IsOnline    bool      `json:"is_online"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
}

// Tracker maintains unread markers and merges presence into
// participant details.
type Tracker struct {
	store store.Store
	users identity.Provider
	now   func() time.Time
	log   zerolog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(st store.Store, users identity.Provider, log zerolog.Logger) *Tracker {
	return &Tracker{
		store: st,
		users: users,
		now:   time.Now,
		log:   log.With().Str("component", "presence").Logger(),
	}
}

// MarkRead records that userID has seen the conversation: messages from
// the other participant move to read and userID leaves the unread set.
// It does nothing when the conversation is not unread for userID or when
// userID sent the most recent message, and reports whether the marker
// was cleared.
func (t *Tracker) MarkRead(ctx context.Context, conversationID, userID string) (bool, error) {
	conv, err := t.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if !conv.IsParticipant(userID) {
		return false, chat.ErrPermissionDenied
	}
	if !conv.IsUnreadBy(userID) || conv.LastSenderID == userID {
		return false, nil
	}

	cleared, n, err := t.store.MarkRead(ctx, conversationID, userID, t.now())
	if err != nil {
		return false, err
	}
	metrics.MessagesTotal.WithLabelValues("read").Add(float64(n))
	t.log.Debug().
		Str("conversation_id", conversationID).
		Str("user_id", userID).
		Int("messages", n).
		Bool("cleared", cleared).
		Msg("marked read")
	return cleared, nil
}

// MarkDelivered moves every message addressed to userID in the
// conversation to delivered.
func (t *Tracker) MarkDelivered(ctx context.Context, conversationID, userID string) (int, error) {
	n, err := t.store.AdvanceConversation(ctx, conversationID, userID, chat.StatusDelivered, t.now())
	if err != nil {
		return 0, err
	}
	metrics.MessagesTotal.WithLabelValues("delivered").Add(float64(n))
	return n, nil
}

// Participants merges the conversation's stored details with current
// identity data. Identity failures fall back to the stored details with
// presence unknown (offline).
func (t *Tracker) Participants(ctx context.Context, conv chat.Conversation) []Participant {
	profiles, err := t.users.Profiles(ctx, conv.Participants)
	if err != nil {
		t.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("presence lookup failed")
		profiles = nil
	}

	out := make([]Participant, 0, len(conv.Participants))
	for _, id := range conv.Participants {
		out = append(out, merge(id, conv.ParticipantDetails[id], profiles))
	}
	return out
}

// Peer returns the participant of conv that is not userID.
func (t *Tracker) Peer(ctx context.Context, conv chat.Conversation, userID string) Participant {
	other := conv.Other(userID)
	profiles, err := t.users.Profiles(ctx, []string{other})
	if err != nil {
		t.log.Warn().Err(err).Str("user_id", other).Msg("presence lookup failed")
	}
	return merge(other, conv.ParticipantDetails[other], profiles)
}

func merge(id string, stored chat.ParticipantDetails, profiles map[string]identity.Profile) Participant {
	p := Participant{
		UserID:      id,
		DisplayName: stored.DisplayName,
		AvatarURL:   stored.AvatarURL,
	}
	prof, ok := profiles[id]
	if !ok {
		return p
	}
	if prof.DisplayName != "" {
		p.DisplayName = prof.DisplayName
	}
	if prof.AvatarURL != "" {
		p.AvatarURL = prof.AvatarURL
	}
	p.IsOnline = prof.IsOnline
	p.LastSeen = prof.LastSeen
	return p
}
