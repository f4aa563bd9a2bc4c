// Package resolver maps an unordered pair of users to their single
// conversation, creating it on first contact.
package resolver

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/identity"
	"github.com/whisper/dm/internal/metrics"
	"github.com/whisper/dm/internal/store"
)

// Resolver resolves conversations between pairs of users.
type Resolver struct {
	store store.Store
	users identity.Provider
	log   zerolog.Logger
}

// New creates a Resolver.
func New(st store.Store, users identity.Provider, log zerolog.Logger) *Resolver {
	return &Resolver{
		store: st,
		users: users,
		log:   log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve returns the id of the conversation between userA and userB,
// creating it when it does not exist. The result is the same for
// (A, B) and (B, A), and concurrent callers converge on one
// conversation.
func (r *Resolver) Resolve(ctx context.Context, userA, userB string) (string, error) {
	conv, err := r.ResolveConversation(ctx, userA, userB)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

// ResolveConversation is Resolve returning the whole conversation.
func (r *Resolver) ResolveConversation(ctx context.Context, userA, userB string) (chat.Conversation, error) {
	if _, err := chat.ConversationID(userA, userB); err != nil {
		return chat.Conversation{}, err
	}

	profiles, err := r.users.Profiles(ctx, []string{userA, userB})
	if err != nil {
		return chat.Conversation{}, err
	}
	details := make(map[string]chat.ParticipantDetails, 2)
	for _, id := range []string{userA, userB} {
		p, ok := profiles[id]
		if !ok {
			r.log.Debug().Str("user_id", id).Msg("unknown identity")
			return chat.Conversation{}, chat.ErrPermissionDenied
		}
		details[id] = p.Details()
	}

	conv, created, err := r.store.GetOrCreateConversation(ctx, [2]string{userA, userB}, details)
	if err != nil {
		if !errors.Is(err, chat.ErrNetworkFailure) {
			r.log.Error().Err(err).Str("user_a", userA).Str("user_b", userB).Msg("get or create conversation")
		}
		return chat.Conversation{}, err
	}

	metrics.ConversationsResolved.WithLabelValues(boolLabel(created)).Inc()
	r.log.Debug().
		Str("conversation_id", conv.ID).
		Bool("created", created).
		Msg("conversation resolved")
	return conv, nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
