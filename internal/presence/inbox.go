package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/dm/internal/chat"
)

// Entry is one row of a user's conversation list.
type Entry struct {
	Conversation chat.Conversation `json:"conversation"`
	Peer         Participant       `json:"peer"`
	Unread       bool              `json:"unread"`
}

// Inbox is a live conversation list for one user. Its state lives only as
// long as the subscription behind it.
type Inbox struct {
	userID  string
	tracker *Tracker
	log     zerolog.Logger

	mu      sync.RWMutex
	entries map[string]Entry

	updates chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// Inbox subscribes to userID's conversations. Messages addressed to the
// user are marked delivered as their conversations arrive. The inbox
// stops when ctx ends or Close is called.
func (t *Tracker) Inbox(ctx context.Context, userID string) (*Inbox, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := t.store.SubscribeConversations(ctx, userID)
	if err != nil {
		cancel()
		return nil, err
	}

	in := &Inbox{
		userID:  userID,
		tracker: t,
		log:     t.log.With().Str("user_id", userID).Logger(),
		entries: make(map[string]Entry),
		updates: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go in.run(ctx, sub)
	return in, nil
}

func (in *Inbox) run(ctx context.Context, sub <-chan chat.Conversation) {
	defer close(in.done)
	for conv := range sub {
		unread := conv.IsUnreadBy(in.userID) && conv.LastSenderID != in.userID
		if unread {
			if _, err := in.tracker.MarkDelivered(ctx, conv.ID, in.userID); err != nil && ctx.Err() == nil {
				in.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("mark delivered")
			}
		}
		entry := Entry{
			Conversation: conv,
			Peer:         in.tracker.Peer(ctx, conv, in.userID),
			Unread:       unread,
		}

		in.mu.Lock()
		in.entries[conv.ID] = entry
		in.mu.Unlock()
		in.signal()
	}
}

func (in *Inbox) signal() {
	select {
	case in.updates <- struct{}{}:
	default:
	}
}

// Updates fires after the list changed. Signals coalesce; read Entries
// for the current state.
func (in *Inbox) Updates() <-chan struct{} {
	return in.updates
}

// Entries returns the conversation list, most recently updated first.
func (in *Inbox) Entries() []Entry {
	in.mu.RLock()
	out := make([]Entry, 0, len(in.entries))
	for _, e := range in.entries {
		e.Conversation = e.Conversation.Clone()
		out = append(out, e)
	}
	in.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Conversation, out[j].Conversation
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// UnreadCount returns how many conversations are unread for the user.
func (in *Inbox) UnreadCount() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	n := 0
	for _, e := range in.entries {
		if e.Unread {
			n++
		}
	}
	return n
}

// RefreshPresence re-reads the peers' presence.
func (in *Inbox) RefreshPresence(ctx context.Context) {
	in.mu.RLock()
	convs := make([]chat.Conversation, 0, len(in.entries))
	for _, e := range in.entries {
		convs = append(convs, e.Conversation)
	}
	in.mu.RUnlock()

	changed := false
	for _, conv := range convs {
		peer := in.tracker.Peer(ctx, conv, in.userID)
		in.mu.Lock()
		if e, ok := in.entries[conv.ID]; ok && e.Peer != peer {
			e.Peer = peer
			in.entries[conv.ID] = e
			changed = true
		}
		in.mu.Unlock()
	}
	if changed {
		in.signal()
	}
}

// Done is closed when the inbox has stopped.
func (in *Inbox) Done() <-chan struct{} {
	return in.done
}

// Close stops the subscription and waits for the loop to exit.
func (in *Inbox) Close() {
	in.cancel()
	<-in.done
}
