// Package reconcile merges a conversation's optimistic local entries with
// the authoritative message list coming from the store.
package reconcile

import (
	"sort"
	"time"

	"github.com/whisper/dm/internal/chat"
)

// DefaultGrace is how long an optimistic entry may stay unmatched before
// it is flagged failed.
const DefaultGrace = 10 * time.Second

// Engine reconciles one conversation. It holds no mutable state, so one
// engine can be shared by any number of goroutines.
type Engine struct {
	conversationID string
	grace          time.Duration
}

// New creates an engine bound to conversationID. A non-positive grace
// selects DefaultGrace.
func New(conversationID string, grace time.Duration) *Engine {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Engine{conversationID: conversationID, grace: grace}
}

// ConversationID returns the conversation the engine is bound to.
func (e *Engine) ConversationID() string {
	return e.conversationID
}

// Reconcile returns the ordered view of the conversation:
//
//   - remote messages sharing a sender and ClientID with a local
//     optimistic entry replace that entry;
//   - remaining remote messages are placed by (CreatedAt, Seq), duplicates
//     collapsed to their most advanced status;
//   - unmatched pending entries older than the grace period come back
//     flagged failed and are never dropped;
//   - optimistic entries sort after every canonical message.
//
// Entries belonging to other conversations are ignored. Inputs are not
// modified.
func (e *Engine) Reconcile(local, remote []chat.Message, now time.Time) []chat.Message {
	byID := make(map[string]int, len(remote))
	canonical := make([]chat.Message, 0, len(remote)+len(local))
	confirmed := make(map[key]bool, len(remote))

	for _, m := range remote {
		if m.ConversationID != e.conversationID || m.ID == "" {
			continue
		}
		m.Local = chat.LocalCanonical
		if i, ok := byID[m.ID]; ok {
			canonical[i] = chat.MergeStatus(canonical[i], m)
			continue
		}
		byID[m.ID] = len(canonical)
		canonical = append(canonical, m)
		if m.ClientID != "" {
			confirmed[keyOf(m)] = true
		}
	}

	sort.SliceStable(canonical, func(i, j int) bool { return chat.Less(canonical[i], canonical[j]) })

	var newest time.Time
	if n := len(canonical); n > 0 {
		newest = canonical[n-1].CreatedAt
	}

	var optimistic []chat.Message
	seen := make(map[key]bool, len(local))
	for _, m := range local {
		if m.ConversationID != e.conversationID || !m.IsOptimistic() {
			continue
		}
		k := keyOf(m)
		if confirmed[k] || seen[k] {
			continue
		}
		seen[k] = true
		if m.Local == chat.LocalPending && now.Sub(m.CreatedAt) > e.grace {
			m.Local = chat.LocalFailed
		}
		if m.CreatedAt.Before(newest) {
			m.CreatedAt = newest
		}
		optimistic = append(optimistic, m)
	}

	sort.SliceStable(optimistic, func(i, j int) bool {
		return optimistic[i].CreatedAt.Before(optimistic[j].CreatedAt)
	})

	return append(canonical, optimistic...)
}

// Outstanding returns the local optimistic entries that remote has not
// confirmed yet. Views use it to prune confirmed entries.
func (e *Engine) Outstanding(local, remote []chat.Message) []chat.Message {
	confirmed := make(map[key]bool, len(remote))
	for _, m := range remote {
		if m.ConversationID == e.conversationID && m.ClientID != "" {
			confirmed[keyOf(m)] = true
		}
	}
	var out []chat.Message
	for _, m := range local {
		if m.ConversationID == e.conversationID && m.IsOptimistic() && !confirmed[keyOf(m)] {
			out = append(out, m)
		}
	}
	return out
}

// key is an idempotency key. Client ids are chosen by clients, so they
// are only unique per sender.
type key struct {
	sender, clientID string
}

func keyOf(m chat.Message) key {
	return key{m.SenderID, m.ClientID}
}
