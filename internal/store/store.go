// Package store defines the durable store contract used by the messaging
// core, together with the change hub and follow loop that both store
// implementations build their subscriptions on.
package store

import (
	"context"
	"time"

	"github.com/whisper/dm/internal/chat"
)

// DefaultPageSize bounds a single catch-up read.
const DefaultPageSize = 500

// ConversationPatch is the metadata update applied atomically with a
// message append.
type ConversationPatch struct {
	LastMessage  string
	LastSenderID string
	Recipient    string
}

// PatchFor builds the patch for msg being sent in conv.
func PatchFor(conv chat.Conversation, msg chat.Message) ConversationPatch {
	return ConversationPatch{
		LastMessage:  msg.Text,
		LastSenderID: msg.SenderID,
		Recipient:    conv.Other(msg.SenderID),
	}
}

// Check verifies that the patch belongs to msg within conv.
func (p ConversationPatch) Check(conv chat.Conversation, msg chat.Message) error {
	if !conv.IsParticipant(msg.SenderID) {
		return chat.ErrPermissionDenied
	}
	if p.LastSenderID != msg.SenderID || p.Recipient != conv.Other(msg.SenderID) {
		return chat.NewError(chat.CodeInvalidArgument, "conversation patch does not match message")
	}
	return nil
}

// Store is the durable store the messaging core depends on. Every method
// returns errors classified with chat codes.
type Store interface {
	// GetOrCreateConversation returns the conversation between the two
	// users, creating it when absent. Racing callers receive the same
	// conversation and exactly one of them sees created=true.
	GetOrCreateConversation(ctx context.Context, participants [2]string, details map[string]chat.ParticipantDetails) (chat.Conversation, bool, error)

	GetConversation(ctx context.Context, id string) (chat.Conversation, error)

	// ListConversations returns the user's conversations, most recent first.
	ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error)

	// AppendMessageAtomic persists msg with status sent and applies patch
	// in the same transaction. The store assigns ID, CreatedAt and Seq.
	// A second call with the same (SenderID, ClientID) returns the
	// persisted message and changes nothing. Keys of different senders
	// never collide.
	AppendMessageAtomic(ctx context.Context, msg chat.Message, patch ConversationPatch) (chat.Message, error)

	// ListMessages returns up to limit messages with Seq > afterSeq in
	// (CreatedAt, Seq) order.
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]chat.Message, error)

	// AdvanceStatus moves one message forward. Backwards moves are no-ops
	// and return the stored message unchanged.
	AdvanceStatus(ctx context.Context, conversationID, messageID string, to chat.Status, at time.Time) (chat.Message, error)

	// AdvanceConversation moves every message addressed to recipientID
	// forward and returns how many changed.
	AdvanceConversation(ctx context.Context, conversationID, recipientID string, to chat.Status, at time.Time) (int, error)

	// ClearUnread removes userID from the unread set. It reports whether
	// the user was present; repeated calls are no-ops.
	ClearUnread(ctx context.Context, conversationID, userID string) (bool, error)

	// MarkRead moves every message addressed to userID to read and removes
	// userID from the unread set in one step, so a message appended
	// concurrently is either read or leaves the conversation unread. It
	// reports whether the marker was cleared and how many messages moved.
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (cleared bool, advanced int, err error)

	// SubscribeConversations replays the user's conversations and then
	// emits each conversation again whenever it changes. The channel is
	// closed when ctx ends.
	SubscribeConversations(ctx context.Context, userID string) (<-chan chat.Conversation, error)

	// SubscribeMessages replays the conversation's messages in order and
	// then emits new messages and status changes. Each batch of changes is
	// emitted in (CreatedAt, Seq) order, so new messages always arrive in
	// order; a status change re-emits the affected message. The channel is
	// closed when ctx ends.
	SubscribeMessages(ctx context.Context, conversationID string) (<-chan chat.Message, error)

	Close() error
}
