// Package protocol defines the WebSocket frames exchanged between DM
// clients and the gateway. All frames are JSON objects with a "type"
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/presence"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeOpen              = "open"
	TypeOpenConversation  = "open_conversation"
	TypeSend              = "send"
	TypeFocus             = "focus"
	TypeBlur              = "blur"
	TypeRetry             = "retry"
	TypeDiscard           = "discard"
	TypeCloseConversation = "close_conversation"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeConversation   = "conversation"
	TypeMessages       = "messages"
	TypeSendAck        = "send_ack"
	TypeSendFailed     = "send_failed"
	TypeInbox          = "inbox"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// OpenMsg asks for the conversation with peer_id, creating it on first
// contact.
type OpenMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

// OpenConversationMsg opens an existing conversation by id.
type OpenConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// SendMsg submits a message. ClientID is the idempotency key; clients
// resend the same frame with the same key after a reconnect.
type SendMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
	Text           string `json:"text"`
}

// FocusMsg tells the server the user is looking at the conversation.
type FocusMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// BlurMsg tells the server the user stopped looking at the conversation.
type BlurMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// RetryMsg resends a failed entry.
type RetryMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
}

// DiscardMsg drops a failed entry and restores its text to compose.
type DiscardMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
}

// CloseConversationMsg stops the live view of a conversation.
type CloseConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg confirms an authenticated connection.
type SessionCreatedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// ConversationView is a conversation as shown to one participant.
type ConversationView struct {
	ID           string                 `json:"id"`
	Participants []presence.Participant `json:"participants"`
	LastMessage  string                 `json:"last_message"`
	LastSenderID string                 `json:"last_sender_id,omitempty"`
	UpdatedAt    int64                  `json:"updated_at"` // unix millis
	Unread       bool                   `json:"unread"`
}

// ConversationMsg is sent when a conversation view opens.
type ConversationMsg struct {
	Type         string           `json:"type"`
	Conversation ConversationView `json:"conversation"`
}

// MessageView is one rendered entry.
type MessageView struct {
	ID          string `json:"id"`
	ClientID    string `json:"client_id,omitempty"`
	SenderID    string `json:"sender_id"`
	Text        string `json:"text"`
	CreatedAt   int64  `json:"created_at"` // unix millis
	Status      string `json:"status,omitempty"`
	State       string `json:"state"` // canonical | pending | failed
	DeliveredAt int64  `json:"delivered_at,omitempty"`
	ReadAt      int64  `json:"read_at,omitempty"`
}

// MessagesMsg carries the full reconciled list of a conversation.
type MessagesMsg struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversation_id"`
	Messages       []MessageView `json:"messages"`
	Compose        string        `json:"compose,omitempty"`
}

// SendAckMsg confirms a send.
type SendAckMsg struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id"`
	ClientID       string      `json:"client_id"`
	Message        MessageView `json:"message"`
}

// SendFailedMsg reports a failed send to the sender only. Compose holds
// the text to put back in the input box.
type SendFailedMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	Compose        string `json:"compose,omitempty"`
	Retryable      bool   `json:"retryable"`
	RetryAfter     int    `json:"retry_after,omitempty"` // seconds, rate_limited only
}

// InboxEntry is one row of the conversation list.
type InboxEntry struct {
	ConversationID string               `json:"conversation_id"`
	Peer           presence.Participant `json:"peer"`
	LastMessage    string               `json:"last_message"`
	LastSenderID   string               `json:"last_sender_id,omitempty"`
	UpdatedAt      int64                `json:"updated_at"`
	Unread         bool                 `json:"unread"`
}

// InboxMsg carries the conversation list.
type InboxMsg struct {
	Type    string       `json:"type"`
	Entries []InboxEntry `json:"entries"`
	Unread  int          `json:"unread"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type           string `json:"type"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// NewMessageView converts a rendered message.
func NewMessageView(m chat.Message) MessageView {
	v := MessageView{
		ID:        m.ID,
		ClientID:  m.ClientID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		CreatedAt: m.CreatedAt.UnixMilli(),
		Status:    string(m.Status),
		State:     m.Local.String(),
	}
	if m.DeliveredAt != nil {
		v.DeliveredAt = m.DeliveredAt.UnixMilli()
	}
	if m.ReadAt != nil {
		v.ReadAt = m.ReadAt.UnixMilli()
	}
	return v
}

// NewMessageViews converts a rendered list.
func NewMessageViews(msgs []chat.Message) []MessageView {
	out := make([]MessageView, len(msgs))
	for i, m := range msgs {
		out[i] = NewMessageView(m)
	}
	return out
}

// NewConversationView converts a conversation for userID.
func NewConversationView(conv chat.Conversation, participants []presence.Participant, userID string) ConversationView {
	return ConversationView{
		ID:           conv.ID,
		Participants: participants,
		LastMessage:  conv.LastMessage,
		LastSenderID: conv.LastSenderID,
		UpdatedAt:    conv.UpdatedAt.UnixMilli(),
		Unread:       conv.IsUnreadBy(userID) && conv.LastSenderID != userID,
	}
}

// NewInboxEntries converts inbox rows.
func NewInboxEntries(entries []presence.Entry) []InboxEntry {
	out := make([]InboxEntry, len(entries))
	for i, e := range entries {
		out[i] = InboxEntry{
			ConversationID: e.Conversation.ID,
			Peer:           e.Peer,
			LastMessage:    e.Conversation.LastMessage,
			LastSenderID:   e.Conversation.LastSenderID,
			UpdatedAt:      e.Conversation.UpdatedAt.UnixMilli(),
			Unread:         e.Unread,
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeOpen:
		var m OpenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOpenConversation:
		var m OpenConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFocus:
		var m FocusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeBlur:
		var m BlurMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRetry:
		var m RetryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDiscard:
		var m DiscardMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCloseConversation:
		var m CloseConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
