package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/presence"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"type":"send","conversation_id":"dm_abc","client_id":"k-1","text":"Bonjour"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSend {
		t.Fatalf("expected type %q, got %q", TypeSend, msgType)
	}

	sm, ok := msg.(SendMsg)
	if !ok {
		t.Fatalf("expected SendMsg, got %T", msg)
	}
	if sm.ConversationID != "dm_abc" {
		t.Errorf("expected conversation_id %q, got %q", "dm_abc", sm.ConversationID)
	}
	if sm.ClientID != "k-1" {
		t.Errorf("expected client_id %q, got %q", "k-1", sm.ClientID)
	}
	if sm.Text != "Bonjour" {
		t.Errorf("expected text %q, got %q", "Bonjour", sm.Text)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid open message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Open(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"open","peer_id":"bob"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	om, ok := msg.(OpenMsg)
	if !ok {
		t.Fatalf("expected OpenMsg, got %T", msg)
	}
	if om.PeerID != "bob" {
		t.Errorf("expected peer_id %q, got %q", "bob", om.PeerID)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a send_failed server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_SendFailed(t *testing.T) {
	payload := SendFailedMsg{
		ConversationID: "dm_abc",
		ClientID:       "k-1",
		Code:           "network_failure",
		Message:        "network failure",
		Compose:        "Bonjour",
		Retryable:      true,
	}

	data, err := NewServerMessage(TypeSendFailed, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if m["type"] != TypeSendFailed {
		t.Errorf("expected type %q, got %v", TypeSendFailed, m["type"])
	}
	if m["compose"] != "Bonjour" {
		t.Errorf("expected compose %q, got %v", "Bonjour", m["compose"])
	}
	if m["retryable"] != true {
		t.Errorf("expected retryable true, got %v", m["retryable"])
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and malformed input
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"typing","conversation_id":"dm_abc"}`))
	if err == nil {
		t.Fatal("expected error for unknown type, got nil")
	}
	if msgType != "typing" {
		t.Errorf("expected type %q returned with error, got %q", "typing", msgType)
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"send_ack"}`)); err == nil {
		t.Fatal("expected error for server-only type, got nil")
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"send","text":42}`)); err == nil {
		t.Fatal("expected error for wrongly typed field, got nil")
	}
}

func TestEnvelope_MissingType(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"peer_id":"bob"}`), &env); err == nil {
		t.Fatal("expected error for missing type, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Every client type parses
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := map[string]string{
		TypeOpen:              `{"type":"open","peer_id":"bob"}`,
		TypeOpenConversation:  `{"type":"open_conversation","conversation_id":"dm_abc"}`,
		TypeSend:              `{"type":"send","conversation_id":"dm_abc","client_id":"k","text":"hi"}`,
		TypeFocus:             `{"type":"focus","conversation_id":"dm_abc"}`,
		TypeBlur:              `{"type":"blur","conversation_id":"dm_abc"}`,
		TypeRetry:             `{"type":"retry","conversation_id":"dm_abc","client_id":"k"}`,
		TypeDiscard:           `{"type":"discard","conversation_id":"dm_abc","client_id":"k"}`,
		TypeCloseConversation: `{"type":"close_conversation","conversation_id":"dm_abc"}`,
		TypePing:              `{"type":"ping"}`,
	}
	for want, input := range cases {
		got, msg, err := ParseClientMessage([]byte(input))
		if err != nil {
			t.Errorf("%s: unexpected error: %v", want, err)
			continue
		}
		if got != want {
			t.Errorf("expected type %q, got %q", want, got)
		}
		if msg == nil {
			t.Errorf("%s: expected message, got nil", want)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: View conversions
// ---------------------------------------------------------------------------

func TestNewMessageView(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000).UTC()
	m := chat.Message{
		ID:        "m1",
		ClientID:  "k1",
		SenderID:  "alice",
		Text:      "hi",
		CreatedAt: at,
		Status:    chat.StatusSent,
	}
	m.Advance(chat.StatusRead, at.Add(time.Second))

	v := NewMessageView(m)
	if v.CreatedAt != 1_700_000_000_000 {
		t.Errorf("expected created_at %d, got %d", int64(1_700_000_000_000), v.CreatedAt)
	}
	if v.State != "canonical" {
		t.Errorf("expected state canonical, got %q", v.State)
	}
	if v.Status != "read" || v.ReadAt == 0 || v.DeliveredAt == 0 {
		t.Errorf("expected read with both stamps, got %+v", v)
	}

	pending := NewMessageView(chat.Message{ID: "local-k2", ClientID: "k2", Local: chat.LocalPending, CreatedAt: at})
	if pending.State != "pending" || pending.Status != "" {
		t.Errorf("expected pending entry without status, got %+v", pending)
	}
}

func TestNewConversationView_Unread(t *testing.T) {
	conv := chat.Conversation{
		ID:           "dm_abc",
		Participants: []string{"alice", "bob"},
		LastMessage:  "hi",
		LastSenderID: "alice",
		UnreadBy:     []string{"bob"},
		UpdatedAt:    time.Now(),
	}
	people := []presence.Participant{{UserID: "alice"}, {UserID: "bob"}}

	if v := NewConversationView(conv, people, "bob"); !v.Unread {
		t.Error("expected conversation unread for bob")
	}
	if v := NewConversationView(conv, people, "alice"); v.Unread {
		t.Error("expected conversation read for alice")
	}
}
