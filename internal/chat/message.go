package chat

import (
	"time"
)

// Status is the delivery status of a persisted message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// rank orders statuses; unknown statuses rank below sent.
func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() > 0
}

// Before reports whether s comes strictly earlier in the lifecycle than o.
func (s Status) Before(o Status) bool {
	return s.rank() < o.rank()
}

// Local is the view-side state of a message entry.
type Local int

const (
	// LocalCanonical entries came from the store.
	LocalCanonical Local = iota
	// LocalPending entries are optimistic and awaiting the store.
	LocalPending
	// LocalFailed entries are optimistic sends that did not resolve in time.
	LocalFailed
)

func (l Local) String() string {
	switch l {
	case LocalPending:
		return "pending"
	case LocalFailed:
		return "failed"
	}
	return "canonical"
}

// Message is one entry of a conversation. Only the status fields change
// after a message is persisted.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	ClientID       string     `json:"clientId"`
	Text           string     `json:"text"`
	CreatedAt      time.Time  `json:"createdAt"`
	Seq            int64      `json:"seq"`
	Status         Status     `json:"status"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty"`

	Local Local `json:"-"`
}

// IsOptimistic reports whether m has not been confirmed by the store.
func (m *Message) IsOptimistic() bool {
	return m.Local != LocalCanonical
}

// Advance moves the status forward to `to`, stamping the matching
// timestamps. It reports false and leaves m untouched when `to` is not
// ahead of the current status. Reaching read without a prior delivered
// stamps both.
func (m *Message) Advance(to Status, at time.Time) bool {
	if !to.Valid() || !m.Status.Before(to) {
		return false
	}
	at = at.UTC()
	if m.DeliveredAt == nil {
		m.DeliveredAt = &at
	}
	if to == StatusRead && m.ReadAt == nil {
		m.ReadAt = &at
	}
	m.Status = to
	return true
}

// MergeStatus returns a with the more advanced status of the two copies.
// The body of a always wins.
func MergeStatus(a, b Message) Message {
	if a.Status.Before(b.Status) {
		a.Status = b.Status
		a.DeliveredAt = b.DeliveredAt
		a.ReadAt = b.ReadAt
	}
	return a
}

// Less orders messages by creation time, then by store sequence.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// Validate checks the structural invariants of a persisted message.
func (m *Message) Validate() error {
	switch {
	case m.ID == "":
		return malformed("message id is empty")
	case m.ConversationID == "":
		return malformed("message conversationId is empty")
	case m.SenderID == "":
		return malformed("message senderId is empty")
	case m.CreatedAt.IsZero():
		return malformed("message createdAt is missing")
	case !m.Status.Valid():
		return malformed("message status " + string(m.Status) + " is unknown")
	case m.Status == StatusRead && m.ReadAt == nil:
		return malformed("read message has no readAt")
	case m.Status != StatusSent && m.DeliveredAt == nil:
		return malformed("delivered message has no deliveredAt")
	}
	if err := ValidateMessage(m.Text); err != nil {
		return malformed("message text: " + err.Error())
	}
	return nil
}
