// Package chat holds the direct-messaging domain model: conversations,
// messages, the delivery status machine and the error taxonomy shared by
// every other package.
package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"
)

// ConversationPrefix marks ids produced by ConversationID.
const ConversationPrefix = "dm_"

// ParticipantDetails is the display data denormalized onto a conversation
// when it is created.
type ParticipantDetails struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Conversation is a 1:1 thread between exactly two users.
type Conversation struct {
	ID                 string                        `json:"id"`
	Participants       []string                      `json:"participants"`
	ParticipantDetails map[string]ParticipantDetails `json:"participantDetails"`
	LastMessage        string                        `json:"lastMessage"`
	LastSenderID       string                        `json:"lastSenderId"`
	UpdatedAt          time.Time                     `json:"updatedAt"`
	UnreadBy           []string                      `json:"unreadBy"`
}

// ConversationID derives the id of the conversation between a and b. The
// result does not depend on argument order.
func ConversationID(a, b string) (string, error) {
	if err := ValidateUserID(a); err != nil {
		return "", err
	}
	if err := ValidateUserID(b); err != nil {
		return "", err
	}
	if a == b {
		return "", NewError(CodeInvalidArgument, "a conversation needs two distinct users")
	}
	lo, hi := SortPair(a, b)
	sum := sha256.Sum256([]byte(lo + "\x00" + hi))
	return ConversationPrefix + hex.EncodeToString(sum[:16]), nil
}

// SortPair returns a and b in ascending order.
func SortPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// IsParticipant reports whether userID belongs to the conversation.
func (c *Conversation) IsParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// Other returns the participant that is not userID, or "" when userID is
// not a participant.
func (c *Conversation) Other(userID string) string {
	if len(c.Participants) != 2 || !c.IsParticipant(userID) {
		return ""
	}
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// IsUnreadBy reports whether userID has unseen messages in the conversation.
func (c *Conversation) IsUnreadBy(userID string) bool {
	return slices.Contains(c.UnreadBy, userID)
}

// Clone returns a deep copy so callers can hand conversations across
// goroutines without sharing slices or maps.
func (c Conversation) Clone() Conversation {
	c.Participants = slices.Clone(c.Participants)
	c.UnreadBy = slices.Clone(c.UnreadBy)
	if c.ParticipantDetails != nil {
		details := make(map[string]ParticipantDetails, len(c.ParticipantDetails))
		for k, v := range c.ParticipantDetails {
			details[k] = v
		}
		c.ParticipantDetails = details
	}
	return c
}

// ApplySend updates the conversation metadata for a message from sender to
// recipient: the preview and sender move forward, the recipient becomes
// unread and the sender, who has seen everything up to their own message,
// is no longer unread.
func (c *Conversation) ApplySend(text, sender, recipient string, at time.Time) {
	c.LastMessage = text
	c.LastSenderID = sender
	c.UpdatedAt = at
	unread := make([]string, 0, 2)
	for _, id := range c.UnreadBy {
		if id != sender && id != recipient {
			unread = append(unread, id)
		}
	}
	c.UnreadBy = append(unread, recipient)
}

// ClearUnread removes userID from the unread set and reports whether it
// was present.
func (c *Conversation) ClearUnread(userID string) bool {
	idx := slices.Index(c.UnreadBy, userID)
	if idx < 0 {
		return false
	}
	c.UnreadBy = slices.Delete(slices.Clone(c.UnreadBy), idx, idx+1)
	return true
}

// Validate checks the structural invariants of a conversation document.
func (c *Conversation) Validate() error {
	if len(c.Participants) != 2 {
		return malformed("conversation must have exactly two participants")
	}
	a, b := c.Participants[0], c.Participants[1]
	id, err := ConversationID(a, b)
	if err != nil {
		return malformed("conversation participants: " + err.Error())
	}
	if c.ID != id {
		return malformed("conversation id does not match participants")
	}
	for _, u := range c.UnreadBy {
		if !c.IsParticipant(u) {
			return malformed("unreadBy contains a non-participant")
		}
	}
	if c.LastSenderID != "" && !c.IsParticipant(c.LastSenderID) {
		return malformed("lastSenderId is not a participant")
	}
	return nil
}

func malformed(msg string) error {
	return &Error{Code: CodeMalformed, Message: msg}
}
