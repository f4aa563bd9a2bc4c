package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/pipeline"
	"github.com/whisper/dm/internal/presence"
	"github.com/whisper/dm/internal/protocol"
)

// session is the messaging state of one connection.
type session struct {
	gw     *Gateway
	connID string
	userID string
	client *pipeline.Client
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	views  map[string]*pipeline.View
	inbox  *presence.Inbox
	closed bool
}

func (s *session) view(conversationID string) *pipeline.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views[conversationID]
}

// openView returns the live view of conversationID, opening it and
// sending the conversation and its messages when it is not open yet.
func (s *session) openView(conversationID string) *pipeline.View {
	if v := s.view(conversationID); v != nil {
		s.sendConversation(v)
		s.sendMessages(v)
		return v
	}

	v, err := s.client.Open(s.ctx, conversationID)
	if err != nil {
		s.log.Debug().Err(err).Str("conversation_id", conversationID).Msg("open view")
		s.sendError(err, conversationID)
		if errors.Is(err, chat.ErrNotFound) {
			// The conversation list may be stale; resend it.
			s.sendInbox()
		}
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		v.Close()
		return nil
	}
	if existing, ok := s.views[conversationID]; ok {
		// Lost a race with a concurrent open.
		s.mu.Unlock()
		v.Close()
		return existing
	}
	s.views[conversationID] = v
	s.mu.Unlock()

	s.sendConversation(v)
	s.sendMessages(v)
	go s.forwardEvents(v)
	return v
}

func (s *session) closeView(conversationID string) {
	s.mu.Lock()
	v, ok := s.views[conversationID]
	delete(s.views, conversationID)
	s.mu.Unlock()
	if ok {
		v.Close()
	}
}

// forwardEvents turns view events into frames until the view stops.
func (s *session) forwardEvents(v *pipeline.View) {
	convID := v.ConversationID()
	defer func() {
		s.mu.Lock()
		if s.views[convID] == v {
			delete(s.views, convID)
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-v.Done():
			return
		case e := <-v.Events():
			switch e.Kind {
			case pipeline.EventPersisted:
				s.send(protocol.TypeSendAck, protocol.SendAckMsg{
					ConversationID: convID,
					ClientID:       e.ClientID,
					Message:        protocol.NewMessageView(e.Message),
				})
			case pipeline.EventFailed:
				s.sendFailed(convID, e.ClientID, e.Compose, e.Err)
			case pipeline.EventStale:
				s.sendFailed(convID, e.ClientID, e.Message.Text, chat.ErrTimeout)
			}
			s.sendMessages(v)
		}
	}
}

// forwardInbox pushes the conversation list whenever it changes and
// re-reads peer presence periodically, since presence changes do not
// touch conversations.
func (s *session) forwardInbox() {
	s.sendInbox()
	refresh := time.NewTicker(s.gw.deps.PresenceInterval)
	defer refresh.Stop()
	for {
		select {
		case <-s.inbox.Done():
			return
		case <-s.inbox.Updates():
			s.sendInbox()
		case <-refresh.C:
			s.inbox.RefreshPresence(s.ctx)
		}
	}
}

func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	views := s.views
	s.views = make(map[string]*pipeline.View)
	inbox := s.inbox
	s.mu.Unlock()

	s.cancel()
	for _, v := range views {
		v.Close()
	}
	if inbox != nil {
		inbox.Close()
	}
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

func (s *session) send(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		s.log.Error().Err(err).Str("type", msgType).Msg("build frame")
		return
	}
	if err := s.gw.out.SendMessage(s.connID, data); err != nil {
		s.log.Debug().Err(err).Str("type", msgType).Msg("send frame")
	}
}

func (s *session) sendError(err error, conversationID string) {
	s.send(protocol.TypeError, protocol.ErrorMsg{
		Code:           string(chat.CodeOf(err)),
		Message:        errorMessage(err),
		ConversationID: conversationID,
	})
}

// sendFailed reports a failed send with the text to restore.
func (s *session) sendFailed(conversationID, clientID, compose string, err error) {
	if err == nil {
		err = chat.ErrNetworkFailure
	}
	s.send(protocol.TypeSendFailed, protocol.SendFailedMsg{
		ConversationID: conversationID,
		ClientID:       clientID,
		Code:           string(chat.CodeOf(err)),
		Message:        errorMessage(err),
		Compose:        compose,
		Retryable:      chat.Retryable(err) || errors.Is(err, chat.ErrTimeout),
	})
}

// sendRateLimited reports a send rejected by the rate limiter. The text
// goes back to compose and may be resent after retryAfter seconds.
func (s *session) sendRateLimited(conversationID, clientID, compose string, retryAfter int) {
	s.send(protocol.TypeSendFailed, protocol.SendFailedMsg{
		ConversationID: conversationID,
		ClientID:       clientID,
		Code:           string(chat.CodeRateLimited),
		Message:        chat.ErrRateLimited.Message,
		Compose:        compose,
		Retryable:      retryAfter > 0,
		RetryAfter:     retryAfter,
	})
}

func (s *session) sendConversation(v *pipeline.View) {
	conv := v.Conversation()
	s.send(protocol.TypeConversation, protocol.ConversationMsg{
		Conversation: protocol.NewConversationView(conv, s.gw.deps.Tracker.Participants(s.ctx, conv), s.userID),
	})
}

func (s *session) sendMessages(v *pipeline.View) {
	s.send(protocol.TypeMessages, protocol.MessagesMsg{
		ConversationID: v.ConversationID(),
		Messages:       protocol.NewMessageViews(v.Messages()),
		Compose:        v.Compose(),
	})
}

func (s *session) sendInbox() {
	s.mu.Lock()
	inbox := s.inbox
	s.mu.Unlock()
	if inbox == nil {
		return
	}
	s.send(protocol.TypeInbox, protocol.InboxMsg{
		Entries: protocol.NewInboxEntries(inbox.Entries()),
		Unread:  inbox.UnreadCount(),
	})
}

// errorMessage hides internal detail from clients.
func errorMessage(err error) string {
	var e *chat.Error
	if errors.As(err, &e) {
		return e.Message
	}
	if errors.Is(err, pipeline.ErrClosed) {
		return "conversation closed"
	}
	return "internal error"
}
