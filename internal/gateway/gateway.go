// Package gateway binds WebSocket connections to messaging sessions. Each
// connection gets a pipeline client, one live view per open conversation
// and a live inbox; client frames drive the views and view events are
// turned back into server frames.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/notify"
	"github.com/whisper/dm/internal/pipeline"
	"github.com/whisper/dm/internal/presence"
	"github.com/whisper/dm/internal/protocol"
	"github.com/whisper/dm/internal/ratelimit"
	"github.com/whisper/dm/internal/resolver"
	"github.com/whisper/dm/internal/store"
	"github.com/whisper/dm/internal/ws"
)

// Sender writes frames to a connection. *ws.Server implements it.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Limiter throttles actions per identifier. *ratelimit.Limiter
// implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Deps are the services a gateway needs.
type Deps struct {
	Store    store.Store
	Resolver *resolver.Resolver
	Tracker  *presence.Tracker
	Notifier notify.Dispatcher
	Limiter  Limiter // optional
	Pipeline pipeline.Config

	// PresenceInterval is how often inbox peers' presence is re-read.
	// Zero selects DefaultPresenceInterval.
	PresenceInterval time.Duration
}

// DefaultPresenceInterval is the inbox presence refresh period.
const DefaultPresenceInterval = 15 * time.Second

// Gateway tracks one session per connection.
type Gateway struct {
	deps Deps
	out  Sender
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Gateway writing frames through out.
func New(deps Deps, out Sender, log zerolog.Logger) *Gateway {
	if deps.PresenceInterval <= 0 {
		deps.PresenceInterval = DefaultPresenceInterval
	}
	return &Gateway{
		deps:     deps,
		out:      out,
		log:      log.With().Str("component", "gateway").Logger(),
		sessions: make(map[string]*session),
	}
}

// Register installs a handler for every client frame type.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeOpen, g.withSession(g.handleOpen))
	d.Register(protocol.TypeOpenConversation, g.withSession(g.handleOpenConversation))
	d.Register(protocol.TypeSend, g.withSession(g.handleSend))
	d.Register(protocol.TypeFocus, g.withSession(g.handleFocus))
	d.Register(protocol.TypeBlur, g.withSession(g.handleBlur))
	d.Register(protocol.TypeRetry, g.withSession(g.handleRetry))
	d.Register(protocol.TypeDiscard, g.withSession(g.handleDiscard))
	d.Register(protocol.TypeCloseConversation, g.withSession(g.handleClose))
}

// Connect starts a session for a freshly authenticated connection and
// pushes its inbox.
func (g *Gateway) Connect(c *ws.Connection) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		gw:     g,
		connID: c.ID,
		userID: c.UserID,
		client: pipeline.NewClient(c.UserID, g.deps.Store, g.deps.Tracker, g.deps.Notifier, g.deps.Pipeline, g.log),
		ctx:    ctx,
		cancel: cancel,
		views:  make(map[string]*pipeline.View),
		log:    g.log.With().Str("conn_id", c.ID).Str("user_id", c.UserID).Logger(),
	}

	g.mu.Lock()
	g.sessions[c.ID] = s
	g.mu.Unlock()

	inbox, err := g.deps.Tracker.Inbox(ctx, c.UserID)
	if err != nil {
		s.log.Error().Err(err).Msg("open inbox")
		s.sendError(err, "")
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		inbox.Close()
		return
	}
	s.inbox = inbox
	s.mu.Unlock()
	go s.forwardInbox()
}

// Disconnect tears the session down.
func (g *Gateway) Disconnect(c *ws.Connection) {
	g.mu.Lock()
	s, ok := g.sessions[c.ID]
	delete(g.sessions, c.ID)
	g.mu.Unlock()
	if ok {
		s.close()
	}
}

// Sessions returns the number of live sessions.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Close tears every session down.
func (g *Gateway) Close() {
	g.mu.Lock()
	all := make([]*session, 0, len(g.sessions))
	for id, s := range g.sessions {
		all = append(all, s)
		delete(g.sessions, id)
	}
	g.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}

func (g *Gateway) session(connID string) *session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[connID]
}

func (g *Gateway) withSession(fn func(s *session, msg interface{})) ws.MessageHandler {
	return func(conn *ws.Connection, msg interface{}) {
		s := g.session(conn.ID)
		if s == nil {
			g.log.Warn().Str("conn_id", conn.ID).Msg("frame without session")
			return
		}
		fn(s, msg)
	}
}

// allow applies rule to the session's user and answers rate_limited when
// the action is rejected. It returns the wait in whole seconds, rounded
// up.
func (s *session) allow(rule ratelimit.Rule) (int, bool) {
	l := s.gw.deps.Limiter
	if l == nil {
		return 0, true
	}
	if ok, _ := l.Allow(s.ctx, s.userID, rule); ok {
		return 0, true
	}
	wait := l.RetryAfter(s.ctx, s.userID, rule)
	retryAfter := int((wait + time.Second - 1) / time.Second)
	s.send(protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retryAfter})
	return retryAfter, false
}

func (s *session) allowed(rule ratelimit.Rule) bool {
	_, ok := s.allow(rule)
	return ok
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (g *Gateway) handleOpen(s *session, msg interface{}) {
	m, ok := msg.(protocol.OpenMsg)
	if !ok || !s.allowed(ratelimit.RuleOpen) {
		return
	}
	convID, err := g.deps.Resolver.Resolve(s.ctx, s.userID, m.PeerID)
	if err != nil {
		s.log.Debug().Err(err).Str("peer_id", m.PeerID).Msg("resolve")
		s.sendError(err, "")
		return
	}
	s.openView(convID)
}

func (g *Gateway) handleOpenConversation(s *session, msg interface{}) {
	m, ok := msg.(protocol.OpenConversationMsg)
	if !ok || !s.allowed(ratelimit.RuleOpen) {
		return
	}
	s.openView(m.ConversationID)
}

func (g *Gateway) handleSend(s *session, msg interface{}) {
	m, ok := msg.(protocol.SendMsg)
	if !ok {
		return
	}
	if err := chat.ValidateMessage(m.Text); err != nil {
		s.sendFailed(m.ConversationID, m.ClientID, m.Text, err)
		return
	}
	if retryAfter, ok := s.allow(ratelimit.RuleSend); !ok {
		s.sendRateLimited(m.ConversationID, m.ClientID, m.Text, retryAfter)
		return
	}
	v := s.view(m.ConversationID)
	if v == nil {
		if v = s.openView(m.ConversationID); v == nil {
			return
		}
	}
	clientID := m.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	// The send outlives this frame: it may take two store attempts. Its
	// outcome reaches the client through view events.
	go func() {
		_, err := v.SendWithKey(s.ctx, clientID, m.Text)
		switch {
		case err == nil, errors.Is(err, pipeline.ErrDuplicateSend):
		case errors.Is(err, pipeline.ErrClosed):
			s.sendFailed(m.ConversationID, clientID, m.Text, err)
		default:
			s.log.Debug().Err(err).Str("client_id", clientID).Msg("send")
		}
	}()
}

func (g *Gateway) handleFocus(s *session, msg interface{}) {
	m, ok := msg.(protocol.FocusMsg)
	if !ok {
		return
	}
	v := s.view(m.ConversationID)
	if v == nil {
		s.sendError(chat.ErrNotFound, m.ConversationID)
		return
	}
	if err := v.Focus(s.ctx); err != nil {
		s.log.Debug().Err(err).Str("conversation_id", m.ConversationID).Msg("focus")
	}
}

func (g *Gateway) handleBlur(s *session, msg interface{}) {
	m, ok := msg.(protocol.BlurMsg)
	if !ok {
		return
	}
	if v := s.view(m.ConversationID); v != nil {
		_ = v.Blur()
	}
}

func (g *Gateway) handleRetry(s *session, msg interface{}) {
	m, ok := msg.(protocol.RetryMsg)
	if !ok || !s.allowed(ratelimit.RuleSend) {
		return
	}
	v := s.view(m.ConversationID)
	if v == nil {
		s.sendError(chat.ErrNotFound, m.ConversationID)
		return
	}
	go func() {
		_, err := v.Retry(s.ctx, m.ClientID)
		if errors.Is(err, chat.ErrNotFound) {
			s.sendError(err, m.ConversationID)
		}
	}()
}

func (g *Gateway) handleDiscard(s *session, msg interface{}) {
	m, ok := msg.(protocol.DiscardMsg)
	if !ok {
		return
	}
	v := s.view(m.ConversationID)
	if v == nil {
		s.sendError(chat.ErrNotFound, m.ConversationID)
		return
	}
	if _, err := v.Discard(m.ClientID); err != nil {
		s.sendError(err, m.ConversationID)
		return
	}
	s.sendMessages(v)
}

func (g *Gateway) handleClose(s *session, msg interface{}) {
	m, ok := msg.(protocol.CloseConversationMsg)
	if !ok {
		return
	}
	s.closeView(m.ConversationID)
}
