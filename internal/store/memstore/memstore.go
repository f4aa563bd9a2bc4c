// Package memstore is an in-process implementation of store.Store. It
// keeps the same transactional guarantees as the PostgreSQL store by
// applying every write under one lock, and supports fault injection for
// tests.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/store"
)

// Faults lets tests break appends. BeforeAppend runs before anything is
// written; a non-nil error aborts the append with no mutation.
// AfterAppend runs after the append committed; a non-nil error is
// returned to the caller although the message is stored.
type Faults struct {
	BeforeAppend func(ctx context.Context, msg chat.Message) error
	AfterAppend  func(ctx context.Context, msg chat.Message) error
}

type convRecord struct {
	conv   chat.Conversation
	lastAt time.Time
	change int64
}

type msgRecord struct {
	msg    chat.Message
	change int64
}

// clientKey scopes an idempotency key to its sender within a
// conversation.
type clientKey struct {
	conversationID string
	senderID       string
	clientID       string
}

// Store is an in-memory store.Store.
type Store struct {
	mu       sync.Mutex
	convs    map[string]*convRecord
	msgs     map[string][]*msgRecord
	byClient map[clientKey]*msgRecord
	seq      int64
	change   int64
	faults   Faults

	hub *store.Hub
	now func() time.Time
	log zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for createdAt and updatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used by subscription loops.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		convs:    make(map[string]*convRecord),
		msgs:     make(map[string][]*msgRecord),
		byClient: make(map[clientKey]*msgRecord),
		hub:      store.NewHub(),
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFaults installs fault hooks for subsequent appends.
func (s *Store) SetFaults(f Faults) {
	s.mu.Lock()
	s.faults = f
	s.mu.Unlock()
}

// FailNextAppends makes the next n appends fail with err before writing.
func (s *Store) FailNextAppends(n int, err error) {
	var mu sync.Mutex
	remaining := n
	s.SetFaults(Faults{BeforeAppend: func(context.Context, chat.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if remaining <= 0 {
			return nil
		}
		remaining--
		return err
	}})
}

func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Store) GetOrCreateConversation(ctx context.Context, participants [2]string, details map[string]chat.ParticipantDetails) (chat.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, false, chat.Wrap(err, chat.CodeNetworkFailure, "get or create conversation")
	}
	id, err := chat.ConversationID(participants[0], participants[1])
	if err != nil {
		return chat.Conversation{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.convs[id]; ok {
		return rec.conv.Clone(), false, nil
	}

	lo, hi := chat.SortPair(participants[0], participants[1])
	conv := chat.Conversation{
		ID:                 id,
		Participants:       []string{lo, hi},
		ParticipantDetails: make(map[string]chat.ParticipantDetails, 2),
		UpdatedAt:          s.clock(),
		UnreadBy:           []string{},
	}
	for _, p := range conv.Participants {
		if d, ok := details[p]; ok {
			conv.ParticipantDetails[p] = d
		}
	}
	s.change++
	s.convs[id] = &convRecord{conv: conv, change: s.change}
	s.hub.Notify(store.UserKey(lo), store.UserKey(hi))
	return conv.Clone(), true, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, chat.Wrap(err, chat.CodeNetworkFailure, "get conversation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.convs[id]
	if !ok {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return rec.conv.Clone(), nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, chat.Wrap(err, chat.CodeNetworkFailure, "list conversations")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []chat.Conversation
	for _, rec := range s.convs {
		if rec.conv.IsParticipant(userID) {
			out = append(out, rec.conv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) AppendMessageAtomic(ctx context.Context, msg chat.Message, patch store.ConversationPatch) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, chat.Wrap(err, chat.CodeNetworkFailure, "append message")
	}
	if err := chat.ValidateMessage(msg.Text); err != nil {
		return chat.Message{}, err
	}
	if msg.ClientID == "" {
		return chat.Message{}, chat.NewError(chat.CodeInvalidArgument, "message has no client id")
	}

	s.mu.Lock()
	faults := s.faults
	s.mu.Unlock()

	if faults.BeforeAppend != nil {
		if err := faults.BeforeAppend(ctx, msg); err != nil {
			return chat.Message{}, err
		}
	}

	persisted, err := s.append(msg, patch)
	if err != nil {
		return chat.Message{}, err
	}

	if faults.AfterAppend != nil {
		if err := faults.AfterAppend(ctx, persisted); err != nil {
			return chat.Message{}, err
		}
	}
	return persisted, nil
}

func (s *Store) append(msg chat.Message, patch store.ConversationPatch) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[msg.ConversationID]
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	if err := patch.Check(rec.conv, msg); err != nil {
		return chat.Message{}, err
	}
	key := clientKey{msg.ConversationID, msg.SenderID, msg.ClientID}
	if existing, ok := s.byClient[key]; ok {
		return existing.msg, nil
	}

	createdAt := s.clock()
	if !createdAt.After(rec.lastAt) {
		createdAt = rec.lastAt.Add(time.Microsecond)
	}

	s.seq++
	s.change++
	persisted := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ClientID:       msg.ClientID,
		Text:           msg.Text,
		CreatedAt:      createdAt,
		Seq:            s.seq,
		Status:         chat.StatusSent,
	}
	mr := &msgRecord{msg: persisted, change: s.change}
	s.msgs[msg.ConversationID] = append(s.msgs[msg.ConversationID], mr)
	s.byClient[key] = mr

	rec.conv.ApplySend(patch.LastMessage, patch.LastSenderID, patch.Recipient, createdAt)
	rec.lastAt = createdAt
	rec.change = s.change

	s.hub.Notify(
		store.ConversationKey(msg.ConversationID),
		store.UserKey(rec.conv.Participants[0]),
		store.UserKey(rec.conv.Participants[1]),
	)
	return persisted, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, chat.Wrap(err, chat.CodeNetworkFailure, "list messages")
	}
	if limit <= 0 {
		limit = store.DefaultPageSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conversationID]; !ok {
		return nil, chat.ErrNotFound
	}
	var out []chat.Message
	for _, mr := range s.msgs[conversationID] {
		if mr.msg.Seq > afterSeq {
			out = append(out, mr.msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return chat.Less(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AdvanceStatus(ctx context.Context, conversationID, messageID string, to chat.Status, at time.Time) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, chat.Wrap(err, chat.CodeNetworkFailure, "advance status")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mr := range s.msgs[conversationID] {
		if mr.msg.ID != messageID {
			continue
		}
		if mr.msg.Advance(to, at.Truncate(time.Microsecond)) {
			s.change++
			mr.change = s.change
			s.hub.Notify(store.ConversationKey(conversationID))
		}
		return mr.msg, nil
	}
	return chat.Message{}, chat.ErrNotFound
}

func (s *Store) AdvanceConversation(ctx context.Context, conversationID, recipientID string, to chat.Status, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, chat.Wrap(err, chat.CodeNetworkFailure, "advance conversation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[conversationID]
	if !ok {
		return 0, chat.ErrNotFound
	}
	if !rec.conv.IsParticipant(recipientID) {
		return 0, chat.ErrPermissionDenied
	}
	n := s.advanceLocked(conversationID, recipientID, to, at)
	if n > 0 {
		s.hub.Notify(store.ConversationKey(conversationID))
	}
	return n, nil
}

// advanceLocked moves the messages addressed to recipientID forward.
// s.mu must be held.
func (s *Store) advanceLocked(conversationID, recipientID string, to chat.Status, at time.Time) int {
	n := 0
	at = at.Truncate(time.Microsecond)
	for _, mr := range s.msgs[conversationID] {
		if mr.msg.SenderID == recipientID {
			continue
		}
		if mr.msg.Advance(to, at) {
			s.change++
			mr.change = s.change
			n++
		}
	}
	return n
}

func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (bool, int, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, chat.Wrap(err, chat.CodeNetworkFailure, "mark read")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[conversationID]
	if !ok {
		return false, 0, chat.ErrNotFound
	}
	if !rec.conv.IsParticipant(userID) {
		return false, 0, chat.ErrPermissionDenied
	}
	n := s.advanceLocked(conversationID, userID, chat.StatusRead, at)
	if n > 0 {
		s.hub.Notify(store.ConversationKey(conversationID))
	}
	cleared := rec.conv.ClearUnread(userID)
	if cleared {
		s.change++
		rec.change = s.change
		s.hub.Notify(store.UserKey(rec.conv.Participants[0]), store.UserKey(rec.conv.Participants[1]))
	}
	return cleared, n, nil
}

func (s *Store) ClearUnread(ctx context.Context, conversationID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, chat.Wrap(err, chat.CodeNetworkFailure, "clear unread")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[conversationID]
	if !ok {
		return false, chat.ErrNotFound
	}
	if !rec.conv.IsParticipant(userID) {
		return false, chat.ErrPermissionDenied
	}
	if !rec.conv.ClearUnread(userID) {
		return false, nil
	}
	s.change++
	rec.change = s.change
	s.hub.Notify(store.UserKey(rec.conv.Participants[0]), store.UserKey(rec.conv.Participants[1]))
	return true, nil
}

func (s *Store) SubscribeConversations(ctx context.Context, userID string) (<-chan chat.Conversation, error) {
	ticks, stop := s.hub.Watch(store.UserKey(userID))
	fetch := func(ctx context.Context, cursor int64) ([]chat.Conversation, int64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		var recs []*convRecord
		for _, rec := range s.convs {
			if rec.change > cursor && rec.conv.IsParticipant(userID) {
				recs = append(recs, rec)
			}
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].change < recs[j].change })

		out := make([]chat.Conversation, 0, len(recs))
		next := cursor
		for _, rec := range recs {
			out = append(out, rec.conv.Clone())
			next = rec.change
		}
		return out, next, nil
	}
	log := s.log.With().Str("user_id", userID).Logger()
	return store.Follow(ctx, ticks, stop, fetch, 16, log), nil
}

func (s *Store) SubscribeMessages(ctx context.Context, conversationID string) (<-chan chat.Message, error) {
	s.mu.Lock()
	_, ok := s.convs[conversationID]
	s.mu.Unlock()
	if !ok {
		return nil, chat.ErrNotFound
	}

	ticks, stop := s.hub.Watch(store.ConversationKey(conversationID))
	fetch := func(ctx context.Context, cursor int64) ([]chat.Message, int64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		var recs []*msgRecord
		for _, mr := range s.msgs[conversationID] {
			if mr.change > cursor {
				recs = append(recs, mr)
			}
		}
		slices.SortFunc(recs, func(a, b *msgRecord) int {
			switch {
			case a.change < b.change:
				return -1
			case a.change > b.change:
				return 1
			}
			return 0
		})
		if len(recs) > store.DefaultPageSize {
			recs = recs[:store.DefaultPageSize]
		}

		out := make([]chat.Message, 0, len(recs))
		next := cursor
		for _, mr := range recs {
			out = append(out, mr.msg)
			next = mr.change
		}
		sort.SliceStable(out, func(i, j int) bool { return chat.Less(out[i], out[j]) })
		return out, next, nil
	}
	log := s.log.With().Str("conversation_id", conversationID).Logger()
	return store.Follow(ctx, ticks, stop, fetch, 64, log), nil
}

// Close releases nothing; it exists to satisfy store.Store.
func (s *Store) Close() error {
	return nil
}

var _ store.Store = (*Store)(nil)
