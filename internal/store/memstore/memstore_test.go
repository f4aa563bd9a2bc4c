package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/store"
)

var frozen = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(WithClock(func() time.Time { return frozen }))
}

func mustConversation(t *testing.T, s *Store, a, b string) chat.Conversation {
	t.Helper()
	conv, _, err := s.GetOrCreateConversation(context.Background(), [2]string{a, b}, map[string]chat.ParticipantDetails{
		a: {DisplayName: a},
		b: {DisplayName: b},
	})
	require.NoError(t, err)
	return conv
}

func send(t *testing.T, s *Store, conv chat.Conversation, sender, clientID, text string) chat.Message {
	t.Helper()
	msg := chat.Message{ConversationID: conv.ID, SenderID: sender, ClientID: clientID, Text: text}
	got, err := s.AppendMessageAtomic(context.Background(), msg, store.PatchFor(conv, msg))
	require.NoError(t, err)
	return got
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription")
	}
	var zero T
	return zero
}

func TestGetOrCreateConcurrent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pair := [2]string{"alice", "bob"}
			if i%2 == 1 {
				pair = [2]string{"bob", "alice"}
			}
			conv, c, err := s.GetOrCreateConversation(ctx, pair, nil)
			assert.NoError(t, err)
			mu.Lock()
			ids[conv.ID] = true
			if c {
				created++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)

	convs, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, []string{"alice", "bob"}, convs[0].Participants)
	assert.Empty(t, convs[0].UnreadBy)
}

func TestAppendAppliesPatch(t *testing.T) {
	s := newStore(t)
	conv := mustConversation(t, s, "alice", "bob")

	m := send(t, s, conv, "alice", "k1", "Bonjour")
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, chat.StatusSent, m.Status)
	assert.Equal(t, "k1", m.ClientID)
	assert.Equal(t, int64(1), m.Seq)

	got, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", got.LastMessage)
	assert.Equal(t, "alice", got.LastSenderID)
	assert.Equal(t, []string{"bob"}, got.UnreadBy)
	assert.Equal(t, m.CreatedAt, got.UpdatedAt)
}

func TestAppendCreatedAtMonotonic(t *testing.T) {
	s := newStore(t)
	conv := mustConversation(t, s, "alice", "bob")

	var prev chat.Message
	for i := 0; i < 5; i++ {
		m := send(t, s, conv, "alice", fmt.Sprintf("k%d", i), fmt.Sprintf("msg-%d", i))
		if i > 0 {
			assert.True(t, m.CreatedAt.After(prev.CreatedAt), "createdAt must increase with a frozen clock")
			assert.Greater(t, m.Seq, prev.Seq)
		}
		prev = m
	}
}

func TestAppendIdempotentOnClientID(t *testing.T) {
	s := newStore(t)
	conv := mustConversation(t, s, "alice", "bob")

	first := send(t, s, conv, "alice", "same-key", "hello")
	second := send(t, s, conv, "alice", "same-key", "hello")
	assert.Equal(t, first.ID, second.ID)

	msgs, err := s.ListMessages(context.Background(), conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestClientIDScopedToSender(t *testing.T) {
	s := newStore(t)
	conv := mustConversation(t, s, "alice", "bob")

	fromAlice := send(t, s, conv, "alice", "1", "from alice")
	fromBob := send(t, s, conv, "bob", "1", "from bob")
	assert.NotEqual(t, fromAlice.ID, fromBob.ID)
	assert.Equal(t, "bob", fromBob.SenderID)
	assert.Equal(t, "from bob", fromBob.Text)

	msgs, err := s.ListMessages(context.Background(), conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestAppendFailureLeavesNoPartialWrite(t *testing.T) {
	s := newStore(t)
	conv := mustConversation(t, s, "alice", "bob")
	before, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)

	boom := chat.Wrap(errors.New("connection refused"), chat.CodeNetworkFailure, "append")
	s.FailNextAppends(1, boom)

	msg := chat.Message{ConversationID: conv.ID, SenderID: "alice", ClientID: "k1", Text: "lost"}
	_, err = s.AppendMessageAtomic(context.Background(), msg, store.PatchFor(conv, msg))
	require.ErrorIs(t, err, chat.ErrNetworkFailure)

	after, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	msgs, err := s.ListMessages(context.Background(), conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// The retry with the same key succeeds exactly once.
	send(t, s, conv, "alice", "k1", "lost")
	msgs, err = s.ListMessages(context.Background(), conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAppendRejections(t *testing.T) {
	s := newStore(t)
	conv := mustConversation(t, s, "alice", "bob")
	ctx := context.Background()

	msg := chat.Message{ConversationID: conv.ID, SenderID: "mallory", ClientID: "k", Text: "hi"}
	_, err := s.AppendMessageAtomic(ctx, msg, store.PatchFor(conv, msg))
	assert.ErrorIs(t, err, chat.ErrPermissionDenied)

	msg = chat.Message{ConversationID: "dm_missing", SenderID: "alice", ClientID: "k", Text: "hi"}
	_, err = s.AppendMessageAtomic(ctx, msg, store.ConversationPatch{LastSenderID: "alice"})
	assert.ErrorIs(t, err, chat.ErrNotFound)

	msg = chat.Message{ConversationID: conv.ID, SenderID: "alice", ClientID: "k", Text: ""}
	_, err = s.AppendMessageAtomic(ctx, msg, store.PatchFor(conv, msg))
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)
}

func TestClearUnreadIdempotent(t *testing.T) {
	s := newStore(t)
	conv := mustConversation(t, s, "alice", "bob")
	send(t, s, conv, "alice", "k1", "hi")
	ctx := context.Background()

	cleared, err := s.ClearUnread(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = s.ClearUnread(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.False(t, cleared)

	_, err = s.ClearUnread(ctx, conv.ID, "mallory")
	assert.ErrorIs(t, err, chat.ErrPermissionDenied)
}

func TestAdvanceStatus(t *testing.T) {
	s := newStore(t)
	conv := mustConversation(t, s, "alice", "bob")
	m := send(t, s, conv, "alice", "k1", "hi")
	ctx := context.Background()

	read, err := s.AdvanceStatus(ctx, conv.ID, m.ID, chat.StatusRead, frozen)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusRead, read.Status)
	assert.NotNil(t, read.DeliveredAt)
	assert.NotNil(t, read.ReadAt)
	assert.Equal(t, "hi", read.Text)

	back, err := s.AdvanceStatus(ctx, conv.ID, m.ID, chat.StatusDelivered, frozen.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, chat.StatusRead, back.Status)

	_, err = s.AdvanceStatus(ctx, conv.ID, "nope", chat.StatusRead, frozen)
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestAdvanceConversationOnlyTouchesRecipientMessages(t *testing.T) {
	s := newStore(t)
	conv := mustConversation(t, s, "alice", "bob")
	send(t, s, conv, "alice", "k1", "one")
	send(t, s, conv, "alice", "k2", "two")
	send(t, s, conv, "bob", "k3", "three")
	ctx := context.Background()

	n, err := s.AdvanceConversation(ctx, conv.ID, "bob", chat.StatusDelivered, frozen)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.AdvanceConversation(ctx, conv.ID, "bob", chat.StatusDelivered, frozen)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	msgs, err := s.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, chat.StatusDelivered, msgs[0].Status)
	assert.Equal(t, chat.StatusDelivered, msgs[1].Status)
	assert.Equal(t, chat.StatusSent, msgs[2].Status)
}

func TestMarkReadAdvancesAndClearsTogether(t *testing.T) {
	s := newStore(t)
	conv := mustConversation(t, s, "alice", "bob")
	send(t, s, conv, "alice", "k1", "one")
	send(t, s, conv, "bob", "k2", "two")
	send(t, s, conv, "alice", "k3", "three")
	ctx := context.Background()

	cleared, n, err := s.MarkRead(ctx, conv.ID, "bob", frozen)
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.Equal(t, 2, n)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.UnreadBy)
	msgs, err := s.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusRead, msgs[0].Status)
	assert.Equal(t, chat.StatusSent, msgs[1].Status)
	assert.Equal(t, chat.StatusRead, msgs[2].Status)

	cleared, n, err = s.MarkRead(ctx, conv.ID, "bob", frozen)
	require.NoError(t, err)
	assert.False(t, cleared)
	assert.Zero(t, n)

	_, _, err = s.MarkRead(ctx, conv.ID, "mallory", frozen)
	assert.ErrorIs(t, err, chat.ErrPermissionDenied)
	_, _, err = s.MarkRead(ctx, "dm_missing", "bob", frozen)
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestSubscribeMessagesReplayThenLive(t *testing.T) {
	s := newStore(t)
	conv := mustConversation(t, s, "alice", "bob")
	send(t, s, conv, "alice", "k1", "Hi")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.SubscribeMessages(ctx, conv.ID)
	require.NoError(t, err)

	assert.Equal(t, "Hi", recv(t, ch).Text)

	second := send(t, s, conv, "alice", "k2", "there")
	got := recv(t, ch)
	assert.Equal(t, "there", got.Text)
	assert.Equal(t, second.Seq, got.Seq)

	_, err = s.AdvanceStatus(context.Background(), conv.ID, second.ID, chat.StatusDelivered, frozen)
	require.NoError(t, err)
	upd := recv(t, ch)
	assert.Equal(t, second.ID, upd.ID)
	assert.Equal(t, chat.StatusDelivered, upd.Status)

	cancel()
	for range ch {
	}
	assert.Eventually(t, func() bool {
		return s.hub.Watchers(store.ConversationKey(conv.ID)) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSubscribeMessagesUnknownConversation(t *testing.T) {
	s := newStore(t)
	_, err := s.SubscribeMessages(context.Background(), "dm_missing")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestSubscribeConversations(t *testing.T) {
	s := newStore(t)
	conv := mustConversation(t, s, "alice", "bob")
	mustConversation(t, s, "carol", "dave")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.SubscribeConversations(ctx, "bob")
	require.NoError(t, err)

	first := recv(t, ch)
	assert.Equal(t, conv.ID, first.ID)
	assert.Empty(t, first.UnreadBy)

	send(t, s, conv, "alice", "k1", "Bonjour")
	upd := recv(t, ch)
	assert.Equal(t, "Bonjour", upd.LastMessage)
	assert.True(t, upd.IsUnreadBy("bob"))

	_, err = s.ClearUnread(context.Background(), conv.ID, "bob")
	require.NoError(t, err)
	cleared := recv(t, ch)
	assert.False(t, cleared.IsUnreadBy("bob"))
}
