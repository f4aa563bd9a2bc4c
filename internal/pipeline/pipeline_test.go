package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/identity"
	"github.com/whisper/dm/internal/notify"
	"github.com/whisper/dm/internal/presence"
	"github.com/whisper/dm/internal/resolver"
	"github.com/whisper/dm/internal/store/memstore"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

var errOffline = chat.Wrap(errors.New("dial tcp: connection refused"), chat.CodeNetworkFailure, "append message")

type recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recorder) Dispatch(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
}

func (r *recorder) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

type harness struct {
	store   *memstore.Store
	users   *identity.MemoryDirectory
	tracker *presence.Tracker
	notes   *recorder
	cfg     Config
	convID  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	users := identity.NewMemoryDirectory(
		identity.Profile{UserID: "alice", DisplayName: "Alice"},
		identity.Profile{UserID: "bob", DisplayName: "Bob"},
		identity.Profile{UserID: "carol", DisplayName: "Carol"},
	)
	st := memstore.New()
	h := &harness{
		store:   st,
		users:   users,
		tracker: presence.NewTracker(st, users, zerolog.Nop()),
		notes:   &recorder{},
		cfg: Config{
			SendTimeout:   150 * time.Millisecond,
			RetryBackoff:  10 * time.Millisecond,
			Grace:         400 * time.Millisecond,
			SweepInterval: 20 * time.Millisecond,
		},
	}
	id, err := resolver.New(st, users, zerolog.Nop()).Resolve(context.Background(), "alice", "bob")
	require.NoError(t, err)
	h.convID = id
	return h
}

func (h *harness) open(t *testing.T, userID string) *View {
	t.Helper()
	c := NewClient(userID, h.store, h.tracker, h.notes, h.cfg, zerolog.Nop())
	v, err := c.Open(context.Background(), h.convID)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func texts(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func (h *harness) stored(t *testing.T) []chat.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), h.convID, 0, 0)
	require.NoError(t, err)
	return msgs
}

func waitEvent(t *testing.T, v *View, kind EventKind) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case e := <-v.Events():
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestBonjourToNewPair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.open(t, "alice")
	bob := h.open(t, "bob")

	m, err := alice.Send(ctx, "Bonjour")
	require.NoError(t, err)
	assert.Equal(t, chat.StatusSent, m.Status)
	assert.NotEmpty(t, m.ClientID)

	conv, err := h.store.GetConversation(ctx, h.convID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, conv.Participants)
	assert.Equal(t, "Bonjour", conv.LastMessage)
	assert.Equal(t, "alice", conv.LastSenderID)
	assert.Equal(t, []string{"bob"}, conv.UnreadBy)

	require.Eventually(t, func() bool { return len(h.notes.all()) == 1 }, waitFor, tick)
	n := h.notes.all()[0]
	assert.Equal(t, "bob", n.RecipientID)
	assert.Equal(t, h.convID, n.ConversationID)
	assert.Equal(t, "Bonjour", n.Preview)

	// Bob's live view receives it and stamps delivered.
	require.Eventually(t, func() bool {
		msgs := bob.Messages()
		return len(msgs) == 1 && msgs[0].Text == "Bonjour" && msgs[0].Status == chat.StatusDelivered
	}, waitFor, tick)

	// Alice sees the status move forward on the same entry.
	require.Eventually(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && msgs[0].Status == chat.StatusDelivered
	}, waitFor, tick)

	// Bob focuses: unread cleared and the message is read.
	require.NoError(t, bob.Focus(ctx))
	conv, err = h.store.GetConversation(ctx, h.convID)
	require.NoError(t, err)
	assert.False(t, conv.IsUnreadBy("bob"))
	msgs := h.stored(t)
	assert.Equal(t, chat.StatusRead, msgs[0].Status)
	assert.NotNil(t, msgs[0].DeliveredAt)
	assert.NotNil(t, msgs[0].ReadAt)

	// Focusing again is a no-op.
	require.NoError(t, bob.Focus(ctx))
}

func TestOpeningUnreadConversationMarksRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.open(t, "alice")

	_, err := alice.Send(ctx, "Bonjour")
	require.NoError(t, err)

	h.open(t, "bob")

	conv, err := h.store.GetConversation(ctx, h.convID)
	require.NoError(t, err)
	assert.Empty(t, conv.UnreadBy)
	msgs := h.stored(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.StatusRead, msgs[0].Status)

	// Opening again changes nothing.
	h.open(t, "bob")
	again := h.stored(t)
	assert.Equal(t, msgs[0].ReadAt, again[0].ReadAt)
}

func TestOfflineSendSucceedsOnRetryWithoutDuplicate(t *testing.T) {
	h := newHarness(t)
	alice := h.open(t, "alice")
	h.store.FailNextAppends(1, errOffline)

	m, err := alice.Send(context.Background(), "are you there?")
	require.NoError(t, err)

	msgs := h.stored(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, m.ID, msgs[0].ID)

	view := alice.Messages()
	require.Len(t, view, 1)
	assert.Equal(t, m.ID, view[0].ID)
	assert.Equal(t, chat.LocalCanonical, view[0].Local)

	time.Sleep(2 * h.cfg.SweepInterval)
	assert.Len(t, alice.Messages(), 1, "confirmed entry must not come back as a duplicate")
}

func TestHiThereOrderedInBothViews(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.open(t, "alice")
	bob := h.open(t, "bob")

	_, err := alice.Send(ctx, "Hi")
	require.NoError(t, err)
	_, err = alice.Send(ctx, "there")
	require.NoError(t, err)

	want := []string{"Hi", "there"}
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, texts(bob.Messages())) }, waitFor, tick)
	assert.Equal(t, want, texts(alice.Messages()))
}

func TestStoreFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.open(t, "alice")
	before, err := h.store.GetConversation(ctx, h.convID)
	require.NoError(t, err)

	h.store.FailNextAppends(2, errOffline)
	require.NoError(t, alice.SetCompose("draft"))

	_, err = alice.Send(ctx, "will fail")
	require.ErrorIs(t, err, chat.ErrNetworkFailure)

	assert.Empty(t, alice.Messages())
	assert.Equal(t, "will fail", alice.Compose())

	e := waitEvent(t, alice, EventFailed)
	assert.Equal(t, "will fail", e.Compose)
	assert.ErrorIs(t, e.Err, chat.ErrNetworkFailure)

	after, err := h.store.GetConversation(ctx, h.convID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "conversation metadata must not change")
	assert.Empty(t, h.stored(t))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.notes.all())
}

func TestNonRetryableFailureNotRetried(t *testing.T) {
	h := newHarness(t)
	alice := h.open(t, "alice")

	var calls atomic.Int32
	h.store.SetFaults(memstore.Faults{BeforeAppend: func(context.Context, chat.Message) error {
		calls.Add(1)
		return chat.ErrPermissionDenied
	}})

	_, err := alice.Send(context.Background(), "nope")
	require.ErrorIs(t, err, chat.ErrPermissionDenied)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "nope", alice.Compose())
}

func TestConcurrentSendsConverge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.open(t, "alice")
	bob := h.open(t, "bob")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := alice.Send(ctx, fmt.Sprintf("a%d", i))
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := bob.Send(ctx, fmt.Sprintf("b%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	want := texts(h.stored(t))
	require.Len(t, want, 20)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, texts(alice.Messages())) &&
			assert.ObjectsAreEqual(want, texts(bob.Messages()))
	}, waitFor, tick)

	msgs := alice.Messages()
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
	}
}

// ---------------------------------------------------------------------------
// Idempotency
// ---------------------------------------------------------------------------

func TestDoubleSubmitYieldsOneMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.open(t, "alice")

	release := make(chan struct{})
	var once sync.Once
	h.store.SetFaults(memstore.Faults{BeforeAppend: func(context.Context, chat.Message) error {
		once.Do(func() { <-release })
		return nil
	}})

	var (
		first    chat.Message
		firstErr error
		done     = make(chan struct{})
	)
	go func() {
		first, firstErr = alice.SendWithKey(ctx, "key-1", "hello")
		close(done)
	}()

	require.Eventually(t, func() bool { return len(alice.Messages()) == 1 }, waitFor, tick)
	_, err := alice.SendWithKey(ctx, "key-1", "hello")
	assert.ErrorIs(t, err, ErrDuplicateSend)

	close(release)
	<-done
	require.NoError(t, firstErr)

	again, err := alice.SendWithKey(ctx, "key-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, h.stored(t), 1)
}

func TestClientIDsAreScopedToSender(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.open(t, "alice")
	bob := h.open(t, "bob")

	fromAlice, err := alice.SendWithKey(ctx, "1", "from alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(bob.Messages()) == 1 }, waitFor, tick)

	fromBob, err := bob.SendWithKey(ctx, "1", "from bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", fromBob.SenderID)
	assert.Equal(t, "from bob", fromBob.Text)
	assert.NotEqual(t, fromAlice.ID, fromBob.ID)

	assert.Equal(t, []string{"from alice", "from bob"}, texts(h.stored(t)))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"from alice", "from bob"}, texts(alice.Messages()))
	}, waitFor, tick)
}

func TestLostAckResolvedByIdempotentRetry(t *testing.T) {
	h := newHarness(t)
	alice := h.open(t, "alice")

	var once sync.Once
	h.store.SetFaults(memstore.Faults{AfterAppend: func(ctx context.Context, _ chat.Message) error {
		var err error
		once.Do(func() {
			<-ctx.Done()
			err = ctx.Err()
		})
		return err
	}})

	m, err := alice.Send(context.Background(), "committed")
	require.NoError(t, err)
	msgs := h.stored(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, m.ID, msgs[0].ID)
}

// ---------------------------------------------------------------------------
// Timeouts, retry and discard
// ---------------------------------------------------------------------------

func blockUntilDeadline(h *harness) {
	h.store.SetFaults(memstore.Faults{BeforeAppend: func(ctx context.Context, _ chat.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}})
}

func TestTimeoutKeepsEntryThenFlagsFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.open(t, "alice")
	blockUntilDeadline(h)

	_, err := alice.SendWithKey(ctx, "k-timeout", "slow")
	require.ErrorIs(t, err, chat.ErrTimeout)

	msgs := alice.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "k-timeout", msgs[0].ClientID)
	assert.True(t, msgs[0].IsOptimistic(), "entry stays visible")

	e := waitEvent(t, alice, EventStale)
	assert.Equal(t, "k-timeout", e.ClientID)
	msgs = alice.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.LocalFailed, msgs[0].Local)

	// Manual retry with the store back.
	h.store.SetFaults(memstore.Faults{})
	m, err := alice.Retry(ctx, "k-timeout")
	require.NoError(t, err)
	assert.Equal(t, "k-timeout", m.ClientID)

	msgs = alice.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, m.ID, msgs[0].ID)
	assert.Len(t, h.stored(t), 1)
}

func TestDiscardRestoresCompose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.open(t, "alice")
	blockUntilDeadline(h)

	_, err := alice.SendWithKey(ctx, "k1", "second thoughts")
	require.ErrorIs(t, err, chat.ErrTimeout)
	assert.Equal(t, "", alice.Compose())

	text, err := alice.Discard("k1")
	require.NoError(t, err)
	assert.Equal(t, "second thoughts", text)
	assert.Equal(t, "second thoughts", alice.Compose())
	assert.Empty(t, alice.Messages())

	_, err = alice.Discard("k1")
	assert.ErrorIs(t, err, chat.ErrNotFound)
	_, err = alice.Retry(ctx, "k1")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Access and validation
// ---------------------------------------------------------------------------

func TestOpenChecksAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	carol := NewClient("carol", h.store, h.tracker, h.notes, h.cfg, zerolog.Nop())
	_, err := carol.Open(ctx, h.convID)
	assert.ErrorIs(t, err, chat.ErrPermissionDenied)

	_, err = carol.Open(ctx, "dm_missing")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestSendValidatesText(t *testing.T) {
	h := newHarness(t)
	alice := h.open(t, "alice")

	_, err := alice.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)
	assert.Empty(t, alice.Messages())
}

func TestClosedViewRejectsCalls(t *testing.T) {
	h := newHarness(t)
	c := NewClient("alice", h.store, h.tracker, h.notes, h.cfg, zerolog.Nop())
	v, err := c.Open(context.Background(), h.convID)
	require.NoError(t, err)
	v.Close()

	_, err = v.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, v.Messages())
}

func TestFocusedViewMarksIncomingRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.open(t, "alice")
	bob := h.open(t, "bob")
	require.NoError(t, bob.Focus(ctx))

	_, err := alice.Send(ctx, "seen?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := h.stored(t)
		return len(msgs) == 1 && msgs[0].Status == chat.StatusRead
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		conv, err := h.store.GetConversation(ctx, h.convID)
		return err == nil && !conv.IsUnreadBy("bob")
	}, waitFor, tick)

	require.NoError(t, bob.Blur())
}

func TestConfirmedLocalEntriesArePruned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.open(t, "alice")

	sent, err := alice.SendWithKey(ctx, "k1", "hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(alice.Messages()) == 1 }, waitFor, tick)

	var local, rendered int
	require.NoError(t, alice.do(func(st *viewState) {
		st.local = append(st.local, chat.Message{
			ConversationID: alice.conv.ID,
			SenderID:       "alice",
			ClientID:       "k1",
			Text:           "hi",
			CreatedAt:      sent.CreatedAt,
			Local:          chat.LocalPending,
		})
		alice.refresh(st, false)
		local, rendered = len(st.local), len(st.rendered)
	}))
	assert.Zero(t, local)
	assert.Equal(t, 1, rendered)
}
