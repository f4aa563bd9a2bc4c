package pipeline

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/metrics"
	"github.com/whisper/dm/internal/notify"
	"github.com/whisper/dm/internal/reconcile"
	"github.com/whisper/dm/internal/store"
)

var (
	// ErrClosed is returned by operations on a closed view.
	ErrClosed = errors.New("pipeline: view closed")

	// ErrDuplicateSend is returned when a client id is submitted while a
	// send with the same id is pending or already confirmed.
	ErrDuplicateSend = errors.New("pipeline: send already submitted")
)

// EventKind names a view event.
type EventKind string

const (
	EventRendered  EventKind = "rendered"  // optimistic entry shown
	EventPersisted EventKind = "persisted" // store confirmed a send
	EventFailed    EventKind = "failed"    // send rolled back, text restored to compose
	EventStale     EventKind = "stale"     // optimistic entry flagged failed after the grace period
	EventUpdated   EventKind = "updated"   // remote messages or statuses changed
)

// Event tells the owner of a view that its state changed. Events are only
// ever delivered to the sending user's own view.
type Event struct {
	Kind     EventKind
	ClientID string
	Message  chat.Message
	Compose  string
	Err      error
}

// viewState is owned by the view's loop goroutine.
type viewState struct {
	local    []chat.Message
	remote   map[string]chat.Message
	inflight map[string]bool
	compose  string
	focused  bool
	rendered []chat.Message
}

func (st *viewState) localIndex(clientID string) int {
	return slices.IndexFunc(st.local, func(m chat.Message) bool { return m.ClientID == clientID })
}

// confirmed returns the persisted message senderID sent under clientID.
func (st *viewState) confirmed(senderID, clientID string) (chat.Message, bool) {
	for _, m := range st.remote {
		if m.SenderID == senderID && m.ClientID == clientID {
			return m, true
		}
	}
	return chat.Message{}, false
}

// View is a live, reconciled view of one conversation for one user.
type View struct {
	client *Client
	conv   chat.Conversation
	engine *reconcile.Engine
	log    zerolog.Logger

	cmds   chan func(*viewState)
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

func newView(c *Client, conv chat.Conversation, cancel context.CancelFunc) *View {
	return &View{
		client: c,
		conv:   conv,
		engine: reconcile.New(conv.ID, c.cfg.Grace),
		log:    c.log.With().Str("conversation_id", conv.ID).Logger(),
		cmds:   make(chan func(*viewState)),
		events: make(chan Event, c.cfg.EventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ConversationID returns the id of the viewed conversation.
func (v *View) ConversationID() string {
	return v.conv.ID
}

// Conversation returns the conversation as it was when the view opened.
func (v *View) Conversation() chat.Conversation {
	return v.conv.Clone()
}

// Events streams state changes. Events are dropped when the buffer is
// full; Messages always reflects the current state.
func (v *View) Events() <-chan Event {
	return v.events
}

// Done is closed when the view has stopped.
func (v *View) Done() <-chan struct{} {
	return v.done
}

func (v *View) run(ctx context.Context, sub <-chan chat.Message) {
	defer close(v.done)
	defer metrics.ActiveViews.Dec()

	st := &viewState{
		remote:   make(map[string]chat.Message),
		inflight: make(map[string]bool),
	}
	sweep := time.NewTicker(v.client.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-v.cmds:
			fn(st)
		case m, ok := <-sub:
			if !ok {
				if ctx.Err() == nil {
					v.log.Warn().Msg("message subscription ended")
				}
				return
			}
			v.onRemote(ctx, st, m)
		case <-sweep.C:
			v.refresh(st, false)
		}
	}
}

// do runs fn on the loop goroutine and waits for it to finish.
func (v *View) do(fn func(*viewState)) error {
	ack := make(chan struct{})
	select {
	case v.cmds <- func(st *viewState) {
		fn(st)
		close(ack)
	}:
	case <-v.done:
		return ErrClosed
	}
	<-ack
	return nil
}

func (v *View) emit(e Event) {
	select {
	case v.events <- e:
	default:
		v.log.Warn().Str("event", string(e.Kind)).Str("client_id", e.ClientID).Msg("event buffer full, dropping")
	}
}

// onRemote folds a store message into the view and stamps delivery or
// read for messages from the other participant.
func (v *View) onRemote(ctx context.Context, st *viewState, m chat.Message) {
	if prev, ok := st.remote[m.ID]; ok {
		m = chat.MergeStatus(m, prev)
	}
	st.remote[m.ID] = m

	if m.SenderID == v.client.userID {
		if i := st.localIndex(m.ClientID); i >= 0 {
			st.local = slices.Delete(st.local, i, i+1)
		}
	} else if m.Status.Before(chat.StatusRead) {
		if st.focused {
			go v.markRead(ctx)
		} else if m.Status == chat.StatusSent {
			go v.markDelivered(ctx, m.ID)
		}
	}

	v.refresh(st, true)
}

func (v *View) markDelivered(ctx context.Context, messageID string) {
	_, err := v.client.store.AdvanceStatus(ctx, v.conv.ID, messageID, chat.StatusDelivered, v.client.now())
	if err != nil {
		if ctx.Err() == nil {
			v.log.Warn().Err(err).Str("message_id", messageID).Msg("mark delivered")
		}
		return
	}
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
}

func (v *View) markRead(ctx context.Context) {
	if _, err := v.client.tracker.MarkRead(ctx, v.conv.ID, v.client.userID); err != nil && ctx.Err() == nil {
		v.log.Warn().Err(err).Msg("mark read")
	}
}

// refresh recomputes the rendered list and persists stale flags onto the
// local entries.
func (v *View) refresh(st *viewState, changed bool) {
	remote := make([]chat.Message, 0, len(st.remote))
	for _, m := range st.remote {
		remote = append(remote, m)
	}
	st.local = v.engine.Outstanding(st.local, remote)
	out := v.engine.Reconcile(st.local, remote, v.client.now())

	for i := range out {
		if out[i].Local != chat.LocalFailed {
			continue
		}
		if st.inflight[out[i].ClientID] {
			// Still being attempted; the send decides its fate.
			out[i].Local = chat.LocalPending
			continue
		}
		if j := st.localIndex(out[i].ClientID); j >= 0 && st.local[j].Local == chat.LocalPending {
			st.local[j].Local = chat.LocalFailed
			metrics.OptimisticFailed.Inc()
			v.log.Warn().Str("client_id", out[i].ClientID).Msg("optimistic entry unresolved past grace period")
			v.emit(Event{Kind: EventStale, ClientID: out[i].ClientID, Message: out[i], Err: chat.ErrTimeout})
			changed = true
		}
	}

	st.rendered = out
	if changed {
		v.emit(Event{Kind: EventUpdated})
	}
}

// Messages returns the reconciled conversation, ordered by createdAt.
func (v *View) Messages() []chat.Message {
	var out []chat.Message
	if err := v.do(func(st *viewState) { out = slices.Clone(st.rendered) }); err != nil {
		return nil
	}
	return out
}

// Compose returns the compose buffer.
func (v *View) Compose() string {
	var text string
	_ = v.do(func(st *viewState) { text = st.compose })
	return text
}

// SetCompose replaces the compose buffer.
func (v *View) SetCompose(text string) error {
	return v.do(func(st *viewState) { st.compose = text })
}

// Focus marks the view as actively looked at and marks the conversation
// read if it is unread for the user.
func (v *View) Focus(ctx context.Context) error {
	if err := v.do(func(st *viewState) { st.focused = true }); err != nil {
		return err
	}
	_, err := v.client.tracker.MarkRead(ctx, v.conv.ID, v.client.userID)
	return err
}

// Blur marks the view as no longer looked at.
func (v *View) Blur() error {
	return v.do(func(st *viewState) { st.focused = false })
}

// Send submits text under a fresh idempotency key. See SendWithKey.
func (v *View) Send(ctx context.Context, text string) (chat.Message, error) {
	return v.SendWithKey(ctx, uuid.NewString(), text)
}

// SendWithKey shows text optimistically and persists it under clientID.
// It returns the canonical message once the store confirms. A definite
// failure removes the optimistic entry and restores text to the compose
// buffer. A timeout leaves the entry pending; it is flagged failed after
// the grace period unless the store confirms it, and can then be retried
// or discarded.
func (v *View) SendWithKey(ctx context.Context, clientID, text string) (chat.Message, error) {
	if clientID == "" {
		return chat.Message{}, chat.NewError(chat.CodeInvalidArgument, "client id is empty")
	}
	if err := chat.ValidateMessage(text); err != nil {
		return chat.Message{}, err
	}
	if !v.conv.IsParticipant(v.client.userID) {
		return chat.Message{}, chat.ErrPermissionDenied
	}

	optimistic := chat.Message{
		ID:             "local-" + clientID,
		ConversationID: v.conv.ID,
		SenderID:       v.client.userID,
		ClientID:       clientID,
		Text:           text,
		CreatedAt:      v.client.now().UTC(),
		Local:          chat.LocalPending,
	}

	var (
		existing chat.Message
		dup      bool
	)
	err := v.do(func(st *viewState) {
		if m, ok := st.confirmed(v.client.userID, clientID); ok {
			existing, dup = m, true
			return
		}
		if st.inflight[clientID] || st.localIndex(clientID) >= 0 {
			dup = true
			return
		}
		st.local = append(st.local, optimistic)
		st.inflight[clientID] = true
		st.compose = ""
		v.refresh(st, false)
		v.emit(Event{Kind: EventRendered, ClientID: clientID, Message: optimistic})
	})
	if err != nil {
		return chat.Message{}, err
	}
	if dup {
		if existing.ID != "" {
			return existing, nil
		}
		return chat.Message{}, ErrDuplicateSend
	}

	return v.persist(ctx, optimistic)
}

// Retry resends a failed or unresolved entry under its original key, so
// a write that did land is never duplicated.
func (v *View) Retry(ctx context.Context, clientID string) (chat.Message, error) {
	var (
		msg   chat.Message
		found bool
		busy  bool
	)
	err := v.do(func(st *viewState) {
		i := st.localIndex(clientID)
		if i < 0 {
			return
		}
		if st.inflight[clientID] {
			busy = true
			return
		}
		found = true
		st.local[i].Local = chat.LocalPending
		st.local[i].CreatedAt = v.client.now().UTC()
		st.inflight[clientID] = true
		msg = st.local[i]
		v.refresh(st, true)
	})
	switch {
	case err != nil:
		return chat.Message{}, err
	case busy:
		return chat.Message{}, ErrDuplicateSend
	case !found:
		return chat.Message{}, chat.ErrNotFound
	}
	metrics.MessagesTotal.WithLabelValues("retried").Inc()
	return v.persist(ctx, msg)
}

// Discard drops an unresolved entry and puts its text back into the
// compose buffer.
func (v *View) Discard(clientID string) (string, error) {
	var (
		text  string
		found bool
		busy  bool
	)
	err := v.do(func(st *viewState) {
		i := st.localIndex(clientID)
		if i < 0 {
			return
		}
		if st.inflight[clientID] {
			busy = true
			return
		}
		found = true
		text = st.local[i].Text
		st.local = slices.Delete(st.local, i, i+1)
		st.compose = text
		v.refresh(st, true)
	})
	switch {
	case err != nil:
		return "", err
	case busy:
		return "", ErrDuplicateSend
	case !found:
		return "", chat.ErrNotFound
	}
	return text, nil
}

// persist runs the store write with one retry. The write is detached from
// ctx's cancellation: once submitted, only failure or timeout ends it.
func (v *View) persist(ctx context.Context, msg chat.Message) (chat.Message, error) {
	cfg := v.client.cfg
	patch := store.PatchFor(v.conv, msg)
	base := context.WithoutCancel(ctx)
	start := time.Now()

	var (
		persisted chat.Message
		err       error
		timedOut  bool
	)
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			v.log.Info().Err(err).Str("client_id", msg.ClientID).Msg("retrying send")
			time.Sleep(cfg.RetryBackoff)
		}
		actx, cancel := context.WithTimeout(base, cfg.SendTimeout)
		persisted, err = v.client.store.AppendMessageAtomic(actx, msg, patch)
		timedOut = err != nil && errors.Is(actx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil || !(timedOut || chat.Retryable(err)) {
			break
		}
	}

	switch {
	case err == nil:
		v.confirm(msg, persisted)
		metrics.MessagesTotal.WithLabelValues("sent").Inc()
		metrics.SendLatency.Observe(time.Since(start).Seconds())
		v.dispatch(base, persisted)
		return persisted, nil

	case timedOut:
		err = chat.Wrap(err, chat.CodeTimeout, "send unresolved")
		_ = v.do(func(st *viewState) {
			delete(st.inflight, msg.ClientID)
			v.refresh(st, true)
		})
		v.log.Warn().Err(err).Str("client_id", msg.ClientID).Msg("send timed out, awaiting confirmation")
		return chat.Message{}, err

	default:
		v.rollback(msg, err)
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return chat.Message{}, err
	}
}

func (v *View) confirm(msg, persisted chat.Message) {
	_ = v.do(func(st *viewState) {
		delete(st.inflight, msg.ClientID)
		if prev, ok := st.remote[persisted.ID]; ok {
			persisted = chat.MergeStatus(prev, persisted)
		}
		st.remote[persisted.ID] = persisted
		if i := st.localIndex(msg.ClientID); i >= 0 {
			st.local = slices.Delete(st.local, i, i+1)
		}
		v.refresh(st, true)
		v.emit(Event{Kind: EventPersisted, ClientID: msg.ClientID, Message: persisted})
	})
}

func (v *View) rollback(msg chat.Message, cause error) {
	v.log.Warn().Err(cause).Str("client_id", msg.ClientID).Msg("send failed, rolled back")
	_ = v.do(func(st *viewState) {
		delete(st.inflight, msg.ClientID)
		if i := st.localIndex(msg.ClientID); i >= 0 {
			st.local = slices.Delete(st.local, i, i+1)
		}
		st.compose = msg.Text
		v.refresh(st, true)
		v.emit(Event{Kind: EventFailed, ClientID: msg.ClientID, Message: msg, Compose: msg.Text, Err: cause})
	})
}

func (v *View) dispatch(ctx context.Context, m chat.Message) {
	n := notify.Notification{
		RecipientID:    v.conv.Other(m.SenderID),
		SenderID:       m.SenderID,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Preview:        notify.Preview(m.Text),
		At:             m.CreatedAt,
	}
	go v.client.notifier.Dispatch(ctx, n)
}

// Close stops the view and waits for its loop to exit.
func (v *View) Close() {
	v.cancel()
	<-v.done
}
