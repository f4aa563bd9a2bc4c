// Package pgstore implements store.Store on PostgreSQL. Every write that
// touches a conversation locks its row first, so appends, status changes
// and unread updates of one conversation are serialized and their change
// sequence numbers commit in order. Change notifications are sent with
// pg_notify inside the write transaction and fan out through a store.Hub.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/store"
)

// Channel is the LISTEN/NOTIFY channel carrying hub keys.
const Channel = "dm_changes"

// Config configures the connection pool.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db       *sql.DB
	listener *pq.Listener
	hub      *store.Hub
	log      zerolog.Logger

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// Open connects to PostgreSQL, verifies the connection, and starts the
// change listener. The schema must already exist (see Migrate).
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Store, error) {
	log = log.With().Str("component", "pgstore").Logger()

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	s := &Store{
		db:      db,
		hub:     store.NewHub(),
		log:     log,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	s.listener = pq.NewListener(cfg.URL, 100*time.Millisecond, 10*time.Second, s.onListenerEvent)
	if err := s.listener.Listen(Channel); err != nil {
		s.listener.Close()
		db.Close()
		return nil, fmt.Errorf("pgstore: listen: %w", err)
	}
	go s.listen()

	log.Info().Msg("connected")
	return s, nil
}

func (s *Store) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		s.log.Warn().Err(err).Msg("change listener disconnected")
	case pq.ListenerEventReconnected:
		s.log.Info().Msg("change listener reconnected")
		s.hub.NotifyAll()
	case pq.ListenerEventConnectionAttemptFailed:
		s.log.Warn().Err(err).Msg("change listener reconnect failed")
	}
}

// listen feeds notifications into the hub. A nil notification means the
// connection was re-established and changes may have been missed.
func (s *Store) listen() {
	defer close(s.done)
	for {
		select {
		case <-s.closing:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				s.hub.NotifyAll()
				continue
			}
			s.hub.Notify(n.Extra)
		case <-time.After(90 * time.Second):
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.log.Warn().Err(err).Msg("change listener ping")
				}
			}()
		}
	}
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the listener and closes the pool.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		<-s.done
		err = errors.Join(s.listener.Close(), s.db.Close())
	})
	return err
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

const convColumns = `id, participants, participant_details, last_message, last_sender_id, unread_by, updated_at, last_message_at, change_seq`

type convRow struct {
	conv   chat.Conversation
	lastAt sql.NullTime
	change int64
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (convRow, error) {
	var (
		r       convRow
		details []byte
	)
	err := row.Scan(
		&r.conv.ID,
		pq.Array(&r.conv.Participants),
		&details,
		&r.conv.LastMessage,
		&r.conv.LastSenderID,
		pq.Array(&r.conv.UnreadBy),
		&r.conv.UpdatedAt,
		&r.lastAt,
		&r.change,
	)
	if err != nil {
		return convRow{}, err
	}
	r.conv.UpdatedAt = r.conv.UpdatedAt.UTC()
	if r.conv.UnreadBy == nil {
		r.conv.UnreadBy = []string{}
	}
	r.conv.ParticipantDetails = make(map[string]chat.ParticipantDetails)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &r.conv.ParticipantDetails); err != nil {
			return convRow{change: r.change}, chat.Wrap(err, chat.CodeMalformed, "participant details")
		}
	}
	if err := r.conv.Validate(); err != nil {
		return convRow{change: r.change}, err
	}
	return r, nil
}

func (s *Store) GetOrCreateConversation(ctx context.Context, participants [2]string, details map[string]chat.ParticipantDetails) (chat.Conversation, bool, error) {
	id, err := chat.ConversationID(participants[0], participants[1])
	if err != nil {
		return chat.Conversation{}, false, err
	}
	lo, hi := chat.SortPair(participants[0], participants[1])

	kept := make(map[string]chat.ParticipantDetails, 2)
	for _, p := range []string{lo, hi} {
		if d, ok := details[p]; ok {
			kept[p] = d
		}
	}
	detailsJSON, err := json.Marshal(kept)
	if err != nil {
		return chat.Conversation{}, false, chat.Wrap(err, chat.CodeInvalidArgument, "participant details")
	}

	created := false
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, participants, participant_details)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING`,
			id, pq.Array([]string{lo, hi}), detailsJSON)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		created = true
		return notify(ctx, tx, store.UserKey(lo), store.UserKey(hi))
	})
	if err != nil {
		return chat.Conversation{}, false, classify(err, "get or create conversation")
	}

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return chat.Conversation{}, false, err
	}
	return conv, created, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	r, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+convColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return chat.Conversation{}, classify(err, "get conversation")
	}
	return r.conv, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+convColumns+`
		FROM conversations
		WHERE participants @> ARRAY[$1]::text[]
		ORDER BY updated_at DESC, id`, userID)
	if err != nil {
		return nil, classify(err, "list conversations")
	}
	defer rows.Close()

	var out []chat.Conversation
	for rows.Next() {
		r, err := scanConversation(rows)
		if s.skipMalformed(err, "list conversations") {
			continue
		}
		if err != nil {
			return nil, classify(err, "list conversations")
		}
		out = append(out, r.conv)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list conversations")
	}
	return out, nil
}

// lockConversation reads the conversation row FOR UPDATE.
func lockConversation(ctx context.Context, tx *sql.Tx, id string) (convRow, error) {
	return scanConversation(tx.QueryRowContext(ctx,
		`SELECT `+convColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, id))
}

func (s *Store) ClearUnread(ctx context.Context, conversationID, userID string) (bool, error) {
	cleared := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		r, err := lockConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !r.conv.IsParticipant(userID) {
			return chat.ErrPermissionDenied
		}
		if !r.conv.ClearUnread(userID) {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET unread_by = $2, change_seq = nextval('dm_change_seq')
			WHERE id = $1`,
			conversationID, pq.Array(r.conv.UnreadBy)); err != nil {
			return err
		}
		cleared = true
		return notify(ctx, tx, store.UserKey(r.conv.Participants[0]), store.UserKey(r.conv.Participants[1]))
	})
	if err != nil {
		return false, classify(err, "clear unread")
	}
	return cleared, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

const msgColumns = `id, conversation_id, sender_id, client_id, text, created_at, seq, status, delivered_at, read_at, change_seq`

func scanMessage(row scanner) (chat.Message, int64, error) {
	var (
		m         chat.Message
		delivered sql.NullTime
		read      sql.NullTime
		change    int64
	)
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.ClientID,
		&m.Text,
		&m.CreatedAt,
		&m.Seq,
		&m.Status,
		&delivered,
		&read,
		&change,
	)
	if err != nil {
		return chat.Message{}, 0, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	if delivered.Valid {
		t := delivered.Time.UTC()
		m.DeliveredAt = &t
	}
	if read.Valid {
		t := read.Time.UTC()
		m.ReadAt = &t
	}
	if err := m.Validate(); err != nil {
		return chat.Message{}, change, err
	}
	return m, change, nil
}

// skipMalformed reports whether err is a row that failed validation. Such
// rows are logged and left out of listings instead of failing them.
func (s *Store) skipMalformed(err error, op string) bool {
	if !errors.Is(err, chat.ErrMalformed) {
		return false
	}
	s.log.Warn().Err(err).Str("op", op).Msg("skipping malformed row")
	return true
}

func (s *Store) AppendMessageAtomic(ctx context.Context, msg chat.Message, patch store.ConversationPatch) (chat.Message, error) {
	if err := chat.ValidateMessage(msg.Text); err != nil {
		return chat.Message{}, err
	}
	if msg.ClientID == "" {
		return chat.Message{}, chat.NewError(chat.CodeInvalidArgument, "message has no client id")
	}

	var persisted chat.Message
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		r, err := lockConversation(ctx, tx, msg.ConversationID)
		if err != nil {
			return err
		}
		if err := patch.Check(r.conv, msg); err != nil {
			return err
		}

		existing, _, err := scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+msgColumns+` FROM messages WHERE conversation_id = $1 AND sender_id = $2 AND client_id = $3`,
			msg.ConversationID, msg.SenderID, msg.ClientID))
		switch {
		case err == nil:
			persisted = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		// createdAt never goes backwards within a conversation, even when
		// the server clock does.
		persisted, _, err = scanMessage(tx.QueryRowContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, client_id, text, created_at, status)
			VALUES ($1, $2, $3, $4, $5, GREATEST(clock_timestamp(), $6::timestamptz + interval '1 microsecond'), 'sent')
			RETURNING `+msgColumns,
			uuid.NewString(), msg.ConversationID, msg.SenderID, msg.ClientID, msg.Text, r.lastAt))
		if err != nil {
			return err
		}

		r.conv.ApplySend(patch.LastMessage, patch.LastSenderID, patch.Recipient, persisted.CreatedAt)
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET last_message = $2,
			    last_sender_id = $3,
			    unread_by = $4,
			    updated_at = $5,
			    last_message_at = $5,
			    change_seq = nextval('dm_change_seq')
			WHERE id = $1`,
			r.conv.ID, r.conv.LastMessage, r.conv.LastSenderID, pq.Array(r.conv.UnreadBy), persisted.CreatedAt); err != nil {
			return err
		}

		return notify(ctx, tx,
			store.ConversationKey(r.conv.ID),
			store.UserKey(r.conv.Participants[0]),
			store.UserKey(r.conv.Participants[1]),
		)
	})
	if err != nil {
		return chat.Message{}, classify(err, "append message")
	}
	return persisted, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = store.DefaultPageSize
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+msgColumns+`
		FROM messages
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY created_at, seq
		LIMIT $3`, conversationID, afterSeq, limit)
	if err != nil {
		return nil, classify(err, "list messages")
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		m, _, err := scanMessage(rows)
		if s.skipMalformed(err, "list messages") {
			continue
		}
		if err != nil {
			return nil, classify(err, "list messages")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list messages")
	}
	if len(out) == 0 {
		if _, err := s.GetConversation(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) AdvanceStatus(ctx context.Context, conversationID, messageID string, to chat.Status, at time.Time) (chat.Message, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return chat.Message{}, chat.ErrNotFound
	}

	var out chat.Message
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := lockConversation(ctx, tx, conversationID); err != nil {
			return err
		}
		m, _, err := scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+msgColumns+` FROM messages WHERE conversation_id = $1 AND id = $2`,
			conversationID, messageID))
		if err != nil {
			return err
		}
		out = m
		if !out.Advance(to, at.Truncate(time.Microsecond)) {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET status = $2, delivered_at = $3, read_at = $4, change_seq = nextval('dm_change_seq')
			WHERE id = $1`,
			out.ID, out.Status, nullTime(out.DeliveredAt), nullTime(out.ReadAt)); err != nil {
			return err
		}
		return notify(ctx, tx, store.ConversationKey(conversationID))
	})
	if err != nil {
		return chat.Message{}, classify(err, "advance status")
	}
	return out, nil
}

func (s *Store) AdvanceConversation(ctx context.Context, conversationID, recipientID string, to chat.Status, at time.Time) (int, error) {
	if !to.Valid() {
		return 0, chat.NewError(chat.CodeInvalidArgument, "unknown status")
	}

	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		r, err := lockConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !r.conv.IsParticipant(recipientID) {
			return chat.ErrPermissionDenied
		}
		if n, err = advanceMessages(ctx, tx, conversationID, recipientID, to, at); err != nil || n == 0 {
			return err
		}
		return notify(ctx, tx, store.ConversationKey(conversationID))
	})
	if err != nil {
		return 0, classify(err, "advance conversation")
	}
	return int(n), nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (bool, int, error) {
	var (
		n       int64
		cleared bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		r, err := lockConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !r.conv.IsParticipant(userID) {
			return chat.ErrPermissionDenied
		}
		if n, err = advanceMessages(ctx, tx, conversationID, userID, chat.StatusRead, at); err != nil {
			return err
		}
		var keys []string
		if n > 0 {
			keys = append(keys, store.ConversationKey(conversationID))
		}
		if r.conv.ClearUnread(userID) {
			if _, err := tx.ExecContext(ctx, `
				UPDATE conversations
				SET unread_by = $2, change_seq = nextval('dm_change_seq')
				WHERE id = $1`,
				conversationID, pq.Array(r.conv.UnreadBy)); err != nil {
				return err
			}
			cleared = true
			keys = append(keys, store.UserKey(r.conv.Participants[0]), store.UserKey(r.conv.Participants[1]))
		}
		return notify(ctx, tx, keys...)
	})
	if err != nil {
		return false, 0, classify(err, "mark read")
	}
	return cleared, int(n), nil
}

// advanceMessages moves every message addressed to recipientID forward
// to `to`. The caller holds the conversation row lock.
func advanceMessages(ctx context.Context, tx *sql.Tx, conversationID, recipientID string, to chat.Status, at time.Time) (int64, error) {
	var before []string
	for _, st := range []chat.Status{chat.StatusSent, chat.StatusDelivered, chat.StatusRead} {
		if st.Before(to) {
			before = append(before, string(st))
		}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET status = $3::text,
		    delivered_at = COALESCE(delivered_at, $4),
		    read_at = CASE WHEN $3::text = 'read' THEN COALESCE(read_at, $4) ELSE read_at END,
		    change_seq = nextval('dm_change_seq')
		WHERE conversation_id = $1 AND sender_id <> $2 AND status = ANY($5)`,
		conversationID, recipientID, string(to), at.UTC().Truncate(time.Microsecond), pq.Array(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

func (s *Store) SubscribeMessages(ctx context.Context, conversationID string) (<-chan chat.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	ticks, stop := s.hub.Watch(store.ConversationKey(conversationID))
	fetch := func(ctx context.Context, cursor int64) ([]chat.Message, int64, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+msgColumns+`
			FROM messages
			WHERE conversation_id = $1 AND change_seq > $2
			ORDER BY change_seq
			LIMIT $3`, conversationID, cursor, store.DefaultPageSize)
		if err != nil {
			return nil, cursor, classify(err, "follow messages")
		}
		defer rows.Close()

		var out []chat.Message
		next := cursor
		for rows.Next() {
			m, change, err := scanMessage(rows)
			if s.skipMalformed(err, "follow messages") {
				next = change
				continue
			}
			if err != nil {
				return nil, cursor, classify(err, "follow messages")
			}
			out = append(out, m)
			next = change
		}
		if err := rows.Err(); err != nil {
			return nil, cursor, classify(err, "follow messages")
		}
		sort.SliceStable(out, func(i, j int) bool { return chat.Less(out[i], out[j]) })
		return out, next, nil
	}
	log := s.log.With().Str("conversation_id", conversationID).Logger()
	return store.Follow(ctx, ticks, stop, fetch, 64, log), nil
}

// SubscribeConversations compares change numbers per conversation instead
// of trusting a single cursor: rows of different conversations are not
// serialized against each other, so a lower change number may commit
// after a higher one.
func (s *Store) SubscribeConversations(ctx context.Context, userID string) (<-chan chat.Conversation, error) {
	ticks, stop := s.hub.Watch(store.UserKey(userID))
	seen := make(map[string]int64)

	fetch := func(ctx context.Context, cursor int64) ([]chat.Conversation, int64, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+convColumns+`
			FROM conversations
			WHERE participants @> ARRAY[$1]::text[]
			ORDER BY change_seq`, userID)
		if err != nil {
			return nil, cursor, classify(err, "follow conversations")
		}
		defer rows.Close()

		var out []chat.Conversation
		next := cursor
		for rows.Next() {
			r, err := scanConversation(rows)
			if s.skipMalformed(err, "follow conversations") {
				continue
			}
			if err != nil {
				return nil, cursor, classify(err, "follow conversations")
			}
			if r.change > next {
				next = r.change
			}
			if seen[r.conv.ID] == r.change {
				continue
			}
			seen[r.conv.ID] = r.change
			out = append(out, r.conv)
		}
		if err := rows.Err(); err != nil {
			return nil, cursor, classify(err, "follow conversations")
		}
		return out, next, nil
	}
	log := s.log.With().Str("user_id", userID).Logger()
	return store.Follow(ctx, ticks, stop, fetch, 16, log), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// notify queues change signals; PostgreSQL delivers them on commit only.
func notify(ctx context.Context, tx *sql.Tx, keys ...string) error {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	for _, key := range slices.Compact(sorted) {
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, key); err != nil {
			return err
		}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// classify maps driver errors onto chat codes. Errors that are already
// classified pass through.
func classify(err error, op string) error {
	var ce *chat.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return err
	case errors.Is(err, sql.ErrNoRows):
		return chat.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return chat.Wrap(err, chat.CodeNetworkFailure, op)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23": // data exception, integrity violation
			return chat.Wrap(err, chat.CodeInvalidArgument, op)
		case "08", "40", "53", "57": // connection, rollback, resources, operator intervention
			return chat.Wrap(err, chat.CodeNetworkFailure, op)
		}
		return chat.Wrap(err, chat.CodeInternal, op)
	}
	return chat.Wrap(err, chat.CodeNetworkFailure, op)
}

var _ store.Store = (*Store)(nil)
