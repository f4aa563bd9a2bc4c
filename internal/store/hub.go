package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConversationKey is the hub key signalled when a conversation's messages
// change.
func ConversationKey(conversationID string) string {
	return "c:" + conversationID
}

// UserKey is the hub key signalled when any conversation of the user
// changes.
func UserKey(userID string) string {
	return "u:" + userID
}

// Hub fans change signals out to watchers. Signals carry no data and
// coalesce: a watcher that is busy sees one pending signal no matter how
// many changes happened, and catches up by cursor.
type Hub struct {
	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[chan struct{}]struct{})}
}

// Watch registers interest in key. The returned cancel func must be
// called to release the watcher.
func (h *Hub) Watch(key string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	set, ok := h.watchers[key]
	if !ok {
		set = make(map[chan struct{}]struct{})
		h.watchers[key] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.watchers[key], ch)
			if len(h.watchers[key]) == 0 {
				delete(h.watchers, key)
			}
			h.mu.Unlock()
		})
	}
}

// Notify signals every watcher of the given keys.
func (h *Hub) Notify(keys ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, key := range keys {
		for ch := range h.watchers[key] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// NotifyAll signals every watcher. Used after the change feed reconnects
// and notifications may have been missed.
func (h *Hub) NotifyAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.watchers {
		for ch := range set {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// Watchers returns the number of active watchers for key.
func (h *Hub) Watchers(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[key])
}

// FetchFunc reads the changes after cursor and returns them with the new
// cursor. Returning next == cursor means there is nothing new.
type FetchFunc[T any] func(ctx context.Context, cursor int64) (items []T, next int64, err error)

// retryDelay is how long Follow waits after a failed catch-up read before
// trying again without a signal.
var retryDelay = time.Second

// Follow starts a subscription loop: it reads everything after cursor 0,
// then reads again every time ticks fires, emitting items in the order
// fetch returns them. The output channel is closed and stop is called
// when ctx ends.
func Follow[T any](ctx context.Context, ticks <-chan struct{}, stop func(), fetch FetchFunc[T], buffer int, log zerolog.Logger) <-chan T {
	out := make(chan T, buffer)

	go func() {
		defer close(out)
		defer stop()

		var cursor int64
		for {
			items, next, err := fetch(ctx, cursor)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Int64("cursor", cursor).Msg("catch-up read failed")
				select {
				case <-ctx.Done():
					return
				case <-ticks:
				case <-time.After(retryDelay):
				}
				continue
			}

			for _, item := range items {
				select {
				case out <- item:
				case <-ctx.Done():
					return
				}
			}

			if next != cursor {
				cursor = next
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-ticks:
			}
		}
	}()

	return out
}
