package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/dm/internal/identity"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	failNext bool
}

func (p *fakePublisher) PublishNotification(recipientID string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return errors.New("nats: connection closed")
	}
	p.subjects = append(p.subjects, recipientID)
	p.payloads = append(p.payloads, data)
	return nil
}

type recordingPusher struct {
	pushed []Notification
}

func (p *recordingPusher) Push(_ context.Context, n Notification, _ identity.Profile) error {
	p.pushed = append(p.pushed, n)
	return nil
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "Bonjour", Preview("Bonjour"))
	assert.Equal(t, "a b c", Preview("a\n  b\tc"))

	long := strings.Repeat("é", 200)
	p := Preview(long)
	assert.Equal(t, PreviewRunes, utf8.RuneCountInString(p))
	assert.True(t, strings.HasSuffix(p, "…"))
}

func TestNATSDispatcherPublishes(t *testing.T) {
	pub := &fakePublisher{}
	d := NewNATSDispatcher(pub, zerolog.Nop())

	n := Notification{RecipientID: "bob", SenderID: "alice", ConversationID: "dm_1", MessageID: "m1", Preview: "hi", At: time.Now()}
	d.Dispatch(context.Background(), n)

	require.Len(t, pub.payloads, 1)
	assert.Equal(t, "bob", pub.subjects[0])
	var got Notification
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, "dm_1", got.ConversationID)
	assert.Equal(t, "hi", got.Preview)
}

func TestNATSDispatcherSwallowsErrors(t *testing.T) {
	pub := &fakePublisher{failNext: true}
	d := NewNATSDispatcher(pub, zerolog.Nop())

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), Notification{RecipientID: "bob"})
	})
	assert.Empty(t, pub.payloads)
}

func TestConsumerPushesOnlyOfflineRecipients(t *testing.T) {
	users := identity.NewMemoryDirectory(
		identity.Profile{UserID: "bob", DisplayName: "Bob"},
		identity.Profile{UserID: "carol", DisplayName: "Carol", IsOnline: true},
	)
	pusher := &recordingPusher{}
	c := NewConsumer(users, pusher, zerolog.Nop())

	encode := func(n Notification) []byte {
		data, err := json.Marshal(n)
		require.NoError(t, err)
		return data
	}

	c.Handle("notify.bob", encode(Notification{RecipientID: "bob", ConversationID: "dm_1", Preview: "hi"}))
	c.Handle("notify.carol", encode(Notification{RecipientID: "carol", ConversationID: "dm_2"}))
	c.Handle("notify.bob", encode(Notification{RecipientID: "carol"}))
	c.Handle("notify.ghost", encode(Notification{RecipientID: "ghost"}))
	c.Handle("notify.bob", []byte("{"))

	require.Len(t, pusher.pushed, 1)
	assert.Equal(t, "dm_1", pusher.pushed[0].ConversationID)
}
