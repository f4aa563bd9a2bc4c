package identity

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/dm/internal/chat"
)

func TestTokensRoundTrip(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)

	tok, err := tokens.Issue("alice")
	require.NoError(t, err)

	s, err := tokens.Authenticate(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", s.UserID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), s.ExpiresAt, 5*time.Second)
}

func TestTokensRejectBadTokens(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)

	other, err := NewTokens("other-secret", time.Hour).Issue("alice")
	require.NoError(t, err)
	_, err = tokens.Authenticate(other)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = tokens.Authenticate("not-a-token")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	expired, err := NewTokens("secret", -time.Minute).Issue("alice")
	require.NoError(t, err)
	_, err = tokens.Authenticate(expired)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory(Profile{UserID: "alice", DisplayName: "Alice"})

	p, err := d.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.False(t, p.IsOnline)

	_, err = d.Profile(ctx, "ghost")
	assert.ErrorIs(t, err, chat.ErrPermissionDenied)

	require.NoError(t, d.SetOnline(ctx, "alice"))
	p, err = d.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, p.IsOnline)
	assert.False(t, p.LastSeen.IsZero())

	all, err := d.Profiles(ctx, []string{"alice", "ghost"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// newTestDirectory connects to a local Redis and skips when none is
// running.
func newTestDirectory(t *testing.T) *RedisDirectory {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		client.Del(ctx, ProfilePrefix+"test-alice", PresencePrefix+"test-alice", ProfilePrefix+"test-bob")
		client.Close()
	})
	return NewRedisDirectoryFromClient(client, "test-server")
}

func TestRedisDirectoryProfileAndPresence(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	require.NoError(t, d.PutProfile(ctx, Profile{UserID: "test-alice", DisplayName: "Alice"}))
	require.NoError(t, d.PutProfile(ctx, Profile{UserID: "test-bob", DisplayName: "Bob", AvatarURL: "https://example.com/b.png"}))

	p, err := d.Profile(ctx, "test-alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.False(t, p.IsOnline)

	require.NoError(t, d.SetOnline(ctx, "test-alice"))
	p, err = d.Profile(ctx, "test-alice")
	require.NoError(t, err)
	assert.True(t, p.IsOnline)

	ttl, err := d.Client().TTL(ctx, PresencePrefix+"test-alice").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, d.SetOffline(ctx, "test-alice"))
	p, err = d.Profile(ctx, "test-alice")
	require.NoError(t, err)
	assert.False(t, p.IsOnline)
	assert.False(t, p.LastSeen.IsZero())

	all, err := d.Profiles(ctx, []string{"test-alice", "test-bob", "test-ghost"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "https://example.com/b.png", all["test-bob"].AvatarURL)

	_, err = d.Profile(ctx, "test-ghost")
	assert.ErrorIs(t, err, chat.ErrPermissionDenied)
}
