package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, zerolog.Nop())
}

func TestAllowWithinWindow(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "test", Key: "rl:test:", Limit: 3, Window: time.Minute}
	id := uuid.NewString()
	t.Cleanup(func() { l.client.Del(context.Background(), rule.Key+id) })

	for i := 0; i < rule.Limit; i++ {
		ok, err := l.Allow(ctx, id, rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}

	ok, err := l.Allow(ctx, id, rule)
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err := l.Remaining(ctx, id, rule)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	wait := l.RetryAfter(ctx, id, rule)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, rule.Window)
}

func TestRemainingUnknownIdentifier(t *testing.T) {
	l := newTestLimiter(t)

	remaining, err := l.Remaining(context.Background(), uuid.NewString(), RuleSend)
	require.NoError(t, err)
	assert.Equal(t, RuleSend.Limit, remaining)
}

func TestIdentifiersAreIndependent(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "test", Key: "rl:test:", Limit: 1, Window: time.Minute}
	a, b := uuid.NewString(), uuid.NewString()
	t.Cleanup(func() { l.client.Del(context.Background(), rule.Key+a, rule.Key+b) })

	ok, _ := l.Allow(ctx, a, rule)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, a, rule)
	assert.False(t, ok)
	ok, _ = l.Allow(ctx, b, rule)
	assert.True(t, ok)
}
