package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/dm/internal/chat"
)

const (
	// ProfilePrefix is the Redis key prefix for profile hashes.
	ProfilePrefix = "user:"

	// PresencePrefix is the Redis key prefix for presence hashes.
	PresencePrefix = "presence:"

	// PresenceTTL bounds how long a user counts as online without a
	// heartbeat refreshing the key.
	PresenceTTL = 2 * time.Minute

	// LastSeenTTL keeps the last-seen stamp around after a user goes
	// offline.
	LastSeenTTL = 30 * 24 * time.Hour
)

type profileHash struct {
	ID          string `redis:"id"`
	DisplayName string `redis:"display_name"`
	AvatarURL   string `redis:"avatar_url"`
}

type presenceHash struct {
	Online   bool   `redis:"online"`
	Server   string `redis:"server"`    // gateway instance holding the connection
	LastSeen int64  `redis:"last_seen"` // unix timestamp
}

// RedisDirectory stores profiles and presence in Redis hashes.
type RedisDirectory struct {
	client     *redis.Client
	serverName string
}

// NewRedisDirectory creates a directory connected to Redis.
func NewRedisDirectory(redisAddr string, serverName string) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("identity: redis connection failed: %w", err)
	}

	return &RedisDirectory{client: client, serverName: serverName}, nil
}

// NewRedisDirectoryFromClient wraps an existing client.
func NewRedisDirectoryFromClient(client *redis.Client, serverName string) *RedisDirectory {
	return &RedisDirectory{client: client, serverName: serverName}
}

// PutProfile creates or replaces a user's profile.
func (d *RedisDirectory) PutProfile(ctx context.Context, p Profile) error {
	if err := chat.ValidateUserID(p.UserID); err != nil {
		return err
	}
	key := ProfilePrefix + p.UserID
	err := d.client.HSet(ctx, key,
		"id", p.UserID,
		"display_name", p.DisplayName,
		"avatar_url", p.AvatarURL,
	).Err()
	if err != nil {
		return chat.Wrap(err, chat.CodeNetworkFailure, "put profile")
	}
	return nil
}

// Profile returns the user's profile merged with presence.
func (d *RedisDirectory) Profile(ctx context.Context, userID string) (*Profile, error) {
	pipe := d.client.Pipeline()
	profCmd := pipe.HGetAll(ctx, ProfilePrefix+userID)
	presCmd := pipe.HGetAll(ctx, PresencePrefix+userID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, chat.Wrap(err, chat.CodeNetworkFailure, "get profile")
	}

	p, ok, err := decodeProfile(userID, profCmd, presCmd)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, chat.ErrPermissionDenied
	}
	return &p, nil
}

// Profiles returns the known profiles among userIDs. Unknown users are
// omitted.
func (d *RedisDirectory) Profiles(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	pipe := d.client.Pipeline()
	profCmds := make([]*redis.MapStringStringCmd, len(userIDs))
	presCmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, id := range userIDs {
		profCmds[i] = pipe.HGetAll(ctx, ProfilePrefix+id)
		presCmds[i] = pipe.HGetAll(ctx, PresencePrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, chat.Wrap(err, chat.CodeNetworkFailure, "get profiles")
	}

	out := make(map[string]Profile, len(userIDs))
	for i, id := range userIDs {
		p, ok, err := decodeProfile(id, profCmds[i], presCmds[i])
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = p
		}
	}
	return out, nil
}

func decodeProfile(userID string, profCmd, presCmd *redis.MapStringStringCmd) (Profile, bool, error) {
	var prof profileHash
	if err := profCmd.Scan(&prof); err != nil {
		return Profile{}, false, chat.Wrap(err, chat.CodeMalformed, "scan profile")
	}
	if prof.ID == "" {
		return Profile{}, false, nil // not found
	}
	var pres presenceHash
	if err := presCmd.Scan(&pres); err != nil {
		return Profile{}, false, chat.Wrap(err, chat.CodeMalformed, "scan presence")
	}
	p := Profile{
		UserID:      userID,
		DisplayName: prof.DisplayName,
		AvatarURL:   prof.AvatarURL,
		IsOnline:    pres.Online,
	}
	if pres.LastSeen > 0 {
		p.LastSeen = time.Unix(pres.LastSeen, 0).UTC()
	}
	return p, true, nil
}

// SetOnline marks the user online on this gateway instance.
func (d *RedisDirectory) SetOnline(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	pipe := d.client.Pipeline()
	pipe.HSet(ctx, key, "online", true, "server", d.serverName, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return chat.Wrap(err, chat.CodeNetworkFailure, "set online")
}

// Touch refreshes the presence TTL of a connected user.
func (d *RedisDirectory) Touch(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	pipe := d.client.Pipeline()
	pipe.HSet(ctx, key, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return chat.Wrap(err, chat.CodeNetworkFailure, "touch presence")
}

// SetOffline marks the user offline and keeps the last-seen stamp.
func (d *RedisDirectory) SetOffline(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	pipe := d.client.Pipeline()
	pipe.HSet(ctx, key, "online", false, "server", "", "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, LastSeenTTL)
	_, err := pipe.Exec(ctx)
	return chat.Wrap(err, chat.CodeNetworkFailure, "set offline")
}

// Close closes the Redis connection.
func (d *RedisDirectory) Close() error {
	return d.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (d *RedisDirectory) Client() *redis.Client {
	return d.client
}

var (
	_ Provider       = (*RedisDirectory)(nil)
	_ PresenceWriter = (*RedisDirectory)(nil)
)
