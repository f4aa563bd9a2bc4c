// Package identity is the messaging core's view of the identity layer:
// who a user is, how they appear, and whether they are online. Presence
// is written by the session layer (the gateway) and only read by the
// messaging core.
package identity

import (
	"context"
	"sync"
	"time"

	"github.com/whisper/dm/internal/chat"
)

// Profile is a user's public identity and presence.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	IsOnline    bool
	LastSeen    time.Time
}

// Details returns the subset of the profile denormalized onto
// conversations.
func (p Profile) Details() chat.ParticipantDetails {
	return chat.ParticipantDetails{DisplayName: p.DisplayName, AvatarURL: p.AvatarURL}
}

// Provider resolves users. Profile returns chat.ErrPermissionDenied for
// users that do not exist.
type Provider interface {
	Profile(ctx context.Context, userID string) (*Profile, error)
	Profiles(ctx context.Context, userIDs []string) (map[string]Profile, error)
}

// PresenceWriter is implemented by providers that accept presence
// updates from the session layer.
type PresenceWriter interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

// MemoryDirectory is an in-process Provider for tests and single-node
// development.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	now      func() time.Time
}

// NewMemoryDirectory creates a directory holding the given profiles.
func NewMemoryDirectory(profiles ...Profile) *MemoryDirectory {
	d := &MemoryDirectory{profiles: make(map[string]Profile), now: time.Now}
	for _, p := range profiles {
		d.profiles[p.UserID] = p
	}
	return d
}

// Put adds or replaces a profile.
func (d *MemoryDirectory) Put(p Profile) {
	d.mu.Lock()
	d.profiles[p.UserID] = p
	d.mu.Unlock()
}

func (d *MemoryDirectory) Profile(_ context.Context, userID string) (*Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[userID]
	if !ok {
		return nil, chat.ErrPermissionDenied
	}
	return &p, nil
}

func (d *MemoryDirectory) Profiles(_ context.Context, userIDs []string) (map[string]Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Profile, len(userIDs))
	for _, id := range userIDs {
		if p, ok := d.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (d *MemoryDirectory) SetOnline(_ context.Context, userID string) error {
	return d.setPresence(userID, true)
}

func (d *MemoryDirectory) SetOffline(_ context.Context, userID string) error {
	return d.setPresence(userID, false)
}

func (d *MemoryDirectory) setPresence(userID string, online bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.profiles[userID]
	if !ok {
		return chat.ErrPermissionDenied
	}
	p.IsOnline = online
	p.LastSeen = d.now().UTC()
	d.profiles[userID] = p
	return nil
}

var (
	_ Provider       = (*MemoryDirectory)(nil)
	_ PresenceWriter = (*MemoryDirectory)(nil)
)
