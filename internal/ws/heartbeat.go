package ws

import (
	"context"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically pings every
// connection, closes those that have gone stale, and refreshes the presence
// of every user that is still connected. It returns immediately; the
// goroutine exits when the server's done channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
				refreshPresence(server)
			}
		}
	}()
}

// checkConnections removes connections with no successful read within
// Interval + Timeout and sends a protocol-level ping to the rest, which
// browsers answer automatically with a pong.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			server.log.Info().
				Str("conn_id", c.ID).
				Str("user_id", c.UserID).
				Dur("idle", idle.Round(time.Second)).
				Msg("heartbeat timeout")
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			server.log.Debug().Err(err).Str("conn_id", c.ID).Msg("heartbeat ping failed")
			server.RemoveConnection(c)
		}
	}
}

// toucher is implemented by presence stores that can extend an online
// mark without rewriting it.
type toucher interface {
	Touch(ctx context.Context, userID string) error
}

func refreshPresence(server *Server) {
	if server.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, userID := range server.Connections().Users() {
		var err error
		if t, ok := server.presence.(toucher); ok {
			err = t.Touch(ctx, userID)
		} else {
			err = server.presence.SetOnline(ctx, userID)
		}
		if err != nil {
			server.log.Warn().Err(err).Str("user_id", userID).Msg("refresh presence")
		}
	}
}
