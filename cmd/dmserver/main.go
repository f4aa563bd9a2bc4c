package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/dm/internal/config"
	"github.com/whisper/dm/internal/gateway"
	"github.com/whisper/dm/internal/identity"
	"github.com/whisper/dm/internal/logging"
	"github.com/whisper/dm/internal/messaging"
	"github.com/whisper/dm/internal/metrics"
	"github.com/whisper/dm/internal/notify"
	"github.com/whisper/dm/internal/pipeline"
	"github.com/whisper/dm/internal/presence"
	"github.com/whisper/dm/internal/ratelimit"
	"github.com/whisper/dm/internal/resolver"
	"github.com/whisper/dm/internal/store"
	"github.com/whisper/dm/internal/store/memstore"
	"github.com/whisper/dm/internal/store/pgstore"
	"github.com/whisper/dm/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := logging.Setup("dmserver", "info", "json")
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.Setup(cfg.App.Name, cfg.App.LogLevel, cfg.App.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("dmserver stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	if cfg.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverName := cfg.Server.Name
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "dm-1"
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return err
	}
	users := identity.NewRedisDirectoryFromClient(rdb, serverName)
	limiter := ratelimit.NewLimiter(rdb, log)

	// --- Store ---
	st, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = cfg.App.Name + "-" + serverName
	natsConfig.MaxReconnects = cfg.NATS.MaxReconnects
	natsConfig.ReconnectWait = cfg.NATS.ReconnectWait
	natsClient, err := messaging.NewNATSClient(natsConfig, log)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	tracker := presence.NewTracker(st, users, log)
	res := resolver.New(st, users, log)

	log.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Int("worker_pool", cfg.Server.WorkerPoolSize).
		Int("max_connections", cfg.Server.MaxConnections).
		Str("nats_url", natsConfig.URL).
		Str("redis_addr", cfg.Redis.Addr).
		Bool("postgres", cfg.Database.URL != "").
		Str("server_name", serverName).
		Msg("dm server starting")

	// Declare server early so the gateway can write through it.
	var server *ws.Server

	gw := gateway.New(gateway.Deps{
		Store:            st,
		Resolver:         res,
		Tracker:          tracker,
		Notifier:         notify.NewNATSDispatcher(natsClient, log),
		Limiter:          limiter,
		PresenceInterval: cfg.Server.PresenceInterval,
		Pipeline: pipeline.Config{
			SendTimeout:   cfg.Pipeline.SendTimeout,
			RetryBackoff:  cfg.Pipeline.RetryBackoff,
			Grace:         cfg.Pipeline.Grace,
			SweepInterval: cfg.Pipeline.SweepInterval,
			EventBuffer:   cfg.Pipeline.EventBuffer,
		},
	}, sender{&server}, log)
	defer gw.Close()

	dispatcher := ws.NewMessageDispatcher(log)
	gw.Register(dispatcher)

	server = ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.Server.ListenAddr,
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
	}, identity.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL), dispatcher.Dispatch, log)
	server.SetPresence(users)
	server.SetLimiter(limiter)
	server.SetOnConnect(gw.Connect)
	server.SetOnDisconnect(gw.Disconnect)

	server.AddHealthCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	server.AddHealthCheck("nats", func(context.Context) error {
		if !natsClient.IsConnected() {
			return errors.New("disconnected")
		}
		return nil
	})
	if p, ok := st.(interface{ Ping(context.Context) error }); ok {
		server.AddHealthCheck("store", p.Ping)
	}
	if cfg.Metrics.Enabled {
		server.Handle(cfg.Metrics.Path, metrics.Handler())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore runs PostgreSQL when a database URL is configured and the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (store.Store, error) {
	if cfg.URL == "" {
		log.Warn().Msg("database.url not set, messages are kept in memory")
		return memstore.New(memstore.WithLogger(log)), nil
	}
	if cfg.Migrate {
		if err := pgstore.Migrate(cfg.URL, log); err != nil {
			return nil, err
		}
	}
	st, err := pgstore.Open(ctx, pgstore.Config{
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, log)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// sender forwards frames to the server once it exists.
type sender struct {
	server **ws.Server
}

func (s sender) SendMessage(connID string, data []byte) error {
	return (*s.server).SendMessage(connID, data)
}
