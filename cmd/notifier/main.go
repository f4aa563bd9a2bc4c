package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/dm/internal/config"
	"github.com/whisper/dm/internal/identity"
	"github.com/whisper/dm/internal/logging"
	"github.com/whisper/dm/internal/messaging"
	"github.com/whisper/dm/internal/notify"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := logging.Setup("notifier", "info", "json")
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.Setup("notifier", cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().Msg("starting notification consumer")

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatal().Err(err).Str("redis_addr", cfg.Redis.Addr).Msg("failed to connect to Redis")
	}
	cancel()
	users := identity.NewRedisDirectoryFromClient(rdb, "notifier")

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "whisper-dm-notifier"
	natsConfig.MaxReconnects = cfg.NATS.MaxReconnects
	natsConfig.ReconnectWait = cfg.NATS.ReconnectWait

	natsClient, err := messaging.NewNATSClient(natsConfig, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	consumer := notify.NewConsumer(users, notify.LogPusher{Log: log}, log)
	if err := natsClient.SubscribeNotifications(consumer.Handle); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to notifications")
	}

	log.Info().
		Str("redis_addr", cfg.Redis.Addr).
		Str("nats_url", natsConfig.URL).
		Str("subject", messaging.SubjectNotifyAll).
		Msg("notification consumer running")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	natsClient.Close()
	rdb.Close()
}
