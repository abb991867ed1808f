package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat_relay/internal/config"
	"chat_relay/internal/cryptographic/kdf"
	"chat_relay/internal/cryptographic/keystore"
	"chat_relay/internal/service/broadcast"
	"chat_relay/internal/service/encclient"
	"chat_relay/internal/service/encryption"
	"chat_relay/internal/service/gateway"
	redisSvc "chat_relay/internal/service/redis"
	"chat_relay/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type flags struct {
	ConfigFile string
	Embedded   bool
}

func newRootCommand() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Chat relay gateway",
		Long: `Accepts websocket chat sessions, encrypts every message through the
encryption service and broadcasts the envelopes to all connected sessions.`,
		Example: `  # Gateway talking to a remote encryption service
  server -c relay.toml

  # Single process with the encryption service embedded
  CHAT_MASTER_SECRET=... server -c relay.toml --embedded-encryption`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}

	cmd.Flags().StringVarP(&f.ConfigFile, "config", "c", "", "configuration file")
	cmd.Flags().BoolVar(&f.Embedded, "embedded-encryption", false, "run the encryption service in-process")
	return cmd
}

func run(f flags) error {
	cfg, err := config.LoadFile(f.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := newTransport(ctx, cfg, f.Embedded)
	if err != nil {
		return err
	}
	enc := encclient.New(transport, cfg.ClientConfig())

	hub := broadcast.NewHub(cfg.Gateway.ExcludeOrigin)

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redis := redisSvc.NewRedis(rdb)
		defer redis.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redis.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}

		relay := broadcast.NewRelay(redis, cfg.Redis.Channel, hub, cfg.Redis.Buffer)
		hub.SetRelay(relay)
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("relay stopped", zap.Error(err))
			}
		}()
		log.Info("cross-node relay enabled", zap.String("node", relay.Node()), zap.String("channel", cfg.Redis.Channel))
	}

	gw := gateway.New(context.Background(), enc, hub)
	srv := gateway.NewHttpServer(gw, hub, gateway.ServerOptions{
		Addr:          cfg.Gateway.Listen,
		QueueSize:     cfg.Gateway.OutboundQueueSize,
		WriteTimeout:  cfg.Gateway.WriteTimeout,
		MaxFrameBytes: cfg.Gateway.MaxFrameBytes,
	})

	if err := srv.Run(ctx); err != nil && err != http.ErrServerClosed {
		return err
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Client.Timeout*time.Duration(cfg.Client.MaxRetries+1))
	defer cancel()
	if err := gw.Wait(drainCtx); err != nil {
		log.Warn("abandoning in-flight encryptions", zap.Error(err))
	}
	log.Info("gateway stopped")
	return nil
}

func newTransport(ctx context.Context, cfg *config.Config, embedded bool) (encclient.Transport, error) {
	if !embedded {
		log.Info("using remote encryption service", zap.String("endpoint", cfg.Gateway.EncryptionEndpoint))
		return encclient.NewHTTPTransport(cfg.Gateway.EncryptionEndpoint, &http.Client{}), nil
	}

	secret, err := cfg.Encryption.MasterSecret()
	if err != nil {
		return nil, err
	}
	material, err := kdf.DeriveKey(secret, 1)
	if err != nil {
		return nil, err
	}
	ks := keystore.New(nil)
	if err := ks.Bootstrap(ctx, material); err != nil {
		return nil, err
	}

	log.Info("using embedded encryption service")
	return encclient.NewLocalTransport(encryption.NewService(ks, cfg.Encryption.MaxPlaintextSize)), nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
