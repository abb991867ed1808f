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
	"chat_relay/internal/repository/key"
	"chat_relay/internal/service/encryption"
	"chat_relay/internal/utils/log"

	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "encryptor",
		Short: "Chat relay encryption service",
		Long: `Holds the message keys and serves encrypt, decrypt and key
administration requests over HTTP. The first key is derived from the master
secret named by encryption.master_secret_env.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file")
	return cmd
}

func run(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var repo keystore.Repository
	if cfg.Mongo.URI != "" {
		mongoDBClient, err := initMongo(cfg.Mongo.URI)
		if err != nil {
			return fmt.Errorf("mongo unreachable: %w", err)
		}
		defer mongoDBClient.Disconnect(context.Background())

		keyRepo := key.NewKeyRepo(mongoDBClient.Database(cfg.Mongo.Database))
		if err := keyRepo.EnsureIndexes(ctx); err != nil {
			return err
		}
		repo = keyRepo
		log.Info("persisting keys", zap.String("database", cfg.Mongo.Database))
	} else if cfg.Encryption.KeyDir != "" {
		db, err := badger.Open(badger.DefaultOptions(cfg.Encryption.KeyDir).WithLoggingLevel(badger.WARNING))
		if err != nil {
			return fmt.Errorf("open key dir: %w", err)
		}
		defer db.Close()

		repo = key.NewBadgerKeyRepo(db)
		log.Info("persisting keys", zap.String("dir", cfg.Encryption.KeyDir))
	} else {
		log.Warn("no key storage configured, keys are kept in memory only")
	}

	ks := keystore.New(repo)
	if err := ks.Load(ctx); err != nil {
		return err
	}

	secret, err := cfg.Encryption.MasterSecret()
	if err != nil {
		return err
	}
	material, err := kdf.DeriveKey(secret, 1)
	if err != nil {
		return err
	}
	if err := ks.Bootstrap(ctx, material); err != nil {
		return err
	}
	active, err := ks.CurrentKey()
	if err != nil {
		return err
	}
	log.Info("active key", zap.Uint32("version", active.Version))
	go ks.Watch(ctx, cfg.Encryption.KeyRefreshInterval)

	svc := encryption.NewService(ks, cfg.Encryption.MaxPlaintextSize)
	srv := encryption.NewHttpServer(svc, ks, cfg.Encryption.Listen)
	if err := srv.Run(ctx); err != nil && err != http.ErrServerClosed {
		return err
	}
	log.Info("encryption service stopped")
	return nil
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
