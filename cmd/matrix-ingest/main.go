// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// matrix-ingest bridges one Matrix account into the canonical event
// store and the ingress bus. It long-polls the homeserver, decrypts
// what it can, recovers keys for what it cannot, and backfills history
// in the background.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/matrix-ingest/ingest"
	"github.com/bureau-foundation/matrix-ingest/lib/bus"
	"github.com/bureau-foundation/matrix-ingest/lib/config"
	"github.com/bureau-foundation/matrix-ingest/lib/e2ee"
	"github.com/bureau-foundation/matrix-ingest/lib/e2ee/olmmachine"
	"github.com/bureau-foundation/matrix-ingest/lib/eventstore"
	"github.com/bureau-foundation/matrix-ingest/lib/eventstore/pgstore"
	"github.com/bureau-foundation/matrix-ingest/lib/process"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/sealed"
	"github.com/bureau-foundation/matrix-ingest/lib/secret"
	"github.com/bureau-foundation/matrix-ingest/lib/verification"
	"github.com/bureau-foundation/matrix-ingest/lib/version"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		envFile     string
		logLevel    string
		noConsole   bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("matrix-ingest", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML or JSONC configuration file (required)")
	flagSet.StringVar(&envFile, "env-file", "", "load KEY=VALUE pairs from this file before reading the configuration")
	flagSet.StringVar(&logLevel, "log-level", "info", "minimum log level: debug, info, warn, error")
	flagSet.BoolVar(&noConsole, "no-console", false, "do not prompt for verification decisions on the terminal")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("matrix-ingest %s\n", version.Full())
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration %s:\n%w", configPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, !noConsole, logger)
}

// serve wires every collaborator from cfg and runs the ingest service
// until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, console bool, logger *slog.Logger) error {
	userID, err := ref.ParseUserID(cfg.Account.UserID)
	if err != nil {
		return fmt.Errorf("account.user_id: %w", err)
	}
	deviceID, err := ref.ParseDeviceID(cfg.Account.DeviceID)
	if err != nil {
		return fmt.Errorf("account.device_id: %w", err)
	}
	accountID := cfg.Account.AccountID
	if accountID == "" {
		accountID = userID.String()
	}

	accessToken, err := loadAccessToken(cfg.Account)
	if err != nil {
		return err
	}
	defer accessToken.Close()

	recoverySecret, err := loadRecoverySecret(cfg.Crypto)
	if err != nil {
		return err
	}
	if recoverySecret != nil {
		defer recoverySecret.Close()
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Account.Homeserver,
		// The long-poll holds the request open for the sync timeout.
		HTTPClient: &http.Client{Timeout: cfg.Sync.Timeout.Std() + 30*time.Second},
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	session := client.SessionFromToken(userID, deviceID, accessToken)

	machine, err := openCryptoStore(cfg.Crypto, userID, deviceID, logger)
	if err != nil {
		return err
	}
	backend := e2ee.Backend(e2ee.Unavailable{})
	if machine != nil {
		defer func() {
			if err := machine.Close(); err != nil {
				logger.Error("closing crypto store", "error", err)
			}
		}()
		backend = machine
	}
	engine, err := e2ee.NewEngine(e2ee.EngineConfig{
		Session: session,
		Backend: backend,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if !engine.HasBackend() {
		logger.Warn("no crypto store configured; encrypted events are stored as placeholders")
	}

	store, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing event store", "error", err)
		}
	}()

	transport, err := openTransport(cfg.Bus, logger)
	if err != nil {
		return err
	}
	publisher, err := bus.NewPublisher(bus.Config{
		Transport:        transport,
		SubjectPrefix:    cfg.Bus.SubjectPrefix,
		PublishReactions: cfg.Bus.PublishReactions,
		PublishReceipts:  cfg.Bus.PublishReceipts,
		Logger:           logger,
	})
	if err != nil {
		transport.Close()
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil && !errors.Is(err, bus.ErrClosed) {
			logger.Error("closing bus publisher", "error", err)
		}
	}()

	deviceKeys := verificationKeys(engine, backend)
	var reporter *verification.Console
	if deviceKeys != nil && cfg.Verification.Enabled && cfg.Verification.Console && console {
		reporter = verification.NewConsole(os.Stdout)
	}

	serviceConfig := ingest.Config{
		AccountID:      accountID,
		Session:        session,
		Crypto:         engine,
		Store:          store,
		Publisher:      publisher,
		DeviceKeys:     deviceKeys,
		RecoverySecret: recoverySecret,
		Sync:           cfg.Sync,
		Tuning:         cfg.Crypto,
		Backfill:       cfg.Backfill,
		Verification:   cfg.Verification,
		Logger:         logger,
	}
	if reporter != nil {
		serviceConfig.Reporter = reporter
	}
	service, err := ingest.New(serviceConfig)
	if err != nil {
		return err
	}

	if manager := service.Verification(); manager != nil && reporter != nil {
		go func() {
			if err := reporter.ReadDecisions(ctx, os.Stdin, manager); err != nil && ctx.Err() == nil {
				logger.Warn("verification console stopped", "error", err)
			}
		}()
	}

	logger.Info("matrix-ingest starting",
		"version", version.Info(),
		"user_id", userID,
		"device_id", deviceID,
		"environment", cfg.Environment,
		"store", cfg.Store.Driver,
		"bus", cfg.Bus.Transport,
	)
	service.Run(ctx)
	logger.Info("matrix-ingest stopped")
	return nil
}

// openCryptoStore returns nil when no crypto store is configured.
func openCryptoStore(crypto config.CryptoConfig, userID ref.UserID, deviceID ref.DeviceID, logger *slog.Logger) (*olmmachine.Machine, error) {
	if crypto.StorePath == "" {
		return nil, nil
	}
	pickleKey, err := secret.ReadFromPath(crypto.PickleKeyFile)
	if err != nil {
		return nil, fmt.Errorf("crypto.pickle_key_file: %w", err)
	}
	defer pickleKey.Close()
	machine, err := olmmachine.Open(olmmachine.Config{
		UserID:    userID,
		DeviceID:  deviceID,
		Path:      crypto.StorePath,
		PickleKey: pickleKey,
		Logger:    logger.With("component", "crypto"),
	})
	if err != nil {
		return nil, fmt.Errorf("crypto.store_path: %w", err)
	}
	return machine, nil
}

// verificationKeys returns the device-key source for SAS verification,
// or nil when the engine has no backend that holds the device's keys.
func verificationKeys(engine *e2ee.Engine, backend e2ee.Backend) verification.DeviceKeySource {
	if !engine.HasBackend() {
		return nil
	}
	return backend
}

func loadAccessToken(account config.AccountConfig) (*secret.Buffer, error) {
	if account.AccessTokenEnv != "" {
		token, err := secret.FromEnv(account.AccessTokenEnv)
		if err != nil {
			return nil, fmt.Errorf("account.access_token_env: %w", err)
		}
		return token, nil
	}
	token, err := secret.ReadFromPath(account.AccessTokenFile)
	if err != nil {
		return nil, fmt.Errorf("account.access_token_file: %w", err)
	}
	return token, nil
}

// loadRecoverySecret returns nil when no recovery secret is configured.
func loadRecoverySecret(crypto config.CryptoConfig) (*secret.Buffer, error) {
	switch {
	case crypto.RecoverySecretSealed != "":
		buffer, err := sealed.OpenFile(crypto.RecoverySecretSealed, crypto.RecoveryIdentityFile)
		if err != nil {
			return nil, fmt.Errorf("crypto.recovery_secret_sealed: %w", err)
		}
		return buffer, nil
	case crypto.RecoverySecretFile != "":
		buffer, err := secret.ReadFromPath(crypto.RecoverySecretFile)
		if err != nil {
			return nil, fmt.Errorf("crypto.recovery_secret_file: %w", err)
		}
		return buffer, nil
	default:
		return nil, nil
	}
}

func openStore(store config.StoreConfig, logger *slog.Logger) (eventstore.Store, error) {
	switch store.Driver {
	case "sqlite":
		return eventstore.OpenSQLite(eventstore.SQLiteConfig{
			Path:   store.Path,
			Logger: logger,
		})
	case "postgres":
		dsn := os.Getenv(store.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("store.dsn_env: %s is not set", store.DSNEnv)
		}
		return pgstore.Open(pgstore.Config{DSN: dsn, Logger: logger})
	default:
		return nil, fmt.Errorf("store.driver: unknown driver %q", store.Driver)
	}
}

func openTransport(busConfig config.BusConfig, logger *slog.Logger) (bus.Transport, error) {
	switch busConfig.Transport {
	case "websocket":
		return bus.NewWebSocketTransport(bus.WebSocketConfig{
			URL:    busConfig.URL,
			Logger: logger,
		})
	case "socket":
		compression, err := bus.ParseCompression(busConfig.Compression)
		if err != nil {
			return nil, fmt.Errorf("bus.compression: %w", err)
		}
		return bus.NewSocketTransport(bus.SocketConfig{
			Path:                 busConfig.SocketPath,
			Compression:          compression,
			CompressionThreshold: busConfig.CompressionThreshold,
			Logger:               logger,
		})
	case "none", "":
		return bus.Discard{}, nil
	default:
		return nil, fmt.Errorf("bus.transport: unknown transport %q", busConfig.Transport)
	}
}
