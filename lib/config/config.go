// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment selects logging format and a few stricter checks.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Duration is a time.Duration that reads from strings such as "10m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete matrix-ingest configuration.
type Config struct {
	Environment  Environment        `yaml:"environment"`
	Account      AccountConfig      `yaml:"account"`
	Store        StoreConfig        `yaml:"store"`
	Bus          BusConfig          `yaml:"bus"`
	Crypto       CryptoConfig       `yaml:"crypto"`
	Verification VerificationConfig `yaml:"verification"`
	Backfill     BackfillConfig     `yaml:"backfill"`
	Sync         SyncConfig         `yaml:"sync"`
}

// AccountConfig identifies the bridged Matrix account.
type AccountConfig struct {
	Homeserver string `yaml:"homeserver"`
	UserID     string `yaml:"user_id"`
	DeviceID   string `yaml:"device_id"`

	// AccountID is the stable owning-account key written on every
	// canonical event. Defaults to UserID.
	AccountID string `yaml:"account_id"`

	// Exactly one of AccessTokenEnv and AccessTokenFile must be set.
	AccessTokenEnv  string `yaml:"access_token_env"`
	AccessTokenFile string `yaml:"access_token_file"`
}

// StoreConfig selects the canonical event store.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`

	// DSNEnv names the environment variable holding the postgres DSN.
	DSNEnv string `yaml:"dsn_env"`
}

// BusConfig configures the ingress publisher.
type BusConfig struct {
	// Transport is "websocket", "socket", or "none".
	Transport        string `yaml:"transport"`
	URL              string `yaml:"url"`
	SocketPath       string `yaml:"socket_path"`
	SubjectPrefix    string `yaml:"subject_prefix"`
	PublishReactions bool   `yaml:"publish_reactions"`
	PublishReceipts  bool   `yaml:"publish_receipts"`

	// Compression is "zstd", "lz4", or "none". Applies to the socket
	// transport only.
	Compression          string `yaml:"compression"`
	CompressionThreshold int    `yaml:"compression_threshold"`
}

// CryptoConfig tunes decryption recovery and session maintenance.
type CryptoConfig struct {
	KeyRequestCooldown     Duration `yaml:"key_request_cooldown"`
	KeyRequestMaxAttempts  int      `yaml:"key_request_max_attempts"`
	KeyRequestWindow       Duration `yaml:"key_request_window"`
	RescanInterval         Duration `yaml:"rescan_interval"`
	SessionRefreshInterval Duration `yaml:"session_refresh_interval"`
	OneTimeKeyInterval     Duration `yaml:"one_time_key_interval"`

	// The recovery secret unlocks server-side key backup. Either a
	// plaintext file, or an age-sealed file plus the identity that
	// opens it. Without either, backup restore and secret sharing
	// are disabled.
	RecoverySecretFile   string `yaml:"recovery_secret_file"`
	RecoverySecretSealed string `yaml:"recovery_secret_sealed"`
	RecoveryIdentityFile string `yaml:"recovery_identity_file"`

	// StorePath is the SQLite database holding the device's Olm
	// account and session keys, encrypted with the key read from
	// PickleKeyFile. Without it the service runs with no crypto
	// backend: encrypted events are stored as placeholders and
	// verification is disabled.
	StorePath     string `yaml:"store_path"`
	PickleKeyFile string `yaml:"pickle_key_file"`
}

// VerificationConfig controls interactive device verification.
type VerificationConfig struct {
	Enabled bool `yaml:"enabled"`
	Console bool `yaml:"console"`
}

// BackfillConfig controls history paging.
type BackfillConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	MaxPages int      `yaml:"max_pages"`
	PageSize int      `yaml:"page_size"`
}

// SyncConfig controls the long-poll loop.
type SyncConfig struct {
	Timeout     Duration `yaml:"timeout"`
	HistorySize int      `yaml:"history_size"`
}

// Default returns the base values a loaded file is merged over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Store: StoreConfig{
			Driver: "sqlite",
			DSNEnv: "MATRIX_INGEST_POSTGRES_DSN",
		},
		Bus: BusConfig{
			Transport:            "none",
			SubjectPrefix:        "matrix",
			PublishReactions:     true,
			PublishReceipts:      false,
			Compression:          "zstd",
			CompressionThreshold: 1024,
		},
		Crypto: CryptoConfig{
			KeyRequestCooldown:     Duration(10 * time.Minute),
			KeyRequestMaxAttempts:  8,
			KeyRequestWindow:       Duration(24 * time.Hour),
			RescanInterval:         Duration(time.Minute),
			SessionRefreshInterval: Duration(5 * time.Minute),
			OneTimeKeyInterval:     Duration(10 * time.Minute),
		},
		Verification: VerificationConfig{Enabled: true, Console: true},
		Backfill: BackfillConfig{
			Enabled:  true,
			Interval: Duration(15 * time.Minute),
			MaxPages: 10,
			PageSize: 100,
		},
		Sync: SyncConfig{
			Timeout:     Duration(30 * time.Second),
			HistorySize: 200,
		},
	}
}

// LoadEnvFile loads KEY=VALUE pairs from an explicit env file into the
// process environment. Variables already set are not overridden. An
// empty path is a no-op; there is no implicit .env discovery.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: loading env file %s: %w", path, err)
	}
	return nil
}

// LoadFile loads configuration from path. Files ending in .json or
// .jsonc may carry comments and trailing commas; anything else is
// parsed as YAML. ${VAR} and ${VAR:-default} are expanded in path and
// URL fields.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: no configuration file given; pass --config")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.expandVariables()
	if cfg.Account.AccountID == "" {
		cfg.Account.AccountID = cfg.Account.UserID
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	for _, field := range []*string{
		&c.Account.Homeserver,
		&c.Account.AccessTokenFile,
		&c.Store.Path,
		&c.Bus.URL,
		&c.Bus.SocketPath,
		&c.Crypto.RecoverySecretFile,
		&c.Crypto.RecoverySecretSealed,
		&c.Crypto.RecoveryIdentityFile,
		&c.Crypto.StorePath,
		&c.Crypto.PickleKeyFile,
	} {
		*field = expandVars(*field)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}

	if c.Account.Homeserver == "" {
		errs = append(errs, fmt.Errorf("account.homeserver is required"))
	}
	if !strings.HasPrefix(c.Account.UserID, "@") || !strings.Contains(c.Account.UserID, ":") {
		errs = append(errs, fmt.Errorf("account.user_id must be a Matrix user ID, got %q", c.Account.UserID))
	}
	if c.Account.DeviceID == "" {
		errs = append(errs, fmt.Errorf("account.device_id is required"))
	}
	if (c.Account.AccessTokenEnv == "") == (c.Account.AccessTokenFile == "") {
		errs = append(errs, fmt.Errorf("exactly one of account.access_token_env and account.access_token_file is required"))
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the sqlite driver"))
		}
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, fmt.Errorf("store.dsn_env is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}

	switch c.Bus.Transport {
	case "none":
	case "websocket":
		if c.Bus.URL == "" {
			errs = append(errs, fmt.Errorf("bus.url is required for the websocket transport"))
		}
	case "socket":
		if c.Bus.SocketPath == "" {
			errs = append(errs, fmt.Errorf("bus.socket_path is required for the socket transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.transport must be websocket, socket, or none, got %q", c.Bus.Transport))
	}
	switch c.Bus.Compression {
	case "zstd", "lz4", "none":
	default:
		errs = append(errs, fmt.Errorf("bus.compression must be zstd, lz4, or none, got %q", c.Bus.Compression))
	}

	for name, value := range map[string]Duration{
		"crypto.key_request_cooldown":     c.Crypto.KeyRequestCooldown,
		"crypto.key_request_window":       c.Crypto.KeyRequestWindow,
		"crypto.rescan_interval":          c.Crypto.RescanInterval,
		"crypto.session_refresh_interval": c.Crypto.SessionRefreshInterval,
		"crypto.one_time_key_interval":    c.Crypto.OneTimeKeyInterval,
		"backfill.interval":               c.Backfill.Interval,
		"sync.timeout":                    c.Sync.Timeout,
	} {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Crypto.KeyRequestMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("crypto.key_request_max_attempts must be positive"))
	}
	if c.Crypto.RecoverySecretFile != "" && c.Crypto.RecoverySecretSealed != "" {
		errs = append(errs, fmt.Errorf("crypto.recovery_secret_file and crypto.recovery_secret_sealed are mutually exclusive"))
	}
	if c.Crypto.RecoverySecretSealed != "" && c.Crypto.RecoveryIdentityFile == "" {
		errs = append(errs, fmt.Errorf("crypto.recovery_identity_file is required with crypto.recovery_secret_sealed"))
	}
	if (c.Crypto.StorePath == "") != (c.Crypto.PickleKeyFile == "") {
		errs = append(errs, fmt.Errorf("crypto.store_path and crypto.pickle_key_file must be set together"))
	}
	if c.Sync.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("sync.history_size must be positive"))
	}
	if c.Backfill.Enabled && (c.Backfill.MaxPages <= 0 || c.Backfill.PageSize <= 0) {
		errs = append(errs, fmt.Errorf("backfill.max_pages and backfill.page_size must be positive"))
	}

	if c.Environment == Production && c.Verification.Console {
		errs = append(errs, fmt.Errorf("verification.console must be disabled in production"))
	}

	return errors.Join(errs...)
}

// HasRecoverySecret reports whether a recovery secret is configured.
func (c *Config) HasRecoverySecret() bool {
	return c.Crypto.RecoverySecretFile != "" || c.Crypto.RecoverySecretSealed != ""
}

// HasCryptoStore reports whether an Olm account store is configured.
func (c *Config) HasCryptoStore() bool {
	return c.Crypto.StorePath != ""
}
