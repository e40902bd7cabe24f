// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package olmmachine is the [e2ee.Backend] built on the pure-Go Olm
// and Megolm implementation from mautrix (goolm). It owns the device
// account, the pairwise Olm sessions, and the inbound Megolm sessions,
// and persists all three as pickles in a SQLite database encrypted
// with a caller-supplied pickle key.
package olmmachine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/crypto/goolm"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/bureau-foundation/matrix-ingest/lib/clock"
	"github.com/bureau-foundation/matrix-ingest/lib/e2ee"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/lib/secret"
	"github.com/bureau-foundation/matrix-ingest/lib/sqlitepool"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

func init() {
	goolm.Register()
}

// Config configures a [Machine].
type Config struct {
	UserID   ref.UserID
	DeviceID ref.DeviceID

	// Path is the SQLite database holding the pickles. The parent
	// directory must exist.
	Path string

	// PickleKey encrypts every stored pickle. The machine keeps its
	// own copy; the caller may close the buffer after Open returns.
	PickleKey *secret.Buffer

	Clock  clock.Clock
	Logger *slog.Logger
}

// Machine implements [e2ee.Backend]. Safe for concurrent use.
type Machine struct {
	userID    ref.UserID
	deviceID  ref.DeviceID
	pool      *sqlitepool.Pool
	pickleKey *secret.Buffer
	clock     clock.Clock
	logger    *slog.Logger

	mu          sync.Mutex
	account     olm.Account
	signingKey  id.Ed25519
	identityKey id.Curve25519

	// olmSessions is keyed by the peer's curve25519 identity key,
	// most recently used session first.
	olmSessions map[id.Curve25519][]olm.Session

	// groupSessions caches inbound Megolm sessions loaded from the
	// database.
	groupSessions map[groupKey]*groupSession
}

type groupKey struct {
	roomID    string
	sessionID id.SessionID
}

type groupSession struct {
	session   olm.InboundGroupSession
	senderKey string
	forwarded bool
}

var _ e2ee.Backend = (*Machine)(nil)

// Open loads the account from config.Path, creating and persisting a
// fresh one on first use. A database created for a different user or
// device is rejected.
func Open(config Config) (*Machine, error) {
	if config.UserID.IsZero() || config.DeviceID.IsZero() {
		return nil, fmt.Errorf("olmmachine: UserID and DeviceID are required")
	}
	if config.PickleKey == nil || config.PickleKey.Len() == 0 {
		return nil, fmt.Errorf("olmmachine: PickleKey is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	keyCopy := make([]byte, config.PickleKey.Len())
	copy(keyCopy, config.PickleKey.Bytes())
	pickleKey, err := secret.NewFromBytes(keyCopy)
	if err != nil {
		return nil, fmt.Errorf("olmmachine: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: 2,
		Schema:   schemaSQL,
		Logger:   config.Logger,
	})
	if err != nil {
		pickleKey.Close()
		return nil, fmt.Errorf("olmmachine: %w", err)
	}

	m := &Machine{
		userID:        config.UserID,
		deviceID:      config.DeviceID,
		pool:          pool,
		pickleKey:     pickleKey,
		clock:         config.Clock,
		logger:        config.Logger,
		olmSessions:   make(map[id.Curve25519][]olm.Session),
		groupSessions: make(map[groupKey]*groupSession),
	}
	if err := m.load(context.Background()); err != nil {
		m.Close()
		return nil, err
	}
	m.logger.Info("crypto store opened",
		"path", config.Path,
		"curve25519", m.identityKey,
		"ed25519", m.signingKey,
		"olm_peers", len(m.olmSessions),
	)
	return m, nil
}

func (m *Machine) load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, err := m.loadAccount(ctx)
	if err != nil {
		return err
	}
	if row == nil {
		m.account, err = olm.NewAccount()
		if err != nil {
			return fmt.Errorf("olmmachine: creating account: %w", err)
		}
		if err := m.saveAccount(ctx); err != nil {
			return err
		}
		m.logger.Info("created new olm account", "user_id", m.userID, "device_id", m.deviceID)
	} else {
		if row.userID != m.userID.String() || row.deviceID != m.deviceID.String() {
			return fmt.Errorf("olmmachine: crypto store belongs to %s/%s, not %s/%s",
				row.userID, row.deviceID, m.userID, m.deviceID)
		}
		m.account, err = olm.AccountFromPickled([]byte(row.pickle), m.pickleKey.Bytes())
		if err != nil {
			return fmt.Errorf("olmmachine: unpickling account (wrong pickle key?): %w", err)
		}
	}
	m.signingKey, m.identityKey, err = m.account.IdentityKeys()
	if err != nil {
		return fmt.Errorf("olmmachine: reading identity keys: %w", err)
	}

	sessions, err := m.loadOlmSessions(ctx)
	if err != nil {
		return err
	}
	for _, stored := range sessions {
		session, err := olm.SessionFromPickled([]byte(stored.pickle), m.pickleKey.Bytes())
		if err != nil {
			m.logger.Warn("skipping unreadable olm session", "identity_key", stored.identityKey, "error", err)
			continue
		}
		key := id.Curve25519(stored.identityKey)
		m.olmSessions[key] = append(m.olmSessions[key], session)
	}
	return nil
}

// Close closes the database and wipes the pickle key.
func (m *Machine) Close() error {
	err := m.pool.Close()
	m.pickleKey.Close()
	return err
}

// IdentityKey returns this device's curve25519 identity key.
func (m *Machine) IdentityKey() string { return m.identityKey.String() }

// SigningKey returns this device's ed25519 fingerprint key.
func (m *Machine) SigningKey() string { return m.signingKey.String() }

// DeviceKeys implements [e2ee.Backend].
func (m *Machine) DeviceKeys() (messaging.DeviceKeys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	device := m.deviceID.String()
	keys := messaging.DeviceKeys{
		UserID:     m.userID,
		DeviceID:   m.deviceID,
		Algorithms: []string{schema.AlgorithmOlm, schema.AlgorithmMegolm},
		Keys: map[string]string{
			"curve25519:" + device: m.identityKey.String(),
			"ed25519:" + device:    m.signingKey.String(),
		},
	}
	signature, err := m.signJSON(keys)
	if err != nil {
		return messaging.DeviceKeys{}, err
	}
	keys.Signatures = m.signatures(signature)
	return keys, nil
}

// signedKey is a signed_curve25519 one-time key.
type signedKey struct {
	Key        string                       `json:"key"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// GenerateOneTimeKeys implements [e2ee.Backend]. Unpublished keys from
// an earlier batch are returned again; uploading them twice is
// harmless because the signed content is identical.
func (m *Machine) GenerateOneTimeKeys(count int) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count = min(count, int(m.account.MaxNumberOfOneTimeKeys()/2))
	if count > 0 {
		if err := m.account.GenOneTimeKeys(uint(count)); err != nil {
			return nil, fmt.Errorf("olmmachine: generating one-time keys: %w", err)
		}
	}
	unpublished, err := m.account.OneTimeKeys()
	if err != nil {
		return nil, fmt.Errorf("olmmachine: reading one-time keys: %w", err)
	}
	result := make(map[string]json.RawMessage, len(unpublished))
	for keyID, key := range unpublished {
		signed := signedKey{Key: key.String()}
		signature, err := m.signJSON(signed)
		if err != nil {
			return nil, err
		}
		signed.Signatures = m.signatures(signature)
		encoded, err := json.Marshal(signed)
		if err != nil {
			return nil, fmt.Errorf("olmmachine: encoding one-time key: %w", err)
		}
		result[messaging.OneTimeKeyAlgorithm+":"+keyID] = encoded
	}
	if err := m.saveAccount(context.Background()); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkOneTimeKeysPublished implements [e2ee.Backend].
func (m *Machine) MarkOneTimeKeysPublished() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account.MarkKeysAsPublished()
	return m.saveAccount(context.Background())
}

// signJSON signs the canonical JSON encoding of value with the
// device's ed25519 key. Must be called with m.mu held.
func (m *Machine) signJSON(value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("olmmachine: encoding for signature: %w", err)
	}
	canonical, err := canonicaljson.CanonicalJSON(encoded)
	if err != nil {
		return "", fmt.Errorf("olmmachine: canonicalising for signature: %w", err)
	}
	signature, err := m.account.Sign(canonical)
	if err != nil {
		return "", fmt.Errorf("olmmachine: signing: %w", err)
	}
	return string(signature), nil
}

func (m *Machine) signatures(signature string) map[string]map[string]string {
	return map[string]map[string]string{
		m.userID.String(): {
			string(id.NewKeyID(id.KeyAlgorithmEd25519, m.deviceID.String())): signature,
		},
	}
}
