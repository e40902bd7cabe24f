// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/lib/secret"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

// Capabilities is everything the service needs from end-to-end
// encryption.
type Capabilities interface {
	EnsureSessions(ctx context.Context, users []ref.UserID) error
	RequestRoomKey(ctx context.Context, request KeyRequest) (string, error)
	CancelRoomKeyRequest(ctx context.Context, requestID string) error
	UploadOneTimeKeys(ctx context.Context, count int) error
	RestoreBackup(ctx context.Context, recoverySecret *secret.Buffer) ([]RoomSession, error)
	Decrypt(ctx context.Context, event messaging.Event) (messaging.Event, error)
	HandleToDevice(ctx context.Context, event messaging.Event) (ToDeviceResult, error)
}

// KeyRequest names the megolm session an undecryptable event needs.
type KeyRequest struct {
	RoomID    ref.RoomID
	SessionID string
	SenderKey string
	Algorithm string

	// Sender is the user who sent the encrypted event. Their devices
	// are asked in addition to our own.
	Sender ref.UserID
}

// RoomSession identifies one megolm session.
type RoomSession struct {
	RoomID    ref.RoomID
	SessionID string
}

// EngineConfig holds an Engine's collaborators.
type EngineConfig struct {
	Session messaging.Session

	// Backend defaults to Unavailable.
	Backend Backend

	Logger *slog.Logger
}

// Engine implements Capabilities.
type Engine struct {
	session messaging.Session
	backend Backend
	logger  *slog.Logger

	deviceKeysUploaded atomic.Bool

	// Request ID → event sender, for routing cancellations.
	outstanding sync.Map
}

var _ Capabilities = (*Engine)(nil)

// NewEngine creates an Engine.
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("e2ee: Session is required")
	}
	if config.Backend == nil {
		config.Backend = Unavailable{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Engine{
		session: config.Session,
		backend: config.Backend,
		logger:  config.Logger,
	}, nil
}

// HasBackend reports whether a real crypto backend is configured.
func (e *Engine) HasBackend() bool {
	_, unavailable := e.backend.(Unavailable)
	return !unavailable
}

// Decrypt decrypts a megolm room event. The returned event keeps the
// encrypted event's ID, sender, room, and timestamp.
func (e *Engine) Decrypt(ctx context.Context, event messaging.Event) (messaging.Event, error) {
	if event.Type != schema.EventTypeEncrypted {
		return event, nil
	}
	var content schema.EncryptedContent
	if err := event.DecodeContent(&content); err != nil {
		return messaging.Event{}, fmt.Errorf("e2ee: %w", err)
	}
	if content.Algorithm != schema.AlgorithmMegolm {
		return messaging.Event{}, fmt.Errorf("e2ee: unsupported room algorithm %q", content.Algorithm)
	}
	cleartext, err := e.backend.DecryptMegolm(event.RoomID, content)
	if err != nil {
		return messaging.Event{}, fmt.Errorf("e2ee: decrypting %s: %w", event.EventID, err)
	}
	cleartext.EventID = event.EventID
	cleartext.Sender = event.Sender
	cleartext.RoomID = event.RoomID
	cleartext.OriginServerTS = event.OriginServerTS
	return cleartext, nil
}

// EnsureSessions makes sure an Olm session exists with every device of
// the given users, claiming one-time keys for devices that have none.
// Our own device is skipped.
func (e *Engine) EnsureSessions(ctx context.Context, users []ref.UserID) error {
	if len(users) == 0 {
		return nil
	}
	if !e.HasBackend() {
		return ErrNoBackend
	}
	query, err := e.session.QueryKeys(ctx, users)
	if err != nil {
		return fmt.Errorf("e2ee: %w", err)
	}

	missing := make(map[ref.UserID][]ref.DeviceID)
	known := make(map[ref.UserID]map[string]messaging.DeviceKeys)
	for user, devices := range query.DeviceKeys {
		for deviceID, keys := range devices {
			if user == e.session.UserID() && deviceID == e.session.DeviceID().String() {
				continue
			}
			identityKey := keys.Keys["curve25519:"+deviceID]
			if identityKey == "" {
				continue
			}
			exists, err := e.backend.HasOlmSession(identityKey)
			if err != nil {
				return fmt.Errorf("e2ee: checking olm session with %s/%s: %w", user, deviceID, err)
			}
			if exists {
				continue
			}
			parsed, err := ref.ParseDeviceID(deviceID)
			if err != nil {
				continue
			}
			missing[user] = append(missing[user], parsed)
			if known[user] == nil {
				known[user] = make(map[string]messaging.DeviceKeys)
			}
			known[user][deviceID] = keys
		}
	}
	if len(missing) == 0 {
		return nil
	}

	claimed, err := e.session.ClaimKeys(ctx, missing)
	if err != nil {
		return fmt.Errorf("e2ee: %w", err)
	}
	var errs []error
	created := 0
	for user, devices := range claimed.OneTimeKeys {
		for deviceID, keys := range devices {
			device, ok := known[user][deviceID]
			if !ok {
				continue
			}
			for _, oneTimeKey := range keys {
				if err := e.backend.CreateOlmSession(user, device, oneTimeKey); err != nil {
					errs = append(errs, fmt.Errorf("%s/%s: %w", user, deviceID, err))
				} else {
					created++
				}
				break
			}
		}
	}
	e.logger.Debug("olm sessions ensured",
		"users", len(users),
		"missing", len(missing),
		"created", created,
	)
	if len(errs) > 0 {
		return fmt.Errorf("e2ee: creating olm sessions: %w", errors.Join(errs...))
	}
	return nil
}

// UploadOneTimeKeys generates and publishes count one-time keys. The
// first successful upload also publishes the device keys.
func (e *Engine) UploadOneTimeKeys(ctx context.Context, count int) error {
	if count <= 0 {
		return nil
	}
	oneTimeKeys, err := e.backend.GenerateOneTimeKeys(count)
	if err != nil {
		return fmt.Errorf("e2ee: generating one-time keys: %w", err)
	}
	request := messaging.KeysUploadRequest{OneTimeKeys: oneTimeKeys}
	if !e.deviceKeysUploaded.Load() {
		deviceKeys, err := e.backend.DeviceKeys()
		if err != nil {
			return fmt.Errorf("e2ee: reading device keys: %w", err)
		}
		request.DeviceKeys = &deviceKeys
	}

	response, err := e.session.UploadKeys(ctx, request)
	if err != nil {
		return fmt.Errorf("e2ee: %w", err)
	}
	e.deviceKeysUploaded.Store(true)
	if err := e.backend.MarkOneTimeKeysPublished(); err != nil {
		return fmt.Errorf("e2ee: marking one-time keys published: %w", err)
	}
	e.logger.Info("one-time keys uploaded",
		"uploaded", len(oneTimeKeys),
		"server_count", response.OneTimeKeyCounts[messaging.OneTimeKeyAlgorithm],
	)
	return nil
}
