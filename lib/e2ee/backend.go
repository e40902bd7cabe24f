// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"encoding/json"
	"errors"

	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

var (
	// ErrNoBackend is returned by every operation that needs key
	// material when no crypto backend is configured.
	ErrNoBackend = errors.New("e2ee: no crypto backend configured")

	// ErrUnknownSession means the megolm session key for an event has
	// not been received. Backends wrap it so callers can tell a missing
	// key from corrupt ciphertext.
	ErrUnknownSession = errors.New("e2ee: megolm session not known")
)

// Backend owns the account's Olm and Megolm state. Implementations
// must be safe for concurrent use.
type Backend interface {
	// DeviceKeys returns the signed identity keys of this device.
	DeviceKeys() (messaging.DeviceKeys, error)

	// GenerateOneTimeKeys creates count signed one-time keys, keyed
	// "signed_curve25519:<id>".
	GenerateOneTimeKeys(count int) (map[string]json.RawMessage, error)

	// MarkOneTimeKeysPublished records that the last generated batch
	// reached the homeserver.
	MarkOneTimeKeysPublished() error

	// HasOlmSession reports whether an Olm session exists with the
	// device owning the curve25519 identity key.
	HasOlmSession(identityKey string) (bool, error)

	// CreateOlmSession creates an outbound Olm session from a claimed
	// one-time key.
	CreateOlmSession(user ref.UserID, device messaging.DeviceKeys, oneTimeKey json.RawMessage) error

	// DecryptOlm decrypts an Olm-encrypted to-device message. The
	// result carries the inner type and content.
	DecryptOlm(sender ref.UserID, content schema.EncryptedContent) (messaging.Event, error)

	// DecryptMegolm decrypts a room event. A missing session key is
	// reported by wrapping ErrUnknownSession.
	DecryptMegolm(roomID ref.RoomID, content schema.EncryptedContent) (messaging.Event, error)

	// ImportRoomKey stores a megolm session key received by to-device
	// message or restored from backup.
	ImportRoomKey(key schema.RoomKeyContent, forwarded bool) error

	// DecryptBackupSession decrypts one session from the server-side
	// key backup using the backup's private key.
	DecryptBackupSession(privateKey []byte, backup messaging.KeyBackupVersion, data messaging.KeyBackupData) (schema.RoomKeyContent, error)
}

// Unavailable is the Backend used when the service runs without
// encryption support. Every method returns ErrNoBackend.
type Unavailable struct{}

var _ Backend = Unavailable{}

func (Unavailable) DeviceKeys() (messaging.DeviceKeys, error) {
	return messaging.DeviceKeys{}, ErrNoBackend
}

func (Unavailable) GenerateOneTimeKeys(int) (map[string]json.RawMessage, error) {
	return nil, ErrNoBackend
}

func (Unavailable) MarkOneTimeKeysPublished() error { return ErrNoBackend }

func (Unavailable) HasOlmSession(string) (bool, error) { return false, ErrNoBackend }

func (Unavailable) CreateOlmSession(ref.UserID, messaging.DeviceKeys, json.RawMessage) error {
	return ErrNoBackend
}

func (Unavailable) DecryptOlm(ref.UserID, schema.EncryptedContent) (messaging.Event, error) {
	return messaging.Event{}, ErrNoBackend
}

func (Unavailable) DecryptMegolm(ref.RoomID, schema.EncryptedContent) (messaging.Event, error) {
	return messaging.Event{}, ErrNoBackend
}

func (Unavailable) ImportRoomKey(schema.RoomKeyContent, bool) error { return ErrNoBackend }

func (Unavailable) DecryptBackupSession([]byte, messaging.KeyBackupVersion, messaging.KeyBackupData) (schema.RoomKeyContent, error) {
	return schema.RoomKeyContent{}, ErrNoBackend
}
