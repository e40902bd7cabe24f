// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bureau-foundation/matrix-ingest/lib/secret"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

// ErrNoBackup means the account has no server-side key backup.
var ErrNoBackup = errors.New("e2ee: no key backup on the server")

// passphraseInfo is the part of a backup's auth_data present when the
// backup key was derived from a passphrase.
type passphraseInfo struct {
	Salt       string `json:"private_key_salt"`
	Iterations int    `json:"private_key_iterations"`
}

// RestoreBackup downloads the current key backup and imports every
// session it can decrypt. The recovery secret is either an encoded
// recovery key or, for passphrase-derived backups, the passphrase.
// Sessions that fail to decrypt are logged and skipped.
func (e *Engine) RestoreBackup(ctx context.Context, recoverySecret *secret.Buffer) ([]RoomSession, error) {
	if !e.HasBackend() {
		return nil, ErrNoBackend
	}
	if recoverySecret == nil {
		return nil, fmt.Errorf("e2ee: restoring backup needs a recovery secret")
	}

	version, err := e.session.KeyBackupVersion(ctx)
	if messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
		return nil, ErrNoBackup
	}
	if err != nil {
		return nil, fmt.Errorf("e2ee: %w", err)
	}

	privateKey, err := backupPrivateKey(recoverySecret, version.AuthData)
	if err != nil {
		return nil, err
	}
	defer privateKey.Close()

	keys, err := e.session.KeyBackupKeys(ctx, version.Version)
	if err != nil {
		return nil, fmt.Errorf("e2ee: %w", err)
	}

	var imported []RoomSession
	failed := 0
	for roomID, room := range keys.Rooms {
		for sessionID, data := range room.Sessions {
			key, err := e.backend.DecryptBackupSession(privateKey.Bytes(), *version, data)
			if err == nil {
				if key.RoomID.IsZero() {
					key.RoomID = roomID
				}
				if key.SessionID == "" {
					key.SessionID = sessionID
				}
				err = e.backend.ImportRoomKey(key, true)
			}
			if err != nil {
				failed++
				e.logger.Debug("backup session not restored",
					"room_id", roomID,
					"session_id", sessionID,
					"error", err,
				)
				continue
			}
			imported = append(imported, RoomSession{RoomID: roomID, SessionID: sessionID})
		}
	}
	e.logger.Info("key backup restored",
		"version", version.Version,
		"imported", len(imported),
		"failed", failed,
	)
	return imported, nil
}

// backupPrivateKey turns the configured secret into the backup's
// private key: a recovery key is decoded directly; anything else is
// treated as a passphrase when the backup says it was derived from one.
func backupPrivateKey(recoverySecret *secret.Buffer, authData json.RawMessage) (*secret.Buffer, error) {
	key, err := ParseRecoveryKey(recoverySecret.String())
	if err == nil {
		return key, nil
	}

	var info passphraseInfo
	if len(authData) > 0 {
		if jsonErr := json.Unmarshal(authData, &info); jsonErr != nil {
			return nil, fmt.Errorf("e2ee: parsing backup auth_data: %w", jsonErr)
		}
	}
	if info.Salt == "" || info.Iterations <= 0 {
		return nil, fmt.Errorf("e2ee: recovery secret is not a recovery key (%v) and the backup has no passphrase parameters", err)
	}
	return KeyFromPassphrase(recoverySecret.Bytes(), info.Salt, info.Iterations)
}
