// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olmmachine

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/crypto/backup"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/bureau-foundation/matrix-ingest/lib/e2ee"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

// BackupAlgorithm is the only server-side backup algorithm supported.
const BackupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

// megolmPayload is the decrypted body of a room event.
type megolmPayload struct {
	Type    ref.EventType   `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  string          `json:"room_id"`
}

// DecryptMegolm implements [e2ee.Backend].
func (m *Machine) DecryptMegolm(roomID ref.RoomID, content schema.EncryptedContent) (messaging.Event, error) {
	var ciphertext string
	if err := json.Unmarshal(content.Ciphertext, &ciphertext); err != nil {
		return messaging.Event{}, fmt.Errorf("olmmachine: megolm ciphertext is not a string: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	group, err := m.groupSessionLocked(roomID.String(), id.SessionID(content.SessionID))
	if err != nil {
		return messaging.Event{}, err
	}
	if group == nil {
		return messaging.Event{}, fmt.Errorf("%w: %s in %s", e2ee.ErrUnknownSession, content.SessionID, roomID)
	}
	if content.SenderKey != "" && group.senderKey != "" && content.SenderKey != group.senderKey {
		return messaging.Event{}, fmt.Errorf("olmmachine: session %s belongs to sender key %s, event claims %s",
			content.SessionID, group.senderKey, content.SenderKey)
	}

	plaintext, _, err := group.session.Decrypt([]byte(ciphertext))
	if err != nil {
		return messaging.Event{}, fmt.Errorf("olmmachine: decrypting with session %s: %w", content.SessionID, err)
	}
	var payload megolmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return messaging.Event{}, fmt.Errorf("olmmachine: decoding megolm payload: %w", err)
	}
	if payload.RoomID != "" && payload.RoomID != roomID.String() {
		return messaging.Event{}, fmt.Errorf("olmmachine: payload of session %s names room %s, event is in %s",
			content.SessionID, payload.RoomID, roomID)
	}
	return messaging.Event{Type: payload.Type, RoomID: roomID, Content: payload.Content}, nil
}

// groupSessionLocked returns the cached or stored session, or nil when
// none is known. Must be called with m.mu held.
func (m *Machine) groupSessionLocked(roomID string, sessionID id.SessionID) (*groupSession, error) {
	key := groupKey{roomID: roomID, sessionID: sessionID}
	if cached, ok := m.groupSessions[key]; ok {
		return cached, nil
	}
	row, err := m.loadMegolmSession(context.Background(), roomID, string(sessionID))
	if err != nil || row == nil {
		return nil, err
	}
	session, err := olm.InboundGroupSessionFromPickled([]byte(row.pickle), m.pickleKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("olmmachine: unpickling megolm session %s: %w", sessionID, err)
	}
	group := &groupSession{session: session, senderKey: row.senderKey, forwarded: row.forwarded}
	m.groupSessions[key] = group
	return group, nil
}

// ImportRoomKey implements [e2ee.Backend]. A key that starts later in
// the ratchet than the one already held is ignored, so a forwarded or
// backed-up copy never narrows what can be decrypted.
func (m *Machine) ImportRoomKey(key schema.RoomKeyContent, forwarded bool) error {
	if key.Algorithm != schema.AlgorithmMegolm {
		return fmt.Errorf("olmmachine: unsupported room key algorithm %q", key.Algorithm)
	}
	if key.RoomID.IsZero() || key.SessionID == "" || key.SessionKey == "" {
		return fmt.Errorf("olmmachine: room key is missing room, session, or key")
	}

	var (
		session olm.InboundGroupSession
		err     error
	)
	if forwarded {
		session, err = olm.InboundGroupSessionImport([]byte(key.SessionKey))
	} else {
		session, err = olm.NewInboundGroupSession([]byte(key.SessionKey))
	}
	if err != nil {
		return fmt.Errorf("olmmachine: reading session key for %s: %w", key.SessionID, err)
	}
	if session.ID() != id.SessionID(key.SessionID) {
		return fmt.Errorf("olmmachine: session key is for %s, not %s", session.ID(), key.SessionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	existing, err := m.groupSessionLocked(key.RoomID.String(), session.ID())
	if err != nil {
		return err
	}
	if existing != nil && existing.session.FirstKnownIndex() <= session.FirstKnownIndex() {
		m.logger.Debug("room key already held from an earlier index",
			"room_id", key.RoomID,
			"session_id", key.SessionID,
			"held_index", existing.session.FirstKnownIndex(),
			"offered_index", session.FirstKnownIndex(),
		)
		return nil
	}

	pickle, err := session.Pickle(m.pickleKey.Bytes())
	if err != nil {
		return fmt.Errorf("olmmachine: pickling megolm session: %w", err)
	}
	if err := m.saveMegolmSession(context.Background(), key.RoomID.String(), key.SessionID,
		key.SenderKey, pickle, session.FirstKnownIndex(), forwarded); err != nil {
		return err
	}
	m.groupSessions[groupKey{roomID: key.RoomID.String(), sessionID: session.ID()}] = &groupSession{
		session:   session,
		senderKey: key.SenderKey,
		forwarded: forwarded,
	}
	return nil
}

// DecryptBackupSession implements [e2ee.Backend]. The private key must
// match the public key the backup advertises in its auth_data.
func (m *Machine) DecryptBackupSession(privateKey []byte, version messaging.KeyBackupVersion, data messaging.KeyBackupData) (schema.RoomKeyContent, error) {
	if version.Algorithm != BackupAlgorithm {
		return schema.RoomKeyContent{}, fmt.Errorf("olmmachine: unsupported backup algorithm %q", version.Algorithm)
	}
	backupKey, err := backup.MegolmBackupKeyFromBytes(privateKey)
	if err != nil {
		return schema.RoomKeyContent{}, fmt.Errorf("olmmachine: backup key: %w", err)
	}
	var authData backup.MegolmAuthData
	if err := json.Unmarshal(version.AuthData, &authData); err != nil {
		return schema.RoomKeyContent{}, fmt.Errorf("olmmachine: decoding backup auth_data: %w", err)
	}
	derived := base64.RawStdEncoding.EncodeToString(backupKey.PublicKey().Bytes())
	if subtle.ConstantTimeCompare([]byte(derived), []byte(authData.PublicKey.String())) != 1 {
		return schema.RoomKeyContent{}, fmt.Errorf("olmmachine: recovery secret does not match backup version %s", version.Version)
	}

	var encrypted backup.EncryptedSessionData[backup.MegolmSessionData]
	if err := json.Unmarshal(data.SessionData, &encrypted); err != nil {
		return schema.RoomKeyContent{}, fmt.Errorf("olmmachine: decoding backup session: %w", err)
	}
	session, err := encrypted.Decrypt(backupKey)
	if err != nil {
		return schema.RoomKeyContent{}, fmt.Errorf("olmmachine: decrypting backup session: %w", err)
	}
	return schema.RoomKeyContent{
		Algorithm:  string(session.Algorithm),
		SessionKey: session.SessionKey,
		SenderKey:  string(session.SenderKey),
	}, nil
}
