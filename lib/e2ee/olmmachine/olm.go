// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olmmachine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"

	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

var errNoMatchingSession = errors.New("olmmachine: no olm session decrypts the message")

// HasOlmSession implements [e2ee.Backend].
func (m *Machine) HasOlmSession(identityKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.olmSessions[id.Curve25519(identityKey)]) > 0, nil
}

// CreateOlmSession implements [e2ee.Backend]. The claimed one-time
// key must carry a valid signature by the device's ed25519 key.
func (m *Machine) CreateOlmSession(user ref.UserID, device messaging.DeviceKeys, oneTimeKey json.RawMessage) error {
	deviceID := device.DeviceID.String()
	signingKey := device.Keys["ed25519:"+deviceID]
	identityKey := device.Keys["curve25519:"+deviceID]
	if signingKey == "" || identityKey == "" {
		return fmt.Errorf("olmmachine: %s/%s publishes no identity keys", user, deviceID)
	}

	var claimed signedKey
	if err := json.Unmarshal(oneTimeKey, &claimed); err != nil {
		return fmt.Errorf("olmmachine: decoding one-time key: %w", err)
	}
	valid, err := signatures.VerifySignatureJSON(oneTimeKey, id.UserID(user.String()), deviceID, id.Ed25519(signingKey))
	if err != nil {
		return fmt.Errorf("olmmachine: verifying one-time key of %s/%s: %w", user, deviceID, err)
	}
	if !valid {
		return fmt.Errorf("olmmachine: one-time key of %s/%s has a bad signature", user, deviceID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	session, err := m.account.NewOutboundSession(id.Curve25519(identityKey), id.Curve25519(claimed.Key))
	if err != nil {
		return fmt.Errorf("olmmachine: creating olm session with %s/%s: %w", user, deviceID, err)
	}
	if err := m.storeOlmSession(id.Curve25519(identityKey), session); err != nil {
		return err
	}
	m.logger.Debug("created outbound olm session",
		"user_id", user,
		"device_id", deviceID,
		"session_id", session.ID(),
	)
	return nil
}

// olmCiphertext is one recipient's entry in an Olm ciphertext map.
type olmCiphertext struct {
	Type id.OlmMsgType `json:"type"`
	Body string        `json:"body"`
}

// olmPayload is the decrypted body of an Olm message.
type olmPayload struct {
	Type          ref.EventType   `json:"type"`
	Content       json.RawMessage `json:"content"`
	Sender        string          `json:"sender"`
	Recipient     string          `json:"recipient"`
	RecipientKeys struct {
		Ed25519 string `json:"ed25519"`
	} `json:"recipient_keys"`
}

// DecryptOlm implements [e2ee.Backend]. The payload must name the
// outer sender, this user as recipient, and this device's signing key.
func (m *Machine) DecryptOlm(sender ref.UserID, content schema.EncryptedContent) (messaging.Event, error) {
	if content.SenderKey == "" {
		return messaging.Event{}, fmt.Errorf("olmmachine: olm message from %s has no sender_key", sender)
	}
	var ciphertexts map[string]olmCiphertext
	if err := json.Unmarshal(content.Ciphertext, &ciphertexts); err != nil {
		return messaging.Event{}, fmt.Errorf("olmmachine: decoding olm ciphertext: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := ciphertexts[m.identityKey.String()]
	if !ok {
		return messaging.Event{}, fmt.Errorf("olmmachine: olm message from %s is not encrypted for this device", sender)
	}
	plaintext, err := m.decryptOlmLocked(id.Curve25519(content.SenderKey), message)
	if err != nil {
		return messaging.Event{}, err
	}

	var payload olmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return messaging.Event{}, fmt.Errorf("olmmachine: decoding olm payload: %w", err)
	}
	switch {
	case payload.Sender != sender.String():
		return messaging.Event{}, fmt.Errorf("olmmachine: olm payload claims sender %q, event came from %s", payload.Sender, sender)
	case payload.Recipient != m.userID.String():
		return messaging.Event{}, fmt.Errorf("olmmachine: olm payload addressed to %q", payload.Recipient)
	case payload.RecipientKeys.Ed25519 != m.signingKey.String():
		return messaging.Event{}, fmt.Errorf("olmmachine: olm payload addressed to another device key")
	}
	return messaging.Event{Type: payload.Type, Sender: sender, Content: payload.Content}, nil
}

// decryptOlmLocked tries every known session with the sender, then,
// for a pre-key message, creates a new inbound session from it.
func (m *Machine) decryptOlmLocked(senderKey id.Curve25519, message olmCiphertext) ([]byte, error) {
	preKey := message.Type == id.OlmMsgTypePreKey
	for _, session := range m.olmSessions[senderKey] {
		if preKey {
			matches, err := session.MatchesInboundSessionFrom(senderKey.String(), message.Body)
			if err != nil || !matches {
				continue
			}
		}
		plaintext, err := session.Decrypt(message.Body, message.Type)
		if err != nil {
			if preKey {
				return nil, fmt.Errorf("olmmachine: decrypting with matching session %s: %w", session.ID(), err)
			}
			continue
		}
		if err := m.storeOlmSession(senderKey, session); err != nil {
			return nil, err
		}
		return plaintext, nil
	}
	if !preKey {
		return nil, errNoMatchingSession
	}

	session, err := m.account.NewInboundSessionFrom(&senderKey, message.Body)
	if err != nil {
		return nil, fmt.Errorf("olmmachine: creating inbound olm session: %w", err)
	}
	if err := m.account.RemoveOneTimeKeys(session); err != nil {
		return nil, fmt.Errorf("olmmachine: consuming one-time key: %w", err)
	}
	plaintext, err := session.Decrypt(message.Body, message.Type)
	if err != nil {
		return nil, fmt.Errorf("olmmachine: decrypting pre-key message: %w", err)
	}
	if err := m.saveAccount(context.Background()); err != nil {
		return nil, err
	}
	if err := m.storeOlmSession(senderKey, session); err != nil {
		return nil, err
	}
	m.logger.Debug("created inbound olm session", "sender_key", senderKey, "session_id", session.ID())
	return plaintext, nil
}

// storeOlmSession persists session and moves it to the front of the
// sender's list. Must be called with m.mu held.
func (m *Machine) storeOlmSession(identityKey id.Curve25519, session olm.Session) error {
	pickle, err := session.Pickle(m.pickleKey.Bytes())
	if err != nil {
		return fmt.Errorf("olmmachine: pickling olm session: %w", err)
	}
	if err := m.saveOlmSession(context.Background(), identityKey.String(), string(session.ID()), pickle); err != nil {
		return err
	}
	sessions := []olm.Session{session}
	for _, existing := range m.olmSessions[identityKey] {
		if existing.ID() != session.ID() {
			sessions = append(sessions, existing)
		}
	}
	m.olmSessions[identityKey] = sessions
	return nil
}
