// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

// ToDeviceResult is what a to-device message turned out to carry.
type ToDeviceResult struct {
	// Event is the cleartext message: the input itself when it was not
	// encrypted, otherwise the Olm payload with the outer sender.
	Event messaging.Event

	// Imported lists megolm sessions whose keys arrived.
	Imported []RoomSession

	// Withheld is set for m.room_key.withheld.
	Withheld *schema.RoomKeyWithheldContent
}

// HandleToDevice unwraps an Olm-encrypted to-device message and imports
// any room key it carries. Messages the engine has no interest in are
// returned unchanged for the caller to route.
func (e *Engine) HandleToDevice(ctx context.Context, event messaging.Event) (ToDeviceResult, error) {
	cleartext := event
	var senderKey string
	if event.Type == schema.EventTypeEncrypted {
		var content schema.EncryptedContent
		if err := event.DecodeContent(&content); err != nil {
			return ToDeviceResult{}, fmt.Errorf("e2ee: %w", err)
		}
		if content.Algorithm != schema.AlgorithmOlm {
			return ToDeviceResult{}, fmt.Errorf("e2ee: unsupported to-device algorithm %q", content.Algorithm)
		}
		inner, err := e.backend.DecryptOlm(event.Sender, content)
		if err != nil {
			return ToDeviceResult{}, fmt.Errorf("e2ee: decrypting to-device from %s: %w", event.Sender, err)
		}
		inner.Sender = event.Sender
		cleartext = inner
		senderKey = content.SenderKey
	}

	result := ToDeviceResult{Event: cleartext}
	switch cleartext.Type {
	case schema.EventTypeRoomKey, schema.EventTypeForwardedRoomKey:
		if event.Type != schema.EventTypeEncrypted {
			// Room keys are only trusted over Olm.
			e.logger.Warn("ignoring unencrypted room key", "sender", event.Sender)
			return result, nil
		}
		var key schema.RoomKeyContent
		if err := cleartext.DecodeContent(&key); err != nil {
			return result, fmt.Errorf("e2ee: %w", err)
		}
		if key.RoomID.IsZero() || key.SessionID == "" {
			return result, fmt.Errorf("e2ee: %s from %s has no room or session", cleartext.Type, event.Sender)
		}
		forwarded := cleartext.Type == schema.EventTypeForwardedRoomKey
		if !forwarded && key.SenderKey == "" {
			// m.room_key comes from the session's creator.
			key.SenderKey = senderKey
		}
		if err := e.backend.ImportRoomKey(key, forwarded); err != nil {
			return result, fmt.Errorf("e2ee: importing %s/%s: %w", key.RoomID, key.SessionID, err)
		}
		result.Imported = []RoomSession{{RoomID: key.RoomID, SessionID: key.SessionID}}

	case schema.EventTypeRoomKeyWithheld:
		var withheld schema.RoomKeyWithheldContent
		if err := cleartext.DecodeContent(&withheld); err != nil {
			return result, fmt.Errorf("e2ee: %w", err)
		}
		result.Withheld = &withheld
	}
	return result, nil
}
