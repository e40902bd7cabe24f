// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "github.com/bureau-foundation/matrix-ingest/lib/ref"

// Room key request actions.
const (
	KeyRequestActionRequest = "request"
	KeyRequestActionCancel  = "request_cancellation"
)

// RoomKeyRequestContent is the to-device m.room_key_request content.
type RoomKeyRequestContent struct {
	Action             string            `json:"action"`
	Body               *RequestedKeyInfo `json:"body,omitempty"`
	RequestID          string            `json:"request_id"`
	RequestingDeviceID string            `json:"requesting_device_id"`
}

// RequestedKeyInfo identifies the megolm session being asked for.
type RequestedKeyInfo struct {
	Algorithm string     `json:"algorithm"`
	RoomID    ref.RoomID `json:"room_id"`
	SenderKey string     `json:"sender_key,omitempty"`
	SessionID string     `json:"session_id"`
}

// RoomKeyContent is the decrypted payload of m.room_key and
// m.forwarded_room_key. Only the session identity is read; the key
// itself is consumed by the crypto backend.
type RoomKeyContent struct {
	Algorithm  string     `json:"algorithm"`
	RoomID     ref.RoomID `json:"room_id"`
	SessionID  string     `json:"session_id"`
	SessionKey string     `json:"session_key,omitempty"`
	SenderKey  string     `json:"sender_key,omitempty"`
}

// RoomKeyWithheldContent is the to-device m.room_key.withheld content.
type RoomKeyWithheldContent struct {
	Algorithm string     `json:"algorithm"`
	Code      string     `json:"code"`
	Reason    string     `json:"reason,omitempty"`
	RoomID    ref.RoomID `json:"room_id,omitzero"`
	SenderKey string     `json:"sender_key"`
	SessionID string     `json:"session_id,omitempty"`
}

// Withheld codes that mean the key will never arrive.
const (
	WithheldBlacklisted  = "m.blacklisted"
	WithheldUnverified   = "m.unverified"
	WithheldUnauthorised = "m.unauthorised"
	WithheldUnavailable  = "m.unavailable"
	WithheldNoOlm        = "m.no_olm"
)

// SecretRequestContent is the to-device m.secret.request content.
type SecretRequestContent struct {
	Name               string `json:"name,omitempty"`
	Action             string `json:"action"`
	RequestingDeviceID string `json:"requesting_device_id"`
	RequestID          string `json:"request_id"`
}
