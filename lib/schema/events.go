// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "github.com/bureau-foundation/matrix-ingest/lib/ref"

// Room timeline event types.
const (
	EventTypeMessage    ref.EventType = "m.room.message"
	EventTypeSticker    ref.EventType = "m.sticker"
	EventTypeReaction   ref.EventType = "m.reaction"
	EventTypeRedaction  ref.EventType = "m.room.redaction"
	EventTypeMember     ref.EventType = "m.room.member"
	EventTypeEncrypted  ref.EventType = "m.room.encrypted"
	EventTypeEncryption ref.EventType = "m.room.encryption"
)

// Ephemeral event types, delivered per room outside the timeline.
const (
	EventTypeReceipt ref.EventType = "m.receipt"
	EventTypeTyping  ref.EventType = "m.typing"
)

// To-device event types.
const (
	EventTypeVerificationRequest ref.EventType = "m.key.verification.request"
	EventTypeVerificationReady   ref.EventType = "m.key.verification.ready"
	EventTypeVerificationStart   ref.EventType = "m.key.verification.start"
	EventTypeVerificationAccept  ref.EventType = "m.key.verification.accept"
	EventTypeVerificationKey     ref.EventType = "m.key.verification.key"
	EventTypeVerificationMAC     ref.EventType = "m.key.verification.mac"
	EventTypeVerificationCancel  ref.EventType = "m.key.verification.cancel"
	EventTypeVerificationDone    ref.EventType = "m.key.verification.done"

	EventTypeRoomKey          ref.EventType = "m.room_key"
	EventTypeForwardedRoomKey ref.EventType = "m.forwarded_room_key"
	EventTypeRoomKeyRequest   ref.EventType = "m.room_key_request"
	EventTypeRoomKeyWithheld  ref.EventType = "m.room_key.withheld"
	EventTypeSecretRequest    ref.EventType = "m.secret.request"
)

// Relation types carried in m.relates_to.
const (
	RelationAnnotation = "m.annotation"
	RelationReplace    = "m.replace"
	RelationThread     = "m.thread"
	RelationReference  = "m.reference"
)

// Encryption algorithms.
const (
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
)

// VerificationMethodSAS is the only verification method offered.
const VerificationMethodSAS = "m.sas.v1"

// Receipt types.
const (
	ReceiptRead        = "m.read"
	ReceiptReadPrivate = "m.read.private"
)
