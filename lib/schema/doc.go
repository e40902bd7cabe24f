// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the Matrix event types matrix-ingest consumes
// and emits, and Go structs for their JSON content.
//
// Room events ([EventTypeMessage], [EventTypeReaction],
// [EventTypeRedaction], [EventTypeMember], [EventTypeEncrypted]) arrive
// in /sync timelines and /messages pages. Ephemeral events
// ([EventTypeReceipt], [EventTypeTyping]) arrive per room in /sync.
// To-device events carry the SAS verification handshake
// ([EventTypeVerificationRequest] through [EventTypeVerificationDone]),
// room key exchange ([EventTypeRoomKey], [EventTypeForwardedRoomKey],
// [EventTypeRoomKeyRequest]), and withheld-key notices
// ([EventTypeRoomKeyWithheld]).
//
// Content structs decode only the fields the ingester reads. Unknown
// fields are ignored so newer homeservers and clients never break
// decoding.
package schema
