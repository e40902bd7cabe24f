// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package canonical translates Matrix events into the storage-stable
// [Event] record shared by the store, the bus publisher, and the
// decryption coordinator.
//
// A [Mapper] is a pure transform apart from best-effort relation
// lookups: it reads the raw event, the conversation's joined members,
// and (when the event relates to another) the target from in-memory
// [History] or the durable [Lookup]. Lookup failures degrade to a bare
// reference and never fail the mapping.
//
// Every Event has one of two identities. Events with a Matrix event ID
// are identified by (source, account, event ID). Receipts and typing
// notifications have no event ID and are identified by (source,
// account, type, room, sender, relation target). [Event.Identity]
// returns the tuple; lib/eventstore hashes it into the storage key.
//
// Encrypted events map to a placeholder: Encrypted is true, Crypto
// carries the megolm session coordinates, and Content.Body is
// [PlaceholderBody]. When the session key arrives the coordinator maps
// the cleartext with [Mapper.MapDecrypted], which produces a record
// with the same identity and Encrypted false.
package canonical
