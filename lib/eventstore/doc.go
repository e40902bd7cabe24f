// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventstore persists canonical events idempotently.
//
// Every record is stored under its identity key ([IdentityKey]), a
// BLAKE3 keyed hash of the event's uniqueness tuple. Writing the same
// logical event twice updates one row: mutable fields are replaced,
// ingested_at_ms is set only on insert, and updated_at_ms moves with
// the store's clock. A placeholder for an event that is already stored
// decrypted is ignored, so a late replay of the ciphertext cannot hide
// cleartext that was recovered earlier.
//
// The events table carries the indexes downstream readers need: a
// partial unique index on (source, account_id, event_id), the room
// timeline (account_id, room_id, timestamp_ms), relation targets
// (relates_event_id), and type scans (type, timestamp_ms). Backfill
// checkpoints live in a second table keyed by (account_id, room_id).
//
// [SQLiteStore] is the default implementation over lib/sqlitepool.
// Package pgstore provides the same contract on PostgreSQL.
package eventstore
