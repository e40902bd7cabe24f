// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest is the account ingestion service: it runs the /sync
// loop and dispatches what arrives.
//
// Live timeline events are mapped to canonical records, upserted, and
// published. Encrypted events are written as placeholders first and
// handed to the decryption coordinator; when the cleartext arrives the
// same record is rewritten and published. Receipts and typing come from
// the ephemeral section. To-device traffic feeds the crypto engine
// (room keys, withheld notices) and the verification manager.
//
// The first sync only seeds the room directory and the in-memory
// history. Its events are historical: backfill stores them, and the
// live path never publishes them. Once that sync is processed the loop
// reports [StatePrepared] and the background workers start: session
// maintenance, decryption rescans, backfill, and verification.
package ingest
