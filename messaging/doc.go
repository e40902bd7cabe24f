// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the parts of the Matrix client-server API
// that matrix-ingest needs.
//
// [Client] holds the homeserver URL and HTTP transport. A
// [DirectSession] adds an access token (held in a secret.Buffer) and
// the account's device ID, and implements [Session]: long-poll /sync,
// /messages pagination for backfill, joined rooms and members for
// recipient inference, and the end-to-end encryption endpoints
// (/sendToDevice, /keys/query, /keys/claim, /keys/upload, and the
// /room_keys backup API).
//
// Errors from the homeserver are returned as [*MatrixError] carrying
// the Matrix errcode and HTTP status. [IsPermanent] separates
// credential failures, which stop the sync loop, from everything else,
// which is retried with backoff.
//
// Event content is kept as json.RawMessage on [Event] and decoded into
// lib/schema structs by the consumer.
package messaging
