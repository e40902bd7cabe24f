// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package e2ee is the single adapter between the ingestion service and
// end-to-end encryption.
//
// [Capabilities] is the narrow surface the rest of the service uses:
// ensure Olm sessions with peers, request and cancel megolm room keys,
// top up one-time keys, restore the server-side key backup, decrypt
// room events, and unwrap to-device traffic. [Engine] implements it
// once against the Matrix key endpoints in package messaging and a
// [Backend] that owns the Olm/Megolm primitives. Nothing outside this
// package touches a Backend.
//
// Key requests and cancellations are plaintext to-device messages and
// work without a backend. Everything that needs key material fails
// with [ErrNoBackend] when the engine runs on [Unavailable]; the
// service then still ingests encrypted events as placeholders.
//
// Recovery keys use the Matrix encoding: base58 over a 0x8B 0x01
// prefix, the 32-byte key, and an XOR parity byte ([ParseRecoveryKey]).
// Legacy backups created from a passphrase carry a PBKDF2-SHA512 salt
// and iteration count in their auth data ([KeyFromPassphrase]).
package e2ee
