// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable Matrix identifiers:
// user IDs, room IDs, event IDs, device IDs, and event types.
//
// Identifiers arrive from the homeserver as strings and are parsed into
// these types at the boundary (JSON decoding via encoding.TextUnmarshaler,
// or the Parse* constructors). Once parsed, a value is immutable and its
// canonical form is the original Matrix string. The zero value of every
// struct type means "unset"; use IsZero to check.
//
// Canonical events use these types for room, sender, and event identity,
// so a value that reaches the document store has already been validated
// structurally.
package ref
