// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the shared CBOR configuration.
//
// JSON is used at the Matrix boundary and on the websocket bus. CBOR
// is used on the Unix socket bus, where frames carry canonical event
// envelopes between processes on one host. Encoding is Core
// Deterministic (RFC 8949 §4.2), so the same envelope always yields
// the same bytes. Types implementing encoding.TextMarshaler encode as
// CBOR text strings.
package codec
