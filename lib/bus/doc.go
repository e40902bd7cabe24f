// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus forwards canonical events to downstream consumers.
//
// A [Publisher] flattens each event into the legacy [Envelope], routes
// it by subject "<prefix>.<type>", and hands it to a [Transport].
// Reactions are published by default; receipts are withheld unless
// enabled; placeholders for undecrypted messages are never published
// (the decrypted record is, once it exists).
//
// Two transports are provided. [WebSocketTransport] writes one JSON
// text frame per event to a websocket endpoint. [SocketTransport]
// writes self-delimiting CBOR frames to a Unix socket, compressing
// bodies above a size threshold with zstd or LZ4.
package bus
