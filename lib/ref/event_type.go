// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType identifies a Matrix event type ("m.room.message",
// "m.key.verification.start", ...). It is a named string rather than a
// struct: event types are opaque and need no validation. The type
// exists so an event type cannot be passed where a state key or room
// ID is expected. Constants live in lib/schema.
type EventType string

// String returns the event type string.
func (t EventType) String() string { return string(t) }
