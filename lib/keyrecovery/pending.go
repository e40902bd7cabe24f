// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyrecovery

import (
	"sync"

	"github.com/bureau-foundation/matrix-ingest/messaging"
)

// Result is the outcome of a deferred decryption.
type Result struct {
	// Event is the cleartext event. It keeps the encrypted event's ID,
	// sender, room, and timestamp. Zero when Err is set.
	Event messaging.Event

	// Err is ErrGaveUp when the key request budget ran out, or
	// ErrStopped when the coordinator shut down first.
	Err error
}

// Pending is an encrypted event waiting for its megolm session key.
type Pending struct {
	encrypted messaging.Event
	done      chan Result
	once      sync.Once
}

func newPending(encrypted messaging.Event) *Pending {
	return &Pending{encrypted: encrypted, done: make(chan Result, 1)}
}

// Event returns the encrypted event.
func (p *Pending) Event() messaging.Event { return p.encrypted }

// Done delivers exactly one Result.
func (p *Pending) Done() <-chan Result { return p.done }

// complete delivers result. Later calls are no-ops.
func (p *Pending) complete(result Result) bool {
	completed := false
	p.once.Do(func() {
		p.done <- result
		completed = true
	})
	return completed
}
