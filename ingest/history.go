// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"sync"

	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

// DefaultHistorySize is the per-room event capacity.
const DefaultHistorySize = 200

// historyEntry is one retained event.
type historyEntry struct {
	event messaging.Event

	// historical marks events from the first sync, which are stored by
	// backfill and never published by the live path.
	historical bool
}

// roomRing is a fixed-size circular buffer of one room's events. New
// events overwrite the oldest when it is full.
type roomRing struct {
	entries []historyEntry
	// writePosition is the next slot to write (0 to capacity-1).
	writePosition int
	// stored is min(total written, capacity).
	stored int
}

func (ring *roomRing) add(entry historyEntry) {
	ring.entries[ring.writePosition] = entry
	ring.writePosition = (ring.writePosition + 1) % len(ring.entries)
	if ring.stored < len(ring.entries) {
		ring.stored++
	}
}

// each visits retained entries oldest first until visit returns false.
func (ring *roomRing) each(visit func(*historyEntry) bool) {
	start := ring.writePosition - ring.stored
	if start < 0 {
		start += len(ring.entries)
	}
	for offset := range ring.stored {
		if !visit(&ring.entries[(start+offset)%len(ring.entries)]) {
			return
		}
	}
}

// History retains the most recent timeline events of every room. It
// answers the mapper's relation lookups and supplies the decryption
// coordinator's rescans. Safe for concurrent use.
type History struct {
	capacity int

	mu    sync.Mutex
	rooms map[ref.RoomID]*roomRing
}

// NewHistory creates a History keeping capacity events per room.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{capacity: capacity, rooms: make(map[ref.RoomID]*roomRing)}
}

// Add appends an event to its room's ring.
func (h *History) Add(roomID ref.RoomID, event messaging.Event, historical bool) {
	if event.RoomID.IsZero() {
		event.RoomID = roomID
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ring, ok := h.rooms[roomID]
	if !ok {
		ring = &roomRing{entries: make([]historyEntry, h.capacity)}
		h.rooms[roomID] = ring
	}
	ring.add(historyEntry{event: event, historical: historical})
}

// Find implements canonical.History.
func (h *History) Find(roomID ref.RoomID, eventID ref.EventID) (messaging.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := h.findLocked(roomID, eventID)
	if entry == nil {
		return messaging.Event{}, false
	}
	return entry.event, true
}

// Historical reports whether a retained event came from the first
// sync. Unknown events report true, so callers never publish what they
// cannot place.
func (h *History) Historical(roomID ref.RoomID, eventID ref.EventID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := h.findLocked(roomID, eventID)
	return entry == nil || entry.historical
}

// Replace swaps a retained encrypted event for its cleartext, keeping
// its position. Returns false if the event has aged out.
func (h *History) Replace(roomID ref.RoomID, decrypted messaging.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := h.findLocked(roomID, decrypted.EventID)
	if entry == nil {
		return false
	}
	if decrypted.RoomID.IsZero() {
		decrypted.RoomID = roomID
	}
	entry.event = decrypted
	return true
}

// Encrypted returns every retained event still in ciphertext. It
// implements keyrecovery.TimelineSource.
func (h *History) Encrypted() []messaging.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var events []messaging.Event
	for _, ring := range h.rooms {
		ring.each(func(entry *historyEntry) bool {
			if entry.event.Type == schema.EventTypeEncrypted {
				events = append(events, entry.event)
			}
			return true
		})
	}
	return events
}

// Forget drops a room's ring.
func (h *History) Forget(roomID ref.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, roomID)
}

func (h *History) findLocked(roomID ref.RoomID, eventID ref.EventID) *historyEntry {
	ring, ok := h.rooms[roomID]
	if !ok || eventID.IsZero() {
		return nil
	}
	var found *historyEntry
	ring.each(func(entry *historyEntry) bool {
		if entry.event.EventID == eventID {
			found = entry
			return false
		}
		return true
	})
	return found
}
