// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/bureau-foundation/matrix-ingest/lib/canonical"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

// Directory tracks the account's joined rooms and their joined
// members, as seen through sync.
type Directory struct {
	self ref.UserID

	mu    sync.RWMutex
	rooms map[ref.RoomID]map[ref.UserID]struct{}
}

// NewDirectory creates an empty Directory for the account self.
func NewDirectory(self ref.UserID) *Directory {
	return &Directory{self: self, rooms: make(map[ref.RoomID]map[ref.UserID]struct{})}
}

// Join records that the account is in roomID.
func (d *Directory) Join(roomID ref.RoomID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rooms[roomID]; !ok {
		d.rooms[roomID] = map[ref.UserID]struct{}{d.self: {}}
	}
}

// Leave forgets roomID.
func (d *Directory) Leave(roomID ref.RoomID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rooms, roomID)
}

// Apply updates membership from an m.room.member event. It returns the
// user who newly joined, or the zero UserID. Events for rooms the
// account is not in are ignored, except the account's own join.
func (d *Directory) Apply(roomID ref.RoomID, event messaging.Event) ref.UserID {
	if event.Type != schema.EventTypeMember || event.StateKey == nil {
		return ref.UserID{}
	}
	subject, err := ref.ParseUserID(*event.StateKey)
	if err != nil {
		return ref.UserID{}
	}
	var content schema.MemberContent
	if err := event.DecodeContent(&content); err != nil {
		return ref.UserID{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	members, known := d.rooms[roomID]
	if content.Membership == "join" {
		if !known {
			if subject != d.self {
				return ref.UserID{}
			}
			members = map[ref.UserID]struct{}{}
			d.rooms[roomID] = members
		}
		if _, already := members[subject]; already {
			return ref.UserID{}
		}
		members[subject] = struct{}{}
		return subject
	}
	if !known {
		return ref.UserID{}
	}
	if subject == d.self {
		delete(d.rooms, roomID)
		return ref.UserID{}
	}
	delete(members, subject)
	return ref.UserID{}
}

// Rooms returns the joined rooms in a stable order.
func (d *Directory) Rooms() []ref.RoomID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.SortedFunc(maps.Keys(d.rooms), func(a, b ref.RoomID) int {
		return strings.Compare(a.String(), b.String())
	})
}

// Members returns the joined members of roomID in a stable order.
func (d *Directory) Members(roomID ref.RoomID) []ref.UserID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.SortedFunc(maps.Keys(d.rooms[roomID]), func(a, b ref.UserID) int {
		return strings.Compare(a.String(), b.String())
	})
}

// Conversation returns the mapping context for roomID.
func (d *Directory) Conversation(roomID ref.RoomID) canonical.Conversation {
	return canonical.Conversation{RoomID: roomID, Members: d.Members(roomID)}
}
