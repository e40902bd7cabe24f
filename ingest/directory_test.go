// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"slices"
	"testing"

	"github.com/bureau-foundation/matrix-ingest/lib/ref"
)

func TestDirectoryMembership(t *testing.T) {
	directory := NewDirectory(localUser)
	directory.Join(testRoom)

	if joined := directory.Apply(testRoom, memberEvent(t, "$1", alice, "join")); joined != alice {
		t.Errorf("Apply(join) = %v, want alice", joined)
	}
	if joined := directory.Apply(testRoom, memberEvent(t, "$2", alice, "join")); !joined.IsZero() {
		t.Errorf("repeated join reported %v", joined)
	}
	directory.Apply(testRoom, memberEvent(t, "$3", bob, "join"))
	directory.Apply(testRoom, memberEvent(t, "$4", bob, "leave"))

	if got := directory.Members(testRoom); !slices.Equal(got, []ref.UserID{localUser, alice}) {
		t.Errorf("members = %v", got)
	}
	conversation := directory.Conversation(testRoom)
	if conversation.RoomID != testRoom || len(conversation.Members) != 2 {
		t.Errorf("conversation = %+v", conversation)
	}
}

func TestDirectoryIgnoresUnknownRooms(t *testing.T) {
	directory := NewDirectory(localUser)
	other := ref.MustParseRoomID("!other:local")

	if joined := directory.Apply(other, memberEvent(t, "$1", alice, "join")); !joined.IsZero() {
		t.Errorf("join in unknown room reported %v", joined)
	}
	if rooms := directory.Rooms(); len(rooms) != 0 {
		t.Errorf("rooms = %v", rooms)
	}

	// Our own join creates the room.
	directory.Apply(other, memberEvent(t, "$2", localUser, "join"))
	if rooms := directory.Rooms(); !slices.Equal(rooms, []ref.RoomID{other}) {
		t.Errorf("rooms = %v", rooms)
	}

	// And our own leave removes it.
	directory.Apply(other, memberEvent(t, "$3", localUser, "leave"))
	if rooms := directory.Rooms(); len(rooms) != 0 {
		t.Errorf("rooms after leave = %v", rooms)
	}
}
