// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/matrix-ingest/lib/ref"
)

// Event is a Matrix event as delivered by /sync, /messages, or the
// to-device stream. Content stays raw and is decoded into a
// lib/schema struct by the consumer that knows the type.
type Event struct {
	EventID        ref.EventID     `json:"event_id,omitzero"`
	Type           ref.EventType   `json:"type"`
	Sender         ref.UserID      `json:"sender,omitzero"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content"`
	RoomID         ref.RoomID      `json:"room_id,omitzero"`
	StateKey       *string         `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned  `json:"unsigned,omitempty"`

	// Redacts is the target of an m.room.redaction in room versions
	// before 11. Later versions carry it in content.
	Redacts ref.EventID `json:"redacts,omitzero"`
}

// EventUnsigned holds server-added data.
type EventUnsigned struct {
	Age           int64  `json:"age,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// DecodeContent unmarshals Content into v.
func (e *Event) DecodeContent(v any) error {
	if len(e.Content) == 0 {
		return fmt.Errorf("messaging: %s event %s has no content", e.Type, e.EventID)
	}
	if err := json.Unmarshal(e.Content, v); err != nil {
		return fmt.Errorf("messaging: decoding %s content: %w", e.Type, err)
	}
	return nil
}

// SyncOptions controls a /sync request.
type SyncOptions struct {
	Since      string // next_batch from the previous sync; empty for initial
	Timeout    int    // long-poll timeout in milliseconds
	SetTimeout bool   // send Timeout even when zero
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the /sync response, limited to the sections the
// ingester consumes.
type SyncResponse struct {
	NextBatch              string         `json:"next_batch"`
	Rooms                  RoomsSection   `json:"rooms"`
	ToDevice               EventsSection  `json:"to_device"`
	DeviceLists            DeviceLists    `json:"device_lists"`
	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count,omitempty"`
}

// RoomsSection contains per-room sync data grouped by membership.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoom  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoom `json:"invite,omitempty"`
	Leave  map[ref.RoomID]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom is sync data for a joined room.
type JoinedRoom struct {
	Timeline  TimelineSection `json:"timeline"`
	State     EventsSection   `json:"state"`
	Ephemeral EventsSection   `json:"ephemeral"`
}

// InvitedRoom is sync data for a pending invite.
type InvitedRoom struct {
	InviteState EventsSection `json:"invite_state"`
}

// LeftRoom is sync data for a room the account left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    EventsSection   `json:"state"`
}

// TimelineSection is a room timeline slice.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// EventsSection is a plain list of events (state, ephemeral,
// to-device).
type EventsSection struct {
	Events []Event `json:"events"`
}

// DeviceLists reports users whose device lists changed.
type DeviceLists struct {
	Changed []ref.UserID `json:"changed,omitempty"`
	Left    []ref.UserID `json:"left,omitempty"`
}

// RoomMessagesOptions controls /messages pagination.
type RoomMessagesOptions struct {
	From      string // pagination token; empty means the live end
	Direction string // "b" (default) or "f"
	Limit     int
}

// RoomMessagesResponse is returned by RoomMessages. End is empty when
// no more events exist in Direction.
type RoomMessagesResponse struct {
	Start string  `json:"start"`
	End   string  `json:"end,omitempty"`
	Chunk []Event `json:"chunk"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID   `json:"user_id"`
	DeviceID ref.DeviceID `json:"device_id,omitzero"`
}

// JoinedRoomsResponse is returned by JoinedRooms.
type JoinedRoomsResponse struct {
	JoinedRooms []ref.RoomID `json:"joined_rooms"`
}

// JoinedMembersResponse is returned by /joined_members.
type JoinedMembersResponse struct {
	Joined map[ref.UserID]JoinedMember `json:"joined"`
}

// JoinedMember is one entry of JoinedMembersResponse.
type JoinedMember struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ServerVersionsResponse is returned by Client.ServerVersions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}
