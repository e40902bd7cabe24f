// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"

	"github.com/bureau-foundation/matrix-ingest/lib/ref"
)

// Session is the set of homeserver operations the ingester uses.
// *DirectSession is the production implementation; tests substitute
// fakes at this boundary or point a DirectSession at httptest.
type Session interface {
	UserID() ref.UserID
	DeviceID() ref.DeviceID
	Close() error

	WhoAmI(ctx context.Context) (*WhoAmIResponse, error)
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)
	RoomMessages(ctx context.Context, roomID ref.RoomID, options RoomMessagesOptions) (*RoomMessagesResponse, error)
	JoinedRooms(ctx context.Context) ([]ref.RoomID, error)
	JoinedMembers(ctx context.Context, roomID ref.RoomID) ([]ref.UserID, error)

	SendToDevice(ctx context.Context, eventType ref.EventType, messages ToDeviceMessages) error
	QueryKeys(ctx context.Context, users []ref.UserID) (*KeysQueryResponse, error)
	ClaimKeys(ctx context.Context, devices map[ref.UserID][]ref.DeviceID) (*KeysClaimResponse, error)
	UploadKeys(ctx context.Context, request KeysUploadRequest) (*KeysUploadResponse, error)
	KeyBackupVersion(ctx context.Context) (*KeyBackupVersion, error)
	KeyBackupKeys(ctx context.Context, backupVersion string) (*KeyBackupKeys, error)
}

var _ Session = (*DirectSession)(nil)

// SyncFilter shapes the inline /sync filter.
type SyncFilter struct {
	// TimelineLimit caps timeline events per room per response. Zero
	// leaves the server default.
	TimelineLimit int

	// LazyLoadMembers asks for member state only for timeline senders.
	LazyLoadMembers bool
}

// JSON renders the filter for SyncOptions.Filter. Presence and account
// data are always excluded; the ingester consumes neither.
func (f SyncFilter) JSON() string {
	timeline := map[string]any{}
	if f.TimelineLimit > 0 {
		timeline["limit"] = f.TimelineLimit
	}
	state := map[string]any{}
	if f.LazyLoadMembers {
		state["lazy_load_members"] = true
	}
	filter := map[string]any{
		"presence":     map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
		"room": map[string]any{
			"timeline":     timeline,
			"state":        state,
			"account_data": map[string]any{"types": []string{}},
		},
	}
	data, _ := json.Marshal(filter)
	return string(data)
}
