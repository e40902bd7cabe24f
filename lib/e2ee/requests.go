// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

// RequestRoomKey sends an m.room_key_request for the session to all of
// our own devices and to all devices of the event's sender. Returns
// the request ID for a later CancelRoomKeyRequest.
func (e *Engine) RequestRoomKey(ctx context.Context, request KeyRequest) (string, error) {
	if request.RoomID.IsZero() || request.SessionID == "" {
		return "", fmt.Errorf("e2ee: key request needs a room and session ID")
	}
	algorithm := request.Algorithm
	if algorithm == "" {
		algorithm = schema.AlgorithmMegolm
	}
	requestID := uuid.NewString()
	content := schema.RoomKeyRequestContent{
		Action:             schema.KeyRequestActionRequest,
		RequestID:          requestID,
		RequestingDeviceID: e.session.DeviceID().String(),
		Body: &schema.RequestedKeyInfo{
			Algorithm: algorithm,
			RoomID:    request.RoomID,
			SenderKey: request.SenderKey,
			SessionID: request.SessionID,
		},
	}
	if err := e.session.SendToDevice(ctx, schema.EventTypeRoomKeyRequest, e.keyRequestTargets(request.Sender, content)); err != nil {
		return "", fmt.Errorf("e2ee: requesting %s/%s: %w", request.RoomID, request.SessionID, err)
	}
	e.outstanding.Store(requestID, request.Sender)
	return requestID, nil
}

// CancelRoomKeyRequest withdraws an earlier request once the key has
// arrived, so peers stop answering it. The cancellation goes to the
// same users as the request. Unknown request IDs are ignored.
func (e *Engine) CancelRoomKeyRequest(ctx context.Context, requestID string) error {
	value, ok := e.outstanding.LoadAndDelete(requestID)
	if !ok {
		return nil
	}
	sender, _ := value.(ref.UserID)
	content := schema.RoomKeyRequestContent{
		Action:             schema.KeyRequestActionCancel,
		RequestID:          requestID,
		RequestingDeviceID: e.session.DeviceID().String(),
	}
	if err := e.session.SendToDevice(ctx, schema.EventTypeRoomKeyRequest, e.keyRequestTargets(sender, content)); err != nil {
		return fmt.Errorf("e2ee: cancelling key request %s: %w", requestID, err)
	}
	return nil
}

func (e *Engine) keyRequestTargets(sender ref.UserID, content schema.RoomKeyRequestContent) messaging.ToDeviceMessages {
	messages := messaging.ToDeviceMessages{
		e.session.UserID(): {messaging.AllDevices: content},
	}
	if !sender.IsZero() && sender != e.session.UserID() {
		messages[sender] = map[string]any{messaging.AllDevices: content}
	}
	return messages
}
