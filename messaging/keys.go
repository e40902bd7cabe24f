// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/bureau-foundation/matrix-ingest/lib/ref"
)

// OneTimeKeyAlgorithm is the only one-time key algorithm claimed.
const OneTimeKeyAlgorithm = "signed_curve25519"

// AllDevices addresses every device of a user in SendToDevice.
const AllDevices = "*"

// ToDeviceMessages maps user → device ID (or AllDevices) → content.
type ToDeviceMessages map[ref.UserID]map[string]any

// DeviceKeys is a device's published identity keys.
type DeviceKeys struct {
	UserID     ref.UserID                   `json:"user_id"`
	DeviceID   ref.DeviceID                 `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// KeysQueryResponse is the /keys/query response.
type KeysQueryResponse struct {
	DeviceKeys map[ref.UserID]map[string]DeviceKeys `json:"device_keys"`
	Failures   map[string]json.RawMessage           `json:"failures,omitempty"`
}

// KeysClaimResponse is the /keys/claim response: user → device →
// key ID → signed key object.
type KeysClaimResponse struct {
	OneTimeKeys map[ref.UserID]map[string]map[string]json.RawMessage `json:"one_time_keys"`
	Failures    map[string]json.RawMessage                           `json:"failures,omitempty"`
}

// KeysUploadRequest is the /keys/upload body.
type KeysUploadRequest struct {
	DeviceKeys  *DeviceKeys                `json:"device_keys,omitempty"`
	OneTimeKeys map[string]json.RawMessage `json:"one_time_keys,omitempty"`
}

// KeysUploadResponse reports the server-side one-time key counts.
type KeysUploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

// KeyBackupVersion describes the current server-side key backup.
type KeyBackupVersion struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Count     int             `json:"count"`
	ETag      string          `json:"etag"`
	Version   string          `json:"version"`
}

// KeyBackupData is one backed-up session. SessionData is encrypted to
// the backup key.
type KeyBackupData struct {
	FirstMessageIndex int             `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// KeyBackupKeys is the /room_keys/keys response.
type KeyBackupKeys struct {
	Rooms map[ref.RoomID]struct {
		Sessions map[string]KeyBackupData `json:"sessions"`
	} `json:"rooms"`
}

// SendToDevice sends one event type to a set of devices. The
// transaction ID makes retries idempotent.
func (s *DirectSession) SendToDevice(ctx context.Context, eventType ref.EventType, messages ToDeviceMessages) error {
	path := fmt.Sprintf("/_matrix/client/v3/sendToDevice/%s/%s",
		url.PathEscape(eventType.String()),
		url.PathEscape(s.nextTransactionID()),
	)
	request := struct {
		Messages ToDeviceMessages `json:"messages"`
	}{Messages: messages}
	if _, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, request); err != nil {
		return fmt.Errorf("messaging: send to-device %s failed: %w", eventType, err)
	}
	return nil
}

// QueryKeys fetches the device keys of users.
func (s *DirectSession) QueryKeys(ctx context.Context, users []ref.UserID) (*KeysQueryResponse, error) {
	deviceKeys := make(map[ref.UserID][]string, len(users))
	for _, user := range users {
		deviceKeys[user] = []string{}
	}
	request := map[string]any{"device_keys": deviceKeys, "timeout": 10000}

	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: keys query failed: %w", err)
	}
	var response KeysQueryResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse keys query response: %w", err)
	}
	return &response, nil
}

// ClaimKeys claims one one-time key per listed device.
func (s *DirectSession) ClaimKeys(ctx context.Context, devices map[ref.UserID][]ref.DeviceID) (*KeysClaimResponse, error) {
	claims := make(map[ref.UserID]map[string]string, len(devices))
	for user, deviceIDs := range devices {
		perDevice := make(map[string]string, len(deviceIDs))
		for _, deviceID := range deviceIDs {
			perDevice[deviceID.String()] = OneTimeKeyAlgorithm
		}
		claims[user] = perDevice
	}
	request := map[string]any{"one_time_keys": claims, "timeout": 10000}

	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/claim", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: keys claim failed: %w", err)
	}
	var response KeysClaimResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse keys claim response: %w", err)
	}
	return &response, nil
}

// UploadKeys publishes device keys and/or one-time keys.
func (s *DirectSession) UploadKeys(ctx context.Context, request KeysUploadRequest) (*KeysUploadResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: keys upload failed: %w", err)
	}
	var response KeysUploadResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse keys upload response: %w", err)
	}
	return &response, nil
}

// KeyBackupVersion returns the current key backup. Returns a
// *MatrixError with M_NOT_FOUND when no backup exists.
func (s *DirectSession) KeyBackupVersion(ctx context.Context) (*KeyBackupVersion, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/version", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: key backup version failed: %w", err)
	}
	var response KeyBackupVersion
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse key backup version: %w", err)
	}
	return &response, nil
}

// KeyBackupKeys downloads every backed-up session of a backup version.
func (s *DirectSession) KeyBackupKeys(ctx context.Context, backupVersion string) (*KeyBackupKeys, error) {
	query := url.Values{"version": {backupVersion}}
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/keys", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: key backup download failed: %w", err)
	}
	var response KeyBackupKeys
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse key backup: %w", err)
	}
	return &response, nil
}
