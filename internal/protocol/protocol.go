// Package protocol defines the JSON wire envelopes exchanged between the
// sync server and its connected devices.
//
// Every message is a JSON object carrying a "type" discriminator. Inbound
// messages are decoded into a tagged union at the boundary: Decode returns
// one of the concrete message structs, or a *Error for anything unknown or
// malformed. Unknown types are rejected, never silently ignored.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dtavner/calsync/internal/schedule"
)

// Client-to-server message types.
const (
	TypeSyncRequest       = "sync_request"
	TypeSyncUpdate        = "sync_update"
	TypeUpdatePreferences = "update_preferences"
)

// Server-to-client message types. Notification payloads carry their event
// type (create, update, delete, reminder, sync) as the discriminator.
const (
	TypeSyncResponse = "sync_response"
)

// ChangeType discriminates sync change operations.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is one schedule mutation carried in a sync_update. It is
// transient and broadcast-only; the snapshot travels with the change so
// receivers need no follow-up query.
type Change struct {
	Type      ChangeType     `json:"type"`
	Schedule  schedule.Entry `json:"schedule"`
	Timestamp time.Time      `json:"timestamp"`
}

// Message is the tagged union of inbound client messages.
type Message interface {
	messageType() string
}

// SyncRequest asks the server for the device's missed entries.
// A nil LastSyncTimestamp means "since the start of the current day".
type SyncRequest struct {
	DeviceID          string     `json:"deviceId"`
	Platform          string     `json:"platform"`
	LastSyncTimestamp *time.Time `json:"lastSyncTimestamp,omitempty"`
}

func (SyncRequest) messageType() string { return TypeSyncRequest }

// SyncUpdate pushes a device's local changes for fan-out to its peers.
type SyncUpdate struct {
	Changes []Change `json:"changes"`
}

func (SyncUpdate) messageType() string { return TypeSyncUpdate }

// PreferencesPatch is a partial update of a device's notification
// preferences. Nil fields are left unchanged.
type PreferencesPatch struct {
	Sound    *bool   `json:"sound,omitempty"`
	Position *string `json:"position,omitempty"`
	Duration *int    `json:"duration,omitempty"`
}

// UpdatePreferences carries a preferences patch from a device.
type UpdatePreferences struct {
	Preferences PreferencesPatch `json:"preferences"`
}

func (UpdatePreferences) messageType() string { return TypeUpdatePreferences }

// Error is a protocol-level decode failure: unparseable JSON or an
// unknown message type. The connection that produced it stays open; the
// server answers with a generic sync-error notification.
type Error struct {
	Type   string
	Reason string
}

func (e *Error) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("protocol error: %s (type %q)", e.Reason, e.Type)
}

// Decode parses one inbound wire message into its typed form.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &Error{Reason: "unparseable message"}
	}

	switch head.Type {
	case TypeSyncRequest:
		var m SyncRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &Error{Type: head.Type, Reason: "malformed sync_request"}
		}
		if m.DeviceID == "" {
			return nil, &Error{Type: head.Type, Reason: "sync_request missing deviceId"}
		}
		return m, nil

	case TypeSyncUpdate:
		var m SyncUpdate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &Error{Type: head.Type, Reason: "malformed sync_update"}
		}
		return m, nil

	case TypeUpdatePreferences:
		var m UpdatePreferences
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &Error{Type: head.Type, Reason: "malformed update_preferences"}
		}
		return m, nil

	case "":
		return nil, &Error{Reason: "missing message type"}

	default:
		return nil, &Error{Type: head.Type, Reason: "unknown message type"}
	}
}

// SyncResponseData is the body of a sync_response.
type SyncResponseData struct {
	Schedules         []schedule.Entry `json:"schedules"`
	LastSyncTimestamp time.Time        `json:"lastSyncTimestamp"`
}

// SyncResponse is the server's reply to a sync_request, addressed to the
// requesting device only.
type SyncResponse struct {
	Type      string           `json:"type"`
	DeviceID  string           `json:"deviceId"`
	Platform  string           `json:"platform"`
	Timestamp time.Time        `json:"timestamp"`
	Data      SyncResponseData `json:"data"`
}

// NewSyncResponse builds a sync_response envelope.
func NewSyncResponse(deviceID, platform string, entries []schedule.Entry, lastSync time.Time) SyncResponse {
	return SyncResponse{
		Type:      TypeSyncResponse,
		DeviceID:  deviceID,
		Platform:  platform,
		Timestamp: time.Now(),
		Data: SyncResponseData{
			Schedules:         entries,
			LastSyncTimestamp: lastSync,
		},
	}
}

// SyncUpdateData is the body of a server-to-client sync_update.
type SyncUpdateData struct {
	Changes []Change `json:"changes"`
}

// SyncUpdatePush fans a change set out to a peer device. DeviceID and
// Platform identify the originating device, never the recipient.
type SyncUpdatePush struct {
	Type      string         `json:"type"`
	DeviceID  string         `json:"deviceId"`
	Platform  string         `json:"platform"`
	Timestamp time.Time      `json:"timestamp"`
	Data      SyncUpdateData `json:"data"`
}

// NewSyncUpdatePush builds a sync_update envelope for fan-out.
func NewSyncUpdatePush(originDeviceID, originPlatform string, changes []Change) SyncUpdatePush {
	return SyncUpdatePush{
		Type:      TypeSyncUpdate,
		DeviceID:  originDeviceID,
		Platform:  originPlatform,
		Timestamp: time.Now(),
		Data:      SyncUpdateData{Changes: changes},
	}
}
