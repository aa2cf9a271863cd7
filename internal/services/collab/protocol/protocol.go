// Package protocol defines the JSON frames exchanged between collaboration
// clients and the coordination server.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Path is the HTTP path of the coordination endpoint.
const Path = "/ws/collaboration"

// Frame types. Inbound and outbound share one namespace; the server echoes
// most client intents back to the room under the same type.
const (
	TypeSyncRequest    = "sync:request"
	TypeSyncResponse   = "sync:response"
	TypeUserJoin       = "user:join"
	TypeUserLeave      = "user:leave"
	TypeUserCursor     = "user:cursor"
	TypeUserSelection  = "user:selection"
	TypeFindingLock    = "finding:lock"
	TypeFindingUnlock  = "finding:unlock"
	TypeFindingUpdate  = "finding:update"
	TypeCommentAdd     = "comment:add"
	TypeCommentEdit    = "comment:edit"
	TypeCommentDelete  = "comment:delete"
	TypeCommentResolve = "comment:resolve"
	TypeError          = "error"
)

// Finding fields written by dedicated intents.
const (
	FieldAssignee = "assignee"
	FieldStatus   = "status"
)

// ErrEmptyType is returned when a frame carries no type.
var ErrEmptyType = errors.New("frame type is required")

// Frame is the envelope of every message on the wire.
type Frame struct {
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewFrame encodes payload into a frame stamped with now.
func NewFrame(frameType string, userID string, userName string, payload any, now time.Time) (Frame, error) {
	frameType = strings.TrimSpace(frameType)
	if frameType == "" {
		return Frame{}, ErrEmptyType
	}
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	return Frame{
		Type:      frameType,
		UserID:    userID,
		UserName:  userName,
		Timestamp: Millis(now),
		Payload:   raw,
	}, nil
}

// Decode parses one frame. A frame without a type is rejected so that a
// half-understood message is never applied.
func Decode(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if strings.TrimSpace(frame.Type) == "" {
		return Frame{}, ErrEmptyType
	}
	return frame, nil
}

// DecodePayload unmarshals the payload of frame into T.
func DecodePayload[T any](frame Frame) (T, error) {
	var payload T
	if len(frame.Payload) == 0 || string(frame.Payload) == "null" {
		return payload, nil
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", frame.Type, err)
	}
	return payload, nil
}

// Millis converts t to epoch milliseconds; the zero time maps to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Time converts epoch milliseconds to UTC time; 0 maps to the zero time.
func Time(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
