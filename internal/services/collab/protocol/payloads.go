package protocol

import "encoding/json"

// SyncResponsePayload is the full room state sent after a sync request.
type SyncResponsePayload struct {
	Users      []User               `json:"users"`
	Locks      []FindingLock        `json:"locks"`
	Comments   map[string][]Comment `json:"comments"`
	Cursors    map[string]Cursor    `json:"cursors"`
	Selections map[string]Selection `json:"selections"`
}

// UserJoinPayload announces a member.
type UserJoinPayload struct {
	User User `json:"user"`
}

// UserLeavePayload announces a departure. UserID may be empty, in which case
// the frame sender is the one leaving.
type UserLeavePayload struct {
	UserID string `json:"userId,omitempty"`
}

// CursorPayload carries the sender's cursor; nil clears it.
type CursorPayload struct {
	Cursor *Cursor `json:"cursor"`
}

// SelectionPayload carries the sender's selection; nil clears it.
type SelectionPayload struct {
	Selection *Selection `json:"selection"`
}

// FindingRef addresses a finding; used by lock and unlock requests.
type FindingRef struct {
	FindingID string `json:"findingId"`
}

// LockResultPayload answers a lock request. On success Lock is set and the
// frame is broadcast to the room; on failure only the requester receives it.
type LockResultPayload struct {
	FindingID string       `json:"findingId"`
	Success   bool         `json:"success"`
	Lock      *FindingLock `json:"lock,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// FindingUpdatePayload writes one field of a finding.
type FindingUpdatePayload struct {
	FindingID string          `json:"findingId"`
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value"`
	Success   bool            `json:"success,omitempty"`
}

// CommentAddPayload is sent by clients with FindingID, Content and optional
// ParentCommentID; the server broadcasts it with Comment (top-level) or
// Reply (when ParentCommentID is set) filled in.
type CommentAddPayload struct {
	FindingID       string   `json:"findingId"`
	Content         string   `json:"content,omitempty"`
	ParentCommentID string   `json:"parentCommentId,omitempty"`
	Comment         *Comment `json:"comment,omitempty"`
	Reply           *Reply   `json:"reply,omitempty"`
}

// CommentEditPayload replaces the content of a comment.
type CommentEditPayload struct {
	FindingID string `json:"findingId"`
	CommentID string `json:"commentId"`
	Content   string `json:"content"`
	EditedAt  int64  `json:"editedAt,omitempty"`
}

// CommentDeletePayload removes a comment.
type CommentDeletePayload struct {
	FindingID string `json:"findingId"`
	CommentID string `json:"commentId"`
}

// CommentResolvePayload marks a comment resolved.
type CommentResolvePayload struct {
	FindingID  string `json:"findingId"`
	CommentID  string `json:"commentId"`
	ResolvedBy string `json:"resolvedBy,omitempty"`
}

// ErrorPayload reports a rejected client frame to its sender.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestType string `json:"requestType,omitempty"`
}
