package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/findingsync/internal/services/collab/protocol"
)

// frameSender is the outbound half of a Session.
type frameSender interface {
	Send(protocol.Frame) error
}

// Dispatcher turns local intents into outbound frames. Every intent is fire
// and forget: its effect arrives later as an inbound frame. Frames produced
// while disconnected are dropped without an error.
type Dispatcher struct {
	sender   frameSender
	userID   string
	userName string
	now      func() time.Time
	logf     func(string, ...any)
}

func newDispatcher(sender frameSender, userID string, userName string, now func() time.Time, logf func(string, ...any)) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Dispatcher{
		sender:   sender,
		userID:   userID,
		userName: userName,
		now:      now,
		logf:     logf,
	}
}

func (d *Dispatcher) send(frameType string, payload any) error {
	frame, err := protocol.NewFrame(frameType, d.userID, d.userName, payload, d.now())
	if err != nil {
		return err
	}
	if err := d.sender.Send(frame); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		d.logf("collab: send %s: %v", frameType, err)
		return err
	}
	return nil
}

func requireID(name string, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

// RequestSync asks the server for the full room state.
func (d *Dispatcher) RequestSync() error {
	return d.send(protocol.TypeSyncRequest, nil)
}

// UpdateCursor shares the local cursor. A nil cursor clears it.
func (d *Dispatcher) UpdateCursor(cursor *protocol.Cursor) error {
	return d.send(protocol.TypeUserCursor, protocol.CursorPayload{Cursor: cursor})
}

// UpdateSelection shares the local selection. A nil selection clears it.
func (d *Dispatcher) UpdateSelection(selection *protocol.Selection) error {
	return d.send(protocol.TypeUserSelection, protocol.SelectionPayload{Selection: selection})
}

func (d *Dispatcher) requestLock(findingID string) error {
	if err := requireID("finding id", findingID); err != nil {
		return err
	}
	return d.send(protocol.TypeFindingLock, protocol.FindingRef{FindingID: findingID})
}

// UnlockFinding releases a lock held by the local user.
func (d *Dispatcher) UnlockFinding(findingID string) error {
	if err := requireID("finding id", findingID); err != nil {
		return err
	}
	return d.send(protocol.TypeFindingUnlock, protocol.FindingRef{FindingID: findingID})
}

// UpdateFinding writes one field of a finding. value is JSON encoded.
func (d *Dispatcher) UpdateFinding(findingID string, field string, value any) error {
	if err := requireID("finding id", findingID); err != nil {
		return err
	}
	if err := requireID("field", field); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s value: %w", field, err)
	}
	return d.send(protocol.TypeFindingUpdate, protocol.FindingUpdatePayload{
		FindingID: findingID,
		Field:     field,
		Value:     raw,
	})
}

// AssignFinding sets the finding's assignee.
func (d *Dispatcher) AssignFinding(findingID string, assigneeID string) error {
	return d.UpdateFinding(findingID, protocol.FieldAssignee, assigneeID)
}

// UpdateStatus sets the finding's workflow status.
func (d *Dispatcher) UpdateStatus(findingID string, status string) error {
	return d.UpdateFinding(findingID, protocol.FieldStatus, status)
}

// AddComment posts a top-level comment.
func (d *Dispatcher) AddComment(findingID string, content string) error {
	if err := requireID("finding id", findingID); err != nil {
		return err
	}
	return d.send(protocol.TypeCommentAdd, protocol.CommentAddPayload{
		FindingID: findingID,
		Content:   content,
	})
}

// ReplyToComment appends a reply to parentID.
func (d *Dispatcher) ReplyToComment(findingID string, parentID string, content string) error {
	if err := requireID("finding id", findingID); err != nil {
		return err
	}
	if err := requireID("parent comment id", parentID); err != nil {
		return err
	}
	return d.send(protocol.TypeCommentAdd, protocol.CommentAddPayload{
		FindingID:       findingID,
		Content:         content,
		ParentCommentID: parentID,
	})
}

// EditComment replaces the content of a top-level comment.
func (d *Dispatcher) EditComment(findingID string, commentID string, content string) error {
	if err := requireID("comment id", commentID); err != nil {
		return err
	}
	return d.send(protocol.TypeCommentEdit, protocol.CommentEditPayload{
		FindingID: findingID,
		CommentID: commentID,
		Content:   content,
	})
}

// DeleteComment removes a top-level comment.
func (d *Dispatcher) DeleteComment(findingID string, commentID string) error {
	if err := requireID("comment id", commentID); err != nil {
		return err
	}
	return d.send(protocol.TypeCommentDelete, protocol.CommentDeletePayload{
		FindingID: findingID,
		CommentID: commentID,
	})
}

// ResolveComment marks a top-level comment resolved.
func (d *Dispatcher) ResolveComment(findingID string, commentID string) error {
	if err := requireID("comment id", commentID); err != nil {
		return err
	}
	return d.send(protocol.TypeCommentResolve, protocol.CommentResolvePayload{
		FindingID: findingID,
		CommentID: commentID,
	})
}
