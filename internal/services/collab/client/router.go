package client

import (
	"context"
	"fmt"
	"log"

	"github.com/louisbranch/findingsync/internal/services/collab/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/louisbranch/findingsync/internal/services/collab/client"

// Router decodes inbound frames and applies them to the store in arrival
// order. It is driven by a single reader goroutine.
type Router struct {
	selfID string
	store  *Store
	locks  *lockCoordinator
	events *listeners
	tracer trace.Tracer
	logf   func(string, ...any)
}

func newRouter(selfID string, store *Store, locks *lockCoordinator, events *listeners, logf func(string, ...any)) *Router {
	if logf == nil {
		logf = log.Printf
	}
	return &Router{
		selfID: selfID,
		store:  store,
		locks:  locks,
		events: events,
		tracer: otel.Tracer(tracerName),
		logf:   logf,
	}
}

// HandleFrame applies one raw frame. Malformed frames are logged and dropped
// without touching state.
func (r *Router) HandleFrame(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		r.logf("collab: discard frame: %v", err)
		return
	}

	_, span := r.tracer.Start(context.Background(), "collab.client.frame",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("collab.frame.type", frame.Type)),
	)
	defer span.End()

	if err := r.dispatch(frame); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logf("collab: discard %s frame: %v", frame.Type, err)
	}
}

func (r *Router) dispatch(frame protocol.Frame) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	switch frame.Type {
	case protocol.TypeSyncResponse:
		return r.handleSync(frame)
	case protocol.TypeUserJoin:
		return r.handleUserJoin(frame)
	case protocol.TypeUserLeave:
		return r.handleUserLeave(frame)
	case protocol.TypeUserCursor:
		return r.handleCursor(frame)
	case protocol.TypeUserSelection:
		return r.handleSelection(frame)
	case protocol.TypeFindingLock:
		return r.handleLock(frame)
	case protocol.TypeFindingUnlock:
		return r.handleUnlock(frame)
	case protocol.TypeFindingUpdate:
		return r.handleFindingUpdate(frame)
	case protocol.TypeCommentAdd:
		return r.handleCommentAdd(frame)
	case protocol.TypeCommentEdit:
		return r.handleCommentEdit(frame)
	case protocol.TypeCommentDelete:
		return r.handleCommentDelete(frame)
	case protocol.TypeCommentResolve:
		return r.handleCommentResolve(frame)
	case protocol.TypeError:
		return r.handleError(frame)
	default:
		return nil
	}
}

func (r *Router) handleSync(frame protocol.Frame) error {
	payload, err := protocol.DecodePayload[protocol.SyncResponsePayload](frame)
	if err != nil {
		return err
	}
	r.store.replaceAll(payload)
	return nil
}

func (r *Router) handleUserJoin(frame protocol.Frame) error {
	payload, err := protocol.DecodePayload[protocol.UserJoinPayload](frame)
	if err != nil {
		return err
	}
	if payload.User.ID == "" {
		return fmt.Errorf("user id is required")
	}
	r.store.upsertUser(payload.User)
	r.events.userJoin.emit(payload.User)
	return nil
}

func (r *Router) handleUserLeave(frame protocol.Frame) error {
	payload, err := protocol.DecodePayload[protocol.UserLeavePayload](frame)
	if err != nil {
		return err
	}
	userID := payload.UserID
	if userID == "" {
		userID = frame.UserID
	}
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	r.store.removeUser(userID)
	r.events.userLeave.emit(userID)
	return nil
}

func (r *Router) handleCursor(frame protocol.Frame) error {
	payload, err := protocol.DecodePayload[protocol.CursorPayload](frame)
	if err != nil {
		return err
	}
	if frame.UserID == "" {
		return fmt.Errorf("sender is required")
	}
	r.store.setCursor(frame.UserID, payload.Cursor, frame.Timestamp)
	return nil
}

func (r *Router) handleSelection(frame protocol.Frame) error {
	payload, err := protocol.DecodePayload[protocol.SelectionPayload](frame)
	if err != nil {
		return err
	}
	if frame.UserID == "" {
		return fmt.Errorf("sender is required")
	}
	r.store.setSelection(frame.UserID, payload.Selection, frame.Timestamp)
	return nil
}

// handleLock applies a lock result. A granted lock is recorded for everyone;
// the local pending request resolves true only when the grant is ours.
func (r *Router) handleLock(frame protocol.Frame) error {
	payload, err := protocol.DecodePayload[protocol.LockResultPayload](frame)
	if err != nil {
		return err
	}
	findingID := payload.FindingID
	if findingID == "" && payload.Lock != nil {
		findingID = payload.Lock.FindingID
	}
	if findingID == "" {
		return fmt.Errorf("finding id is required")
	}

	if !payload.Success || payload.Lock == nil {
		r.locks.resolve(findingID, false)
		return nil
	}
	lock := *payload.Lock
	if lock.FindingID == "" {
		lock.FindingID = findingID
	}
	r.store.upsertLock(lock)
	r.locks.resolve(findingID, r.selfID == "" || lock.UserID == r.selfID)
	return nil
}

func (r *Router) handleUnlock(frame protocol.Frame) error {
	payload, err := protocol.DecodePayload[protocol.FindingRef](frame)
	if err != nil {
		return err
	}
	if payload.FindingID == "" {
		return fmt.Errorf("finding id is required")
	}
	r.store.removeLock(payload.FindingID)
	return nil
}

// handleFindingUpdate forwards confirmed updates. Finding content lives with
// the host, so the store is not touched.
func (r *Router) handleFindingUpdate(frame protocol.Frame) error {
	payload, err := protocol.DecodePayload[protocol.FindingUpdatePayload](frame)
	if err != nil {
		return err
	}
	if !payload.Success {
		return nil
	}
	if payload.FindingID == "" || payload.Field == "" {
		return fmt.Errorf("finding id and field are required")
	}
	r.events.findingUpdate.emit(FindingUpdate{
		FindingID: payload.FindingID,
		Field:     payload.Field,
		Value:     payload.Value,
	})
	return nil
}

func (r *Router) handleCommentAdd(frame protocol.Frame) error {
	payload, err := protocol.DecodePayload[protocol.CommentAddPayload](frame)
	if err != nil {
		return err
	}

	if payload.ParentCommentID != "" {
		if payload.Reply == nil {
			return fmt.Errorf("reply is required")
		}
		r.store.addReply(payload.FindingID, payload.ParentCommentID, *payload.Reply)
		return nil
	}

	if payload.Comment == nil {
		return fmt.Errorf("comment is required")
	}
	comment := payload.Comment.Clone()
	if comment.FindingID == "" {
		comment.FindingID = payload.FindingID
	}
	if comment.ID == "" || comment.FindingID == "" {
		return fmt.Errorf("comment and finding ids are required")
	}
	r.store.addComment(comment)
	r.events.commentAdd.emit(comment.Clone())
	return nil
}

func (r *Router) handleCommentEdit(frame protocol.Frame) error {
	payload, err := protocol.DecodePayload[protocol.CommentEditPayload](frame)
	if err != nil {
		return err
	}
	editedAt := payload.EditedAt
	if editedAt == 0 {
		editedAt = frame.Timestamp
	}
	r.store.editComment(payload.FindingID, payload.CommentID, payload.Content, editedAt)
	return nil
}

func (r *Router) handleCommentDelete(frame protocol.Frame) error {
	payload, err := protocol.DecodePayload[protocol.CommentDeletePayload](frame)
	if err != nil {
		return err
	}
	r.store.removeComment(payload.FindingID, payload.CommentID)
	return nil
}

func (r *Router) handleCommentResolve(frame protocol.Frame) error {
	payload, err := protocol.DecodePayload[protocol.CommentResolvePayload](frame)
	if err != nil {
		return err
	}
	resolvedBy := payload.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = frame.UserID
	}
	r.store.resolveComment(payload.FindingID, payload.CommentID, resolvedBy)
	return nil
}

func (r *Router) handleError(frame protocol.Frame) error {
	payload, err := protocol.DecodePayload[protocol.ErrorPayload](frame)
	if err != nil {
		return err
	}
	if payload.RequestType != "" {
		r.logf("collab: server rejected %s: %s: %s", payload.RequestType, payload.Code, payload.Message)
		return nil
	}
	r.logf("collab: server error: %s: %s", payload.Code, payload.Message)
	return nil
}
