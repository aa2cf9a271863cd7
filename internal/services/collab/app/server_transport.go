package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/findingsync/internal/platform/errors"
	"github.com/louisbranch/findingsync/internal/platform/errors/i18n"
	"github.com/louisbranch/findingsync/internal/services/collab/protocol"
)

const tracerName = "github.com/louisbranch/findingsync/internal/services/collab/app"

func handleWSConn(conn *websocket.Conn, hub *roomHub) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = maxFrameBytes

	request := conn.Request()
	identity, ok := identityFromRequest(request)
	if !ok {
		log.Printf("collab: websocket connection without identity")
		return
	}
	ctx := request.Context()

	peer := newWSPeer(json.NewEncoder(conn))
	session := &wsSession{
		identity: identity,
		locale:   i18n.MatchLocale(request.Header.Get("Accept-Language")),
		peer:     peer,
	}

	room, err := hub.join(ctx, identity.RoomID, peer)
	if err != nil {
		log.Printf("collab: join room %s: %v", identity.RoomID, err)
		_ = writeWSError(session, "", apperrors.Wrap(apperrors.CodeUnavailable, "join room", err))
		return
	}
	session.room = room
	defer hub.leave(room, peer)

	if err := room.enter(session); err != nil {
		log.Printf("collab: enter room %s: %v", identity.RoomID, err)
		return
	}
	defer func() {
		if err := room.exit(session); err != nil {
			log.Printf("collab: exit room %s: %v", identity.RoomID, err)
		}
	}()

	tracer := otel.Tracer(tracerName)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				_ = writeWSError(session, "", apperrors.WithMetadata(apperrors.CodeFrameTooLarge, "frame too large", map[string]string{
					"Limit": strconv.Itoa(maxFrameBytes),
				}))
				continue
			}
			if !errors.Is(err, io.EOF) {
				log.Printf("collab: room %s user %s: read frame: %v", identity.RoomID, identity.UserID, err)
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			decodeErrors++
			_ = writeWSError(session, "", apperrors.Wrap(apperrors.CodeFrameInvalid, "invalid frame payload", err))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(session, frame.Type, apperrors.WithMetadata(apperrors.CodeFrameTooLarge, "payload too large", map[string]string{
				"Limit": strconv.Itoa(maxFramePayloadBytes),
			}))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(session, frame.Type, apperrors.New(apperrors.CodeFrameRateLimited, "rate limit exceeded"))
			return
		}

		handleFrame(ctx, tracer, session, frame)
	}
}

// handleFrame applies one client frame to the session's room and reports
// rejections back to the sender.
func handleFrame(ctx context.Context, tracer trace.Tracer, session *wsSession, frame protocol.Frame) {
	ctx, span := tracer.Start(ctx, "collab.server.frame",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("collab.frame.type", frame.Type),
			attribute.String("collab.room.id", session.identity.RoomID),
		),
	)
	defer span.End()

	err := dispatchFrame(ctx, session, frame)
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if apperrors.CodeOf(err) == apperrors.CodeUnavailable {
		log.Printf("collab: room %s: %s frame from %s: %v", session.identity.RoomID, frame.Type, session.identity.UserID, err)
	}
	if writeErr := writeWSError(session, frame.Type, err); writeErr != nil {
		log.Printf("collab: room %s: write error frame: %v", session.identity.RoomID, writeErr)
	}
}

func dispatchFrame(ctx context.Context, session *wsSession, frame protocol.Frame) error {
	room := session.room
	switch frame.Type {
	case protocol.TypeSyncRequest:
		return room.sync(session)
	case protocol.TypeUserCursor:
		payload, err := decodeFramePayload[protocol.CursorPayload](frame)
		if err != nil {
			return err
		}
		return room.updateCursor(session, payload.Cursor)
	case protocol.TypeUserSelection:
		payload, err := decodeFramePayload[protocol.SelectionPayload](frame)
		if err != nil {
			return err
		}
		return room.updateSelection(session, payload.Selection)
	case protocol.TypeFindingLock:
		payload, err := decodeFramePayload[protocol.FindingRef](frame)
		if err != nil {
			return err
		}
		return room.lockFinding(ctx, session, payload.FindingID)
	case protocol.TypeFindingUnlock:
		payload, err := decodeFramePayload[protocol.FindingRef](frame)
		if err != nil {
			return err
		}
		return room.unlockFinding(ctx, session, payload.FindingID)
	case protocol.TypeFindingUpdate:
		payload, err := decodeFramePayload[protocol.FindingUpdatePayload](frame)
		if err != nil {
			return err
		}
		return room.updateFinding(session, payload)
	case protocol.TypeCommentAdd:
		payload, err := decodeFramePayload[protocol.CommentAddPayload](frame)
		if err != nil {
			return err
		}
		return room.addComment(ctx, session, payload)
	case protocol.TypeCommentEdit:
		payload, err := decodeFramePayload[protocol.CommentEditPayload](frame)
		if err != nil {
			return err
		}
		return room.editComment(ctx, session, payload)
	case protocol.TypeCommentDelete:
		payload, err := decodeFramePayload[protocol.CommentDeletePayload](frame)
		if err != nil {
			return err
		}
		return room.deleteComment(ctx, session, payload)
	case protocol.TypeCommentResolve:
		payload, err := decodeFramePayload[protocol.CommentResolvePayload](frame)
		if err != nil {
			return err
		}
		return room.resolveComment(ctx, session, payload)
	default:
		return apperrors.WithMetadata(apperrors.CodeFrameUnsupported, "unsupported frame type", map[string]string{
			"Type": frame.Type,
		})
	}
}

func decodeFramePayload[T any](frame protocol.Frame) (T, error) {
	payload, err := protocol.DecodePayload[T](frame)
	if err != nil {
		return payload, apperrors.Wrap(apperrors.CodeFrameInvalid, "invalid frame payload", err)
	}
	return payload, nil
}

// writeWSError reports err to the session's own connection, rendered in the
// locale negotiated at upgrade.
func writeWSError(session *wsSession, requestType string, err error) error {
	return session.peer.writeFrame(protocol.Frame{
		Type:      protocol.TypeError,
		Timestamp: protocol.Millis(time.Now()),
		Payload: mustJSON(protocol.ErrorPayload{
			Code:        apperrors.CodeOf(err).WireCode(),
			Message:     i18n.GetCatalog(session.locale).Message(err),
			RequestType: requestType,
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

