package client

import (
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/findingsync/internal/services/collab/protocol"
)

type fakeSender struct {
	frames []protocol.Frame
	err    error
}

func (f *fakeSender) Send(frame protocol.Frame) error {
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) last(t *testing.T) protocol.Frame {
	t.Helper()
	if len(f.frames) == 0 {
		t.Fatal("expected a frame to be sent")
	}
	return f.frames[len(f.frames)-1]
}

func newTestDispatcher(sender frameSender) *Dispatcher {
	return newDispatcher(sender, "u1", "Al", func() time.Time { return time.UnixMilli(42_000) }, discardLogf)
}

func TestDispatcherStampsSender(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(sender)

	if err := d.RequestSync(); err != nil {
		t.Fatalf("request sync: %v", err)
	}
	frame := sender.last(t)
	if frame.Type != protocol.TypeSyncRequest {
		t.Fatalf("type = %q, want %q", frame.Type, protocol.TypeSyncRequest)
	}
	if frame.UserID != "u1" || frame.UserName != "Al" || frame.Timestamp != 42_000 {
		t.Fatalf("frame = %+v, want u1/Al at 42000", frame)
	}
}

func TestAssignAndStatusAreFindingUpdates(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(sender)

	if err := d.AssignFinding("f1", "u7"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	assign, err := protocol.DecodePayload[protocol.FindingUpdatePayload](sender.last(t))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sender.last(t).Type != protocol.TypeFindingUpdate || assign.Field != protocol.FieldAssignee || string(assign.Value) != `"u7"` {
		t.Fatalf("assign = %+v, want assignee \"u7\"", assign)
	}

	if err := d.UpdateStatus("f1", "fixed"); err != nil {
		t.Fatalf("status: %v", err)
	}
	status, err := protocol.DecodePayload[protocol.FindingUpdatePayload](sender.last(t))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Field != protocol.FieldStatus || string(status.Value) != `"fixed"` {
		t.Fatalf("status = %+v, want status \"fixed\"", status)
	}
}

func TestCommentIntents(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(sender)

	if err := d.ReplyToComment("f1", "c1", "agreed"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	reply, _ := protocol.DecodePayload[protocol.CommentAddPayload](sender.last(t))
	if reply.ParentCommentID != "c1" || reply.Content != "agreed" {
		t.Fatalf("reply = %+v, want parent c1", reply)
	}

	if err := d.EditComment("f1", "c1", "changed"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got := sender.last(t).Type; got != protocol.TypeCommentEdit {
		t.Fatalf("type = %q, want %q", got, protocol.TypeCommentEdit)
	}
	if err := d.DeleteComment("f1", "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := sender.last(t).Type; got != protocol.TypeCommentDelete {
		t.Fatalf("type = %q, want %q", got, protocol.TypeCommentDelete)
	}
	if err := d.ResolveComment("f1", "c1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := sender.last(t).Type; got != protocol.TypeCommentResolve {
		t.Fatalf("type = %q, want %q", got, protocol.TypeCommentResolve)
	}
}

func TestCursorIntentCanClear(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(sender)

	if err := d.UpdateCursor(nil); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if got := string(sender.last(t).Payload); got != `{"cursor":null}` {
		t.Fatalf("payload = %s, want cursor null", got)
	}
}

func TestDispatcherValidatesIDs(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(sender)

	if err := d.UnlockFinding(" "); err == nil {
		t.Fatal("expected error for blank finding id")
	}
	if err := d.ReplyToComment("f1", "", "x"); err == nil {
		t.Fatal("expected error for blank parent id")
	}
	if len(sender.frames) != 0 {
		t.Fatalf("frames = %d, want 0", len(sender.frames))
	}
}

func TestDispatcherSwallowsDisconnectedDrop(t *testing.T) {
	d := newTestDispatcher(&fakeSender{err: ErrNotConnected})
	if err := d.AddComment("f1", "hi"); err != nil {
		t.Fatalf("add comment = %v, want nil", err)
	}

	d = newTestDispatcher(&fakeSender{err: ErrClosed})
	if err := d.AddComment("f1", "hi"); !errors.Is(err, ErrClosed) {
		t.Fatalf("add comment = %v, want %v", err, ErrClosed)
	}
}
