package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/findingsync/internal/platform/errors"
	"github.com/louisbranch/findingsync/internal/services/collab/protocol"
	"github.com/louisbranch/findingsync/internal/services/collab/storage"
	"github.com/louisbranch/findingsync/internal/services/collab/storage/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// frameRecorder captures every frame a peer is sent. Each encoder write is
// one frame.
type frameRecorder struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (r *frameRecorder) Write(p []byte) (int, error) {
	frame, err := protocol.Decode(p)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.mu.Unlock()
	return len(p), nil
}

func (r *frameRecorder) take() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames := r.frames
	r.frames = nil
	return frames
}

type roomHarness struct {
	t     *testing.T
	clock *fakeClock
	hub   *roomHub
}

func newRoomHarness(t *testing.T, store storage.Store) *roomHarness {
	t.Helper()
	clock := newFakeClock()
	return &roomHarness{
		t:     t,
		clock: clock,
		hub:   newRoomHub(store, time.Minute, clock.Now),
	}
}

func (h *roomHarness) enter(userID string, userName string) (*wsSession, *frameRecorder) {
	h.t.Helper()
	recorder := &frameRecorder{}
	peer := newWSPeer(json.NewEncoder(recorder))
	room, err := h.hub.join(context.Background(), "room-1", peer)
	if err != nil {
		h.t.Fatalf("join room: %v", err)
	}
	session := &wsSession{
		identity: protocol.Identity{RoomID: "room-1", UserID: userID, UserName: userName},
		locale:   "en-US",
		peer:     peer,
		room:     room,
	}
	if err := room.enter(session); err != nil {
		h.t.Fatalf("enter room: %v", err)
	}
	return session, recorder
}

func (h *roomHarness) leave(session *wsSession) {
	h.t.Helper()
	if err := session.room.exit(session); err != nil {
		h.t.Fatalf("exit room: %v", err)
	}
	h.hub.leave(session.room, session.peer)
}

func syncState(t *testing.T, session *wsSession, recorder *frameRecorder) protocol.SyncResponsePayload {
	t.Helper()
	recorder.take()
	if err := session.room.sync(session); err != nil {
		t.Fatalf("sync: %v", err)
	}
	frames := recorder.take()
	if len(frames) != 1 || frames[0].Type != protocol.TypeSyncResponse {
		t.Fatalf("frames = %+v, want one sync response", frames)
	}
	return decodePayload[protocol.SyncResponsePayload](t, frames[0])
}

func decodePayload[T any](t *testing.T, frame protocol.Frame) T {
	t.Helper()
	payload, err := protocol.DecodePayload[T](frame)
	if err != nil {
		t.Fatalf("decode %s payload: %v", frame.Type, err)
	}
	return payload
}

func onlyFrame(t *testing.T, recorder *frameRecorder, frameType string) protocol.Frame {
	t.Helper()
	frames := recorder.take()
	if len(frames) != 1 {
		t.Fatalf("frames = %d (%+v), want 1 %s", len(frames), frames, frameType)
	}
	if frames[0].Type != frameType {
		t.Fatalf("frame type = %q, want %q", frames[0].Type, frameType)
	}
	return frames[0]
}

func expectNoFrames(t *testing.T, recorder *frameRecorder) {
	t.Helper()
	if frames := recorder.take(); len(frames) != 0 {
		t.Fatalf("frames = %+v, want none", frames)
	}
}

func expectCode(t *testing.T, err error, want apperrors.Code) {
	t.Helper()
	if got := apperrors.CodeOf(err); got != want {
		t.Fatalf("code = %q (err %v), want %q", got, err, want)
	}
}

func TestRoomEnterAnnouncesToOthers(t *testing.T) {
	h := newRoomHarness(t, nil)
	_, recA := h.enter("a", "Ada")
	expectNoFrames(t, recA)

	sessB, recB := h.enter("b", "Bea")
	expectNoFrames(t, recB)

	joined := onlyFrame(t, recA, protocol.TypeUserJoin)
	payload := decodePayload[protocol.UserJoinPayload](t, joined)
	if payload.User.ID != "b" || payload.User.Name != "Bea" {
		t.Fatalf("joined user = %+v, want b/Bea", payload.User)
	}
	if payload.User.Color == "" {
		t.Fatal("expected joined user to carry a color")
	}
	if joined.UserID != "b" {
		t.Fatalf("frame user = %q, want b", joined.UserID)
	}

	state := syncState(t, sessB, recB)
	if len(state.Users) != 2 || state.Users[0].ID != "a" || state.Users[1].ID != "b" {
		t.Fatalf("users = %+v, want a then b", state.Users)
	}
	if state.Users[0].LastActive != protocol.Millis(h.clock.Now()) {
		t.Fatalf("last active = %d, want %d", state.Users[0].LastActive, protocol.Millis(h.clock.Now()))
	}
}

func TestRoomSecondConnectionOfSameUserKeepsOneRecord(t *testing.T) {
	h := newRoomHarness(t, nil)
	sessA, recA := h.enter("a", "Ada")
	tab, _ := h.enter("a", "Ada")
	expectNoFrames(t, recA)
	_, recB := h.enter("b", "Bea")

	state := syncState(t, sessA, recA)
	if len(state.Users) != 2 {
		t.Fatalf("users = %+v, want a and b once each", state.Users)
	}

	recB.take()
	h.leave(tab)
	expectNoFrames(t, recB)

	h.leave(sessA)
	left := onlyFrame(t, recB, protocol.TypeUserLeave)
	if payload := decodePayload[protocol.UserLeavePayload](t, left); payload.UserID != "a" {
		t.Fatalf("left user = %q, want a", payload.UserID)
	}
}

func TestRoomCursorGoesToOthers(t *testing.T) {
	h := newRoomHarness(t, nil)
	sessA, recA := h.enter("a", "Ada")
	_, recB := h.enter("b", "Bea")
	recA.take()

	h.clock.Advance(time.Second)
	offset := 4
	if err := sessA.room.updateCursor(sessA, &protocol.Cursor{FindingID: "f1", Field: "title", Offset: &offset}); err != nil {
		t.Fatalf("update cursor: %v", err)
	}
	expectNoFrames(t, recA)
	frame := onlyFrame(t, recB, protocol.TypeUserCursor)
	if frame.UserID != "a" {
		t.Fatalf("cursor sender = %q, want a", frame.UserID)
	}

	state := syncState(t, sessA, recA)
	cursor, ok := state.Cursors["a"]
	if !ok || cursor.FindingID != "f1" || cursor.Offset == nil || *cursor.Offset != 4 {
		t.Fatalf("cursor = %+v, want f1 at 4", cursor)
	}
	if state.Users[0].Cursor == nil || state.Users[0].LastActive != protocol.Millis(h.clock.Now()) {
		t.Fatalf("user = %+v, want cursor and refreshed activity", state.Users[0])
	}

	if err := sessA.room.updateCursor(sessA, nil); err != nil {
		t.Fatalf("clear cursor: %v", err)
	}
	cleared := onlyFrame(t, recB, protocol.TypeUserCursor)
	if payload := decodePayload[protocol.CursorPayload](t, cleared); payload.Cursor != nil {
		t.Fatalf("cursor = %+v, want nil", payload.Cursor)
	}
	if state := syncState(t, sessA, recA); len(state.Cursors) != 0 {
		t.Fatalf("cursors = %+v, want none", state.Cursors)
	}
}

func TestRoomSelectionGoesToOthers(t *testing.T) {
	h := newRoomHarness(t, nil)
	sessA, recA := h.enter("a", "Ada")
	_, recB := h.enter("b", "Bea")
	recA.take()

	selection := &protocol.Selection{FindingID: "f1", Field: "description", Start: 2, End: 9}
	if err := sessA.room.updateSelection(sessA, selection); err != nil {
		t.Fatalf("update selection: %v", err)
	}
	expectNoFrames(t, recA)
	frame := onlyFrame(t, recB, protocol.TypeUserSelection)
	payload := decodePayload[protocol.SelectionPayload](t, frame)
	if payload.Selection == nil || payload.Selection.End != 9 {
		t.Fatalf("selection = %+v, want 2..9", payload.Selection)
	}
	if state := syncState(t, sessA, recA); state.Selections["a"].Start != 2 {
		t.Fatalf("selections = %+v, want a from 2", state.Selections)
	}
}

func TestRoomLockFirstRequestWins(t *testing.T) {
	h := newRoomHarness(t, nil)
	sessA, recA := h.enter("a", "Ada")
	sessB, recB := h.enter("b", "Bea")
	recA.take()

	if err := sessA.room.lockFinding(context.Background(), sessA, "f1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	for _, rec := range []*frameRecorder{recA, recB} {
		frame := onlyFrame(t, rec, protocol.TypeFindingLock)
		result := decodePayload[protocol.LockResultPayload](t, frame)
		if !result.Success || result.Lock == nil || result.Lock.UserID != "a" {
			t.Fatalf("lock result = %+v, want success for a", result)
		}
		if want := protocol.Millis(h.clock.Now().Add(time.Minute)); result.Lock.ExpiresAt != want {
			t.Fatalf("expires at = %d, want %d", result.Lock.ExpiresAt, want)
		}
	}

	if err := sessB.room.lockFinding(context.Background(), sessB, "f1"); err != nil {
		t.Fatalf("contended lock: %v", err)
	}
	expectNoFrames(t, recA)
	denied := decodePayload[protocol.LockResultPayload](t, onlyFrame(t, recB, protocol.TypeFindingLock))
	if denied.Success || denied.FindingID != "f1" || !strings.Contains(denied.Error, "Ada") {
		t.Fatalf("denied = %+v, want failure naming Ada", denied)
	}

	err := sessB.room.updateFinding(sessB, protocol.FindingUpdatePayload{FindingID: "f1", Field: "title", Value: json.RawMessage(`"x"`)})
	expectCode(t, err, apperrors.CodeLockHeld)
	expectNoFrames(t, recA)

	if err := sessA.room.updateFinding(sessA, protocol.FindingUpdatePayload{FindingID: "f1", Field: "title", Value: json.RawMessage(`"x"`)}); err != nil {
		t.Fatalf("holder update: %v", err)
	}
	update := decodePayload[protocol.FindingUpdatePayload](t, onlyFrame(t, recB, protocol.TypeFindingUpdate))
	if !update.Success || update.Field != "title" || string(update.Value) != `"x"` {
		t.Fatalf("update = %+v, want successful title write", update)
	}
	onlyFrame(t, recA, protocol.TypeFindingUpdate)
}

func TestRoomUpdateWithoutLockIsRelayed(t *testing.T) {
	h := newRoomHarness(t, nil)
	sessA, recA := h.enter("a", "Ada")

	if err := sessA.room.updateFinding(sessA, protocol.FindingUpdatePayload{FindingID: "f9", Field: protocol.FieldStatus, Value: json.RawMessage(`"open"`)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	onlyFrame(t, recA, protocol.TypeFindingUpdate)

	err := sessA.room.updateFinding(sessA, protocol.FindingUpdatePayload{FindingID: "f9"})
	expectCode(t, err, apperrors.CodeFieldRequired)
}

func TestRoomRelockByHolderRefreshesLease(t *testing.T) {
	h := newRoomHarness(t, nil)
	sessA, recA := h.enter("a", "Ada")

	if err := sessA.room.lockFinding(context.Background(), sessA, "f1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	recA.take()
	h.clock.Advance(30 * time.Second)
	if err := sessA.room.lockFinding(context.Background(), sessA, "f1"); err != nil {
		t.Fatalf("relock: %v", err)
	}
	result := decodePayload[protocol.LockResultPayload](t, onlyFrame(t, recA, protocol.TypeFindingLock))
	if !result.Success || result.Lock.ExpiresAt != protocol.Millis(h.clock.Now().Add(time.Minute)) {
		t.Fatalf("relock = %+v, want refreshed expiry", result)
	}
}

func TestRoomUnlockOnlyByHolder(t *testing.T) {
	h := newRoomHarness(t, nil)
	sessA, recA := h.enter("a", "Ada")
	sessB, recB := h.enter("b", "Bea")

	if err := sessA.room.lockFinding(context.Background(), sessA, "f1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	recA.take()
	recB.take()

	err := sessB.room.unlockFinding(context.Background(), sessB, "f1")
	expectCode(t, err, apperrors.CodeLockNotHeld)
	expectNoFrames(t, recA)

	if err := sessA.room.unlockFinding(context.Background(), sessA, "f1"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	for _, rec := range []*frameRecorder{recA, recB} {
		ref := decodePayload[protocol.FindingRef](t, onlyFrame(t, rec, protocol.TypeFindingUnlock))
		if ref.FindingID != "f1" {
			t.Fatalf("unlocked = %q, want f1", ref.FindingID)
		}
	}

	if err := sessA.room.unlockFinding(context.Background(), sessA, "f1"); err != nil {
		t.Fatalf("unlock of free finding: %v", err)
	}
	expectNoFrames(t, recA)
}

func TestRoomSweepEvictsExpiredLocks(t *testing.T) {
	h := newRoomHarness(t, nil)
	sessA, recA := h.enter("a", "Ada")
	sessB, recB := h.enter("b", "Bea")

	if err := sessA.room.lockFinding(context.Background(), sessA, "f1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	recA.take()
	recB.take()

	h.clock.Advance(30 * time.Second)
	h.hub.sweep(context.Background())
	expectNoFrames(t, recB)

	h.clock.Advance(time.Minute)
	if state := syncState(t, sessB, recB); len(state.Locks) != 0 {
		t.Fatalf("locks = %+v, want expired lock hidden from sync", state.Locks)
	}

	h.hub.sweep(context.Background())
	for _, rec := range []*frameRecorder{recA, recB} {
		frame := onlyFrame(t, rec, protocol.TypeFindingUnlock)
		if frame.UserID != "a" {
			t.Fatalf("unlock attributed to %q, want a", frame.UserID)
		}
	}

	if err := sessB.room.lockFinding(context.Background(), sessB, "f1"); err != nil {
		t.Fatalf("lock after expiry: %v", err)
	}
	result := decodePayload[protocol.LockResultPayload](t, onlyFrame(t, recB, protocol.TypeFindingLock))
	if !result.Success || result.Lock.UserID != "b" {
		t.Fatalf("lock after expiry = %+v, want b to hold f1", result)
	}
}

func TestRoomExitKeepsLocks(t *testing.T) {
	h := newRoomHarness(t, nil)
	sessA, recA := h.enter("a", "Ada")
	sessB, recB := h.enter("b", "Bea")

	if err := sessB.room.lockFinding(context.Background(), sessB, "f1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	recA.take()
	recB.take()
	h.leave(sessB)
	onlyFrame(t, recA, protocol.TypeUserLeave)
	expectNoFrames(t, recB)

	state := syncState(t, sessA, recA)
	if len(state.Users) != 1 || state.Users[0].ID != "a" {
		t.Fatalf("users = %+v, want only a", state.Users)
	}
	if len(state.Locks) != 1 || state.Locks[0].UserID != "b" {
		t.Fatalf("locks = %+v, want b's lock kept", state.Locks)
	}
}

func TestRoomCommentLifecycle(t *testing.T) {
	h := newRoomHarness(t, nil)
	sessA, recA := h.enter("a", "Ada")
	sessB, recB := h.enter("b", "Bea")
	recA.take()
	ctx := context.Background()

	if err := sessA.room.addComment(ctx, sessA, protocol.CommentAddPayload{FindingID: "f1", Content: "  cafe\u0301 "}); err != nil {
		t.Fatalf("add comment: %v", err)
	}
	var created protocol.Comment
	for _, rec := range []*frameRecorder{recA, recB} {
		payload := decodePayload[protocol.CommentAddPayload](t, onlyFrame(t, rec, protocol.TypeCommentAdd))
		if payload.Comment == nil {
			t.Fatal("expected comment in broadcast")
		}
		created = *payload.Comment
	}
	if created.Content != "caf\u00e9" {
		t.Fatalf("content = %q, want NFC %q", created.Content, "caf\u00e9")
	}
	if !strings.HasPrefix(created.ID, "cmt_") || created.UserID != "a" || created.CreatedAt == 0 {
		t.Fatalf("comment = %+v, want server-assigned id, author and time", created)
	}
	if created.Replies == nil {
		t.Fatal("expected empty replies list")
	}

	if err := sessB.room.addComment(ctx, sessB, protocol.CommentAddPayload{FindingID: "f1", Content: "agreed", ParentCommentID: created.ID}); err != nil {
		t.Fatalf("reply: %v", err)
	}
	reply := decodePayload[protocol.CommentAddPayload](t, onlyFrame(t, recA, protocol.TypeCommentAdd))
	if reply.ParentCommentID != created.ID || reply.Reply == nil || !strings.HasPrefix(reply.Reply.ID, "rpl_") {
		t.Fatalf("reply = %+v, want rpl_ reply under %s", reply, created.ID)
	}
	recB.take()

	edit := protocol.CommentEditPayload{FindingID: "f1", CommentID: created.ID, Content: "tea"}
	expectCode(t, sessB.room.editComment(ctx, sessB, edit), apperrors.CodeNotAuthor)

	h.clock.Advance(time.Minute)
	if err := sessA.room.editComment(ctx, sessA, edit); err != nil {
		t.Fatalf("edit: %v", err)
	}
	edited := decodePayload[protocol.CommentEditPayload](t, onlyFrame(t, recB, protocol.TypeCommentEdit))
	if edited.Content != "tea" || edited.EditedAt != protocol.Millis(h.clock.Now()) {
		t.Fatalf("edit = %+v, want tea at now", edited)
	}
	recA.take()

	resolve := protocol.CommentResolvePayload{FindingID: "f1", CommentID: created.ID}
	if err := sessB.room.resolveComment(ctx, sessB, resolve); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	resolved := decodePayload[protocol.CommentResolvePayload](t, onlyFrame(t, recA, protocol.TypeCommentResolve))
	if resolved.ResolvedBy != "b" {
		t.Fatalf("resolved by = %q, want b", resolved.ResolvedBy)
	}
	recB.take()
	expectCode(t, sessA.room.resolveComment(ctx, sessA, resolve), apperrors.CodeCommentAlreadyResolved)

	state := syncState(t, sessB, recB)
	thread := state.Comments["f1"]
	if len(thread) != 1 || !thread[0].Resolved || len(thread[0].Replies) != 1 || thread[0].Content != "tea" {
		t.Fatalf("thread = %+v, want one resolved edited comment with one reply", thread)
	}

	remove := protocol.CommentDeletePayload{FindingID: "f1", CommentID: created.ID}
	expectCode(t, sessB.room.deleteComment(ctx, sessB, remove), apperrors.CodeNotAuthor)
	if err := sessA.room.deleteComment(ctx, sessA, remove); err != nil {
		t.Fatalf("delete: %v", err)
	}
	onlyFrame(t, recB, protocol.TypeCommentDelete)
	if state := syncState(t, sessB, recB); len(state.Comments) != 0 {
		t.Fatalf("comments = %+v, want none", state.Comments)
	}
}

func TestRoomCommentValidation(t *testing.T) {
	h := newRoomHarness(t, nil)
	sessA, recA := h.enter("a", "Ada")
	ctx := context.Background()

	expectCode(t, sessA.room.addComment(ctx, sessA, protocol.CommentAddPayload{FindingID: "f1", Content: "   "}), apperrors.CodeCommentEmptyContent)
	expectCode(t, sessA.room.addComment(ctx, sessA, protocol.CommentAddPayload{Content: "hi"}), apperrors.CodeFindingIDRequired)
	expectCode(t, sessA.room.addComment(ctx, sessA, protocol.CommentAddPayload{FindingID: "f1", Content: strings.Repeat("x", maxCommentRunes+1)}), apperrors.CodeCommentTooLong)
	expectCode(t, sessA.room.addComment(ctx, sessA, protocol.CommentAddPayload{FindingID: "f1", Content: "hi", ParentCommentID: "missing"}), apperrors.CodeCommentNotFound)
	expectCode(t, sessA.room.editComment(ctx, sessA, protocol.CommentEditPayload{FindingID: "f1", Content: "hi"}), apperrors.CodeCommentIDRequired)
	expectCode(t, sessA.room.resolveComment(ctx, sessA, protocol.CommentResolvePayload{FindingID: "f1", CommentID: "missing"}), apperrors.CodeCommentNotFound)
	expectNoFrames(t, recA)
}

func TestRoomStatePersistsAcrossRestart(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "collab.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	first := newRoomHarness(t, store)
	sessA, recA := first.enter("a", "Ada")
	if err := sessA.room.addComment(ctx, sessA, protocol.CommentAddPayload{FindingID: "f1", Content: "first"}); err != nil {
		t.Fatalf("add comment: %v", err)
	}
	created := decodePayload[protocol.CommentAddPayload](t, onlyFrame(t, recA, protocol.TypeCommentAdd))
	if err := sessA.room.addComment(ctx, sessA, protocol.CommentAddPayload{FindingID: "f1", Content: "second", ParentCommentID: created.Comment.ID}); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if err := sessA.room.lockFinding(ctx, sessA, "f2"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	first.leave(sessA)
	if _, ok := first.hub.room("room-1"); ok {
		t.Fatal("expected empty room to be dropped")
	}

	second := newRoomHarness(t, store)
	sessB, recB := second.enter("b", "Bea")
	state := syncState(t, sessB, recB)
	thread := state.Comments["f1"]
	if len(thread) != 1 || thread[0].Content != "first" || len(thread[0].Replies) != 1 || thread[0].Replies[0].Content != "second" {
		t.Fatalf("thread = %+v, want persisted comment and reply", thread)
	}
	if len(state.Locks) != 1 || state.Locks[0].FindingID != "f2" || state.Locks[0].UserID != "a" {
		t.Fatalf("locks = %+v, want a's persisted lock on f2", state.Locks)
	}

	second.clock.Advance(2 * time.Minute)
	second.hub.sweep(ctx)
	onlyFrame(t, recB, protocol.TypeFindingUnlock)
	locks, err := store.ListLocks(ctx, "room-1")
	if err != nil {
		t.Fatalf("list locks: %v", err)
	}
	if len(locks) != 0 {
		t.Fatalf("stored locks = %+v, want expired lock purged", locks)
	}
}

func TestHubDropsEmptyRoom(t *testing.T) {
	h := newRoomHarness(t, nil)
	sessA, _ := h.enter("a", "Ada")
	if _, ok := h.hub.room("room-1"); !ok {
		t.Fatal("expected room to exist")
	}
	h.leave(sessA)
	if _, ok := h.hub.room("room-1"); ok {
		t.Fatal("expected room to be dropped")
	}
}

func TestColorForIsStable(t *testing.T) {
	if colorFor("a") != colorFor("a") {
		t.Fatal("expected same color for same user")
	}
	if colorFor("") == "" {
		t.Fatal("expected color for empty id")
	}
}
