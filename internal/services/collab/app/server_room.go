package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	apperrors "github.com/louisbranch/findingsync/internal/platform/errors"
	"github.com/louisbranch/findingsync/internal/platform/id"
	"github.com/louisbranch/findingsync/internal/services/collab/protocol"
	"github.com/louisbranch/findingsync/internal/services/collab/storage"
)

// presenceColors is the palette member colors are drawn from.
var presenceColors = []string{
	"#e5484d", "#f76b15", "#ffc53d", "#46a758",
	"#12a594", "#0090ff", "#6e56cf", "#d6409f",
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// wsSession is one connection speaking for an identity inside a room.
type wsSession struct {
	identity protocol.Identity
	locale   string
	peer     *wsPeer
	room     *room
}

// delivery is a frame and the peers it goes to.
type delivery struct {
	frame protocol.Frame
	to    []*wsPeer
}

type roomHub struct {
	mu      sync.Mutex
	rooms   map[string]*room
	store   storage.Store
	lockTTL time.Duration
	now     func() time.Time
}

func newRoomHub(store storage.Store, lockTTL time.Duration, now func() time.Time) *roomHub {
	if now == nil {
		now = time.Now
	}
	return &roomHub{
		rooms:   make(map[string]*room),
		store:   store,
		lockTTL: lockTTL,
		now:     now,
	}
}

// join attaches peer to a room, creating it and loading its persisted state
// on first use.
func (h *roomHub) join(ctx context.Context, roomID string, peer *wsPeer) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		r = newRoom(roomID, h.store, h.lockTTL, h.now)
		if err := r.load(ctx); err != nil {
			return nil, err
		}
		h.rooms[roomID] = r
	}
	r.attach(peer)
	return r, nil
}

// leave detaches peer and drops the room once nobody is attached.
func (h *roomHub) leave(r *room, peer *wsPeer) {
	if r == nil || peer == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if r.detach(peer) && h.rooms[r.id] == r {
		delete(h.rooms, r.id)
	}
}

func (h *roomHub) room(roomID string) (*room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	return r, ok
}

func (h *roomHub) snapshotRooms() []*room {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

func (h *roomHub) runSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

// sweep evicts expired locks from live rooms and purges them from storage.
func (h *roomHub) sweep(ctx context.Context) {
	now := h.now()
	for _, r := range h.snapshotRooms() {
		r.evictExpiredLocks(now)
	}
	if h.store == nil {
		return
	}
	if _, err := h.store.DeleteExpiredLocks(ctx, now); err != nil && ctx.Err() == nil {
		log.Printf("collab: purge expired locks: %v", err)
	}
}

type member struct {
	user  protocol.User
	conns int
}

// room owns the authoritative state of one collaboration room. State is
// guarded by mu; sendMu keeps fan-out in commit order.
type room struct {
	mu     sync.Mutex
	sendMu sync.Mutex

	id      string
	store   storage.Store
	lockTTL time.Duration
	now     func() time.Time

	peers       map[*wsPeer]struct{}
	members     map[string]*member
	memberOrder []string
	locks       map[string]protocol.FindingLock
	comments    map[string]*protocol.Comment
	threads     map[string][]string
	cursors     map[string]protocol.Cursor
	selections  map[string]protocol.Selection
}

func newRoom(roomID string, store storage.Store, lockTTL time.Duration, now func() time.Time) *room {
	return &room{
		id:         roomID,
		store:      store,
		lockTTL:    lockTTL,
		now:        now,
		peers:      make(map[*wsPeer]struct{}),
		members:    make(map[string]*member),
		locks:      make(map[string]protocol.FindingLock),
		comments:   make(map[string]*protocol.Comment),
		threads:    make(map[string][]string),
		cursors:    make(map[string]protocol.Cursor),
		selections: make(map[string]protocol.Selection),
	}
}

func (r *room) load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	comments, err := r.store.ListComments(ctx, r.id)
	if err != nil {
		return fmt.Errorf("load room %s comments: %w", r.id, err)
	}
	locks, err := r.store.ListLocks(ctx, r.id)
	if err != nil {
		return fmt.Errorf("load room %s locks: %w", r.id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range comments {
		comment := commentFromRecord(record)
		r.comments[comment.ID] = &comment
		r.threads[comment.FindingID] = append(r.threads[comment.FindingID], comment.ID)
	}
	now := protocol.Millis(r.now())
	for _, record := range locks {
		lock := lockFromRecord(record)
		if lock.Expired(now) {
			continue
		}
		r.locks[lock.FindingID] = lock
	}
	return nil
}

func (r *room) attach(peer *wsPeer) {
	r.mu.Lock()
	r.peers[peer] = struct{}{}
	r.mu.Unlock()
}

func (r *room) detach(peer *wsPeer) bool {
	r.mu.Lock()
	delete(r.peers, peer)
	empty := len(r.peers) == 0
	r.mu.Unlock()
	return empty
}

// commit runs fn under the room lock and delivers what it returns before any
// later commit delivers.
func (r *room) commit(fn func() ([]delivery, error)) error {
	r.mu.Lock()
	out, err := fn()
	r.sendMu.Lock()
	r.mu.Unlock()
	defer r.sendMu.Unlock()

	for _, d := range out {
		for _, peer := range d.to {
			if writeErr := peer.writeFrame(d.frame); writeErr != nil {
				log.Printf("collab: room %s: write %s frame: %v", r.id, d.frame.Type, writeErr)
			}
		}
	}
	return err
}

func (r *room) everyone() []*wsPeer {
	peers := make([]*wsPeer, 0, len(r.peers))
	for peer := range r.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (r *room) others(except *wsPeer) []*wsPeer {
	peers := make([]*wsPeer, 0, len(r.peers))
	for peer := range r.peers {
		if peer != except {
			peers = append(peers, peer)
		}
	}
	return peers
}

func frameFrom(frameType string, userID string, userName string, payload any, at time.Time) protocol.Frame {
	return protocol.Frame{
		Type:      frameType,
		UserID:    userID,
		UserName:  userName,
		Timestamp: protocol.Millis(at),
		Payload:   mustJSON(payload),
	}
}

func (s *wsSession) frame(frameType string, payload any, at time.Time) protocol.Frame {
	return frameFrom(frameType, s.identity.UserID, s.identity.UserName, payload, at)
}

// touch refreshes the member's activity clock. Caller holds r.mu.
func (r *room) touch(userID string, at time.Time) *member {
	m, ok := r.members[userID]
	if !ok {
		return nil
	}
	if ms := protocol.Millis(at); ms > m.user.LastActive {
		m.user.LastActive = ms
	}
	return m
}

// enter registers the session's presence. The room hears about the user
// only on their first connection.
func (r *room) enter(s *wsSession) error {
	return r.commit(func() ([]delivery, error) {
		now := r.now()
		name := norm.NFC.String(s.identity.UserName)
		m, ok := r.members[s.identity.UserID]
		if !ok {
			m = &member{user: protocol.User{
				ID:    s.identity.UserID,
				Color: colorFor(s.identity.UserID),
			}}
			r.members[s.identity.UserID] = m
			r.memberOrder = append(r.memberOrder, s.identity.UserID)
		}
		m.conns++
		m.user.Name = name
		r.touch(s.identity.UserID, now)
		if m.conns > 1 {
			return nil, nil
		}

		return []delivery{{
			frame: s.frame(protocol.TypeUserJoin, protocol.UserJoinPayload{User: r.userLocked(m)}, now),
			to:    r.others(s.peer),
		}}, nil
	})
}

// exit drops one connection of the session's user and announces the
// departure once the user has no connections left. Locks stay until expiry.
func (r *room) exit(s *wsSession) error {
	return r.commit(func() ([]delivery, error) {
		m, ok := r.members[s.identity.UserID]
		if !ok {
			return nil, nil
		}
		m.conns--
		if m.conns > 0 {
			return nil, nil
		}
		delete(r.members, s.identity.UserID)
		delete(r.cursors, s.identity.UserID)
		delete(r.selections, s.identity.UserID)
		for i, userID := range r.memberOrder {
			if userID == s.identity.UserID {
				r.memberOrder = append(r.memberOrder[:i], r.memberOrder[i+1:]...)
				break
			}
		}

		return []delivery{{
			frame: s.frame(protocol.TypeUserLeave, protocol.UserLeavePayload{UserID: s.identity.UserID}, r.now()),
			to:    r.others(s.peer),
		}}, nil
	})
}

// userLocked returns a copy of the member's presence record with its
// current cursor and selection. Caller holds r.mu.
func (r *room) userLocked(m *member) protocol.User {
	user := m.user
	user.Cursor = nil
	user.Selection = nil
	if cursor, ok := r.cursors[user.ID]; ok {
		c := cursor
		if cursor.Offset != nil {
			offset := *cursor.Offset
			c.Offset = &offset
		}
		user.Cursor = &c
	}
	if selection, ok := r.selections[user.ID]; ok {
		sel := selection
		user.Selection = &sel
	}
	return user
}

// snapshotLocked builds the full room state. Caller holds r.mu.
func (r *room) snapshotLocked(now time.Time) protocol.SyncResponsePayload {
	payload := protocol.SyncResponsePayload{
		Users:      make([]protocol.User, 0, len(r.memberOrder)),
		Locks:      make([]protocol.FindingLock, 0, len(r.locks)),
		Comments:   make(map[string][]protocol.Comment, len(r.threads)),
		Cursors:    make(map[string]protocol.Cursor, len(r.cursors)),
		Selections: make(map[string]protocol.Selection, len(r.selections)),
	}
	for _, userID := range r.memberOrder {
		if m, ok := r.members[userID]; ok {
			payload.Users = append(payload.Users, r.userLocked(m))
		}
	}
	nowMillis := protocol.Millis(now)
	for _, lock := range r.locks {
		if !lock.Expired(nowMillis) {
			payload.Locks = append(payload.Locks, lock)
		}
	}
	sort.Slice(payload.Locks, func(i, j int) bool {
		return payload.Locks[i].FindingID < payload.Locks[j].FindingID
	})
	for findingID, ids := range r.threads {
		thread := make([]protocol.Comment, 0, len(ids))
		for _, commentID := range ids {
			if comment, ok := r.comments[commentID]; ok {
				thread = append(thread, wireComment(*comment))
			}
		}
		if len(thread) > 0 {
			payload.Comments[findingID] = thread
		}
	}
	for userID, cursor := range r.cursors {
		payload.Cursors[userID] = cursor
	}
	for userID, selection := range r.selections {
		payload.Selections[userID] = selection
	}
	return payload
}

// sync answers the session with the full room state.
func (r *room) sync(s *wsSession) error {
	return r.commit(func() ([]delivery, error) {
		now := r.now()
		return []delivery{{
			frame: frameFrom(protocol.TypeSyncResponse, "", "", r.snapshotLocked(now), now),
			to:    []*wsPeer{s.peer},
		}}, nil
	})
}

func (r *room) updateCursor(s *wsSession, cursor *protocol.Cursor) error {
	return r.commit(func() ([]delivery, error) {
		now := r.now()
		r.touch(s.identity.UserID, now)
		if cursor == nil {
			delete(r.cursors, s.identity.UserID)
		} else {
			r.cursors[s.identity.UserID] = *cursor
		}
		return []delivery{{
			frame: s.frame(protocol.TypeUserCursor, protocol.CursorPayload{Cursor: cursor}, now),
			to:    r.others(s.peer),
		}}, nil
	})
}

func (r *room) updateSelection(s *wsSession, selection *protocol.Selection) error {
	return r.commit(func() ([]delivery, error) {
		now := r.now()
		r.touch(s.identity.UserID, now)
		if selection == nil {
			delete(r.selections, s.identity.UserID)
		} else {
			r.selections[s.identity.UserID] = *selection
		}
		return []delivery{{
			frame: s.frame(protocol.TypeUserSelection, protocol.SelectionPayload{Selection: selection}, now),
			to:    r.others(s.peer),
		}}, nil
	})
}

// lockFinding grants the lock to the first requester. A request by the
// current holder refreshes the lease. Denials go to the requester only.
func (r *room) lockFinding(ctx context.Context, s *wsSession, findingID string) error {
	findingID = strings.TrimSpace(findingID)
	if findingID == "" {
		return apperrors.New(apperrors.CodeFindingIDRequired, "finding id is required")
	}
	return r.commit(func() ([]delivery, error) {
		now := r.now()
		r.touch(s.identity.UserID, now)

		if held, ok := r.locks[findingID]; ok && !held.Expired(protocol.Millis(now)) && held.UserID != s.identity.UserID {
			return []delivery{{
				frame: s.frame(protocol.TypeFindingLock, protocol.LockResultPayload{
					FindingID: findingID,
					Success:   false,
					Error:     fmt.Sprintf("finding is locked by %s", held.UserName),
				}, now),
				to: []*wsPeer{s.peer},
			}}, nil
		}

		lock := protocol.FindingLock{
			FindingID: findingID,
			UserID:    s.identity.UserID,
			UserName:  s.identity.UserName,
			LockedAt:  protocol.Millis(now),
			ExpiresAt: protocol.Millis(now.Add(r.lockTTL)),
		}
		if r.store != nil {
			if err := r.store.PutLock(ctx, lockRecord(r.id, lock)); err != nil {
				log.Printf("collab: room %s: persist lock on %s: %v", r.id, findingID, err)
				return []delivery{{
					frame: s.frame(protocol.TypeFindingLock, protocol.LockResultPayload{
						FindingID: findingID,
						Success:   false,
						Error:     "lock could not be recorded",
					}, now),
					to: []*wsPeer{s.peer},
				}}, nil
			}
		}
		r.locks[findingID] = lock

		granted := lock
		return []delivery{{
			frame: s.frame(protocol.TypeFindingLock, protocol.LockResultPayload{
				FindingID: findingID,
				Success:   true,
				Lock:      &granted,
			}, now),
			to: r.everyone(),
		}}, nil
	})
}

// unlockFinding releases a lock held by the session's user. Releasing a
// finding nobody holds is a no-op.
func (r *room) unlockFinding(ctx context.Context, s *wsSession, findingID string) error {
	findingID = strings.TrimSpace(findingID)
	if findingID == "" {
		return apperrors.New(apperrors.CodeFindingIDRequired, "finding id is required")
	}
	return r.commit(func() ([]delivery, error) {
		now := r.now()
		r.touch(s.identity.UserID, now)

		held, ok := r.locks[findingID]
		if !ok || held.Expired(protocol.Millis(now)) {
			return nil, nil
		}
		if held.UserID != s.identity.UserID {
			return nil, apperrors.WithMetadata(apperrors.CodeLockNotHeld, "lock is held by another user", map[string]string{
				"FindingID":  findingID,
				"HolderName": held.UserName,
			})
		}
		if r.store != nil {
			if err := r.store.DeleteLock(ctx, r.id, findingID); err != nil {
				return nil, storeError("delete lock", err)
			}
		}
		delete(r.locks, findingID)

		return []delivery{{
			frame: s.frame(protocol.TypeFindingUnlock, protocol.FindingRef{FindingID: findingID}, now),
			to:    r.everyone(),
		}}, nil
	})
}

// evictExpiredLocks drops lapsed locks and announces each release.
func (r *room) evictExpiredLocks(now time.Time) {
	_ = r.commit(func() ([]delivery, error) {
		nowMillis := protocol.Millis(now)
		var expired []protocol.FindingLock
		for findingID, lock := range r.locks {
			if lock.Expired(nowMillis) {
				expired = append(expired, lock)
				delete(r.locks, findingID)
			}
		}
		if len(expired) == 0 {
			return nil, nil
		}
		sort.Slice(expired, func(i, j int) bool {
			return expired[i].FindingID < expired[j].FindingID
		})

		peers := r.everyone()
		out := make([]delivery, 0, len(expired))
		for _, lock := range expired {
			log.Printf("collab: room %s: lock on %s held by %s expired", r.id, lock.FindingID, lock.UserID)
			out = append(out, delivery{
				frame: frameFrom(protocol.TypeFindingUnlock, lock.UserID, lock.UserName, protocol.FindingRef{FindingID: lock.FindingID}, now),
				to:    peers,
			})
		}
		return out, nil
	})
}

// updateFinding relays a field write. When the finding is locked only the
// holder may write it.
func (r *room) updateFinding(s *wsSession, payload protocol.FindingUpdatePayload) error {
	payload.FindingID = strings.TrimSpace(payload.FindingID)
	payload.Field = strings.TrimSpace(payload.Field)
	if payload.FindingID == "" {
		return apperrors.New(apperrors.CodeFindingIDRequired, "finding id is required")
	}
	if payload.Field == "" {
		return apperrors.New(apperrors.CodeFieldRequired, "finding field is required")
	}
	if len(payload.Value) == 0 {
		payload.Value = json.RawMessage("null")
	}
	return r.commit(func() ([]delivery, error) {
		now := r.now()
		r.touch(s.identity.UserID, now)

		if held, ok := r.locks[payload.FindingID]; ok && !held.Expired(protocol.Millis(now)) && held.UserID != s.identity.UserID {
			return nil, apperrors.WithMetadata(apperrors.CodeLockHeld, "finding is locked by another user", map[string]string{
				"FindingID":  payload.FindingID,
				"HolderName": held.UserName,
			})
		}
		payload.Success = true
		return []delivery{{
			frame: s.frame(protocol.TypeFindingUpdate, payload, now),
			to:    r.everyone(),
		}}, nil
	})
}

// addComment stores a new top-level comment or a reply and broadcasts it to
// the whole room, the author included.
func (r *room) addComment(ctx context.Context, s *wsSession, payload protocol.CommentAddPayload) error {
	findingID := strings.TrimSpace(payload.FindingID)
	if findingID == "" {
		return apperrors.New(apperrors.CodeFindingIDRequired, "finding id is required")
	}
	content, err := normalizeContent(payload.Content)
	if err != nil {
		return err
	}
	parentID := strings.TrimSpace(payload.ParentCommentID)
	prefix := "cmt"
	if parentID != "" {
		prefix = "rpl"
	}
	newID, err := id.NewPrefixedID(prefix)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "generate comment id", err)
	}

	if parentID != "" {
		return r.addReply(ctx, s, findingID, parentID, newID, content)
	}

	return r.commit(func() ([]delivery, error) {
		now := r.now()
		r.touch(s.identity.UserID, now)

		comment := protocol.Comment{
			ID:        newID,
			FindingID: findingID,
			UserID:    s.identity.UserID,
			UserName:  s.identity.UserName,
			Content:   content,
			CreatedAt: protocol.Millis(now),
			Replies:   []protocol.Reply{},
		}
		if r.store != nil {
			if err := r.store.CreateComment(ctx, commentRecord(r.id, comment)); err != nil {
				return nil, storeError("create comment", err)
			}
		}
		r.comments[comment.ID] = &comment
		r.threads[findingID] = append(r.threads[findingID], comment.ID)

		created := wireComment(comment)
		return []delivery{{
			frame: s.frame(protocol.TypeCommentAdd, protocol.CommentAddPayload{
				FindingID: findingID,
				Comment:   &created,
			}, now),
			to: r.everyone(),
		}}, nil
	})
}

func (r *room) addReply(ctx context.Context, s *wsSession, findingID string, parentID string, replyID string, content string) error {
	return r.commit(func() ([]delivery, error) {
		now := r.now()
		r.touch(s.identity.UserID, now)

		parent, ok := r.comments[parentID]
		if !ok || parent.FindingID != findingID {
			return nil, commentNotFound(parentID)
		}
		reply := protocol.Reply{
			ID:        replyID,
			UserID:    s.identity.UserID,
			UserName:  s.identity.UserName,
			Content:   content,
			CreatedAt: protocol.Millis(now),
		}
		if r.store != nil {
			if err := r.store.AddReply(ctx, r.id, parentID, replyRecord(reply)); err != nil {
				return nil, storeError("add reply", err)
			}
		}
		parent.Replies = append(parent.Replies, reply)

		return []delivery{{
			frame: s.frame(protocol.TypeCommentAdd, protocol.CommentAddPayload{
				FindingID:       findingID,
				ParentCommentID: parentID,
				Reply:           &reply,
			}, now),
			to: r.everyone(),
		}}, nil
	})
}

// editComment replaces the content of a comment written by the session's user.
func (r *room) editComment(ctx context.Context, s *wsSession, payload protocol.CommentEditPayload) error {
	findingID, commentID, err := commentRef(payload.FindingID, payload.CommentID)
	if err != nil {
		return err
	}
	content, err := normalizeContent(payload.Content)
	if err != nil {
		return err
	}
	return r.commit(func() ([]delivery, error) {
		now := r.now()
		r.touch(s.identity.UserID, now)

		comment, err := r.authoredComment(s, findingID, commentID)
		if err != nil {
			return nil, err
		}
		if r.store != nil {
			if err := r.store.UpdateCommentContent(ctx, r.id, commentID, content, now); err != nil {
				return nil, storeError("update comment", err)
			}
		}
		comment.Content = content
		comment.EditedAt = protocol.Millis(now)

		return []delivery{{
			frame: s.frame(protocol.TypeCommentEdit, protocol.CommentEditPayload{
				FindingID: findingID,
				CommentID: commentID,
				Content:   content,
				EditedAt:  comment.EditedAt,
			}, now),
			to: r.everyone(),
		}}, nil
	})
}

// deleteComment removes a comment written by the session's user, replies
// included.
func (r *room) deleteComment(ctx context.Context, s *wsSession, payload protocol.CommentDeletePayload) error {
	findingID, commentID, err := commentRef(payload.FindingID, payload.CommentID)
	if err != nil {
		return err
	}
	return r.commit(func() ([]delivery, error) {
		now := r.now()
		r.touch(s.identity.UserID, now)

		if _, err := r.authoredComment(s, findingID, commentID); err != nil {
			return nil, err
		}
		if r.store != nil {
			if err := r.store.DeleteComment(ctx, r.id, commentID); err != nil {
				return nil, storeError("delete comment", err)
			}
		}
		delete(r.comments, commentID)
		thread := r.threads[findingID]
		for i, existing := range thread {
			if existing == commentID {
				thread = append(thread[:i], thread[i+1:]...)
				break
			}
		}
		if len(thread) == 0 {
			delete(r.threads, findingID)
		} else {
			r.threads[findingID] = thread
		}

		return []delivery{{
			frame: s.frame(protocol.TypeCommentDelete, protocol.CommentDeletePayload{
				FindingID: findingID,
				CommentID: commentID,
			}, now),
			to: r.everyone(),
		}}, nil
	})
}

// resolveComment marks a comment resolved. Any member may resolve, once.
func (r *room) resolveComment(ctx context.Context, s *wsSession, payload protocol.CommentResolvePayload) error {
	findingID, commentID, err := commentRef(payload.FindingID, payload.CommentID)
	if err != nil {
		return err
	}
	return r.commit(func() ([]delivery, error) {
		now := r.now()
		r.touch(s.identity.UserID, now)

		comment, ok := r.comments[commentID]
		if !ok || comment.FindingID != findingID {
			return nil, commentNotFound(commentID)
		}
		if comment.Resolved {
			return nil, apperrors.New(apperrors.CodeCommentAlreadyResolved, "comment is already resolved")
		}
		if r.store != nil {
			if err := r.store.ResolveComment(ctx, r.id, commentID, s.identity.UserID); err != nil {
				return nil, storeError("resolve comment", err)
			}
		}
		comment.Resolved = true
		comment.ResolvedBy = s.identity.UserID

		return []delivery{{
			frame: s.frame(protocol.TypeCommentResolve, protocol.CommentResolvePayload{
				FindingID:  findingID,
				CommentID:  commentID,
				ResolvedBy: s.identity.UserID,
			}, now),
			to: r.everyone(),
		}}, nil
	})
}

// authoredComment returns the comment when the session's user wrote it.
// Caller holds r.mu.
func (r *room) authoredComment(s *wsSession, findingID string, commentID string) (*protocol.Comment, error) {
	comment, ok := r.comments[commentID]
	if !ok || comment.FindingID != findingID {
		return nil, commentNotFound(commentID)
	}
	if comment.UserID != s.identity.UserID {
		return nil, apperrors.New(apperrors.CodeNotAuthor, "only the author can change a comment")
	}
	return comment, nil
}

func commentRef(findingID string, commentID string) (string, string, error) {
	findingID = strings.TrimSpace(findingID)
	commentID = strings.TrimSpace(commentID)
	if findingID == "" {
		return "", "", apperrors.New(apperrors.CodeFindingIDRequired, "finding id is required")
	}
	if commentID == "" {
		return "", "", apperrors.New(apperrors.CodeCommentIDRequired, "comment id is required")
	}
	return findingID, commentID, nil
}

func commentNotFound(commentID string) error {
	return apperrors.WithMetadata(apperrors.CodeCommentNotFound, "comment not found", map[string]string{
		"CommentID": commentID,
	})
}

// normalizeContent trims and NFC-normalizes comment text and enforces its
// length bounds.
func normalizeContent(content string) (string, error) {
	content = norm.NFC.String(strings.TrimSpace(content))
	if content == "" {
		return "", apperrors.New(apperrors.CodeCommentEmptyContent, "comment content is required")
	}
	if utf8.RuneCountInString(content) > maxCommentRunes {
		return "", apperrors.WithMetadata(apperrors.CodeCommentTooLong, "comment content is too long", map[string]string{
			"Limit": strconv.Itoa(maxCommentRunes),
		})
	}
	return content, nil
}

func storeError(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.Wrap(apperrors.CodeCommentNotFound, op, err)
	case errors.Is(err, storage.ErrAlreadyResolved):
		return apperrors.Wrap(apperrors.CodeCommentAlreadyResolved, op, err)
	default:
		return apperrors.Wrap(apperrors.CodeUnavailable, op, err)
	}
}

func colorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return presenceColors[h.Sum32()%uint32(len(presenceColors))]
}

// wireComment copies c so that it can leave the room lock.
func wireComment(c protocol.Comment) protocol.Comment {
	c = c.Clone()
	if c.Replies == nil {
		c.Replies = []protocol.Reply{}
	}
	return c
}

func commentRecord(roomID string, c protocol.Comment) storage.Comment {
	return storage.Comment{
		RoomID:     roomID,
		ID:         c.ID,
		FindingID:  c.FindingID,
		UserID:     c.UserID,
		UserName:   c.UserName,
		UserAvatar: c.UserAvatar,
		Content:    c.Content,
		CreatedAt:  protocol.Time(c.CreatedAt),
		EditedAt:   protocol.Time(c.EditedAt),
		Resolved:   c.Resolved,
		ResolvedBy: c.ResolvedBy,
	}
}

func commentFromRecord(record storage.Comment) protocol.Comment {
	comment := protocol.Comment{
		ID:         record.ID,
		FindingID:  record.FindingID,
		UserID:     record.UserID,
		UserName:   record.UserName,
		UserAvatar: record.UserAvatar,
		Content:    record.Content,
		CreatedAt:  protocol.Millis(record.CreatedAt),
		EditedAt:   protocol.Millis(record.EditedAt),
		Resolved:   record.Resolved,
		ResolvedBy: record.ResolvedBy,
		Replies:    make([]protocol.Reply, 0, len(record.Replies)),
	}
	for _, reply := range record.Replies {
		comment.Replies = append(comment.Replies, protocol.Reply{
			ID:        reply.ID,
			UserID:    reply.UserID,
			UserName:  reply.UserName,
			Content:   reply.Content,
			CreatedAt: protocol.Millis(reply.CreatedAt),
		})
	}
	return comment
}

func replyRecord(reply protocol.Reply) storage.Reply {
	return storage.Reply{
		ID:        reply.ID,
		UserID:    reply.UserID,
		UserName:  reply.UserName,
		Content:   reply.Content,
		CreatedAt: protocol.Time(reply.CreatedAt),
	}
}

func lockRecord(roomID string, lock protocol.FindingLock) storage.Lock {
	return storage.Lock{
		RoomID:    roomID,
		FindingID: lock.FindingID,
		UserID:    lock.UserID,
		UserName:  lock.UserName,
		LockedAt:  protocol.Time(lock.LockedAt),
		ExpiresAt: protocol.Time(lock.ExpiresAt),
	}
}

func lockFromRecord(record storage.Lock) protocol.FindingLock {
	return protocol.FindingLock{
		FindingID: record.FindingID,
		UserID:    record.UserID,
		UserName:  record.UserName,
		LockedAt:  protocol.Millis(record.LockedAt),
		ExpiresAt: protocol.Millis(record.ExpiresAt),
	}
}
