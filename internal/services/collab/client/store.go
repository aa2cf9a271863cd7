package client

import (
	"sort"
	"sync"

	"github.com/louisbranch/findingsync/internal/services/collab/protocol"
)

// Snapshot is a point-in-time copy of room state. Callers own it.
type Snapshot struct {
	Version    uint64
	Users      []protocol.User
	Locks      []protocol.FindingLock
	Comments   map[string][]protocol.Comment
	Cursors    map[string]protocol.Cursor
	Selections map[string]protocol.Selection
}

// Change describes one applied mutation. Subscribers read what they need
// through the store accessors; no coalescing happens between changes.
type Change struct {
	Type    string
	Version uint64
}

// commentBucket keeps one finding's comments in arrival order.
type commentBucket struct {
	order []string
	byID  map[string]protocol.Comment
}

func newCommentBucket() *commentBucket {
	return &commentBucket{byID: make(map[string]protocol.Comment)}
}

// Store is the client-side mirror of one room. Only the router mutates it;
// everything else reads copies.
type Store struct {
	mu         sync.RWMutex
	version    uint64
	users      map[string]protocol.User
	userOrder  []string
	locks      map[string]protocol.FindingLock
	comments   map[string]*commentBucket
	cursors    map[string]protocol.Cursor
	selections map[string]protocol.Selection

	changes registry[Change]
}

// NewStore returns an empty room store.
func NewStore() *Store {
	s := &Store{}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.users = make(map[string]protocol.User)
	s.userOrder = nil
	s.locks = make(map[string]protocol.FindingLock)
	s.comments = make(map[string]*commentBucket)
	s.cursors = make(map[string]protocol.Cursor)
	s.selections = make(map[string]protocol.Selection)
}

// Subscribe registers fn to run after every mutation. The returned func
// removes the subscription.
func (s *Store) Subscribe(fn func(Change)) func() {
	return s.changes.add(fn)
}

// Version increments once per applied mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Users returns members in join order.
func (s *Store) Users() []protocol.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usersLocked()
}

func (s *Store) usersLocked() []protocol.User {
	users := make([]protocol.User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		users = append(users, cloneUser(s.users[id]))
	}
	return users
}

// User returns one member by id.
func (s *Store) User(userID string) (protocol.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	return cloneUser(user), ok
}

// Locks returns all known locks ordered by finding id.
func (s *Store) Locks() []protocol.FindingLock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locksLocked()
}

func (s *Store) locksLocked() []protocol.FindingLock {
	locks := make([]protocol.FindingLock, 0, len(s.locks))
	for _, lock := range s.locks {
		locks = append(locks, lock)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].FindingID < locks[j].FindingID })
	return locks
}

// Lock returns the live lock on findingID at nowMillis. Locks the server has
// not evicted yet but whose expiry has passed are reported as absent.
func (s *Store) Lock(findingID string, nowMillis int64) (protocol.FindingLock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok := s.locks[findingID]
	if !ok || lock.Expired(nowMillis) {
		return protocol.FindingLock{}, false
	}
	return lock, true
}

// Comments returns the comments of findingID in arrival order.
func (s *Store) Comments(findingID string) []protocol.Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bucketLocked(findingID)
}

func (s *Store) bucketLocked(findingID string) []protocol.Comment {
	bucket, ok := s.comments[findingID]
	if !ok {
		return []protocol.Comment{}
	}
	comments := make([]protocol.Comment, 0, len(bucket.order))
	for _, id := range bucket.order {
		comments = append(comments, bucket.byID[id].Clone())
	}
	return comments
}

// Comment returns one comment by finding and comment id.
func (s *Store) Comment(findingID string, commentID string) (protocol.Comment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.comments[findingID]
	if !ok {
		return protocol.Comment{}, false
	}
	comment, ok := bucket.byID[commentID]
	return comment.Clone(), ok
}

// Cursors returns the last known cursor of every member that has one.
func (s *Store) Cursors() map[string]protocol.Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cursors := make(map[string]protocol.Cursor, len(s.cursors))
	for id, cursor := range s.cursors {
		cursors[id] = cursor
	}
	return cursors
}

// Selections returns the last known selection of every member that has one.
func (s *Store) Selections() map[string]protocol.Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	selections := make(map[string]protocol.Selection, len(s.selections))
	for id, selection := range s.selections {
		selections[id] = selection
	}
	return selections
}

// Snapshot copies the whole room state under one read lock.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := Snapshot{
		Version:    s.version,
		Users:      s.usersLocked(),
		Locks:      s.locksLocked(),
		Comments:   make(map[string][]protocol.Comment, len(s.comments)),
		Cursors:    make(map[string]protocol.Cursor, len(s.cursors)),
		Selections: make(map[string]protocol.Selection, len(s.selections)),
	}
	for findingID := range s.comments {
		snapshot.Comments[findingID] = s.bucketLocked(findingID)
	}
	for id, cursor := range s.cursors {
		snapshot.Cursors[id] = cursor
	}
	for id, selection := range s.selections {
		snapshot.Selections[id] = selection
	}
	return snapshot
}

// mutate runs fn under the write lock and, when fn reports a change, bumps
// the version and notifies subscribers after the lock is released.
func (s *Store) mutate(changeType string, fn func() bool) bool {
	s.mu.Lock()
	changed := fn()
	if changed {
		s.version++
	}
	version := s.version
	s.mu.Unlock()

	if changed {
		s.changes.emit(Change{Type: changeType, Version: version})
	}
	return changed
}

// replaceAll discards local state in favor of a sync response.
func (s *Store) replaceAll(payload protocol.SyncResponsePayload) {
	s.mutate(protocol.TypeSyncResponse, func() bool {
		s.resetLocked()
		for _, user := range payload.Users {
			s.upsertUserLocked(user)
		}
		for _, lock := range payload.Locks {
			if lock.FindingID != "" {
				s.locks[lock.FindingID] = lock
			}
		}
		for findingID, comments := range payload.Comments {
			for _, comment := range comments {
				if comment.FindingID == "" {
					comment.FindingID = findingID
				}
				s.putCommentLocked(comment)
			}
		}
		for userID, cursor := range payload.Cursors {
			s.cursors[userID] = cursor
		}
		for userID, selection := range payload.Selections {
			s.selections[userID] = selection
		}
		return true
	})
}

// upsertUser replaces the member with the same id in place or appends it.
func (s *Store) upsertUser(user protocol.User) {
	s.mutate(protocol.TypeUserJoin, func() bool {
		s.upsertUserLocked(user)
		return true
	})
}

func (s *Store) upsertUserLocked(user protocol.User) {
	if user.ID == "" {
		return
	}
	if _, exists := s.users[user.ID]; !exists {
		s.userOrder = append(s.userOrder, user.ID)
	}
	s.users[user.ID] = cloneUser(user)
}

func (s *Store) removeUser(userID string) bool {
	return s.mutate(protocol.TypeUserLeave, func() bool {
		if _, ok := s.users[userID]; !ok {
			return false
		}
		delete(s.users, userID)
		for i, id := range s.userOrder {
			if id == userID {
				s.userOrder = append(s.userOrder[:i], s.userOrder[i+1:]...)
				break
			}
		}
		delete(s.cursors, userID)
		delete(s.selections, userID)
		return true
	})
}

func (s *Store) setCursor(userID string, cursor *protocol.Cursor, at int64) {
	s.mutate(protocol.TypeUserCursor, func() bool {
		if cursor == nil {
			delete(s.cursors, userID)
		} else {
			s.cursors[userID] = *cursor
		}
		if user, ok := s.users[userID]; ok {
			user.Cursor = copyCursor(cursor)
			s.touchLocked(&user, at)
			s.users[userID] = user
		}
		return true
	})
}

func (s *Store) setSelection(userID string, selection *protocol.Selection, at int64) {
	s.mutate(protocol.TypeUserSelection, func() bool {
		if selection == nil {
			delete(s.selections, userID)
		} else {
			s.selections[userID] = *selection
		}
		if user, ok := s.users[userID]; ok {
			user.Selection = copySelection(selection)
			s.touchLocked(&user, at)
			s.users[userID] = user
		}
		return true
	})
}

// touchLocked moves lastActive forward, never backward.
func (s *Store) touchLocked(user *protocol.User, at int64) {
	if at > user.LastActive {
		user.LastActive = at
	}
}

// upsertLock displaces any lock already recorded for the same finding.
func (s *Store) upsertLock(lock protocol.FindingLock) {
	s.mutate(protocol.TypeFindingLock, func() bool {
		if lock.FindingID == "" {
			return false
		}
		s.locks[lock.FindingID] = lock
		return true
	})
}

func (s *Store) removeLock(findingID string) bool {
	return s.mutate(protocol.TypeFindingUnlock, func() bool {
		if _, ok := s.locks[findingID]; !ok {
			return false
		}
		delete(s.locks, findingID)
		return true
	})
}

func (s *Store) putCommentLocked(comment protocol.Comment) {
	bucket, ok := s.comments[comment.FindingID]
	if !ok {
		bucket = newCommentBucket()
		s.comments[comment.FindingID] = bucket
	}
	if _, exists := bucket.byID[comment.ID]; !exists {
		bucket.order = append(bucket.order, comment.ID)
	}
	if comment.Replies == nil {
		comment.Replies = []protocol.Reply{}
	}
	bucket.byID[comment.ID] = comment.Clone()
}

// updateComment applies fn to one comment in place.
func (s *Store) updateComment(changeType string, findingID string, commentID string, fn func(*protocol.Comment) bool) bool {
	return s.mutate(changeType, func() bool {
		bucket, ok := s.comments[findingID]
		if !ok {
			return false
		}
		comment, ok := bucket.byID[commentID]
		if !ok {
			return false
		}
		if !fn(&comment) {
			return false
		}
		bucket.byID[commentID] = comment
		return true
	})
}

func (s *Store) removeComment(findingID string, commentID string) bool {
	return s.mutate(protocol.TypeCommentDelete, func() bool {
		bucket, ok := s.comments[findingID]
		if !ok {
			return false
		}
		if _, ok := bucket.byID[commentID]; !ok {
			return false
		}
		delete(bucket.byID, commentID)
		for i, id := range bucket.order {
			if id == commentID {
				bucket.order = append(bucket.order[:i], bucket.order[i+1:]...)
				break
			}
		}
		if len(bucket.order) == 0 {
			delete(s.comments, findingID)
		}
		return true
	})
}

// reset clears all state; used when the local session leaves the room.
func (s *Store) reset() {
	s.mutate("room:reset", func() bool {
		s.resetLocked()
		return true
	})
}

func cloneUser(user protocol.User) protocol.User {
	user.Cursor = copyCursor(user.Cursor)
	user.Selection = copySelection(user.Selection)
	return user
}

func copyCursor(cursor *protocol.Cursor) *protocol.Cursor {
	if cursor == nil {
		return nil
	}
	c := *cursor
	if cursor.Offset != nil {
		offset := *cursor.Offset
		c.Offset = &offset
	}
	return &c
}

func copySelection(selection *protocol.Selection) *protocol.Selection {
	if selection == nil {
		return nil
	}
	s := *selection
	return &s
}
