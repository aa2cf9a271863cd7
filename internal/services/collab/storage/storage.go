// Package storage defines persistence contracts for collaboration room state.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested room record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a record with the same id is already stored.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrAlreadyResolved indicates a comment was resolved before.
	ErrAlreadyResolved = errors.New("comment already resolved")
)

// Comment stores one top-level comment and its replies.
type Comment struct {
	RoomID     string
	ID         string
	FindingID  string
	UserID     string
	UserName   string
	UserAvatar string
	Content    string
	CreatedAt  time.Time
	EditedAt   time.Time
	Resolved   bool
	ResolvedBy string
	Replies    []Reply
}

// Reply stores one reply to a comment.
type Reply struct {
	ID        string
	UserID    string
	UserName  string
	Content   string
	CreatedAt time.Time
}

// Lock stores one finding edit lock.
type Lock struct {
	RoomID    string
	FindingID string
	UserID    string
	UserName  string
	LockedAt  time.Time
	ExpiresAt time.Time
}

// CommentStore persists comment threads per room.
type CommentStore interface {
	CreateComment(ctx context.Context, comment Comment) error
	GetComment(ctx context.Context, roomID string, commentID string) (Comment, error)
	ListComments(ctx context.Context, roomID string) ([]Comment, error)
	AddReply(ctx context.Context, roomID string, commentID string, reply Reply) error
	UpdateCommentContent(ctx context.Context, roomID string, commentID string, content string, editedAt time.Time) error
	ResolveComment(ctx context.Context, roomID string, commentID string, resolvedBy string) error
	DeleteComment(ctx context.Context, roomID string, commentID string) error
}

// LockStore persists finding locks per room so a restart keeps live leases.
type LockStore interface {
	PutLock(ctx context.Context, lock Lock) error
	DeleteLock(ctx context.Context, roomID string, findingID string) error
	ListLocks(ctx context.Context, roomID string) ([]Lock, error)
	DeleteExpiredLocks(ctx context.Context, now time.Time) ([]Lock, error)
}

// Store is the full room persistence surface.
type Store interface {
	CommentStore
	LockStore
	Close() error
}
