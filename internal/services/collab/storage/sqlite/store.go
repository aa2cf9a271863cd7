// Package sqlite provides a SQLite-backed collaboration room store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/findingsync/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/findingsync/internal/services/collab/storage"
	"github.com/louisbranch/findingsync/internal/services/collab/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists comment threads and finding locks in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite room store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// CreateComment inserts one top-level comment. Replies on the input are
// ignored; use AddReply.
func (s *Store) CreateComment(ctx context.Context, comment storage.Comment) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	roomID := strings.TrimSpace(comment.RoomID)
	commentID := strings.TrimSpace(comment.ID)
	findingID := strings.TrimSpace(comment.FindingID)
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	if commentID == "" {
		return fmt.Errorf("comment id is required")
	}
	if findingID == "" {
		return fmt.Errorf("finding id is required")
	}
	if strings.TrimSpace(comment.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(comment.Content) == "" {
		return fmt.Errorf("content is required")
	}
	createdAt := comment.CreatedAt.UTC()
	if comment.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	resolved := 0
	if comment.Resolved {
		resolved = 1
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO comments (
		   room_id,
		   id,
		   finding_id,
		   user_id,
		   user_name,
		   user_avatar,
		   content,
		   created_at,
		   edited_at,
		   resolved,
		   resolved_by
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		roomID,
		commentID,
		findingID,
		comment.UserID,
		comment.UserName,
		comment.UserAvatar,
		comment.Content,
		toMillis(createdAt),
		toMillis(comment.EditedAt),
		resolved,
		comment.ResolvedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create comment: %w", err)
	}
	return nil
}

// GetComment returns one comment with its replies.
func (s *Store) GetComment(ctx context.Context, roomID string, commentID string) (storage.Comment, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Comment{}, err
	}
	roomID = strings.TrimSpace(roomID)
	commentID = strings.TrimSpace(commentID)
	if roomID == "" || commentID == "" {
		return storage.Comment{}, fmt.Errorf("room id and comment id are required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT room_id, id, finding_id, user_id, user_name, user_avatar,
		        content, created_at, edited_at, resolved, resolved_by
		   FROM comments
		  WHERE room_id = ? AND id = ?`,
		roomID,
		commentID,
	)
	comment, err := scanComment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Comment{}, storage.ErrNotFound
		}
		return storage.Comment{}, fmt.Errorf("get comment: %w", err)
	}

	replies, err := s.listReplies(ctx, roomID, commentID)
	if err != nil {
		return storage.Comment{}, err
	}
	comment.Replies = replies
	return comment, nil
}

// ListComments returns every comment of a room in creation order, replies
// included.
func (s *Store) ListComments(ctx context.Context, roomID string) ([]storage.Comment, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT room_id, id, finding_id, user_id, user_name, user_avatar,
		        content, created_at, edited_at, resolved, resolved_by
		   FROM comments
		  WHERE room_id = ?
		  ORDER BY created_at ASC, rowid ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	comments := make([]storage.Comment, 0)
	index := make(map[string]int)
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("list comments: %w", err)
		}
		comment.Replies = []storage.Reply{}
		index[comment.ID] = len(comments)
		comments = append(comments, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}

	replyRows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT comment_id, id, user_id, user_name, content, created_at
		   FROM comment_replies
		  WHERE room_id = ?
		  ORDER BY created_at ASC, rowid ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer replyRows.Close()

	for replyRows.Next() {
		var commentID string
		var reply storage.Reply
		var createdAt int64
		if err := replyRows.Scan(&commentID, &reply.ID, &reply.UserID, &reply.UserName, &reply.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("list replies: %w", err)
		}
		reply.CreatedAt = fromMillis(createdAt)
		if i, ok := index[commentID]; ok {
			comments[i].Replies = append(comments[i].Replies, reply)
		}
	}
	if err := replyRows.Err(); err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	return comments, nil
}

func (s *Store) listReplies(ctx context.Context, roomID string, commentID string) ([]storage.Reply, error) {
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, user_id, user_name, content, created_at
		   FROM comment_replies
		  WHERE room_id = ? AND comment_id = ?
		  ORDER BY created_at ASC, rowid ASC`,
		roomID,
		commentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	replies := make([]storage.Reply, 0)
	for rows.Next() {
		var reply storage.Reply
		var createdAt int64
		if err := rows.Scan(&reply.ID, &reply.UserID, &reply.UserName, &reply.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("list replies: %w", err)
		}
		reply.CreatedAt = fromMillis(createdAt)
		replies = append(replies, reply)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	return replies, nil
}

// AddReply appends a reply to an existing comment.
func (s *Store) AddReply(ctx context.Context, roomID string, commentID string, reply storage.Reply) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	roomID = strings.TrimSpace(roomID)
	commentID = strings.TrimSpace(commentID)
	if roomID == "" || commentID == "" {
		return fmt.Errorf("room id and comment id are required")
	}
	if strings.TrimSpace(reply.ID) == "" {
		return fmt.Errorf("reply id is required")
	}
	if strings.TrimSpace(reply.Content) == "" {
		return fmt.Errorf("content is required")
	}
	createdAt := reply.CreatedAt.UTC()
	if reply.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO comment_replies (room_id, comment_id, id, user_id, user_name, content, created_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?
		  WHERE EXISTS (SELECT 1 FROM comments WHERE room_id = ? AND id = ?)`,
		roomID,
		commentID,
		reply.ID,
		reply.UserID,
		reply.UserName,
		reply.Content,
		toMillis(createdAt),
		roomID,
		commentID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("add reply: %w", err)
	}
	return requireAffected(result, "add reply")
}

// UpdateCommentContent replaces a comment's content and edit time.
func (s *Store) UpdateCommentContent(ctx context.Context, roomID string, commentID string, content string, editedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("content is required")
	}
	if editedAt.IsZero() {
		editedAt = time.Now().UTC()
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE comments SET content = ?, edited_at = ? WHERE room_id = ? AND id = ?`,
		content,
		toMillis(editedAt),
		strings.TrimSpace(roomID),
		strings.TrimSpace(commentID),
	)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return requireAffected(result, "update comment")
}

// ResolveComment marks a comment resolved. A comment resolves once.
func (s *Store) ResolveComment(ctx context.Context, roomID string, commentID string, resolvedBy string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	roomID = strings.TrimSpace(roomID)
	commentID = strings.TrimSpace(commentID)
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE comments SET resolved = 1, resolved_by = ?
		  WHERE room_id = ? AND id = ? AND resolved = 0`,
		resolvedBy,
		roomID,
		commentID,
	)
	if err != nil {
		return fmt.Errorf("resolve comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve comment: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetComment(ctx, roomID, commentID); err != nil {
		return err
	}
	return storage.ErrAlreadyResolved
}

// DeleteComment removes a comment and its replies.
func (s *Store) DeleteComment(ctx context.Context, roomID string, commentID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	roomID = strings.TrimSpace(roomID)
	commentID = strings.TrimSpace(commentID)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM comment_replies WHERE room_id = ? AND comment_id = ?`, roomID, commentID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete replies: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE room_id = ? AND id = ?`, roomID, commentID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete comment: %w", err)
	}
	if err := requireAffected(result, "delete comment"); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// PutLock inserts or replaces the lock on a finding.
func (s *Store) PutLock(ctx context.Context, lock storage.Lock) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	roomID := strings.TrimSpace(lock.RoomID)
	findingID := strings.TrimSpace(lock.FindingID)
	if roomID == "" || findingID == "" {
		return fmt.Errorf("room id and finding id are required")
	}
	if strings.TrimSpace(lock.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if lock.ExpiresAt.Before(lock.LockedAt) {
		return fmt.Errorf("lock expires before it was taken")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO finding_locks (room_id, finding_id, user_id, user_name, locked_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (room_id, finding_id) DO UPDATE SET
		   user_id = excluded.user_id,
		   user_name = excluded.user_name,
		   locked_at = excluded.locked_at,
		   expires_at = excluded.expires_at`,
		roomID,
		findingID,
		lock.UserID,
		lock.UserName,
		toMillis(lock.LockedAt),
		toMillis(lock.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put lock: %w", err)
	}
	return nil
}

// DeleteLock removes the lock on a finding. Removing a missing lock is not
// an error.
func (s *Store) DeleteLock(ctx context.Context, roomID string, findingID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM finding_locks WHERE room_id = ? AND finding_id = ?`,
		strings.TrimSpace(roomID),
		strings.TrimSpace(findingID),
	); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

// ListLocks returns the locks of a room ordered by finding id.
func (s *Store) ListLocks(ctx context.Context, roomID string) ([]storage.Lock, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT room_id, finding_id, user_id, user_name, locked_at, expires_at
		   FROM finding_locks
		  WHERE room_id = ?
		  ORDER BY finding_id ASC`,
		strings.TrimSpace(roomID),
	)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()
	return scanLocks(rows)
}

// DeleteExpiredLocks removes every lock whose expiry is at or before now and
// returns what it removed.
func (s *Store) DeleteExpiredLocks(ctx context.Context, now time.Time) ([]storage.Lock, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	cutoff := toMillis(now)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	rows, err := tx.QueryContext(
		ctx,
		`SELECT room_id, finding_id, user_id, user_name, locked_at, expires_at
		   FROM finding_locks
		  WHERE expires_at <= ?
		  ORDER BY room_id ASC, finding_id ASC`,
		cutoff,
	)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("list expired locks: %w", err)
	}
	expired, err := scanLocks(rows)
	_ = rows.Close()
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM finding_locks WHERE expires_at <= ?`, cutoff); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("delete expired locks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return expired, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComment(row rowScanner) (storage.Comment, error) {
	var comment storage.Comment
	var createdAt int64
	var editedAt int64
	var resolved int
	err := row.Scan(
		&comment.RoomID,
		&comment.ID,
		&comment.FindingID,
		&comment.UserID,
		&comment.UserName,
		&comment.UserAvatar,
		&comment.Content,
		&createdAt,
		&editedAt,
		&resolved,
		&comment.ResolvedBy,
	)
	if err != nil {
		return storage.Comment{}, err
	}
	comment.CreatedAt = fromMillis(createdAt)
	comment.EditedAt = fromMillis(editedAt)
	comment.Resolved = resolved == 1
	return comment, nil
}

func scanLocks(rows *sql.Rows) ([]storage.Lock, error) {
	locks := make([]storage.Lock, 0)
	for rows.Next() {
		var lock storage.Lock
		var lockedAt int64
		var expiresAt int64
		if err := rows.Scan(&lock.RoomID, &lock.FindingID, &lock.UserID, &lock.UserName, &lockedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		lock.LockedAt = fromMillis(lockedAt)
		lock.ExpiresAt = fromMillis(expiresAt)
		locks = append(locks, lock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan locks: %w", err)
	}
	return locks, nil
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ storage.Store = (*Store)(nil)
