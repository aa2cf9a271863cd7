package client

import (
	"github.com/louisbranch/findingsync/internal/services/collab/protocol"
)

// Comment threads have two levels. Replies are append-only; edit, delete and
// resolve address top-level comments. Nothing here is applied before the
// server echoes it back.

// addComment stores a top-level comment. A comment whose id is already
// present replaces the stored one in place.
func (s *Store) addComment(comment protocol.Comment) bool {
	if comment.ID == "" || comment.FindingID == "" {
		return false
	}
	return s.mutate(protocol.TypeCommentAdd, func() bool {
		s.putCommentLocked(comment)
		return true
	})
}

// addReply appends reply to its parent's replies. A missing parent makes it
// a no-op. A reply whose id is already present is not appended again.
func (s *Store) addReply(findingID string, parentID string, reply protocol.Reply) bool {
	return s.updateComment(protocol.TypeCommentAdd, findingID, parentID, func(comment *protocol.Comment) bool {
		for _, existing := range comment.Replies {
			if reply.ID != "" && existing.ID == reply.ID {
				return false
			}
		}
		comment.Replies = append(append([]protocol.Reply(nil), comment.Replies...), reply)
		return true
	})
}

func (s *Store) editComment(findingID string, commentID string, content string, editedAt int64) bool {
	return s.updateComment(protocol.TypeCommentEdit, findingID, commentID, func(comment *protocol.Comment) bool {
		comment.Content = content
		comment.EditedAt = editedAt
		return true
	})
}

// resolveComment marks a comment resolved. Resolution is monotonic and
// leaves replies untouched.
func (s *Store) resolveComment(findingID string, commentID string, resolvedBy string) bool {
	return s.updateComment(protocol.TypeCommentResolve, findingID, commentID, func(comment *protocol.Comment) bool {
		if comment.Resolved {
			return false
		}
		comment.Resolved = true
		comment.ResolvedBy = resolvedBy
		return true
	})
}

// CanModifyComment reports whether userID authored comment. It drives UI
// affordances only; the server enforces authorship.
func CanModifyComment(comment protocol.Comment, userID string) bool {
	return userID != "" && comment.UserID == userID
}
