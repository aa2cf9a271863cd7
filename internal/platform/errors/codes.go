// Package errors provides structured error handling for the collaboration domain.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Frame errors
	CodeFrameInvalid        Code = "FRAME_INVALID"
	CodeFrameTooLarge       Code = "FRAME_TOO_LARGE"
	CodeFrameUnsupported    Code = "FRAME_UNSUPPORTED"
	CodeFrameRateLimited    Code = "FRAME_RATE_LIMITED"
	CodeFindingIDRequired   Code = "FINDING_ID_REQUIRED"
	CodeCommentIDRequired   Code = "COMMENT_ID_REQUIRED"
	CodeCommentEmptyContent Code = "COMMENT_EMPTY_CONTENT"
	CodeCommentTooLong      Code = "COMMENT_TOO_LONG"
	CodeFieldRequired       Code = "FIELD_REQUIRED"

	// Lock errors
	CodeLockHeld    Code = "LOCK_HELD"
	CodeLockNotHeld Code = "LOCK_NOT_HELD"

	// Comment errors
	CodeCommentNotFound        Code = "COMMENT_NOT_FOUND"
	CodeCommentAlreadyResolved Code = "COMMENT_ALREADY_RESOLVED"
	CodeNotAuthor              Code = "NOT_AUTHOR"

	// Room identity errors
	CodeRoomIDRequired    Code = "ROOM_ID_REQUIRED"
	CodeUserIDRequired    Code = "USER_ID_REQUIRED"
	CodeRoomGrantInvalid  Code = "ROOM_GRANT_INVALID"
	CodeRoomGrantExpired  Code = "ROOM_GRANT_EXPIRED"
	CodeRoomGrantMismatch Code = "ROOM_GRANT_MISMATCH"

	// Storage errors
	CodeNotFound    Code = "NOT_FOUND"
	CodeUnavailable Code = "UNAVAILABLE"
)

// WireCode maps domain codes to the coarse codes carried by protocol error frames.
func (c Code) WireCode() string {
	switch c {
	case CodeFrameInvalid,
		CodeFrameTooLarge,
		CodeFrameUnsupported,
		CodeFindingIDRequired,
		CodeCommentIDRequired,
		CodeCommentEmptyContent,
		CodeCommentTooLong,
		CodeFieldRequired,
		CodeRoomIDRequired,
		CodeUserIDRequired:
		return "INVALID_ARGUMENT"

	case CodeLockHeld,
		CodeLockNotHeld,
		CodeCommentAlreadyResolved:
		return "FAILED_PRECONDITION"

	case CodeNotAuthor,
		CodeRoomGrantInvalid,
		CodeRoomGrantExpired,
		CodeRoomGrantMismatch:
		return "FORBIDDEN"

	case CodeNotFound,
		CodeCommentNotFound:
		return "NOT_FOUND"

	case CodeFrameRateLimited:
		return "RESOURCE_EXHAUSTED"

	case CodeUnavailable:
		return "UNAVAILABLE"

	default:
		return "INTERNAL"
	}
}
