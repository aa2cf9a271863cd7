package i18n

import apperrors "github.com/louisbranch/findingsync/internal/platform/errors"

var enUSCatalog = &Catalog{
	locale: "en-US",
	messages: map[apperrors.Code]string{
		apperrors.CodeUnknown: "Something went wrong",

		// Frame errors
		apperrors.CodeFrameInvalid:        "Invalid frame payload",
		apperrors.CodeFrameTooLarge:       "Frame exceeds {{.Limit}} bytes",
		apperrors.CodeFrameUnsupported:    "Unsupported frame type {{.Type}}",
		apperrors.CodeFrameRateLimited:    "Rate limit exceeded",
		apperrors.CodeFindingIDRequired:   "Finding ID is required",
		apperrors.CodeCommentIDRequired:   "Comment ID is required",
		apperrors.CodeCommentEmptyContent: "Comment cannot be empty",
		apperrors.CodeCommentTooLong:      "Comment exceeds {{.Limit}} characters",
		apperrors.CodeFieldRequired:       "Finding field is required",

		// Lock errors
		apperrors.CodeLockHeld:    "Finding is locked by {{.HolderName}}",
		apperrors.CodeLockNotHeld: "You do not hold the lock on this finding",

		// Comment errors
		apperrors.CodeCommentNotFound:        "Comment was not found",
		apperrors.CodeCommentAlreadyResolved: "Comment is already resolved",
		apperrors.CodeNotAuthor:              "Only the author can change this comment",

		// Room errors
		apperrors.CodeRoomIDRequired:    "Room ID is required",
		apperrors.CodeUserIDRequired:    "User ID is required",
		apperrors.CodeRoomGrantInvalid:  "Room grant is invalid",
		apperrors.CodeRoomGrantExpired:  "Room grant has expired",
		apperrors.CodeRoomGrantMismatch: "Room grant {{.Field}} does not match",

		// Storage errors
		apperrors.CodeNotFound:    "The requested resource was not found",
		apperrors.CodeUnavailable: "Room state is temporarily unavailable",
	},
}
