package protocol

// User is the presence record of one room member.
type User struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Avatar     string     `json:"avatar,omitempty"`
	Color      string     `json:"color"`
	Cursor     *Cursor    `json:"cursor,omitempty"`
	Selection  *Selection `json:"selection,omitempty"`
	LastActive int64      `json:"lastActive"`
}

// Cursor is a caret position inside a finding.
type Cursor struct {
	FindingID string `json:"findingId"`
	Field     string `json:"field,omitempty"`
	Offset    *int   `json:"offset,omitempty"`
}

// Selection is a highlighted range inside one field of a finding.
type Selection struct {
	FindingID string `json:"findingId"`
	Field     string `json:"field"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
}

// FindingLock is an exclusive, time-bounded edit claim on a finding.
type FindingLock struct {
	FindingID string `json:"findingId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	LockedAt  int64  `json:"lockedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Expired reports whether the lock lapsed at nowMillis. A lock without an
// expiry never lapses.
func (l FindingLock) Expired(nowMillis int64) bool {
	return l.ExpiresAt != 0 && l.ExpiresAt <= nowMillis
}

// Comment is a top-level comment attached to a finding.
type Comment struct {
	ID         string  `json:"id"`
	FindingID  string  `json:"findingId"`
	UserID     string  `json:"userId"`
	UserName   string  `json:"userName"`
	UserAvatar string  `json:"userAvatar,omitempty"`
	Content    string  `json:"content"`
	CreatedAt  int64   `json:"createdAt"`
	EditedAt   int64   `json:"editedAt,omitempty"`
	Resolved   bool    `json:"resolved"`
	ResolvedBy string  `json:"resolvedBy,omitempty"`
	Replies    []Reply `json:"replies"`
}

// Clone returns a copy whose replies do not alias c's.
func (c Comment) Clone() Comment {
	if c.Replies != nil {
		c.Replies = append([]Reply(nil), c.Replies...)
	}
	return c
}

// Reply is an append-only answer to a comment.
type Reply struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}
