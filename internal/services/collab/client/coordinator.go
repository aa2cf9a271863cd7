// Package client keeps a local mirror of a collaboration room in sync with the
// coordination server and exposes presence, locking and comment intents.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/louisbranch/findingsync/internal/platform/timeouts"
	"github.com/louisbranch/findingsync/internal/services/collab/protocol"
)

// Config describes one membership of one room.
type Config struct {
	// ServerURL is the coordination server base, e.g. https://collab.example.
	ServerURL string
	RoomID    string
	UserID    string
	UserName  string
	// Token is an optional room grant sent with the connection.
	Token string

	// LockTimeout bounds LockFinding. Defaults to 5s.
	LockTimeout time.Duration
	// ReconnectBackOff paces reconnect attempts. Defaults to a constant 3s.
	ReconnectBackOff backoff.BackOff
	// DialTimeout bounds each dial attempt.
	DialTimeout time.Duration
	// Logf receives diagnostics. Defaults to log.Printf.
	Logf func(string, ...any)
	// Now is the clock used for lock expiry and outbound timestamps.
	Now func() time.Time
}

// Coordinator is the host-facing handle on a room: it owns the session,
// mirrors room state and exposes the collaboration intents.
type Coordinator struct {
	*Dispatcher

	identity protocol.Identity
	session  *Session
	router   *Router
	store    *Store
	locks    *lockCoordinator
	events   *listeners
	now      func() time.Time
	logf     func(string, ...any)

	stopStateWatch func()
}

// New wires a coordinator for cfg. Call Connect to join the room.
func New(cfg Config) (*Coordinator, error) {
	identity := protocol.Identity{
		RoomID:   strings.TrimSpace(cfg.RoomID),
		UserID:   strings.TrimSpace(cfg.UserID),
		UserName: strings.TrimSpace(cfg.UserName),
		Token:    strings.TrimSpace(cfg.Token),
	}
	if identity.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if identity.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if identity.UserName == "" {
		identity.UserName = identity.UserID
	}
	endpoint, err := protocol.EndpointURL(cfg.ServerURL, identity)
	if err != nil {
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = timeouts.LockRequest
	}

	c := &Coordinator{
		identity: identity,
		store:    NewStore(),
		locks:    newLockCoordinator(lockTimeout),
		events:   &listeners{},
		now:      now,
		logf:     logf,
	}
	c.router = newRouter(identity.UserID, c.store, c.locks, c.events, logf)
	session, err := NewSession(SessionConfig{
		URL:         endpoint,
		BackOff:     cfg.ReconnectBackOff,
		DialTimeout: cfg.DialTimeout,
		Logf:        logf,
	}, c.router.HandleFrame)
	if err != nil {
		return nil, err
	}
	c.session = session
	c.Dispatcher = newDispatcher(session, identity.UserID, identity.UserName, now, logf)
	c.stopStateWatch = session.OnStateChange(c.handleState)
	return c, nil
}

// handleState requests a full sync on every (re)connect; the response is the
// only consistency checkpoint after a gap.
func (c *Coordinator) handleState(state State) {
	if state != StateConnected {
		return
	}
	if err := c.RequestSync(); err != nil {
		c.logf("collab: request sync: %v", err)
	}
}

// Connect joins the room. A failed first dial still leaves the session
// retrying in the background.
func (c *Coordinator) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

// Close leaves the room and clears local state. Pending lock requests are
// not failed early; each settles on its own timer.
func (c *Coordinator) Close() error {
	err := c.session.Close()
	c.stopStateWatch()
	c.store.reset()
	return err
}

// Identity returns the local membership.
func (c *Coordinator) Identity() protocol.Identity {
	return c.identity
}

// Connected reports whether the socket is open.
func (c *Coordinator) Connected() bool {
	return c.session.Connected()
}

// OnStateChange registers fn for connection state transitions.
func (c *Coordinator) OnStateChange(fn func(State)) func() {
	return c.session.OnStateChange(fn)
}

// LockFinding asks the server for an exclusive edit lock and blocks until
// the server answers, the lock timeout elapses or ctx is done. Only a server
// confirmation yields true.
//
// The answer arrives on the goroutine that runs listeners and Subscribe
// callbacks. Calling LockFinding from inside one of them stalls every inbound
// frame until the timeout and then returns false; start a goroutine instead.
func (c *Coordinator) LockFinding(ctx context.Context, findingID string) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(findingID) == "" {
		return false
	}
	w := c.locks.register(findingID)
	if err := c.requestLock(findingID); err != nil {
		c.logf("collab: lock %s: %v", findingID, err)
		c.locks.abandon(findingID, w)
		return <-w.result
	}
	return c.locks.wait(ctx, findingID, w)
}

// Listeners run on the session's reader goroutine, one frame at a time. They
// must not block, and must not call LockFinding directly.

// OnUserJoin registers fn for members joining.
func (c *Coordinator) OnUserJoin(fn func(protocol.User)) func() {
	return c.events.userJoin.add(fn)
}

// OnUserLeave registers fn for members leaving.
func (c *Coordinator) OnUserLeave(fn func(userID string)) func() {
	return c.events.userLeave.add(fn)
}

// OnFindingUpdate registers fn for confirmed finding field changes.
func (c *Coordinator) OnFindingUpdate(fn func(findingID string, field string, value json.RawMessage)) func() {
	if fn == nil {
		return func() {}
	}
	return c.events.findingUpdate.add(func(update FindingUpdate) {
		fn(update.FindingID, update.Field, update.Value)
	})
}

// OnCommentAdd registers fn for new top-level comments. Like the other On
// methods, fn runs on the reader goroutine.
func (c *Coordinator) OnCommentAdd(fn func(protocol.Comment)) func() {
	return c.events.commentAdd.add(fn)
}

// Subscribe registers fn to receive a fresh snapshot after every state
// change. fn runs on the reader goroutine and must not block on the server.
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	if fn == nil {
		return func() {}
	}
	return c.store.Subscribe(func(Change) {
		fn(c.store.Snapshot())
	})
}

// IsLocked returns the live lock on findingID, if any.
func (c *Coordinator) IsLocked(findingID string) (protocol.FindingLock, bool) {
	return c.store.Lock(findingID, protocol.Millis(c.now()))
}

// CanEdit reports whether the local user may edit findingID: it is unlocked
// or locked by the local user.
func (c *Coordinator) CanEdit(findingID string) bool {
	lock, ok := c.IsLocked(findingID)
	return !ok || lock.UserID == c.identity.UserID
}

// CanModifyComment reports whether the local user authored comment.
func (c *Coordinator) CanModifyComment(comment protocol.Comment) bool {
	return CanModifyComment(comment, c.identity.UserID)
}

// Comments returns the comments of findingID in arrival order.
func (c *Coordinator) Comments(findingID string) []protocol.Comment {
	return c.store.Comments(findingID)
}

// Users returns room members in join order.
func (c *Coordinator) Users() []protocol.User {
	return c.store.Users()
}

// Locks returns every lock the room reported.
func (c *Coordinator) Locks() []protocol.FindingLock {
	return c.store.Locks()
}

// Cursors returns member cursors keyed by user id.
func (c *Coordinator) Cursors() map[string]protocol.Cursor {
	return c.store.Cursors()
}

// Selections returns member selections keyed by user id.
func (c *Coordinator) Selections() map[string]protocol.Selection {
	return c.store.Selections()
}

// Snapshot copies the whole room state.
func (c *Coordinator) Snapshot() Snapshot {
	return c.store.Snapshot()
}
