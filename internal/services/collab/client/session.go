package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/louisbranch/findingsync/internal/platform/timeouts"
	"github.com/louisbranch/findingsync/internal/services/collab/protocol"
	"golang.org/x/net/websocket"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("collab: session closed")
	// ErrNotConnected is returned when a frame cannot be sent because the
	// socket is down. The frame is dropped.
	ErrNotConnected = errors.New("collab: not connected")
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// URL is the full WebSocket endpoint including the room query.
	URL string
	// BackOff yields the delay before each reconnect attempt. Returning
	// backoff.Stop ends reconnecting. Defaults to a constant 3s delay.
	BackOff backoff.BackOff
	// DialTimeout bounds one dial attempt.
	DialTimeout time.Duration
	// Logf receives diagnostics. Defaults to log.Printf.
	Logf func(string, ...any)
}

// Session owns one WebSocket connection to a room and keeps it alive. Every
// inbound frame goes to the handler on a single reader goroutine.
type Session struct {
	url         string
	origin      string
	handler     func([]byte)
	backoff     backoff.BackOff
	dialTimeout time.Duration
	logf        func(string, ...any)

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	timer  *time.Timer
	wg     sync.WaitGroup
	sendMu sync.Mutex

	states registry[State]
}

// NewSession validates cfg and returns an idle session. handler receives
// every inbound frame in arrival order.
func NewSession(cfg SessionConfig, handler func([]byte)) (*Session, error) {
	if handler == nil {
		return nil, errors.New("frame handler is required")
	}
	origin, err := originFor(cfg.URL)
	if err != nil {
		return nil, err
	}
	policy := cfg.BackOff
	if policy == nil {
		policy = backoff.NewConstantBackOff(timeouts.Reconnect)
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = timeouts.Dial
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		url:         cfg.URL,
		origin:      origin,
		handler:     handler,
		backoff:     policy,
		dialTimeout: dialTimeout,
		logf:        logf,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// originFor derives the Origin header from a ws/wss endpoint.
func originFor(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch parsed.Scheme {
	case "ws":
		return "http://" + parsed.Host, nil
	case "wss":
		return "https://" + parsed.Host, nil
	default:
		return "", fmt.Errorf("endpoint scheme %q is not ws or wss", parsed.Scheme)
	}
}

// Connect dials the endpoint once. On failure a reconnect is scheduled and
// the dial error is returned.
func (s *Session) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		s.logf("collab: connect %s: %v", s.url, err)
		s.scheduleReconnect()
		return err
	}
	return nil
}

func (s *Session) dial(ctx context.Context) error {
	cfg, err := websocket.NewConfig(s.url, s.origin)
	if err != nil {
		return fmt.Errorf("websocket config: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()
	conn, err := cfg.DialContext(dialCtx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.state = StateConnected
	s.backoff.Reset()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logf("collab: connected to %s", s.url)
	go s.readLoop(conn)
	s.states.emit(StateConnected)
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			s.handleDisconnect(conn, err)
			return
		}
		s.handler(data)
	}
}

// handleDisconnect moves to disconnected and schedules one reconnect unless
// the session was closed on purpose.
func (s *Session) handleDisconnect(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	_ = conn.Close()
	s.logf("collab: disconnected: %v", cause)
	s.states.emit(StateDisconnected)
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.timer != nil {
		return
	}
	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop {
		s.logf("collab: reconnect policy stopped retrying")
		return
	}
	s.timer = time.AfterFunc(delay, s.reconnect)
}

func (s *Session) reconnect() {
	s.mu.Lock()
	s.timer = nil
	skip := s.state == StateClosed || s.conn != nil
	s.mu.Unlock()
	if skip {
		return
	}
	if err := s.dial(s.ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		s.logf("collab: reconnect %s: %v", s.url, err)
		s.scheduleReconnect()
	}
}

// Send writes one frame. While disconnected the frame is dropped and
// ErrNotConnected returned.
func (s *Session) Send(frame protocol.Frame) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()
	if state == StateClosed {
		return ErrClosed
	}
	if conn == nil {
		s.logf("collab: drop %s frame while disconnected", frame.Type)
		return ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := websocket.Message.Send(conn, string(data)); err != nil {
		return fmt.Errorf("send %s: %w", frame.Type, err)
	}
	return nil
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether a socket is open.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// OnStateChange registers fn for connection state transitions.
func (s *Session) OnStateChange(fn func(State)) func() {
	return s.states.add(fn)
}

// Close cancels any pending reconnect and closes the socket. It does not
// wait for in-flight handlers, so it is safe to call from a listener.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.states.emit(StateClosed)
	return err
}

// wait blocks until the reader goroutine exits. Tests use it after Close.
func (s *Session) wait() {
	s.wg.Wait()
}
