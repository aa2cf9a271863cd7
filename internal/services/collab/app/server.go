package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/findingsync/internal/platform/timeouts"
	"github.com/louisbranch/findingsync/internal/services/collab/grant"
	"github.com/louisbranch/findingsync/internal/services/collab/protocol"
	"github.com/louisbranch/findingsync/internal/services/collab/storage"
	"github.com/louisbranch/findingsync/internal/services/collab/storage/sqlite"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	// maxFrameBytes bounds a whole frame; the payload limit is checked after
	// decoding the envelope.
	maxFrameBytes = maxFramePayloadBytes + 1024

	maxCommentRunes = 10000
)

// Config defines the inputs for the collaboration transport boundary.
type Config struct {
	HTTPAddr string
	// DBPath is the SQLite file holding comments and locks. Empty keeps room
	// state in memory for the life of the process.
	DBPath            string
	LockTTL           time.Duration
	Grant             *grant.Config
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the collaboration HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	hub             *roomHub
	store           storage.Store
}

type wsIdentityContextKey struct{}

// NewServer builds a configured collaboration server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured collaboration server with an
// explicit context used for startup storage maintenance.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.LockTTL <= 0 {
		config.LockTTL = timeouts.LockLease
	}

	var store storage.Store
	if dbPath := strings.TrimSpace(config.DBPath); dbPath != "" {
		opened, err := sqlite.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open room store: %w", err)
		}
		expired, err := opened.DeleteExpiredLocks(ctx, time.Now())
		if err != nil {
			_ = opened.Close()
			return nil, fmt.Errorf("purge expired locks: %w", err)
		}
		if len(expired) > 0 {
			log.Printf("collab: purged %d expired locks", len(expired))
		}
		store = opened
	}

	hub := newRoomHub(store, config.LockTTL, time.Now)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(hub, config.Grant),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		hub:             hub,
		store:           store,
	}, nil
}

// Run creates and serves a collaboration server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init collab server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve collab: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server and the lock sweeper until the context
// ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("collab server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	var sweepers sync.WaitGroup
	sweepers.Add(1)
	go func() {
		defer sweepers.Done()
		s.hub.runSweeper(sweepCtx, timeouts.LockSweep)
	}()
	defer func() {
		stopSweep()
		sweepers.Wait()
	}()

	serveErr := make(chan error, 1)
	log.Printf("collab server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close room store: %v", err)
		}
	}
}

// NewHandler creates collaboration routes backed by in-memory room state
// with room grants disabled.
func NewHandler() http.Handler {
	return newHandler(newRoomHub(nil, timeouts.LockLease, time.Now), nil)
}

func newHandler(hub *roomHub, grantConfig *grant.Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, hub)
	})

	mux.HandleFunc(protocol.Path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		identity, err := protocol.IdentityFromQuery(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if grantConfig != nil {
			if identity.Token == "" {
				log.Printf("collab: websocket unauthorized: missing room grant for room=%q user=%q remote=%s", identity.RoomID, identity.UserID, r.RemoteAddr)
				http.Error(w, "room grant required", http.StatusUnauthorized)
				return
			}
			claims, err := grant.Validate(identity.Token, grant.Expectation{
				RoomID: identity.RoomID,
				UserID: identity.UserID,
			}, *grantConfig)
			if err != nil {
				log.Printf("collab: websocket forbidden: room=%q user=%q remote=%s err=%v", identity.RoomID, identity.UserID, r.RemoteAddr, err)
				http.Error(w, "room grant rejected", http.StatusForbidden)
				return
			}
			if claims.UserName != "" {
				identity.UserName = claims.UserName
			}
		}
		identity.Token = ""

		ctx := context.WithValue(r.Context(), wsIdentityContextKey{}, identity)
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})

	return mux
}

func identityFromRequest(r *http.Request) (protocol.Identity, bool) {
	if r == nil {
		return protocol.Identity{}, false
	}
	identity, ok := r.Context().Value(wsIdentityContextKey{}).(protocol.Identity)
	return identity, ok && identity.RoomID != "" && identity.UserID != ""
}
