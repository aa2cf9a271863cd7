// Package collabwatch joins a collaboration room as a read-only member and
// logs what happens in it.
package collabwatch

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	entrypoint "github.com/louisbranch/findingsync/internal/platform/cmd"
	"github.com/louisbranch/findingsync/internal/services/collab/client"
	"github.com/louisbranch/findingsync/internal/services/collab/protocol"
)

const envPrefix = "FINDINGSYNC_COLLAB_"

// Config holds watcher command configuration. Environment names carry the
// FINDINGSYNC_COLLAB_ prefix.
type Config struct {
	URL            string        `env:"URL"             envDefault:"http://localhost:8090"`
	RoomID         string        `env:"ROOM_ID"`
	UserID         string        `env:"USER_ID"         envDefault:"collabwatch"`
	UserName       string        `env:"USER_NAME"       envDefault:"Watcher"`
	Grant          string        `env:"GRANT"`
	ReconnectDelay time.Duration `env:"RECONNECT_DELAY" envDefault:"3s"`
	// LockFinding, when set, is locked right after joining and released on exit.
	LockFinding string `env:"LOCK_FINDING"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParsePrefixedConfig(&cfg, envPrefix); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.URL, "url", cfg.URL, "collaboration server base URL")
	fs.StringVar(&cfg.RoomID, "room", cfg.RoomID, "room to watch")
	fs.StringVar(&cfg.UserID, "user-id", cfg.UserID, "member id to join as")
	fs.StringVar(&cfg.UserName, "user-name", cfg.UserName, "display name to join as")
	fs.StringVar(&cfg.Grant, "grant", cfg.Grant, "room grant token")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "delay between reconnect attempts")
	fs.StringVar(&cfg.LockFinding, "lock", cfg.LockFinding, "finding to lock while watching")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.RoomID) == "" {
		return Config{}, errors.New("room is required")
	}
	if cfg.ReconnectDelay <= 0 {
		return Config{}, fmt.Errorf("reconnect delay must be positive, got %s", cfg.ReconnectDelay)
	}
	return cfg, nil
}

// Run watches the configured room until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceCollabWatch, func(ctx context.Context) error {
		return watch(ctx, cfg, log.Printf)
	})
}

func watch(ctx context.Context, cfg Config, logf func(string, ...any)) error {
	coordinator, err := client.New(client.Config{
		ServerURL:        cfg.URL,
		RoomID:           cfg.RoomID,
		UserID:           cfg.UserID,
		UserName:         cfg.UserName,
		Token:            cfg.Grant,
		ReconnectBackOff: backoff.NewConstantBackOff(cfg.ReconnectDelay),
		Logf:             logf,
	})
	if err != nil {
		return fmt.Errorf("init collab client: %w", err)
	}
	defer func() {
		if err := coordinator.Close(); err != nil {
			logf("collabwatch: close: %v", err)
		}
	}()

	subscribe(coordinator, logf)

	if err := coordinator.Connect(ctx); err != nil {
		logf("collabwatch: connect %s: %v (retrying)", cfg.URL, err)
	}
	release := func() {}
	if findingID := strings.TrimSpace(cfg.LockFinding); findingID != "" {
		release = holdLock(ctx, coordinator, findingID, logf)
	}
	<-ctx.Done()
	release()
	return nil
}

// holdLock takes the finding's lock. The returned func releases it and must
// run before the coordinator closes.
func holdLock(ctx context.Context, c *client.Coordinator, findingID string, logf func(string, ...any)) func() {
	if !c.LockFinding(ctx, findingID) {
		if holder, ok := c.IsLocked(findingID); ok {
			logf("collabwatch: lock %s: held by %s", findingID, holder.UserName)
		} else {
			logf("collabwatch: lock %s: not granted", findingID)
		}
		return func() {}
	}
	logf("collabwatch: lock %s: granted", findingID)
	return func() {
		if err := c.UnlockFinding(findingID); err != nil {
			logf("collabwatch: unlock %s: %v", findingID, err)
			return
		}
		logf("collabwatch: lock %s: released", findingID)
	}
}

func subscribe(c *client.Coordinator, logf func(string, ...any)) {
	room := c.Identity().RoomID
	c.OnStateChange(func(state client.State) {
		logf("collabwatch: room %s: %s", room, state)
	})
	c.OnUserJoin(func(user protocol.User) {
		logf("collabwatch: room %s: %s (%s) joined", room, user.Name, user.ID)
	})
	c.OnUserLeave(func(userID string) {
		logf("collabwatch: room %s: %s left", room, userID)
	})
	c.OnFindingUpdate(func(findingID string, field string, value json.RawMessage) {
		logf("collabwatch: room %s: finding %s %s=%s", room, findingID, field, value)
	})
	c.OnCommentAdd(func(comment protocol.Comment) {
		logf("collabwatch: room %s: %s commented on %s: %q", room, comment.UserName, comment.FindingID, comment.Content)
	})
}
