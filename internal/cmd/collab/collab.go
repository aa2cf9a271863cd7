// Package collab parses collaboration server flags and composes transport
// entrypoints.
package collab

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	entrypoint "github.com/louisbranch/findingsync/internal/platform/cmd"
	server "github.com/louisbranch/findingsync/internal/services/collab/app"
	"github.com/louisbranch/findingsync/internal/services/collab/grant"
)

// Config holds collaboration server command configuration.
type Config struct {
	HTTPAddr string        `env:"FINDINGSYNC_COLLAB_HTTP_ADDR" envDefault:":8090"`
	DBPath   string        `env:"FINDINGSYNC_COLLAB_DB_PATH"   envDefault:"data/collab.db"`
	LockTTL  time.Duration `env:"FINDINGSYNC_COLLAB_LOCK_TTL"  envDefault:"5m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "collaboration HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite file for comments and locks (empty keeps state in memory)")
	fs.DurationVar(&cfg.LockTTL, "lock-ttl", cfg.LockTTL, "lifetime of a granted finding lock")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.LockTTL <= 0 {
		return Config{}, fmt.Errorf("lock ttl must be positive, got %s", cfg.LockTTL)
	}
	return cfg, nil
}

// Run builds the collaboration server and serves rooms until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceCollab, func(ctx context.Context) error {
		grantConfig, enabled, err := grant.LoadConfigFromEnv(nil)
		if err != nil {
			return fmt.Errorf("load room grant config: %w", err)
		}
		serverConfig := server.Config{
			HTTPAddr: cfg.HTTPAddr,
			DBPath:   cfg.DBPath,
			LockTTL:  cfg.LockTTL,
		}
		if enabled {
			serverConfig.Grant = &grantConfig
		} else {
			log.Printf("collab: room grants disabled; identities are taken from the query string")
		}
		if err := server.Run(ctx, serverConfig); err != nil {
			return fmt.Errorf("serve collab: %w", err)
		}
		return nil
	})
}
