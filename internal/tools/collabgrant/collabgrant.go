// Package collabgrant backs the collab-grant utility: it mints the Ed25519
// keypair the collaboration server verifies room grants with, and signs
// grants for local use.
package collabgrant

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/findingsync/internal/platform/cmd"
	"github.com/louisbranch/findingsync/internal/platform/id"
	"github.com/louisbranch/findingsync/internal/services/collab/grant"
)

const envPrefix = "FINDINGSYNC_COLLAB_GRANT_"

// IssueConfig describes one grant to sign. Key fields read from the
// FINDINGSYNC_COLLAB_GRANT_ environment.
type IssueConfig struct {
	PrivateKey string        `env:"PRIVATE_KEY"`
	Issuer     string        `env:"ISSUER"`
	Audience   string        `env:"AUDIENCE"`
	TTL        time.Duration `env:"TTL" envDefault:"1h"`
	RoomID     string
	UserID     string
	UserName   string
	Now        func() time.Time
}

// Run dispatches the keygen and issue subcommands.
func Run(args []string, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	if len(args) == 0 {
		return errors.New("usage: collab-grant keygen | issue -room ROOM -user USER [-name NAME]")
	}
	switch args[0] {
	case "keygen":
		return GenerateKey(out, nil)
	case "issue":
		cfg, err := parseIssueConfig(flag.NewFlagSet("issue", flag.ContinueOnError), args[1:])
		if err != nil {
			return err
		}
		return IssueToken(out, cfg)
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func parseIssueConfig(fs *flag.FlagSet, args []string) (IssueConfig, error) {
	var cfg IssueConfig
	if err := entrypoint.ParsePrefixedConfig(&cfg, envPrefix); err != nil {
		return IssueConfig{}, err
	}
	fs.StringVar(&cfg.RoomID, "room", "", "room the grant admits")
	fs.StringVar(&cfg.UserID, "user", "", "user the grant admits")
	fs.StringVar(&cfg.UserName, "name", "", "display name carried by the grant")
	fs.StringVar(&cfg.Issuer, "issuer", cfg.Issuer, "grant issuer")
	fs.StringVar(&cfg.Audience, "audience", cfg.Audience, "grant audience")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "grant lifetime")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return IssueConfig{}, err
	}
	return cfg, nil
}

// GenerateKey writes a fresh keypair as shell exports.
func GenerateKey(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate room grant key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export %sPRIVATE_KEY=%s\n", envPrefix, base64.RawStdEncoding.EncodeToString(privateKey)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export %s=%s\n", grant.EnvPublicKey, base64.RawStdEncoding.EncodeToString(publicKey)); err != nil {
		return err
	}
	return nil
}

// IssueToken signs a grant for cfg and writes the token on its own line.
func IssueToken(out io.Writer, cfg IssueConfig) error {
	if out == nil {
		return errors.New("output is required")
	}
	raw := strings.TrimSpace(cfg.PrivateKey)
	if raw == "" {
		return fmt.Errorf("%sPRIVATE_KEY is required", envPrefix)
	}
	keyBytes, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil {
		if keyBytes, err = base64.StdEncoding.DecodeString(raw); err != nil {
			return fmt.Errorf("decode room grant private key: %w", err)
		}
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return fmt.Errorf("room grant private key must be %d bytes", ed25519.PrivateKeySize)
	}
	if cfg.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", cfg.TTL)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	jti, err := id.NewID()
	if err != nil {
		return fmt.Errorf("generate grant id: %w", err)
	}

	issuedAt := now().UTC()
	claims := grant.Claims{
		Issuer:    strings.TrimSpace(cfg.Issuer),
		ExpiresAt: issuedAt.Add(cfg.TTL),
		IssuedAt:  issuedAt,
		JWTID:     jti,
		RoomID:    strings.TrimSpace(cfg.RoomID),
		UserID:    strings.TrimSpace(cfg.UserID),
		UserName:  strings.TrimSpace(cfg.UserName),
	}
	if audience := strings.TrimSpace(cfg.Audience); audience != "" {
		claims.Audience = []string{audience}
	}
	token, err := grant.Issue(ed25519.PrivateKey(keyBytes), claims)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
