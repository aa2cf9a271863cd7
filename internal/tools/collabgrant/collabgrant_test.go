package collabgrant

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/findingsync/internal/services/collab/grant"
)

func TestGenerateKeyRequiresOutput(t *testing.T) {
	if err := GenerateKey(nil, bytes.NewReader([]byte{1})); err == nil {
		t.Fatal("expected error when output is nil")
	}
}

func generateKeys(t *testing.T) (string, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	reader := bytes.NewReader(bytes.Repeat([]byte{1}, 64))
	if err := GenerateKey(buf, reader); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	private := strings.TrimPrefix(lines[0], "export FINDINGSYNC_COLLAB_GRANT_PRIVATE_KEY=")
	public := strings.TrimPrefix(lines[1], "export FINDINGSYNC_COLLAB_GRANT_PUBLIC_KEY=")
	if private == lines[0] || public == lines[1] {
		t.Fatalf("unexpected output format: %q", buf.String())
	}
	return private, public
}

func TestGenerateKeyWritesExports(t *testing.T) {
	private, public := generateKeys(t)

	privateBytes, err := base64.RawStdEncoding.DecodeString(private)
	if err != nil {
		t.Fatalf("decode private key: %v", err)
	}
	publicBytes, err := base64.RawStdEncoding.DecodeString(public)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if len(privateBytes) != 64 {
		t.Fatalf("expected private key length 64, got %d", len(privateBytes))
	}
	if len(publicBytes) != 32 {
		t.Fatalf("expected public key length 32, got %d", len(publicBytes))
	}
}

func TestIssueTokenValidatesAgainstPublicKey(t *testing.T) {
	private, public := generateKeys(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	buf := &bytes.Buffer{}
	err := IssueToken(buf, IssueConfig{
		PrivateKey: private,
		Issuer:     "issuer",
		Audience:   "collab",
		TTL:        time.Hour,
		RoomID:     "room-1",
		UserID:     "a",
		UserName:   "Ada",
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	cfg, err := grant.NewConfig("issuer", "collab", public, func() time.Time { return now.Add(time.Minute) })
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	claims, err := grant.Validate(strings.TrimSpace(buf.String()), grant.Expectation{RoomID: "room-1", UserID: "a"}, cfg)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserName != "Ada" {
		t.Fatalf("user name = %q, want Ada", claims.UserName)
	}
	if claims.JWTID == "" {
		t.Fatal("expected grant id")
	}
	if !claims.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expires at = %v, want %v", claims.ExpiresAt, now.Add(time.Hour))
	}
}

func TestIssueTokenRequiresPrivateKey(t *testing.T) {
	err := IssueToken(&bytes.Buffer{}, IssueConfig{TTL: time.Hour, RoomID: "room-1", UserID: "a"})
	if err == nil {
		t.Fatal("expected error without private key")
	}
}

func TestRunIssueReadsEnv(t *testing.T) {
	private, _ := generateKeys(t)
	t.Setenv("FINDINGSYNC_COLLAB_GRANT_PRIVATE_KEY", private)
	t.Setenv("FINDINGSYNC_COLLAB_GRANT_ISSUER", "issuer")
	t.Setenv("FINDINGSYNC_COLLAB_GRANT_AUDIENCE", "collab")

	buf := &bytes.Buffer{}
	if err := Run([]string{"issue", "-room", "room-1", "-user", "a"}, buf); err != nil {
		t.Fatalf("run issue: %v", err)
	}
	if strings.Count(strings.TrimSpace(buf.String()), ".") != 2 {
		t.Fatalf("output = %q, want a compact JWT", buf.String())
	}
}

func TestRunRejectsUnknownSubcommand(t *testing.T) {
	if err := Run([]string{"rotate"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown subcommand")
	}
	if err := Run(nil, &bytes.Buffer{}); err == nil {
		t.Fatal("expected usage error without subcommand")
	}
}
