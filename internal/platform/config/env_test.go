package config

import (
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Port int `env:"FINDINGSYNC_TEST_PORT" envDefault:"123"`
}

type prefixedTestConfig struct {
	RoomID string        `env:"ROOM_ID" envDefault:"room-default"`
	Delay  time.Duration `env:"DELAY" envDefault:"3s"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("FINDINGSYNC_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestParseEnvWithPrefixReadsPrefixedNames(t *testing.T) {
	t.Setenv("FINDINGSYNC_TEST_ROOM_ID", "room-7")
	t.Setenv("ROOM_ID", "unprefixed")

	var cfg prefixedTestConfig
	if err := ParseEnvWithPrefix(&cfg, "FINDINGSYNC_TEST_"); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.RoomID != "room-7" {
		t.Fatalf("room id = %q, want %q", cfg.RoomID, "room-7")
	}
	if cfg.Delay != 3*time.Second {
		t.Fatalf("delay = %v, want %v", cfg.Delay, 3*time.Second)
	}
}

func TestParseEnvWithPrefixError(t *testing.T) {
	t.Setenv("FINDINGSYNC_TEST_DELAY", "soon")

	var cfg prefixedTestConfig
	err := ParseEnvWithPrefix(&cfg, "FINDINGSYNC_TEST_")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "FINDINGSYNC_TEST_") {
		t.Fatalf("expected prefix in error, got %v", err)
	}
}
