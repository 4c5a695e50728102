package config

import (
	"testing"
	"time"

	"e2ee-session/internal/cryptocore"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"ADDR", "STATE_BACKEND", "MAX_SKIPPED_KEYS", "TOKEN_TTL", "ARGON2_TIME"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	if cfg.Addr != ":8082" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.StateBackend != "gorm" {
		t.Fatalf("state backend = %q", cfg.StateBackend)
	}
	if cfg.MaxSkippedKeys != cryptocore.DefaultMaxSkip {
		t.Fatalf("max skipped = %d", cfg.MaxSkippedKeys)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("token ttl = %s", cfg.TokenTTL)
	}
	if cfg.Argon2 != cryptocore.DefaultArgon2Params() {
		t.Fatalf("argon2 = %+v", cfg.Argon2)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ADDR", ":9000")
	t.Setenv("STATE_BACKEND", "Badger")
	t.Setenv("MAX_SKIPPED_KEYS", "64")
	t.Setenv("SENDER_KEY_WINDOW", "200")
	t.Setenv("TOKEN_TTL", "90m")
	t.Setenv("ARGON2_MEMORY_KIB", "8192")
	t.Setenv("KEM_SCHEME", cryptocore.KEMKyber768)

	cfg := Load()
	if cfg.Addr != ":9000" || cfg.StateBackend != "badger" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.MaxSkippedKeys != 64 || cfg.SenderKeyWindow != 200 {
		t.Fatalf("unexpected bounds: %d %d", cfg.MaxSkippedKeys, cfg.SenderKeyWindow)
	}
	if cfg.TokenTTL != 90*time.Minute {
		t.Fatalf("token ttl = %s", cfg.TokenTTL)
	}
	if cfg.Argon2.Memory != 8192 {
		t.Fatalf("argon2 memory = %d", cfg.Argon2.Memory)
	}
	if cfg.KEMScheme != cryptocore.KEMKyber768 {
		t.Fatalf("kem = %q", cfg.KEMScheme)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("STATE_BACKEND", "redis")
	t.Setenv("MAX_SKIPPED_KEYS", "-4")
	t.Setenv("SENDER_KEY_WINDOW", "lots")
	t.Setenv("TOKEN_TTL", "soon")

	cfg := Load()
	if cfg.StateBackend != "gorm" {
		t.Fatalf("state backend = %q", cfg.StateBackend)
	}
	if cfg.MaxSkippedKeys != cryptocore.DefaultMaxSkip {
		t.Fatalf("max skipped = %d", cfg.MaxSkippedKeys)
	}
	if cfg.SenderKeyWindow != cryptocore.DefaultMaxMessageKeys {
		t.Fatalf("sender key window = %d", cfg.SenderKeyWindow)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("token ttl = %s", cfg.TokenTTL)
	}
}
