package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  postgresDsn: host=localhost user=odm dbname=odm
  redisAddr: localhost:6379
  redisDB: 2
  cacheTTL: 10m
`)

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Server.Listen != ":8000" {
		t.Fatalf("expected default listen address, got %q", conf.Server.Listen)
	}
	if conf.Server.RedisDB != 2 {
		t.Fatalf("expected redisDB 2, got %d", conf.Server.RedisDB)
	}
	ttl, err := conf.Server.CacheDuration()
	if err != nil || ttl != 10*time.Minute {
		t.Fatalf("expected 10m cache ttl, got %v (%v)", ttl, err)
	}
}

func TestLoadRejectsBadCacheTTL(t *testing.T) {
	path := writeConfig(t, "server:\n  cacheTTL: soon\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for invalid cacheTTL")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
