package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRequiresRedisURL(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without REDIS_URL")
	}
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("default listen addr = %q, want :8080", cfg.ListenAddr)
	}

	t.Setenv("LISTEN_ADDR", ":9999")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("listen addr = %q, want env override", cfg.ListenAddr)
	}
}

func TestLoadFileOverlaidByEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "listen_addr: \":7777\"\nredis_url: \"redis://file:6379/0\"\ndatabase_url: \"postgres://file/db\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("REDIS_URL", "redis://env:6379/0")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Fatalf("listen addr = %q, want file value", cfg.ListenAddr)
	}
	if cfg.RedisURL != "redis://env:6379/0" {
		t.Fatalf("redis url = %q, env must win over file", cfg.RedisURL)
	}
	if cfg.DatabaseURL != "postgres://file/db" {
		t.Fatalf("database url = %q, want file value", cfg.DatabaseURL)
	}
}
