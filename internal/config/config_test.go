package config

import (
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tariel-x/medcall/internal/credentials"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CONFIG_FILE", filepath.Join(dir, "config.json"))
	t.Setenv("KEYS_DIR", filepath.Join(dir, "keys"))
	for _, k := range []string{"JWT_SECRET", "APP_CERTIFICATE", "TURN_SECRET", "APP_ID", "VAPID_PUBLIC_KEY", "VAPID_PRIVATE_KEY", "STORE_BACKEND", "REDIS_URL", "RECORD_TTL", "HTTP_ONLY", "FRONTEND_URI"} {
		t.Setenv(k, "")
	}
	return dir
}

func TestLoadDefaultsAndGeneratedSecrets(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load(Overrides{}, slog.Default())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreBackend != "memory" || cfg.RecordTTL != 0 || cfg.TURNPort != 3478 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.AppID) != 32 {
		t.Fatalf("expected generated 32 char app id, got %q", cfg.AppID)
	}
	if _, err := credentials.NewIssuer(cfg.AppID, cfg.AppCertificate, cfg.CredentialTTL); err != nil {
		t.Fatalf("generated app id must satisfy the issuer: %v", err)
	}
	if cfg.JWTSecret == "" || cfg.AppCertificate == "" || cfg.TURNSecret == "" {
		t.Fatalf("secrets must be generated")
	}
	raw, err := base64.RawURLEncoding.DecodeString(cfg.VAPIDKeys.PrivateKey)
	if err != nil || len(raw) != 32 {
		t.Fatalf("VAPID private key must be raw 32 bytes, got %d (%v)", len(raw), err)
	}

	again, err := Load(Overrides{}, slog.Default())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.JWTSecret != cfg.JWTSecret || again.AppID != cfg.AppID || again.VAPIDKeys.PublicKey != cfg.VAPIDKeys.PublicKey {
		t.Fatalf("secrets must persist in %s", filepath.Join(dir, "keys"))
	}
}

func TestLoadLayering(t *testing.T) {
	dir := isolate(t)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"http_port":"9000","turn_realm":"clinic","store_backend":"redis","redis_url":"redis://file:6379/0"}`), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("REDIS_URL", "redis://env:6379/0")
	t.Setenv("RECORD_TTL", "90s")

	backend := "memory"
	cfg, err := Load(Overrides{StoreBackend: &backend}, slog.Default())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != "9000" || cfg.TURNRealm != "clinic" {
		t.Fatalf("config.json values not applied: %+v", cfg)
	}
	if cfg.RedisURL != "redis://env:6379/0" {
		t.Fatalf("env must override config.json, got %q", cfg.RedisURL)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("flag must override config.json, got %q", cfg.StoreBackend)
	}
	if cfg.RecordTTL != 90*time.Second {
		t.Fatalf("unexpected record ttl %s", cfg.RecordTTL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"memory", Config{StoreBackend: "memory"}, true},
		{"redis without url", Config{StoreBackend: "redis"}, false},
		{"redis", Config{StoreBackend: "redis", RedisURL: "redis://localhost:6379"}, true},
		{"unknown backend", Config{StoreBackend: "etcd"}, false},
		{"http-only without frontend", Config{StoreBackend: "memory", HTTPOnly: true}, false},
		{"negative ttl", Config{StoreBackend: "memory", RecordTTL: -time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	if (&Config{LogLevel: "DEBUG"}).SlogLevel() != slog.LevelDebug {
		t.Fatalf("debug not mapped")
	}
	if (&Config{LogLevel: "bogus"}).SlogLevel() != slog.LevelInfo {
		t.Fatalf("unknown level must default to info")
	}
}
