package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_DefaultsWithSecret(t *testing.T) {
	t.Setenv("ONCELINK_API_SECRET", "top-secret")
	t.Setenv("PORT", "")

	cfg, err := Load(LoaderOptions{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Links.ValidityWindow != 2*time.Hour {
		t.Errorf("expected 2h validity window, got %v", cfg.Links.ValidityWindow)
	}
	if cfg.Links.PostUseRetention != 5*time.Minute {
		t.Errorf("expected 5m retention, got %v", cfg.Links.PostUseRetention)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("expected memory backend, got %s", cfg.Store.Backend)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Server.ListenAddr)
	}
}

func TestLoad_MissingSecretFails(t *testing.T) {
	t.Setenv("ONCELINK_API_SECRET", "")
	_, err := Load(LoaderOptions{})
	if err == nil || !strings.Contains(err.Error(), "api_secret") {
		t.Fatalf("expected api_secret error, got %v", err)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := writeFile(t, "oncelink.toml", `
[server]
listen_addr = ":9000"
public_origin = "https://dl.example.com"
client_ip_header = "CF-Connecting-IP"
trust_proxy_headers = true

[auth]
api_secret = "from-file"
allow_jwt = true

[links]
validity_window = "90m"
post_use_retention = 120

[store]
backend = "sql"
sql_driver = "postgres"
sql_dsn = "postgres://localhost/oncelink"
sweep_interval = "30s"

[rate_limit]
redeem_limit = 20
redeem_window = "1m"

[logging]
level = "debug"
format = "json"
`)
	cfg, err := Load(LoaderOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" || cfg.Server.PublicOrigin != "https://dl.example.com" {
		t.Errorf("server section not applied: %+v", cfg.Server)
	}
	if !cfg.Server.TrustProxyHeaders || cfg.Server.ClientIPHeader != "CF-Connecting-IP" {
		t.Errorf("proxy settings not applied: %+v", cfg.Server)
	}
	if cfg.Auth.APISecret != "from-file" || !cfg.Auth.AllowJWT {
		t.Errorf("auth section not applied: %+v", cfg.Auth)
	}
	if cfg.Links.ValidityWindow != 90*time.Minute || cfg.Links.PostUseRetention != 2*time.Minute {
		t.Errorf("links section not applied: %+v", cfg.Links)
	}
	if cfg.Store.Backend != "sql" || cfg.Store.SQLDriver != "postgres" || cfg.Store.SweepInterval != 30*time.Second {
		t.Errorf("store section not applied: %+v", cfg.Store)
	}
	if cfg.RateLimit.RedeemLimit != 20 || cfg.Logging.Format != "json" {
		t.Errorf("rate limit/logging not applied: %+v %+v", cfg.RateLimit, cfg.Logging)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "oncelink.toml", `
[auth]
api_secret = "from-file"

[store]
backend = "memory"
`)
	t.Setenv("ONCELINK_API_SECRET", "from-env")
	t.Setenv("ONCELINK_STORE", "redis")
	t.Setenv("ONCELINK_REDIS_ADDR", "localhost:6379")
	t.Setenv("ONCELINK_VALIDITY_WINDOW", "7200")

	cfg, err := Load(LoaderOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.APISecret != "from-env" {
		t.Errorf("expected env secret, got %q", cfg.Auth.APISecret)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.RedisAddr != "localhost:6379" {
		t.Errorf("expected env store override, got %+v", cfg.Store)
	}
	if cfg.Links.ValidityWindow != 2*time.Hour {
		t.Errorf("expected seconds value parsed, got %v", cfg.Links.ValidityWindow)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	t.Setenv("ONCELINK_API_SECRET", "")
	os.Unsetenv("ONCELINK_API_SECRET")
	path := writeFile(t, ".env", "ONCELINK_API_SECRET=dotenv-secret\n")
	t.Cleanup(func() { os.Unsetenv("ONCELINK_API_SECRET") })

	cfg, err := Load(LoaderOptions{EnvFile: path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.APISecret != "dotenv-secret" {
		t.Errorf("expected secret from env file, got %q", cfg.Auth.APISecret)
	}

	if _, err := Load(LoaderOptions{EnvFile: filepath.Join(t.TempDir(), "missing.env")}); err != nil {
		t.Errorf("missing env file should be ignored, got %v", err)
	}
}

func TestLoad_InvalidInputs(t *testing.T) {
	t.Setenv("ONCELINK_API_SECRET", "s")

	if _, err := Load(LoaderOptions{ConfigPath: filepath.Join(t.TempDir(), "nope.toml")}); err == nil {
		t.Error("expected error for missing config file")
	}
	if _, err := Load(LoaderOptions{ConfigPath: writeFile(t, "bad.toml", "this is = = not toml")}); err == nil {
		t.Error("expected error for invalid toml")
	}
	if _, err := Load(LoaderOptions{ConfigPath: writeFile(t, "dur.toml", "[links]\nvalidity_window = \"soon\"\n")}); err == nil {
		t.Error("expected error for invalid duration")
	}

	t.Setenv("ONCELINK_ALLOW_JWT", "maybe")
	if _, err := Load(LoaderOptions{}); err == nil {
		t.Error("expected error for invalid bool")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"redis without addr", func(c *Config) { c.Store.Backend = "redis" }, "redis_addr"},
		{"sql bad driver", func(c *Config) { c.Store.Backend = "sql"; c.Store.SQLDriver = "oracle" }, "sql_driver"},
		{"origin with path", func(c *Config) { c.Server.PublicOrigin = "https://x.com/base" }, "public_origin"},
		{"zero validity", func(c *Config) { c.Links.ValidityWindow = 0 }, "validity_window"},
		{"tiny retention", func(c *Config) { c.Links.PostUseRetention = time.Millisecond }, "post_use_retention"},
		{"negative limit", func(c *Config) { c.RateLimit.RedeemLimit = -1 }, "redeem_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.APISecret = "s"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
