package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	pkgconfig "nostr-sync/pkg/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"port zero", func(c *Config) { c.App.HTTP.Port = 0 }, true},
		{"port too high", func(c *Config) { c.App.HTTP.Port = 70000 }, true},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, true},
		{"sqlite without path", func(c *Config) { c.Store.SQLite.Path = "" }, true},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, true},
		{"postgres with dsn", func(c *Config) {
			c.Store.Driver = "postgres"
			c.Store.Postgres.DSN = "postgres://localhost/nostr"
		}, false},
		{"redis without url", func(c *Config) { c.Cache.Backend = BackendRedis }, true},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "memcached" }, true},
		{"ingest batch too large", func(c *Config) { c.Ingest.MaxBatch = 501 }, true},
		{"bad relay url", func(c *Config) { c.Relays.Default = []string{"https://relay.example"} }, true},
		{"bad author", func(c *Config) { c.Syncer.Authors = []string{"npub1xyz"} }, true},
		{"bad private key", func(c *Config) { c.Syncer.PrivateKey = "abc" }, true},
		{"jitter above one", func(c *Config) { c.Connection.Backoff.Jitter = 1.5 }, true},
		{"queue batch too large", func(c *Config) { c.Queue.MaxBatch = 1000 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSyncerAcceptsBech32(t *testing.T) {
	c := SyncerConfig{
		Authors:    []string{"npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg"},
		PrivateKey: "nsec1vl029mgpspedva04g90vltkh6fvh240zqtv9k0t9af8935ke9laqsnlfe5",
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.Authors[0] != "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e" {
		t.Errorf("author = %s", c.Authors[0])
	}
	if c.PrivateKey != "67dea2ed018072d675f5415ecfaed7d2597555e202d85b3d65ea4e58d2d92ffa" {
		t.Errorf("private key = %s", c.PrivateKey)
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	t.Setenv("TEST_REDIS_URL", "redis://localhost:6379/0")
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
app:
  log_level: debug
  http:
    port: 9090
cache:
  backend: redis
  redis_url: ${TEST_REDIS_URL}
  ttl:
    profile: 2m
connection:
  backoff:
    initial: 500ms
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.App.LogLevel != slog.LevelDebug || cfg.App.HTTP.Address() != ":9090" {
		t.Errorf("app = %+v", cfg.App)
	}
	if cfg.Cache.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("redis url = %q", cfg.Cache.RedisURL)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("store default lost: %+v", cfg.Store)
	}

	ttl := cfg.Cache.Options()
	if ttl.ProfileTTL != 2*time.Minute || ttl.RelayListTTL != 30*time.Minute {
		t.Errorf("ttl = %+v", ttl)
	}
	opts := cfg.Connection.Options()
	if opts.Backoff.Initial != 500*time.Millisecond || opts.Backoff.Max != 30*time.Second || !opts.AutoReconnect {
		t.Errorf("connection options = %+v", opts.Backoff)
	}
}

func TestInitLoggerEnvOverride(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	defer slog.SetDefault(slog.Default())
	logger := InitLogger(slog.LevelDebug)
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled despite LOG_LEVEL=warn")
	}
}
