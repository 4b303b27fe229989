// Package config defines the YAML configuration shared by the cache server
// and the syncer daemon.
package config

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"nostr-sync/internal/cache"
	"nostr-sync/internal/cacheclient"
	"nostr-sync/internal/crawler"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/relay"
	"nostr-sync/internal/store"
	"nostr-sync/internal/synccache"
)

// Cache backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the root of config/config.yaml
type Config struct {
	App        ApplicationConfig `yaml:"app"`
	Store      StoreConfig       `yaml:"store"`
	Cache      CacheConfig       `yaml:"cache"`
	Ingest     IngestConfig      `yaml:"ingest"`
	Relays     RelaysConfig      `yaml:"relays"`
	Crawl      CrawlConfig       `yaml:"crawl"`
	Queue      QueueConfig       `yaml:"queue"`
	Connection ConnectionConfig  `yaml:"connection"`
	Syncer     SyncerConfig      `yaml:"syncer"`
}

// Validate checks every section
func (c *Config) Validate() error {
	for _, v := range []validation.Validatable{
		&c.App, &c.Store, &c.Cache, &c.Ingest, &c.Relays,
		&c.Crawl, &c.Queue, &c.Connection, &c.Syncer,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplicationConfig holds process-level settings
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds the cache API listener
type HTTPConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Address returns the listen address
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.ShutdownTimeout, validation.Min(time.Duration(0))),
	)
}

// StoreConfig selects the durable store
type StoreConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds the embedded database file
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds the server connection string
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

func (c *StoreConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(store.DriverSQLite, store.DriverPostgres)),
	); err != nil {
		return err
	}
	return validation.Errors{
		"sqlite.path":  validation.Validate(c.SQLite.Path, validation.When(c.Driver == store.DriverSQLite, validation.Required)),
		"postgres.dsn": validation.Validate(c.Postgres.DSN, validation.When(c.Driver == store.DriverPostgres, validation.Required)),
	}.Filter()
}

// Options converts to store.Config
func (c *StoreConfig) Options() store.Config {
	return store.Config{Driver: c.Driver, SQLitePath: c.SQLite.Path, PostgresDSN: c.Postgres.DSN}
}

// TTLConfig holds per-entity cache lifetimes
type TTLConfig struct {
	Profile           time.Duration `yaml:"profile"`
	ProfileNotFound   time.Duration `yaml:"profile_not_found"`
	RelayList         time.Duration `yaml:"relay_list"`
	RelayListNotFound time.Duration `yaml:"relay_list_not_found"`
	Contacts          time.Duration `yaml:"contacts"`
	ContactsNotFound  time.Duration `yaml:"contacts_not_found"`
	Event             time.Duration `yaml:"event"`
	EventNotFound     time.Duration `yaml:"event_not_found"`
}

// CacheConfig selects and sizes the TTL cache backend
type CacheConfig struct {
	Backend         string        `yaml:"backend"`
	RedisURL        string        `yaml:"redis_url"`
	Prefix          string        `yaml:"prefix"`
	Capacity        int           `yaml:"capacity"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	TTL             TTLConfig     `yaml:"ttl"`
}

func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(BackendMemory, BackendRedis)),
		validation.Field(&c.RedisURL, validation.When(c.Backend == BackendRedis, validation.Required)),
		validation.Field(&c.Capacity, validation.Min(0)),
	)
}

// Options converts to cache.Config; zero TTLs fall back to the defaults
func (c *CacheConfig) Options() cache.Config {
	return cache.Config{
		ProfileTTL:           c.TTL.Profile,
		ProfileNotFoundTTL:   c.TTL.ProfileNotFound,
		RelayListTTL:         c.TTL.RelayList,
		RelayListNotFoundTTL: c.TTL.RelayListNotFound,
		ContactTTL:           c.TTL.Contacts,
		ContactNotFoundTTL:   c.TTL.ContactsNotFound,
		EventTTL:             c.TTL.Event,
		EventNotFoundTTL:     c.TTL.EventNotFound,
		Capacity:             c.Capacity,
		CleanupInterval:      c.CleanupInterval,
	}.WithDefaults()
}

// IngestConfig bounds ingest calls
type IngestConfig struct {
	MaxBatch int `yaml:"max_batch"`
}

func (c *IngestConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxBatch, validation.Min(0), validation.Max(synccache.MaxIngestBatch)),
	)
}

// RelaysConfig lists the relays the syncer starts from
type RelaysConfig struct {
	Default  []string `yaml:"default"`
	Indexers []string `yaml:"indexers"`
}

func (c *RelaysConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Default, validation.Each(validation.By(relayURL))),
		validation.Field(&c.Indexers, validation.Each(validation.By(relayURL))),
	)
}

func relayURL(value interface{}) error {
	s, _ := value.(string)
	if nostr.NormalizeURL(s) == "" {
		return fmt.Errorf("invalid relay url %q", s)
	}
	return nil
}

// CrawlConfig bounds one-shot crawls
type CrawlConfig struct {
	MaxRelays int           `yaml:"max_relays"`
	Timeout   time.Duration `yaml:"timeout"`
}

func (c *CrawlConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxRelays, validation.Min(0)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

// Options converts to crawler.Options
func (c *CrawlConfig) Options() crawler.Options {
	return crawler.Options{MaxRelays: c.MaxRelays, Timeout: c.Timeout}
}

// QueueConfig tunes the client-side ingest queue
type QueueConfig struct {
	MaxDelay time.Duration `yaml:"max_delay"`
	MaxBatch int           `yaml:"max_batch"`
}

func (c *QueueConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxBatch, validation.Min(0), validation.Max(synccache.MaxIngestBatch)),
	)
}

// Options converts to cacheclient.QueueConfig
func (c *QueueConfig) Options() cacheclient.QueueConfig {
	return cacheclient.QueueConfig{MaxDelay: c.MaxDelay, MaxBatch: c.MaxBatch}
}

// ConnectionConfig tunes relay connections
type ConnectionConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	DedupCap       int           `yaml:"dedup_cap"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

// BackoffConfig is the reconnect policy; zero fields keep the defaults
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
	MaxRetries uint64        `yaml:"max_retries"`
}

func (c BackoffConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Initial, validation.Min(time.Duration(0))),
		validation.Field(&c.Max, validation.Min(time.Duration(0))),
		validation.Field(&c.Multiplier, validation.Min(0.0)),
		validation.Field(&c.Jitter, validation.Min(0.0), validation.Max(1.0)),
	)
}

func (c *ConnectionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ConnectTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.PublishTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.AuthTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.DedupCap, validation.Min(0)),
		validation.Field(&c.Backoff),
	)
}

// Options converts to relay.Options with reconnect enabled
func (c *ConnectionConfig) Options() relay.Options {
	opts := relay.DefaultOptions()
	if c.ConnectTimeout > 0 {
		opts.ConnectTimeout = c.ConnectTimeout
	}
	if c.PublishTimeout > 0 {
		opts.PublishTimeout = c.PublishTimeout
	}
	if c.AuthTimeout > 0 {
		opts.AuthTimeout = c.AuthTimeout
	}
	if c.DedupCap > 0 {
		opts.DedupCap = c.DedupCap
	}
	b := c.Backoff
	if b.Initial > 0 {
		opts.Backoff.Initial = b.Initial
	}
	if b.Max > 0 {
		opts.Backoff.Max = b.Max
	}
	if b.Multiplier > 0 {
		opts.Backoff.Multiplier = b.Multiplier
	}
	if b.Jitter > 0 {
		opts.Backoff.Jitter = b.Jitter
	}
	if b.MaxRetries > 0 {
		opts.Backoff.MaxRetries = b.MaxRetries
	}
	return opts
}

// SyncerConfig drives cmd/syncer
type SyncerConfig struct {
	CacheURL string `yaml:"cache_url"`
	// PrivateKey is hex or nsec; when set the syncer answers AUTH challenges
	PrivateKey      string   `yaml:"private_key"`
	Authors         []string `yaml:"authors"`
	Kinds           []int    `yaml:"kinds"`
	RelaysPerAuthor int      `yaml:"relays_per_author"`
}

// Validate also rewrites npub/nprofile authors and an nsec key to hex.
func (c *SyncerConfig) Validate() error {
	for i, a := range c.Authors {
		if pk, err := nostr.ResolvePubKey(a); err == nil {
			c.Authors[i] = pk
		}
	}
	if c.PrivateKey != "" {
		if sk, err := nostr.ResolvePrivateKey(c.PrivateKey); err == nil {
			c.PrivateKey = sk
		}
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Authors, validation.Each(validation.By(hexKey))),
		validation.Field(&c.PrivateKey, validation.By(func(v interface{}) error {
			if s, _ := v.(string); s == "" {
				return nil
			}
			return hexKey(v)
		})),
		validation.Field(&c.RelaysPerAuthor, validation.Min(0)),
	)
}

func hexKey(value interface{}) error {
	s, _ := value.(string)
	if !nostr.IsHex64(s) {
		return fmt.Errorf("must be 64 lowercase hex characters")
	}
	return nil
}

// NewDefaultConfig returns the documented defaults
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP:     HTTPConfig{Port: 8080, ShutdownTimeout: 10 * time.Second},
		},
		Store: StoreConfig{
			Driver: store.DriverSQLite,
			SQLite: SQLiteConfig{Path: "./nostr-sync.db"},
		},
		Cache: CacheConfig{
			Backend:         BackendMemory,
			Prefix:          "nostr-sync:",
			Capacity:        cache.DefaultCapacity,
			CleanupInterval: cache.DefaultCleanupInterval,
		},
		Ingest: IngestConfig{MaxBatch: synccache.MaxIngestBatch},
		Relays: RelaysConfig{
			Default:  []string{"wss://relay.damus.io", "wss://nos.lol", "wss://relay.primal.net"},
			Indexers: []string{"wss://purplepag.es", "wss://relay.nostr.band", "wss://relay.damus.io"},
		},
		Crawl: CrawlConfig{MaxRelays: crawler.DefaultMaxRelays, Timeout: crawler.DefaultTimeout},
		Queue: QueueConfig{MaxDelay: cacheclient.DefaultMaxDelay, MaxBatch: cacheclient.DefaultMaxBatch},
		Syncer: SyncerConfig{
			CacheURL: "http://localhost:8080",
			Kinds:    []int{0, 1, 3, 10002},
		},
	}
}
