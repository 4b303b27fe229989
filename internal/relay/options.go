// Package relay implements the per-relay connection state machine and the
// multi-relay pool that fans subscriptions out and merges their results.
package relay

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"nostr-sync/internal/nostr"
)

const (
	DefaultConnectTimeout = 7 * time.Second
	DefaultPublishTimeout = 10 * time.Second
	DefaultAuthTimeout    = 5 * time.Second
	DefaultDedupCap       = 10000
)

// Options configures connections created directly or by a Pool
type Options struct {
	Dialer         *websocket.Dialer
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	AuthTimeout    time.Duration
	Backoff        BackoffConfig
	// AutoReconnect retries lost or failed connections with Backoff.
	// Crawler connections turn it off.
	AutoReconnect bool
	// Verifier rejects events before dispatch. Defaults to nostr.Verify.
	Verifier nostr.Verifier
	// DedupCap bounds the pool's seen-event set
	DedupCap int
	Logger   *slog.Logger
}

// DefaultOptions returns the options used by the syncer
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: DefaultConnectTimeout,
		PublishTimeout: DefaultPublishTimeout,
		AuthTimeout:    DefaultAuthTimeout,
		Backoff:        DefaultBackoff(),
		AutoReconnect:  true,
		DedupCap:       DefaultDedupCap,
	}
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.Backoff == (BackoffConfig{}) {
		o.Backoff = DefaultBackoff()
	}
	if o.Verifier == nil {
		o.Verifier = nostr.Verify
	}
	if o.DedupCap <= 0 {
		o.DedupCap = DefaultDedupCap
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
