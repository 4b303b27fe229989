// Package crawler runs one-shot fan-out queries against relays outside the
// persistent pool, such as indexers or relays taken from someone else's
// relay list. Connections live only for the duration of one crawl.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"nostr-sync/internal/apperr"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/relay"
	"nostr-sync/internal/types"
	"nostr-sync/internal/util"
)

const (
	DefaultMaxRelays = 5
	DefaultTimeout   = 3 * time.Second
)

// DefaultIndexers are well-known relays that aggregate profiles and relay lists
var DefaultIndexers = []string{
	"wss://purplepag.es",
	"wss://relay.nostr.band",
	"wss://relay.damus.io",
}

// Options bounds one crawl
type Options struct {
	MaxRelays      int
	Timeout        time.Duration
	PreferIndexers bool
	// Relays are crawl candidates in priority order. When empty the
	// crawler's configured relays are used.
	Relays []string
}

// Stats summarizes a finished crawl
type Stats struct {
	Relays    int `json:"relays"`
	Completed int `json:"completed"`
	Events    int `json:"events"`
}

// AllEOSE reports whether every crawled relay finished before the deadline
func (s Stats) AllEOSE() bool {
	return s.Relays > 0 && s.Completed == s.Relays
}

// Config configures a Crawler
type Config struct {
	Indexers []string
	Relays   []string
	Conn     relay.Options
	Logger   *slog.Logger
}

// Crawler is stateless between crawls; each crawl has its own dedup scope
type Crawler struct {
	indexers []string
	relays   []string
	connOpts relay.Options
	log      *slog.Logger
}

func New(cfg Config) *Crawler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	indexers := cfg.Indexers
	if indexers == nil {
		indexers = DefaultIndexers
	}
	connOpts := cfg.Conn
	connOpts.AutoReconnect = false
	connOpts.Logger = logger
	return &Crawler{
		indexers: indexers,
		relays:   cfg.Relays,
		connOpts: connOpts,
		log:      logger,
	}
}

// SelectRelays picks up to MaxRelays distinct, dialable relays. With
// PreferIndexers the indexers come first.
func (c *Crawler) SelectRelays(opts Options) []string {
	opts = withDefaults(opts)
	candidates := opts.Relays
	if len(candidates) == 0 {
		candidates = c.relays
	}
	if opts.PreferIndexers || len(candidates) == 0 {
		candidates = append(append([]string{}, c.indexers...), candidates...)
	}

	var selected []string
	seen := make(map[string]bool)
	for _, raw := range candidates {
		url := nostr.NormalizeURL(raw)
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		if !nostr.IsSafeRelayURL(url) {
			c.log.Debug("crawler skipped unsafe relay", "relay", url)
			continue
		}
		selected = append(selected, url)
		if len(selected) >= opts.MaxRelays {
			break
		}
	}
	return selected
}

// Crawl issues filters to the selected relays and forwards each distinct
// event to onEvent. It returns when every relay has sent EOSE or the
// timeout passes, whichever is first; onEvent is never called after Crawl
// returns. Calls to onEvent are serialized.
func (c *Crawler) Crawl(ctx context.Context, filters []types.Filter, onEvent func(*types.Event), opts Options) (Stats, error) {
	opts = withDefaults(opts)
	urls := c.SelectRelays(opts)
	if len(urls) == 0 {
		return Stats{}, fmt.Errorf("crawler: no relays to crawl: %w", apperr.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	seen := relay.NewSeenSet(relay.DefaultDedupCap)
	var (
		deliverMu sync.Mutex
		finished  bool
		events    atomic.Int64
		completed atomic.Int64
	)
	deliver := func(evt *types.Event) {
		if !seen.Add(evt.ID) {
			return
		}
		deliverMu.Lock()
		defer deliverMu.Unlock()
		if finished {
			return
		}
		events.Add(1)
		onEvent(evt)
	}

	start := time.Now()
	var g errgroup.Group
	for _, url := range urls {
		g.Go(func() error {
			if c.crawlOne(ctx, url, filters, deliver) {
				completed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	deliverMu.Lock()
	finished = true
	deliverMu.Unlock()

	stats := Stats{Relays: len(urls), Completed: int(completed.Load()), Events: int(events.Load())}
	c.log.Debug("crawl finished",
		"relays", stats.Relays,
		"completed", stats.Completed,
		"events", stats.Events,
		"elapsed", time.Since(start))
	return stats, nil
}

// crawlOne runs the query on one ephemeral connection and reports whether
// the relay reached EOSE before the deadline
func (c *Crawler) crawlOne(ctx context.Context, url string, filters []types.Filter, deliver func(*types.Event)) bool {
	conn := relay.NewConn(url, c.connOpts)
	defer conn.Close()

	if err := conn.Connect(ctx); err != nil {
		c.log.Debug("crawler connect failed", "relay", url, "error", err)
		return false
	}

	eose := make(chan struct{})
	var once sync.Once
	conn.Subscribe(filters, deliver, func() { once.Do(func() { close(eose) }) })

	select {
	case <-eose:
		return true
	case <-ctx.Done():
		c.log.Debug("crawler deadline before EOSE", "relay", url)
		return false
	}
}

// Collect crawls and returns the distinct events sorted newest first (ties
// by id descending), truncated to the first filter's limit
func (c *Crawler) Collect(ctx context.Context, filters []types.Filter, opts Options) ([]*types.Event, Stats, error) {
	var mu sync.Mutex
	var events []*types.Event
	stats, err := c.Crawl(ctx, filters, func(evt *types.Event) {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	}, opts)
	if err != nil {
		return nil, stats, err
	}

	SortEvents(events)
	if len(filters) > 0 && filters[0].Limit > 0 {
		events = util.LimitSlice(events, filters[0].Limit)
	}
	return events, stats, nil
}

// SortEvents orders by created_at descending, then id descending
func SortEvents(events []*types.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID > events[j].ID
	})
}

func withDefaults(opts Options) Options {
	if opts.MaxRelays <= 0 {
		opts.MaxRelays = DefaultMaxRelays
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return opts
}
