// Package client composes the relay pool, crawler, outbox resolver and
// cache client into the client-side synchronization layer.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"nostr-sync/internal/bus"
	"nostr-sync/internal/cacheclient"
	"nostr-sync/internal/crawler"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/outbox"
	"nostr-sync/internal/relay"
	"nostr-sync/internal/types"
	"nostr-sync/internal/util"
)

// DefaultRelaysPerAuthor caps how many write relays are used per followed author
const DefaultRelaysPerAuthor = 3

// Config configures a Client
type Config struct {
	// Inbox and Outbox seed the user's relay profile
	Inbox  []string
	Outbox []string

	Conn    relay.Options
	Crawler crawler.Config
	Crawl   crawler.Options

	// Cache is optional; without it reads go straight to relays and
	// nothing is written through
	Cache *cacheclient.Client
	Queue cacheclient.QueueConfig

	Signer          nostr.Signer
	RelaysPerAuthor int
	Logger          *slog.Logger
}

// Client is the composition root of the client side
type Client struct {
	pool     *relay.Pool
	crawler  *crawler.Crawler
	crawl    crawler.Options
	cache    *cacheclient.Client
	queue    *cacheclient.IngestQueue
	tracker  *outbox.Tracker
	profiles *outbox.Profiles
	events   *bus.Bus[*types.Event]
	signer   nostr.Signer
	perAuth  int
	log      *slog.Logger

	relayListGroup singleflight.Group
	profileGroup   singleflight.Group
}

// New wires the components. Relays are dialed lazily on first use.
func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg.Conn.Logger = log
	cfg.Crawler.Logger = log
	cfg.Queue.Logger = log
	if cfg.Crawler.Conn.ConnectTimeout == 0 {
		cfg.Crawler.Conn = cfg.Conn
	}
	cfg.Crawler.Conn.Logger = log
	if cfg.RelaysPerAuthor <= 0 {
		cfg.RelaysPerAuthor = DefaultRelaysPerAuthor
	}

	c := &Client{
		pool:     relay.NewPool(cfg.Conn),
		crawler:  crawler.New(cfg.Crawler),
		crawl:    cfg.Crawl,
		cache:    cfg.Cache,
		tracker:  outbox.NewTracker(),
		profiles: outbox.NewProfiles(cfg.Inbox, cfg.Outbox),
		events:   bus.New[*types.Event](),
		signer:   cfg.Signer,
		perAuth:  cfg.RelaysPerAuthor,
		log:      log,
	}
	if cfg.Cache != nil {
		c.queue = cacheclient.NewIngestQueue(cacheclient.ClientFlush(cfg.Cache), cfg.Queue)
	}
	if cfg.Signer != nil {
		c.pool.SetAuthSigner(cfg.Signer)
	}
	return c
}

// Events is the bus every received event is published on
func (c *Client) Events() *bus.Bus[*types.Event] { return c.events }

// Pool exposes the persistent relay pool
func (c *Client) Pool() *relay.Pool { return c.pool }

// Relays exposes the user's inbox/outbox profile
func (c *Client) Relays() *outbox.Profiles { return c.profiles }

// Tracker exposes the newest-known relay list per author
func (c *Client) Tracker() *outbox.Tracker { return c.tracker }

// QueueStats reports the write-through queue, zero without a cache
func (c *Client) QueueStats() cacheclient.QueueStats {
	if c.queue == nil {
		return cacheclient.QueueStats{}
	}
	return c.queue.Stats()
}

// handle is the single entry point for events arriving from relays
func (c *Client) handle(evt *types.Event) {
	if evt.Kind == types.KindRelayList {
		if c.tracker.Apply(evt) && c.isSelf(evt.PubKey) {
			c.mergeOwn(evt)
		}
	}
	c.events.Publish(evt)
	c.cacheEvent(evt)
}

func (c *Client) cacheEvent(evt *types.Event) {
	if c.queue != nil {
		c.queue.Add(evt)
	}
}

func (c *Client) isSelf(pubkey string) bool {
	return c.signer != nil && c.signer.PubKey() == pubkey
}

// Subscribe issues filters to the inbox relays. Each distinct event goes
// to the bus and the write-through queue.
func (c *Client) Subscribe(filters []types.Filter, onEose func(relayURL string)) *relay.Subscription {
	return c.pool.SubscribeRelays(c.profiles.Inbox(), filters, c.handle, onEose)
}

// AuthorSubscription spans one pool subscription per relay group and
// delivers each event id once across all of them
type AuthorSubscription struct {
	subs []*relay.Subscription
}

// Unsubscribe cancels every underlying subscription
func (s *AuthorSubscription) Unsubscribe() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
}

// Relays returns the relay URLs in use
func (s *AuthorSubscription) Relays() []string {
	var urls []string
	for _, sub := range s.subs {
		urls = append(urls, sub.Relays()...)
	}
	return util.Unique(urls)
}

// SubscribeAuthors follows authors through their write relays. filter is
// a template; its Authors are replaced per relay group. Authors whose relay
// list cannot be found are read from the inbox relays.
func (c *Client) SubscribeAuthors(ctx context.Context, authors []string, filter types.Filter, onEose func(relayURL string)) *AuthorSubscription {
	authors = util.Unique(authors)
	c.RelayLists(ctx, authors)
	groups := outbox.GroupByRelay(c.tracker.WriteRelays(authors), authors, c.profiles.Inbox(), c.perAuth)

	seen := relay.NewSeenSet(relay.DefaultDedupCap)
	var mu sync.Mutex
	deliver := func(evt *types.Event) {
		if !seen.Add(evt.ID) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		c.handle(evt)
	}

	out := &AuthorSubscription{}
	for _, g := range groups {
		f := filter
		f.Authors = g.Pubkeys
		out.subs = append(out.subs, c.pool.SubscribeRelays([]string{g.RelayURL}, []types.Filter{f}, deliver, onEose))
	}
	c.log.Info("subscribed to authors", "authors", len(authors), "relays", len(groups))
	return out
}

// Profile returns the newest profile for pubkey from the cache, or from a
// crawl when the cache has nothing
func (c *Client) Profile(ctx context.Context, pubkey string) (*types.Profile, bool) {
	if c.cache != nil {
		if p, ok := c.cache.Profile(ctx, pubkey); ok {
			return p, true
		}
	}

	res, _, shared := c.profileGroup.Do(pubkey, func() (interface{}, error) {
		return c.crawlProfile(ctx, pubkey), nil
	})
	if shared {
		c.log.Debug("singleflight: shared profile fetch", "pubkey", util.ShortID(pubkey))
	}
	p := res.(*types.Profile)
	return p, p != nil
}

func (c *Client) crawlProfile(ctx context.Context, pubkey string) *types.Profile {
	opts := c.crawl
	opts.PreferIndexers = true
	if rl, ok := c.tracker.Get(pubkey); ok {
		opts.Relays = outbox.WriteRelays(rl.Relays)
	}
	filters := []types.Filter{{Authors: []string{pubkey}, Kinds: []int{types.KindProfile}, Limit: 1}}
	evts, _, err := c.crawler.Collect(ctx, filters, opts)
	if err != nil || len(evts) == 0 {
		return nil
	}
	evt := evts[0]
	var info types.ProfileInfo
	if err := json.Unmarshal([]byte(evt.Content), &info); err != nil {
		c.log.Debug("crawled profile unparseable", "pubkey", util.ShortID(pubkey), "error", err)
		return nil
	}
	c.handle(evt)
	return &types.Profile{PubKey: evt.PubKey, EventID: evt.ID, CreatedAt: evt.CreatedAt, ProfileInfo: info}
}

// RelayList returns the newest relay list known for pubkey, consulting the
// tracker, then the cache, then indexer relays
func (c *Client) RelayList(ctx context.Context, pubkey string) (*types.RelayList, bool) {
	lists := c.RelayLists(ctx, []string{pubkey})
	rl, ok := lists[pubkey]
	return rl, ok
}

// RelayLists resolves relay lists for many authors with at most one cache
// batch and one crawl
func (c *Client) RelayLists(ctx context.Context, pubkeys []string) map[string]*types.RelayList {
	out := make(map[string]*types.RelayList, len(pubkeys))
	var missing []string
	for _, pk := range util.Unique(pubkeys) {
		if rl, ok := c.tracker.Get(pk); ok {
			out[pk] = rl
		} else {
			missing = append(missing, pk)
		}
	}
	if len(missing) == 0 {
		return out
	}

	if c.cache != nil {
		for _, rl := range c.cache.RelayLists(ctx, missing) {
			c.tracker.ApplyList(rl)
		}
		missing = c.collectKnown(out, missing)
		if len(missing) == 0 {
			return out
		}
	}

	key := fmt.Sprint(util.SortedCopy(missing))
	c.relayListGroup.Do(key, func() (interface{}, error) {
		opts := c.crawl
		opts.PreferIndexers = true
		filters := []types.Filter{{Authors: missing, Kinds: []int{types.KindRelayList}}}
		evts, _, err := c.crawler.Collect(ctx, filters, opts)
		if err != nil {
			c.log.Debug("relay list crawl failed", "authors", len(missing), "error", err)
			return nil, nil
		}
		for _, evt := range evts {
			c.handle(evt)
		}
		return nil, nil
	})
	c.collectKnown(out, missing)
	return out
}

// collectKnown moves tracker hits for pubkeys into out and returns the rest
func (c *Client) collectKnown(out map[string]*types.RelayList, pubkeys []string) []string {
	var rest []string
	for _, pk := range pubkeys {
		if rl, ok := c.tracker.Get(pk); ok {
			out[pk] = rl
		} else {
			rest = append(rest, pk)
		}
	}
	return rest
}

// ApplyOwnRelayList merges the user's own relay list into the inbox/outbox
// profile. Relays are only ever added, and only from a list newer than the
// one already applied. It returns the newly added relays.
func (c *Client) ApplyOwnRelayList(evt *types.Event) (addedInbox, addedOutbox []string, err error) {
	if evt == nil || evt.Kind != types.KindRelayList {
		return nil, nil, fmt.Errorf("client: not a relay list event")
	}
	if !c.isSelf(evt.PubKey) {
		return nil, nil, fmt.Errorf("client: relay list belongs to %s", util.ShortID(evt.PubKey))
	}
	if !c.tracker.Apply(evt) {
		// an equal or newer list is already applied
		return nil, nil, nil
	}
	addedInbox, addedOutbox = c.mergeOwn(evt)
	return addedInbox, addedOutbox, nil
}

func (c *Client) mergeOwn(evt *types.Event) (addedInbox, addedOutbox []string) {
	addedInbox, addedOutbox = c.profiles.Merge(outbox.ParseRelayList(evt))
	if len(addedInbox) > 0 || len(addedOutbox) > 0 {
		c.log.Info("merged own relay list", "inbox_added", len(addedInbox), "outbox_added", len(addedOutbox))
	}
	return addedInbox, addedOutbox
}

// LoadOwnRelayList fetches the user's relay list and merges it
func (c *Client) LoadOwnRelayList(ctx context.Context) bool {
	if c.signer == nil {
		return false
	}
	rl, ok := c.RelayList(ctx, c.signer.PubKey())
	if !ok {
		return false
	}
	c.profiles.Merge(rl.Relays)
	return true
}

// Publish signs evt when it has no id yet and sends it to the outbox
// relays, falling back to the inbox when no outbox is known. Accepted
// events are written through to the cache.
func (c *Client) Publish(ctx context.Context, evt *types.Event) (map[string]relay.PublishResult, error) {
	if evt.ID == "" {
		if c.signer == nil {
			return nil, fmt.Errorf("client: publish unsigned event without a signer")
		}
		if err := c.signer.SignEvent(evt); err != nil {
			return nil, fmt.Errorf("client: sign: %w", err)
		}
	}
	targets := c.profiles.Outbox()
	if len(targets) == 0 {
		targets = c.profiles.Inbox()
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("client: no relays to publish to")
	}

	results := c.pool.PublishTo(ctx, targets, evt)
	for _, res := range results {
		if res.Accepted {
			if evt.Kind == types.KindRelayList && c.isSelf(evt.PubKey) {
				c.ApplyOwnRelayList(evt)
			}
			c.cacheEvent(evt)
			break
		}
	}
	return results, nil
}

// Close flushes the write-through queue and closes every relay connection
func (c *Client) Close(ctx context.Context) error {
	var err error
	if c.queue != nil {
		err = c.queue.Close(ctx)
	}
	c.pool.Close()
	return err
}
