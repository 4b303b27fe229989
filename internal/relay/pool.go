package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v2"
	"golang.org/x/sync/errgroup"

	"nostr-sync/internal/apperr"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/types"
)

// RelayStatus reports one pool member
type RelayStatus struct {
	URL           string `json:"url"`
	Status        Status `json:"status"`
	Subscriptions int    `json:"subscriptions"`
}

// Pool presents many relay connections as one surface. Events are delivered
// at most once per pool subscription regardless of how many relays send them.
type Pool struct {
	opts  Options
	log   *slog.Logger
	conns *xsync.MapOf[string, *Conn]
	seen  *SeenSet

	// signerMu orders SetAuthSigner against member creation
	signerMu sync.RWMutex
	signer   nostr.Signer
}

// NewPool creates an empty pool; members are added with AddRelay
func NewPool(opts Options) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		opts:  opts,
		log:   opts.Logger,
		conns: xsync.NewMapOf[*Conn](),
		seen:  NewSeenSet(opts.DedupCap),
	}
}

// AddRelay adds a member and starts connecting in the background.
// URLs that normalize to the same address share one connection.
func (p *Pool) AddRelay(url string) (*Conn, error) {
	norm := nostr.NormalizeURL(url)
	if norm == "" {
		return nil, fmt.Errorf("relay: add %q: %w", url, apperr.ErrInvalidInput)
	}

	p.signerMu.RLock()
	created := false
	conn, _ := p.conns.LoadOrCompute(norm, func() *Conn {
		created = true
		c := NewConn(norm, p.opts)
		c.SetAuthSigner(p.signer)
		return c
	})
	p.signerMu.RUnlock()

	if created {
		p.log.Debug("pool added relay", "relay", norm)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectTimeout)
			defer cancel()
			if err := conn.Connect(ctx); err != nil {
				p.log.Info("pool initial connect failed", "relay", norm, "error", err)
			}
		}()
	}
	return conn, nil
}

// RemoveRelay closes and forgets a member. In-flight subscriptions on it are discarded.
func (p *Pool) RemoveRelay(url string) {
	norm := nostr.NormalizeURL(url)
	if norm == "" {
		return
	}
	if conn, ok := p.conns.LoadAndDelete(norm); ok {
		conn.Close()
		p.log.Debug("pool removed relay", "relay", norm)
	}
}

// Relays returns the members sorted by URL
func (p *Pool) Relays() []RelayStatus {
	var out []RelayStatus
	p.conns.Range(func(url string, conn *Conn) bool {
		out = append(out, RelayStatus{URL: url, Status: conn.Status(), Subscriptions: conn.Subscriptions()})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// URLs returns the member URLs, sorted
func (p *Pool) URLs() []string {
	var urls []string
	p.conns.Range(func(url string, _ *Conn) bool {
		urls = append(urls, url)
		return true
	})
	sort.Strings(urls)
	return urls
}

// SetAuthSigner applies to current and future members
func (p *Pool) SetAuthSigner(signer nostr.Signer) {
	p.signerMu.Lock()
	defer p.signerMu.Unlock()
	p.signer = signer
	p.conns.Range(func(_ string, conn *Conn) bool {
		conn.SetAuthSigner(signer)
		return true
	})
}

// Subscription is a pool-level subscription handle
type Subscription struct {
	ID string

	closed atomic.Bool
	// deliverMu serializes callbacks coming from different relays
	deliverMu sync.Mutex

	mu     sync.Mutex
	issued map[*Conn]string
}

// Unsubscribe cancels the subscription on every connection it was issued
// to, including connections removed from the pool since. Safe to call more
// than once and from inside the subscription's own callbacks.
func (s *Subscription) Unsubscribe() {
	if s.closed.Swap(true) {
		return
	}
	s.mu.Lock()
	issued := s.issued
	s.issued = nil
	s.mu.Unlock()

	for conn, subID := range issued {
		conn.Unsubscribe(subID)
	}
}

// Relays returns the URLs this subscription was issued to
func (s *Subscription) Relays() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := make([]string, 0, len(s.issued))
	for conn := range s.issued {
		urls = append(urls, conn.URL())
	}
	sort.Strings(urls)
	return urls
}

// Subscribe issues filters to every current member. onEvent sees each event
// id at most once; onEose is called once per relay that reports EOSE, with
// that relay's URL. Callbacks for one subscription never run concurrently.
func (p *Pool) Subscribe(filters []types.Filter, onEvent func(*types.Event), onEose func(relayURL string)) *Subscription {
	var conns []*Conn
	p.conns.Range(func(_ string, conn *Conn) bool {
		conns = append(conns, conn)
		return true
	})
	return p.subscribe(conns, filters, onEvent, onEose)
}

// SubscribeRelays issues filters to the given relays only, adding any that
// are not yet members. Invalid URLs are skipped.
func (p *Pool) SubscribeRelays(urls []string, filters []types.Filter, onEvent func(*types.Event), onEose func(relayURL string)) *Subscription {
	conns := p.ensure(urls)
	return p.subscribe(conns, filters, onEvent, onEose)
}

func (p *Pool) ensure(urls []string) []*Conn {
	seen := make(map[*Conn]bool, len(urls))
	var conns []*Conn
	for _, url := range urls {
		conn, err := p.AddRelay(url)
		if err != nil {
			p.log.Debug("pool skipped relay", "relay", url, "error", err)
			continue
		}
		if !seen[conn] {
			seen[conn] = true
			conns = append(conns, conn)
		}
	}
	return conns
}

func (p *Pool) subscribe(conns []*Conn, filters []types.Filter, onEvent func(*types.Event), onEose func(string)) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		issued: make(map[*Conn]string, len(conns)),
	}

	deliver := func(evt *types.Event) {
		if sub.closed.Load() {
			return
		}
		if !p.seen.Add(sub.ID + ":" + evt.ID) {
			return
		}
		sub.deliverMu.Lock()
		defer sub.deliverMu.Unlock()
		if sub.closed.Load() {
			return
		}
		onEvent(evt)
	}

	for _, conn := range conns {
		url := conn.URL()
		eose := func() {
			if onEose == nil || sub.closed.Load() {
				return
			}
			sub.deliverMu.Lock()
			defer sub.deliverMu.Unlock()
			if !sub.closed.Load() {
				onEose(url)
			}
		}

		// Hold mu so an early callback that unsubscribes sees this entry
		sub.mu.Lock()
		if sub.closed.Load() {
			sub.mu.Unlock()
			break
		}
		subID := conn.Subscribe(filters, deliver, eose)
		sub.issued[conn] = subID
		sub.mu.Unlock()
	}

	p.log.Debug("pool subscribed", "sub_id", sub.ID, "relays", len(conns))
	return sub
}

// Publish sends the event to every member concurrently and returns one
// result per relay URL. Each relay's wait is bounded by the publish timeout.
func (p *Pool) Publish(ctx context.Context, evt *types.Event) map[string]PublishResult {
	var conns []*Conn
	p.conns.Range(func(_ string, conn *Conn) bool {
		conns = append(conns, conn)
		return true
	})
	return p.publish(ctx, conns, evt)
}

// PublishTo sends the event to the given relays, adding missing members.
// Invalid URLs get a rejected result under their original spelling.
func (p *Pool) PublishTo(ctx context.Context, urls []string, evt *types.Event) map[string]PublishResult {
	var conns []*Conn
	invalid := make(map[string]PublishResult)
	for _, url := range urls {
		conn, err := p.AddRelay(url)
		if err != nil {
			invalid[url] = PublishResult{Accepted: false, Message: "invalid relay url"}
			continue
		}
		conns = append(conns, conn)
	}

	results := p.publish(ctx, conns, evt)
	for url, res := range invalid {
		results[url] = res
	}
	return results
}

func (p *Pool) publish(ctx context.Context, conns []*Conn, evt *types.Event) map[string]PublishResult {
	results := make(map[string]PublishResult, len(conns))
	var mu sync.Mutex

	var g errgroup.Group
	for _, conn := range conns {
		g.Go(func() error {
			res := conn.Publish(ctx, evt)
			mu.Lock()
			results[conn.URL()] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	accepted := 0
	for _, res := range results {
		if res.Accepted {
			accepted++
		}
	}
	p.log.Info("pool published", "kind", evt.Kind, "relays", len(results), "accepted", accepted)
	return results
}

// Close closes every member and empties the pool
func (p *Pool) Close() {
	p.conns.Range(func(url string, conn *Conn) bool {
		p.conns.Delete(url)
		conn.Close()
		return true
	})
}
