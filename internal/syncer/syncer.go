// Package syncer follows a set of authors through their write relays and
// streams what it receives into the synchronization cache.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"nostr-sync/internal/cacheclient"
	"nostr-sync/internal/client"
	"nostr-sync/internal/config"
	"nostr-sync/internal/crawler"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/types"
	"nostr-sync/internal/util"
)

const statsInterval = time.Minute

// Syncer owns one client and its author subscription
type Syncer struct {
	cfg    *config.Config
	client *client.Client
	cache  *cacheclient.Client
	signer nostr.Signer
	log    *slog.Logger

	statsEvery time.Duration
}

// New builds the client stack from cfg without touching the network
func New(cfg *config.Config, log *slog.Logger) (*Syncer, error) {
	if log == nil {
		log = slog.Default()
	}
	var signer nostr.Signer
	if cfg.Syncer.PrivateKey != "" {
		ks, err := nostr.NewKeySigner(cfg.Syncer.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("syncer: private key: %w", err)
		}
		signer = ks
	}

	cc := cacheclient.New(cacheclient.Config{BaseURL: cfg.Syncer.CacheURL, Logger: log})
	c := client.New(client.Config{
		Inbox:           cfg.Relays.Default,
		Conn:            cfg.Connection.Options(),
		Crawler:         crawler.Config{Indexers: cfg.Relays.Indexers, Relays: cfg.Relays.Default},
		Crawl:           cfg.Crawl.Options(),
		Cache:           cc,
		Queue:           cfg.Queue.Options(),
		Signer:          signer,
		RelaysPerAuthor: cfg.Syncer.RelaysPerAuthor,
		Logger:          log,
	})
	return &Syncer{cfg: cfg, client: c, cache: cc, signer: signer, log: log, statsEvery: statsInterval}, nil
}

// Client exposes the underlying client
func (s *Syncer) Client() *client.Client { return s.client }

// Authors returns the configured authors, or the signer's follows when
// none are configured
func (s *Syncer) Authors(ctx context.Context) []string {
	authors := util.Unique(s.cfg.Syncer.Authors)
	if len(authors) > 0 || s.signer == nil {
		return authors
	}
	self := s.signer.PubKey()
	if contacts, ok := s.cache.Contacts(ctx, self); ok {
		authors = append(authors, contacts.Contacts...)
	}
	return util.Unique(append(authors, self))
}

// Run subscribes and blocks until ctx is done, then flushes to the cache
func (s *Syncer) Run(ctx context.Context) error {
	if s.signer != nil && s.client.LoadOwnRelayList(ctx) {
		s.log.Info("loaded own relay list", "inbox", len(s.client.Relays().Inbox()))
	}

	authors := s.Authors(ctx)
	if len(authors) == 0 {
		return fmt.Errorf("syncer: no authors to follow")
	}

	filter := types.Filter{Kinds: s.cfg.Syncer.Kinds}
	sub := s.client.SubscribeAuthors(ctx, authors, filter, func(url string) {
		s.log.Debug("relay caught up", "relay", url)
	})
	s.log.Info("syncer running", "authors", len(authors), "relays", len(sub.Relays()))

	ticker := time.NewTicker(s.statsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return s.close()
		case <-ticker.C:
			st := s.client.QueueStats()
			s.log.Info("syncer stats",
				"sent", st.Sent, "dropped", st.Dropped, "pending", st.Pending,
				"relays", len(s.client.Pool().Relays()))
		}
	}
}

func (s *Syncer) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.Close(ctx); err != nil {
		return fmt.Errorf("syncer: close: %w", err)
	}
	st := s.client.QueueStats()
	s.log.Info("syncer stopped", "sent", st.Sent, "dropped", st.Dropped)
	return nil
}
