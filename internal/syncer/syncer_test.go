package syncer

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"nostr-sync/internal/api"
	"nostr-sync/internal/cache"
	"nostr-sync/internal/cacheclient"
	"nostr-sync/internal/config"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/synccache"
	"nostr-sync/internal/testutil"
	"nostr-sync/internal/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newCacheServer(t *testing.T) string {
	t.Helper()
	backend := cache.NewMemoryCache(1000, 0)
	t.Cleanup(func() { backend.Close() })
	svc := synccache.New(synccache.Config{
		Store:    testutil.NewSQLiteStore(t),
		Backend:  backend,
		Verifier: nostr.Verify,
		Logger:   discard,
	})
	srv := httptest.NewServer(api.NewRouter(svc, api.NewMetrics(svc, "memory")))
	t.Cleanup(srv.Close)
	return srv.URL
}

func testConfig(cacheURL string, relays, indexers []string) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Relays.Default = relays
	cfg.Relays.Indexers = indexers
	cfg.Syncer.CacheURL = cacheURL
	cfg.Queue.MaxDelay = 20 * time.Millisecond
	cfg.Crawl.Timeout = 2 * time.Second
	return cfg
}

func TestRunStreamsIntoCache(t *testing.T) {
	indexer := testutil.NewFakeRelay(t)
	write := testutil.NewFakeRelay(t)
	alice := testutil.NewSigner(t)

	indexer.Store(testutil.RelayListEvent(t, alice, 10, []string{"r", write.URL, "write"}))
	note := testutil.SignedEvent(t, alice, types.KindTextNote, 100, "synced")
	write.Store(note)

	cacheURL := newCacheServer(t)
	cfg := testConfig(cacheURL, nil, []string{indexer.URL})
	cfg.Syncer.Authors = []string{alice.PubKey()}

	s, err := New(cfg, discard)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cc := cacheclient.New(cacheclient.Config{BaseURL: cacheURL, Logger: discard})
	ok := testutil.WaitFor(t, 5*time.Second, func() bool {
		_, found := cc.Event(context.Background(), note.ID)
		return found
	})
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	if !ok {
		t.Fatal("note never reached the cache")
	}
	if len(write.Reqs()) == 0 {
		t.Error("write relay was never subscribed")
	}
}

func TestRunWithoutAuthors(t *testing.T) {
	cfg := testConfig(newCacheServer(t), nil, nil)
	s, err := New(cfg, discard)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background()); err == nil {
		t.Error("expected error with no authors")
	}
}

func TestAuthorsFallBackToFollows(t *testing.T) {
	signer := testutil.NewSigner(t)
	bob := testutil.NewSigner(t)
	cacheURL := newCacheServer(t)

	cc := cacheclient.New(cacheclient.Config{BaseURL: cacheURL, Logger: discard})
	follows := testutil.SignedEvent(t, signer, types.KindContactList, 10, "", []string{"p", bob.PubKey()})
	if _, err := cc.Ingest(context.Background(), []*types.Event{follows}); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(cacheURL, nil, nil)
	cfg.Syncer.PrivateKey = signer.PrivateKeyHex()
	s, err := New(cfg, discard)
	if err != nil {
		t.Fatal(err)
	}

	got := s.Authors(context.Background())
	want := []string{bob.PubKey(), signer.PubKey()}
	if !slices.Equal(got, want) {
		t.Errorf("Authors = %v, want %v", got, want)
	}
}

func TestNewRejectsBadKey(t *testing.T) {
	cfg := testConfig("http://localhost:1", nil, nil)
	cfg.Syncer.PrivateKey = "zz"
	if _, err := New(cfg, discard); err == nil {
		t.Error("expected error for bad private key")
	}
}
