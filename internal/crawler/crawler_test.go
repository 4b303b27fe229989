package crawler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"nostr-sync/internal/apperr"
	"nostr-sync/internal/relay"
	"nostr-sync/internal/testutil"
	"nostr-sync/internal/types"
)

func newTestCrawler(relays ...string) *Crawler {
	return New(Config{
		Indexers: []string{},
		Relays:   relays,
		Conn:     relay.DefaultOptions(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestCrawlDeduplicatesAcrossRelays(t *testing.T) {
	r1 := testutil.NewFakeRelay(t)
	r2 := testutil.NewFakeRelay(t)
	signer := testutil.NewSigner(t)
	profile := testutil.ProfileEvent(t, signer, 100, `{"name":"alice"}`)
	r1.Store(profile)
	r2.Store(profile)

	c := newTestCrawler(r1.URL, r2.URL)

	var mu sync.Mutex
	var got []*types.Event
	stats, err := c.Crawl(context.Background(),
		[]types.Filter{{Authors: []string{signer.PubKey()}, Kinds: []int{types.KindProfile}}},
		func(evt *types.Event) {
			mu.Lock()
			got = append(got, evt)
			mu.Unlock()
		},
		Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}

	if len(got) != 1 {
		t.Errorf("got %d events, want 1", len(got))
	}
	if !stats.AllEOSE() || stats.Relays != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCrawlRespectsDeadline(t *testing.T) {
	// Without a signer the auth-gated relay closes the REQ and never sends EOSE
	slow := testutil.NewFakeRelay(t)
	slow.RequireAuth("never-answered")

	c := newTestCrawler(slow.URL)
	start := time.Now()
	stats, err := c.Crawl(context.Background(), []types.Filter{{Kinds: []int{1}}}, func(*types.Event) {}, Options{Timeout: 200 * time.Millisecond})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("Crawl took %v with a 200ms timeout", elapsed)
	}
	if stats.AllEOSE() {
		t.Errorf("stats = %+v, want incomplete", stats)
	}
}

func TestCrawlUnreachableRelay(t *testing.T) {
	dead := testutil.NewFakeRelay(t)
	url := dead.URL
	dead.Close()

	live := testutil.NewFakeRelay(t)
	signer := testutil.NewSigner(t)
	live.Store(testutil.SignedEvent(t, signer, types.KindTextNote, 5, "hi"))

	c := newTestCrawler(url, live.URL)
	events, stats, err := c.Collect(context.Background(), []types.Filter{{Kinds: []int{1}}}, Options{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("got %d events, want 1", len(events))
	}
	if stats.Completed != 1 || stats.Relays != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCollectSortsAndLimits(t *testing.T) {
	r := testutil.NewFakeRelay(t)
	signer := testutil.NewSigner(t)
	for _, ts := range []int64{30, 10, 50, 20, 40} {
		r.Store(testutil.SignedEvent(t, signer, types.KindTextNote, ts, "note"))
	}

	c := newTestCrawler(r.URL)
	events, _, err := c.Collect(context.Background(), []types.Filter{{Kinds: []int{1}, Limit: 3}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, want := range []int64{50, 40, 30} {
		if events[i].CreatedAt != want {
			t.Errorf("events[%d].CreatedAt = %d, want %d", i, events[i].CreatedAt, want)
		}
	}
}

func TestSelectRelays(t *testing.T) {
	c := New(Config{
		Indexers: []string{"wss://indexer.example.com"},
		Relays:   []string{"wss://a.example.com", "wss://a.example.com/", "wss://10.0.0.1", "https://b.example.com", "wss://c.example.com"},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	got := c.SelectRelays(Options{MaxRelays: 2})
	if len(got) != 2 || got[0] != "wss://a.example.com" || got[1] != "wss://c.example.com" {
		t.Errorf("SelectRelays() = %v", got)
	}

	got = c.SelectRelays(Options{MaxRelays: 2, PreferIndexers: true})
	if len(got) != 2 || got[0] != "wss://indexer.example.com" {
		t.Errorf("SelectRelays(prefer indexers) = %v", got)
	}

	got = c.SelectRelays(Options{Relays: []string{"wss://d.example.com"}})
	if len(got) != 1 || got[0] != "wss://d.example.com" {
		t.Errorf("SelectRelays(explicit) = %v", got)
	}
}

func TestCrawlNoRelays(t *testing.T) {
	c := newTestCrawler()
	_, err := c.Crawl(context.Background(), nil, func(*types.Event) {}, Options{})
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}
