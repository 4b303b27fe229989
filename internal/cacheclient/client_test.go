package cacheclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"nostr-sync/internal/api"
	"nostr-sync/internal/cache"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/synccache"
	"nostr-sync/internal/testutil"
	"nostr-sync/internal/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newCacheServer(t *testing.T) *httptest.Server {
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
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	srv := newCacheServer(t)
	c := New(Config{BaseURL: srv.URL + "/", Logger: discard})
	ctx := context.Background()

	alice := testutil.NewSigner(t)
	bob := testutil.NewSigner(t)
	note := testutil.SignedEvent(t, alice, types.KindTextNote, 50, "gm")
	events := []*types.Event{
		testutil.ProfileEvent(t, alice, 10, `{"name":"alice"}`),
		testutil.RelayListEvent(t, alice, 10, []string{"r", "wss://relay.example", "write"}),
		testutil.SignedEvent(t, alice, types.KindContactList, 10, "", []string{"p", bob.PubKey()}),
		note,
	}
	res, err := c.Ingest(ctx, events)
	if err != nil || res.Stored != 4 || res.Total != 4 {
		t.Fatalf("Ingest = %+v, %v", res, err)
	}

	if p, ok := c.Profile(ctx, alice.PubKey()); !ok || p.Name != "alice" {
		t.Errorf("Profile = %+v, %v", p, ok)
	}
	if _, ok := c.Profile(ctx, bob.PubKey()); ok {
		t.Error("Profile found for unknown pubkey")
	}
	if got := c.Profiles(ctx, []string{alice.PubKey(), bob.PubKey()}); len(got) != 1 {
		t.Errorf("Profiles = %v", got)
	}

	rl, ok := c.RelayList(ctx, alice.PubKey())
	if !ok || rl.PubKey != alice.PubKey() || len(rl.Relays) != 1 || !rl.Relays[0].Write || rl.Relays[0].Read {
		t.Errorf("RelayList = %+v, %v", rl, ok)
	}
	if got := c.RelayLists(ctx, []string{alice.PubKey()}); got[alice.PubKey()] == nil {
		t.Errorf("RelayLists = %v", got)
	}

	if cl, ok := c.Contacts(ctx, alice.PubKey()); !ok || len(cl.Contacts) != 1 || cl.Contacts[0] != bob.PubKey() {
		t.Errorf("Contacts = %+v, %v", cl, ok)
	}
	if evt, ok := c.Event(ctx, note.ID); !ok || evt.Content != "gm" {
		t.Errorf("Event = %+v, %v", evt, ok)
	}
	if feed := c.Feed(ctx, []string{alice.PubKey()}, 10); len(feed) != 1 || feed[0].ID != note.ID {
		t.Errorf("Feed = %v", feed)
	}
	if evts := c.AuthorEvents(ctx, alice.PubKey(), -1, 0, 10); len(evts) != 4 {
		t.Errorf("AuthorEvents = %d events, want 4", len(evts))
	}
	if evts := c.AuthorEvents(ctx, alice.PubKey(), types.KindProfile, 0, 10); len(evts) != 1 {
		t.Errorf("AuthorEvents kind 0 = %d events, want 1", len(evts))
	}
	if found := c.SearchProfiles(ctx, "ali", 5); len(found) != 1 {
		t.Errorf("SearchProfiles = %v", found)
	}
	if popular := c.PopularRelays(ctx, 5); len(popular) != 1 || popular[0].URL != "wss://relay.example" {
		t.Errorf("PopularRelays = %v", popular)
	}
}

func TestClientDegradesToNotFound(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer failing.Close()

	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	ctx := context.Background()
	pk := testutil.NewSigner(t).PubKey()
	for name, base := range map[string]string{"server error": failing.URL, "unreachable": downURL} {
		t.Run(name, func(t *testing.T) {
			c := New(Config{BaseURL: base, Logger: discard})
			if _, ok := c.Profile(ctx, pk); ok {
				t.Error("Profile found")
			}
			if got := c.Profiles(ctx, []string{pk}); len(got) != 0 {
				t.Error("Profiles returned entries")
			}
			if _, ok := c.RelayList(ctx, pk); ok {
				t.Error("RelayList found")
			}
			if _, ok := c.Event(ctx, pk); ok {
				t.Error("Event found")
			}
			if c.Feed(ctx, []string{pk}, 5) != nil {
				t.Error("Feed returned events")
			}
			if _, err := c.Ingest(ctx, nil); err == nil {
				t.Error("Ingest did not report the failure")
			}
		})
	}
}

func TestClientSplitsLargeBatches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req types.PubkeysRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Pubkeys) > synccache.MaxLookupBatch {
			http.Error(w, "too many pubkeys", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/cache/profiles/batch":
			resp := types.ProfilesResponse{Profiles: make(map[string]*types.Profile)}
			for _, pk := range req.Pubkeys {
				resp.Profiles[pk] = &types.Profile{PubKey: pk}
			}
			json.NewEncoder(w).Encode(resp)
		case "/cache/relay-lists/batch":
			resp := types.RelayListsResponse{RelayLists: make(map[string]*types.RelayList)}
			for _, pk := range req.Pubkeys {
				resp.RelayLists[pk] = &types.RelayList{PubKey: pk}
			}
			json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	pubkeys := make([]string, 2*synccache.MaxLookupBatch+1)
	for i := range pubkeys {
		pubkeys[i] = fmt.Sprintf("%064x", i)
	}

	c := New(Config{BaseURL: srv.URL, Logger: discard})
	ctx := context.Background()

	if got := c.Profiles(ctx, pubkeys); len(got) != len(pubkeys) {
		t.Errorf("Profiles returned %d entries, want %d", len(got), len(pubkeys))
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("profile lookups took %d requests, want 3", n)
	}

	calls.Store(0)
	if got := c.RelayLists(ctx, pubkeys); len(got) != len(pubkeys) {
		t.Errorf("RelayLists returned %d entries, want %d", len(got), len(pubkeys))
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("relay list lookups took %d requests, want 3", n)
	}
}
