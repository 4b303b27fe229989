// Package cacheclient talks to the synchronization cache HTTP API. Reads
// never fail: any transport or server error degrades to "not found", since
// relays remain reachable independently.
package cacheclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nostr-sync/internal/types"
	"nostr-sync/internal/util"
)

const DefaultTimeout = 5 * time.Second

// maxLookupBatch is the most pubkeys the server accepts in one batch lookup
const maxLookupBatch = 500

// Config configures a Client
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a Cache API client
type Client struct {
	base string
	http *http.Client
	log  *slog.Logger
}

// New creates a client for the server at cfg.BaseURL
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: cfg.HTTPClient,
		log:  cfg.Logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cacheclient: encode %s: %w", path, err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return fmt.Errorf("cacheclient: %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cacheclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("cacheclient: %s %s: status %d", method, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cacheclient: decode %s: %w", path, err)
	}
	return nil
}

// get runs a read and reports whether it succeeded, logging failures
func (c *Client) get(ctx context.Context, method, path string, body, out any) bool {
	if err := c.do(ctx, method, path, body, out); err != nil {
		c.log.Debug("cache read degraded to miss", "path", path, "error", err)
		return false
	}
	return true
}

// Profile returns the cached profile for pubkey
func (c *Client) Profile(ctx context.Context, pubkey string) (*types.Profile, bool) {
	var resp types.ProfileResponse
	if !c.get(ctx, http.MethodGet, "/cache/profiles/"+url.PathEscape(pubkey), nil, &resp) {
		return nil, false
	}
	return resp.Profile, resp.Found && resp.Profile != nil
}

// Profiles returns the cached profiles found for pubkeys
func (c *Client) Profiles(ctx context.Context, pubkeys []string) map[string]*types.Profile {
	out := make(map[string]*types.Profile)
	if len(pubkeys) == 0 {
		return out
	}
	for _, chunk := range chunkKeys(pubkeys, maxLookupBatch) {
		var resp types.ProfilesResponse
		if !c.get(ctx, http.MethodPost, "/cache/profiles/batch", types.PubkeysRequest{Pubkeys: chunk}, &resp) {
			continue
		}
		for pk, p := range resp.Profiles {
			if p != nil {
				out[pk] = p
			}
		}
	}
	return out
}

// SearchProfiles searches cached profiles by name or NIP-05
func (c *Client) SearchProfiles(ctx context.Context, q string, limit int) []*types.Profile {
	var resp types.ProfileListResponse
	path := "/cache/profiles/search?" + url.Values{"q": {q}, "limit": {strconv.Itoa(limit)}}.Encode()
	if !c.get(ctx, http.MethodGet, path, nil, &resp) {
		return nil
	}
	return resp.Profiles
}

// RelayList returns the cached relay list for pubkey
func (c *Client) RelayList(ctx context.Context, pubkey string) (*types.RelayList, bool) {
	var resp types.RelayListResponse
	if !c.get(ctx, http.MethodGet, "/cache/relay-lists/"+url.PathEscape(pubkey), nil, &resp) || !resp.Found {
		return nil, false
	}
	return &types.RelayList{
		PubKey:    pubkey,
		EventID:   resp.EventID,
		CreatedAt: resp.CreatedAt,
		Relays:    resp.Relays,
	}, true
}

// RelayLists returns the cached relay lists found for pubkeys
func (c *Client) RelayLists(ctx context.Context, pubkeys []string) map[string]*types.RelayList {
	out := make(map[string]*types.RelayList)
	if len(pubkeys) == 0 {
		return out
	}
	for _, chunk := range chunkKeys(pubkeys, maxLookupBatch) {
		var resp types.RelayListsResponse
		if !c.get(ctx, http.MethodPost, "/cache/relay-lists/batch", types.PubkeysRequest{Pubkeys: chunk}, &resp) {
			continue
		}
		for pk, rl := range resp.RelayLists {
			if rl != nil {
				out[pk] = rl
			}
		}
	}
	return out
}

func chunkKeys(keys []string, size int) [][]string {
	var chunks [][]string
	for len(keys) > size {
		chunks = append(chunks, keys[:size])
		keys = keys[size:]
	}
	return append(chunks, keys)
}

// Contacts returns the cached contact list for pubkey
func (c *Client) Contacts(ctx context.Context, pubkey string) (*types.ContactList, bool) {
	var resp types.ContactsResponse
	if !c.get(ctx, http.MethodGet, "/cache/contacts/"+url.PathEscape(pubkey), nil, &resp) || !resp.Found {
		return nil, false
	}
	return &types.ContactList{
		PubKey:    pubkey,
		EventID:   resp.EventID,
		CreatedAt: resp.CreatedAt,
		Contacts:  resp.Contacts,
	}, true
}

// Event returns a cached event by id
func (c *Client) Event(ctx context.Context, id string) (*types.Event, bool) {
	var resp types.EventResponse
	if !c.get(ctx, http.MethodGet, "/cache/events/"+url.PathEscape(id), nil, &resp) {
		return nil, false
	}
	return resp.Event, resp.Found && resp.Event != nil
}

// Feed returns cached events by authors, newest first
func (c *Client) Feed(ctx context.Context, authors []string, limit int) []*types.Event {
	if len(authors) == 0 {
		return nil
	}
	var resp types.EventsResponse
	if !c.get(ctx, http.MethodPost, "/cache/events/feed", types.FeedRequest{Authors: authors, Limit: limit}, &resp) {
		return nil
	}
	return resp.Events
}

// AuthorEvents pages through one author's cached events. kind < 0 means
// any kind; until 0 means now.
func (c *Client) AuthorEvents(ctx context.Context, pubkey string, kind int, until int64, limit int) []*types.Event {
	q := url.Values{}
	if kind >= 0 {
		q.Set("kind", strconv.Itoa(kind))
	}
	if until > 0 {
		q.Set("until", strconv.FormatInt(until, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp types.EventsResponse
	if !c.get(ctx, http.MethodGet, "/cache/events/author/"+url.PathEscape(pubkey)+"?"+q.Encode(), nil, &resp) {
		return nil
	}
	return resp.Events
}

// PopularRelays returns relays ranked by how many cached relay lists
// write to them
func (c *Client) PopularRelays(ctx context.Context, limit int) []types.RelayCount {
	var resp types.PopularRelaysResponse
	path := "/cache/popular-relays?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	if !c.get(ctx, http.MethodGet, path, nil, &resp) {
		return nil
	}
	return resp.Relays
}

// Ingest posts a batch of events. Unlike reads it returns the error, so the
// caller decides whether to drop the batch.
func (c *Client) Ingest(ctx context.Context, events []*types.Event) (types.IngestResponse, error) {
	var resp types.IngestResponse
	if err := c.do(ctx, http.MethodPost, "/cache/ingest", types.IngestRequest{Events: events}, &resp); err != nil {
		return resp, err
	}
	c.log.Debug("cache ingest", "events", len(events), "stored", resp.Stored, "first", firstID(events))
	return resp, nil
}

func firstID(events []*types.Event) string {
	if len(events) == 0 {
		return ""
	}
	return util.ShortID(events[0].ID)
}
