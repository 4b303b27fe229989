// Package synccache is the server side of the synchronization cache:
// write-through ingest into the durable store and read-through lookups
// fronted by TTL caches.
package synccache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"nostr-sync/internal/apperr"
	"nostr-sync/internal/cache"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/outbox"
	"nostr-sync/internal/store"
	"nostr-sync/internal/types"
	"nostr-sync/internal/util"
)

// Request bounds
const (
	MaxIngestBatch      = 500
	MaxLookupBatch      = 500
	DefaultEventsLimit  = 50
	MaxEventsLimit      = 500
	DefaultSearchLimit  = 20
	MaxSearchLimit      = 100
	DefaultPopularLimit = 20
	MaxPopularLimit     = 200
)

// Config configures a Service
type Config struct {
	Store   store.Store
	Backend cache.Backend
	TTLs    cache.Config
	// MaxBatch caps one ingest call; values above MaxIngestBatch are lowered
	MaxBatch int
	// Verifier checks ingested events; nil accepts everything
	Verifier nostr.Verifier
	Logger   *slog.Logger
}

// Service implements ingest and lookups
type Service struct {
	store    store.Store
	verify   nostr.Verifier
	log      *slog.Logger
	maxBatch int

	profiles   *cache.ReadThrough[*types.Profile]
	relayLists *cache.ReadThrough[*types.RelayList]
	contacts   *cache.ReadThrough[*types.ContactList]
	events     *cache.ReadThrough[*types.Event]

	ingestCalls    atomic.Int64
	ingestReceived atomic.Int64
	ingestStored   atomic.Int64
	ingestRejected atomic.Int64
	viewUpdates    atomic.Int64

	started time.Time
}

// New wires the read-through caches over cfg.Store
func New(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ttl := cfg.TTLs.WithDefaults()
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 || maxBatch > MaxIngestBatch {
		maxBatch = MaxIngestBatch
	}
	s := &Service{
		store:    cfg.Store,
		verify:   cfg.Verifier,
		log:      log,
		maxBatch: maxBatch,
		started:  time.Now(),
	}
	s.profiles = cache.NewReadThrough("profile", cfg.Backend, ttl.ProfileTTL, ttl.ProfileNotFoundTTL, cfg.Store.Profiles, log)
	s.relayLists = cache.NewReadThrough("relaylist", cfg.Backend, ttl.RelayListTTL, ttl.RelayListNotFoundTTL, cfg.Store.RelayLists, log)
	s.contacts = cache.NewReadThrough("contacts", cfg.Backend, ttl.ContactTTL, ttl.ContactNotFoundTTL, cfg.Store.ContactLists, log)
	s.events = cache.NewReadThrough("event", cfg.Backend, ttl.EventTTL, ttl.EventNotFoundTTL, s.loadEvents, log)
	return s
}

func (s *Service) loadEvents(ctx context.Context, ids []string) (map[string]*types.Event, error) {
	evts, err := s.store.QueryEvents(ctx, store.EventQuery{IDs: ids})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*types.Event, len(evts))
	for _, evt := range evts {
		out[evt.ID] = evt
	}
	return out, nil
}

// IngestResult reports one ingest call. Total is the number of events
// considered after capping.
type IngestResult struct {
	Stored int `json:"stored"`
	Total  int `json:"total"`
}

// Ingest persists events and refreshes the materialized views they
// affect. Only the first MaxBatch events are considered. Known ids
// and events that fail verification are skipped.
func (s *Service) Ingest(ctx context.Context, events []*types.Event) (IngestResult, error) {
	if len(events) > s.maxBatch {
		events = events[:s.maxBatch]
	}
	res := IngestResult{Total: len(events)}
	s.ingestCalls.Add(1)
	s.ingestReceived.Add(int64(len(events)))

	valid := make([]*types.Event, 0, len(events))
	for _, evt := range events {
		if evt == nil || !nostr.IsHex64(evt.ID) || !nostr.IsHex64(evt.PubKey) {
			s.ingestRejected.Add(1)
			continue
		}
		if s.verify != nil && !s.verify(evt) {
			s.ingestRejected.Add(1)
			s.log.Debug("ingest rejected event", "event_id", util.ShortID(evt.ID))
			continue
		}
		valid = append(valid, evt)
	}
	if len(valid) == 0 {
		return res, nil
	}

	stored, err := s.store.SaveEvents(ctx, valid)
	if err != nil {
		return res, fmt.Errorf("synccache: ingest: %w", err)
	}
	res.Stored = stored
	s.ingestStored.Add(int64(stored))

	for _, evt := range valid {
		if err := s.applyView(ctx, evt); err != nil {
			return res, fmt.Errorf("synccache: ingest: %w", err)
		}
		s.events.Invalidate(ctx, evt.ID)
	}

	s.log.Debug("ingested events", "total", res.Total, "valid", len(valid), "stored", stored)
	return res, nil
}

// applyView updates the materialized view for recognized kinds. Older
// events are ignored by the store's upsert-if-newer.
func (s *Service) applyView(ctx context.Context, evt *types.Event) error {
	var (
		applied bool
		err     error
	)
	switch evt.Kind {
	case types.KindProfile:
		var info types.ProfileInfo
		if jerr := json.Unmarshal([]byte(evt.Content), &info); jerr != nil {
			s.log.Debug("skipping unparseable profile", "event_id", util.ShortID(evt.ID), "error", jerr)
			return nil
		}
		applied, err = s.store.UpsertProfile(ctx, &types.Profile{
			PubKey:      evt.PubKey,
			EventID:     evt.ID,
			CreatedAt:   evt.CreatedAt,
			ProfileInfo: info,
		})
		if applied {
			s.profiles.Invalidate(ctx, evt.PubKey)
		}
	case types.KindRelayList:
		applied, err = s.store.UpsertRelayList(ctx, outbox.ToRelayList(evt))
		if applied {
			s.relayLists.Invalidate(ctx, evt.PubKey)
		}
	case types.KindContactList:
		applied, err = s.store.UpsertContactList(ctx, &types.ContactList{
			PubKey:    evt.PubKey,
			EventID:   evt.ID,
			CreatedAt: evt.CreatedAt,
			Contacts:  util.Unique(util.GetTagValues(evt.Tags, "p")),
		})
		if applied {
			s.contacts.Invalidate(ctx, evt.PubKey)
		}
	default:
		return nil
	}
	if applied {
		s.viewUpdates.Add(1)
	}
	return err
}

func checkPubkey(pubkey string) error {
	if !nostr.IsHex64(pubkey) {
		return fmt.Errorf("synccache: pubkey %q: %w", pubkey, apperr.ErrInvalidInput)
	}
	return nil
}

func checkPubkeys(pubkeys []string) ([]string, error) {
	pubkeys = util.Unique(pubkeys)
	if len(pubkeys) > MaxLookupBatch {
		return nil, fmt.Errorf("synccache: %d pubkeys exceeds %d: %w", len(pubkeys), MaxLookupBatch, apperr.ErrInvalidInput)
	}
	for _, pk := range pubkeys {
		if err := checkPubkey(pk); err != nil {
			return nil, err
		}
	}
	return pubkeys, nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// Profile returns the latest profile for pubkey
func (s *Service) Profile(ctx context.Context, pubkey string) (*types.Profile, bool, error) {
	if err := checkPubkey(pubkey); err != nil {
		return nil, false, err
	}
	return s.profiles.Get(ctx, pubkey)
}

// Profiles returns the profiles found for pubkeys
func (s *Service) Profiles(ctx context.Context, pubkeys []string) (map[string]*types.Profile, error) {
	pubkeys, err := checkPubkeys(pubkeys)
	if err != nil {
		return nil, err
	}
	return s.profiles.GetMany(ctx, pubkeys)
}

// RelayList returns the latest relay list for pubkey
func (s *Service) RelayList(ctx context.Context, pubkey string) (*types.RelayList, bool, error) {
	if err := checkPubkey(pubkey); err != nil {
		return nil, false, err
	}
	return s.relayLists.Get(ctx, pubkey)
}

// RelayLists returns the relay lists found for pubkeys
func (s *Service) RelayLists(ctx context.Context, pubkeys []string) (map[string]*types.RelayList, error) {
	pubkeys, err := checkPubkeys(pubkeys)
	if err != nil {
		return nil, err
	}
	return s.relayLists.GetMany(ctx, pubkeys)
}

// Contacts returns the latest contact list for pubkey
func (s *Service) Contacts(ctx context.Context, pubkey string) (*types.ContactList, bool, error) {
	if err := checkPubkey(pubkey); err != nil {
		return nil, false, err
	}
	return s.contacts.Get(ctx, pubkey)
}

// Event returns a stored event by id
func (s *Service) Event(ctx context.Context, id string) (*types.Event, bool, error) {
	if !nostr.IsHex64(id) {
		return nil, false, fmt.Errorf("synccache: event id %q: %w", id, apperr.ErrInvalidInput)
	}
	return s.events.Get(ctx, id)
}

// RecentEvents returns the newest events, optionally of one kind
func (s *Service) RecentEvents(ctx context.Context, kind *int, limit int) ([]*types.Event, error) {
	q := store.EventQuery{Limit: clampLimit(limit, DefaultEventsLimit, MaxEventsLimit)}
	if kind != nil {
		q.Kinds = []int{*kind}
	}
	return s.query(ctx, q)
}

// Feed returns the newest events by any of authors. Kinds defaults to
// text notes.
func (s *Service) Feed(ctx context.Context, authors []string, kinds []int, limit int) ([]*types.Event, error) {
	authors, err := checkPubkeys(authors)
	if err != nil {
		return nil, err
	}
	if len(authors) == 0 {
		return []*types.Event{}, nil
	}
	if len(kinds) == 0 {
		kinds = []int{types.KindTextNote}
	}
	return s.query(ctx, store.EventQuery{
		Authors: authors,
		Kinds:   kinds,
		Limit:   clampLimit(limit, DefaultEventsLimit, MaxEventsLimit),
	})
}

// AuthorEvents pages through one author's events. until is inclusive;
// zero means now.
func (s *Service) AuthorEvents(ctx context.Context, pubkey string, kind *int, until int64, limit int) ([]*types.Event, error) {
	if err := checkPubkey(pubkey); err != nil {
		return nil, err
	}
	q := store.EventQuery{
		Authors: []string{pubkey},
		Until:   until,
		Limit:   clampLimit(limit, DefaultEventsLimit, MaxEventsLimit),
	}
	if kind != nil {
		q.Kinds = []int{*kind}
	}
	return s.query(ctx, q)
}

// EventsByTag returns events carrying the single-letter tag name=value
func (s *Service) EventsByTag(ctx context.Context, name, value string, kind *int, limit int) ([]*types.Event, error) {
	if len(name) != 1 || value == "" {
		return nil, fmt.Errorf("synccache: tag %q=%q: %w", name, value, apperr.ErrInvalidInput)
	}
	q := store.EventQuery{
		TagName:  name,
		TagValue: value,
		Limit:    clampLimit(limit, DefaultEventsLimit, MaxEventsLimit),
	}
	if kind != nil {
		q.Kinds = []int{*kind}
	}
	return s.query(ctx, q)
}

func (s *Service) query(ctx context.Context, q store.EventQuery) ([]*types.Event, error) {
	evts, err := s.store.QueryEvents(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("synccache: query events: %w", err)
	}
	if evts == nil {
		evts = []*types.Event{}
	}
	return evts, nil
}

// SearchProfiles matches q against name, display name and NIP-05
func (s *Service) SearchProfiles(ctx context.Context, q string, limit int) ([]*types.Profile, error) {
	if q == "" {
		return nil, fmt.Errorf("synccache: empty search: %w", apperr.ErrInvalidInput)
	}
	profiles, err := s.store.SearchProfiles(ctx, q, clampLimit(limit, DefaultSearchLimit, MaxSearchLimit))
	if err != nil {
		return nil, fmt.Errorf("synccache: search profiles: %w", err)
	}
	if profiles == nil {
		profiles = []*types.Profile{}
	}
	return profiles, nil
}

// PopularRelays ranks relays by how many cached relay lists write to them
func (s *Service) PopularRelays(ctx context.Context, limit int) ([]types.RelayCount, error) {
	relays, err := s.store.PopularRelays(ctx, clampLimit(limit, DefaultPopularLimit, MaxPopularLimit))
	if err != nil {
		return nil, fmt.Errorf("synccache: popular relays: %w", err)
	}
	if relays == nil {
		relays = []types.RelayCount{}
	}
	return relays, nil
}

// CacheStats are hit/miss counters for one read-through cache
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// IngestStats are cumulative ingest counters
type IngestStats struct {
	Calls       int64 `json:"calls"`
	Received    int64 `json:"received"`
	Stored      int64 `json:"stored"`
	Rejected    int64 `json:"rejected"`
	ViewUpdates int64 `json:"view_updates"`
}

// Stats is the observability snapshot served at /cache/stats
type Stats struct {
	Store         store.Stats           `json:"store"`
	Caches        map[string]CacheStats `json:"caches"`
	Ingest        IngestStats           `json:"ingest"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
}

// Stats collects store counts and in-process counters
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("synccache: stats: %w", err)
	}
	return Stats{
		Store: st,
		Caches: map[string]CacheStats{
			"profile":   {Hits: s.profiles.Hits(), Misses: s.profiles.Misses()},
			"relaylist": {Hits: s.relayLists.Hits(), Misses: s.relayLists.Misses()},
			"contacts":  {Hits: s.contacts.Hits(), Misses: s.contacts.Misses()},
			"event":     {Hits: s.events.Hits(), Misses: s.events.Misses()},
		},
		Ingest: IngestStats{
			Calls:       s.ingestCalls.Load(),
			Received:    s.ingestReceived.Load(),
			Stored:      s.ingestStored.Load(),
			Rejected:    s.ingestRejected.Load(),
			ViewUpdates: s.viewUpdates.Load(),
		},
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}, nil
}

// CacheTotals sums hits and misses across caches
func (s *Service) CacheTotals() (hits, misses int64) {
	hits = s.profiles.Hits() + s.relayLists.Hits() + s.contacts.Hits() + s.events.Hits()
	misses = s.profiles.Misses() + s.relayLists.Misses() + s.contacts.Misses() + s.events.Misses()
	return hits, misses
}
