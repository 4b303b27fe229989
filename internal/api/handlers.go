package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"nostr-sync/internal/apperr"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/synccache"
	"nostr-sync/internal/types"
)

// Handler holds the cache route handlers
type Handler struct {
	svc *synccache.Service
}

// NewHandler creates a new Handler
func NewHandler(svc *synccache.Service) *Handler {
	return &Handler{svc: svc}
}

func validatePubkeys(req types.PubkeysRequest) error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Pubkeys, validation.Required, validation.Length(1, synccache.MaxLookupBatch)),
	)
}

func validateFeed(req types.FeedRequest) error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Authors, validation.Required, validation.Length(1, synccache.MaxLookupBatch)),
		validation.Field(&req.Limit, validation.Min(0)),
	)
}

func validateIngest(req types.IngestRequest) error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Events, validation.NotNil),
	)
}

// pubkeyParam reads {pubkey}, accepting npub and nprofile as well as hex.
// Unrecognized values pass through for the service to reject.
func pubkeyParam(r *http.Request) string {
	raw := chi.URLParam(r, "pubkey")
	if pk, err := nostr.ResolvePubKey(raw); err == nil {
		return pk
	}
	return raw
}

func eventIDParam(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if id, err := nostr.ResolveEventID(raw); err == nil {
		return id
	}
	return raw
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, name string) (int64, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("query %s=%q: %w", name, raw, apperr.ErrInvalidInput)
	}
	return v, true, nil
}

// queryKindLimit reads the optional kind and limit parameters
func queryKindLimit(r *http.Request) (*int, int, error) {
	var kind *int
	k, ok, err := queryInt(r, "kind")
	if err != nil {
		return nil, 0, err
	}
	if ok {
		kv := int(k)
		kind = &kv
	}
	limit, _, err := queryInt(r, "limit")
	if err != nil {
		return nil, 0, err
	}
	return kind, int(limit), nil
}

// Profile handles GET /cache/profiles/{pubkey}
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	p, found, err := h.svc.Profile(r.Context(), pubkeyParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ProfileResponse{Found: found, Profile: p})
}

// ProfilesBatch handles POST /cache/profiles/batch
func (h *Handler) ProfilesBatch(w http.ResponseWriter, r *http.Request) {
	var req types.PubkeysRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validatePubkeys(req); err != nil {
		writeError(w, r, err)
		return
	}
	profiles, err := h.svc.Profiles(r.Context(), req.Pubkeys)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ProfilesResponse{Profiles: profiles})
}

// SearchProfiles handles GET /cache/profiles/search?q=
func (h *Handler) SearchProfiles(w http.ResponseWriter, r *http.Request) {
	limit, _, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	profiles, err := h.svc.SearchProfiles(r.Context(), r.URL.Query().Get("q"), int(limit))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ProfileListResponse{Profiles: profiles})
}

// RelayList handles GET /cache/relay-lists/{pubkey}
func (h *Handler) RelayList(w http.ResponseWriter, r *http.Request) {
	rl, found, err := h.svc.RelayList(r.Context(), pubkeyParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := types.RelayListResponse{Found: found}
	if found {
		resp.Relays = rl.Relays
		resp.EventID = rl.EventID
		resp.CreatedAt = rl.CreatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// RelayListsBatch handles POST /cache/relay-lists/batch
func (h *Handler) RelayListsBatch(w http.ResponseWriter, r *http.Request) {
	var req types.PubkeysRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validatePubkeys(req); err != nil {
		writeError(w, r, err)
		return
	}
	lists, err := h.svc.RelayLists(r.Context(), req.Pubkeys)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.RelayListsResponse{RelayLists: lists})
}

// Contacts handles GET /cache/contacts/{pubkey}
func (h *Handler) Contacts(w http.ResponseWriter, r *http.Request) {
	cl, found, err := h.svc.Contacts(r.Context(), pubkeyParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := types.ContactsResponse{Found: found}
	if found {
		resp.Contacts = cl.Contacts
		resp.EventID = cl.EventID
		resp.CreatedAt = cl.CreatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// Event handles GET /cache/events/{id}
func (h *Handler) Event(w http.ResponseWriter, r *http.Request) {
	evt, found, err := h.svc.Event(r.Context(), eventIDParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.EventResponse{Found: found, Event: evt})
}

// RecentEvents handles GET /cache/events?kind=&limit=
func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	kind, limit, err := queryKindLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	evts, err := h.svc.RecentEvents(r.Context(), kind, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.EventsResponse{Events: evts})
}

// Feed handles POST /cache/events/feed
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	var req types.FeedRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateFeed(req); err != nil {
		writeError(w, r, err)
		return
	}
	evts, err := h.svc.Feed(r.Context(), req.Authors, req.Kinds, req.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.EventsResponse{Events: evts})
}

// AuthorEvents handles GET /cache/events/author/{pubkey}?kind=&limit=&until=
func (h *Handler) AuthorEvents(w http.ResponseWriter, r *http.Request) {
	kind, limit, err := queryKindLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	until, _, err := queryInt(r, "until")
	if err != nil {
		writeError(w, r, err)
		return
	}
	evts, err := h.svc.AuthorEvents(r.Context(), pubkeyParam(r), kind, until, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.EventsResponse{Events: evts})
}

// EventsByTag handles GET /cache/events/by-tag?name=&value=&kind=&limit=
func (h *Handler) EventsByTag(w http.ResponseWriter, r *http.Request) {
	kind, limit, err := queryKindLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	evts, err := h.svc.EventsByTag(r.Context(), q.Get("name"), q.Get("value"), kind, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.EventsResponse{Events: evts})
}

// Ingest handles POST /cache/ingest
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req types.IngestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateIngest(req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.Ingest(r.Context(), req.Events)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.IngestResponse{Stored: res.Stored, Total: res.Total})
}

// IngestEvent handles POST /cache/ingest/event
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var evt types.Event
	if err := decodeBody(w, r, &evt); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.Ingest(r.Context(), []*types.Event{&evt})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stored": res.Stored})
}

// PopularRelays handles GET /cache/popular-relays?limit=
func (h *Handler) PopularRelays(w http.ResponseWriter, r *http.Request) {
	limit, _, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	relays, err := h.svc.PopularRelays(r.Context(), int(limit))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.PopularRelaysResponse{Relays: relays})
}

// Stats handles GET /cache/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
