// Package api serves the synchronization cache over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"nostr-sync/internal/synccache"
)

// NewRouter mounts /health, /metrics and the /cache routes
func NewRouter(svc *synccache.Service, m *Metrics) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(RequestLogging(m))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", m)

	r.Route("/cache", func(r chi.Router) {
		r.Get("/profiles/search", h.SearchProfiles)
		r.Post("/profiles/batch", h.ProfilesBatch)
		r.Get("/profiles/{pubkey}", h.Profile)

		r.Post("/relay-lists/batch", h.RelayListsBatch)
		r.Get("/relay-lists/{pubkey}", h.RelayList)

		r.Get("/contacts/{pubkey}", h.Contacts)

		r.Get("/events", h.RecentEvents)
		r.Post("/events/feed", h.Feed)
		r.Get("/events/author/{pubkey}", h.AuthorEvents)
		r.Get("/events/by-tag", h.EventsByTag)
		r.Get("/events/{id}", h.Event)

		r.Post("/ingest", h.Ingest)
		r.Post("/ingest/event", h.IngestEvent)

		r.Get("/popular-relays", h.PopularRelays)
		r.Get("/stats", h.Stats)
	})

	return r
}
