package api

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"nostr-sync/internal/synccache"
)

// Metrics holds HTTP counters and renders the Prometheus text exposition
type Metrics struct {
	svc     *synccache.Service
	backend string
	started time.Time

	httpRequests atomic.Int64
	httpErrors   atomic.Int64
}

// NewMetrics creates metrics for svc; backend labels the build info
func NewMetrics(svc *synccache.Service, backend string) *Metrics {
	return &Metrics{svc: svc, backend: backend, started: time.Now()}
}

func writeMetric(w http.ResponseWriter, name, typ, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
	fmt.Fprintf(w, "%s %v\n\n", name, value)
}

// ServeHTTP serves Prometheus-compatible metrics
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP nostr_sync_build_info Build and configuration information\n")
	fmt.Fprintf(w, "# TYPE nostr_sync_build_info gauge\n")
	fmt.Fprintf(w, "nostr_sync_build_info{cache_backend=%q,go_version=%q} 1\n\n", m.backend, runtime.Version())

	writeMetric(w, "process_start_time_seconds", "gauge", "Unix timestamp of process start", m.started.Unix())
	writeMetric(w, "process_uptime_seconds", "gauge", "Time since process started", int64(time.Since(m.started).Seconds()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	writeMetric(w, "go_goroutines", "gauge", "Number of active goroutines", runtime.NumGoroutine())
	writeMetric(w, "go_memstats_alloc_bytes", "gauge", "Currently allocated memory in bytes", memStats.Alloc)
	writeMetric(w, "go_memstats_heap_inuse_bytes", "gauge", "Heap memory in use", memStats.HeapInuse)
	writeMetric(w, "go_gc_cycles_total", "counter", "Number of completed GC cycles", memStats.NumGC)

	writeMetric(w, "http_requests_total", "counter", "Total number of HTTP requests", m.httpRequests.Load())
	writeMetric(w, "http_errors_total", "counter", "Total number of HTTP 5xx errors", m.httpErrors.Load())

	hits, misses := m.svc.CacheTotals()
	writeMetric(w, "cache_hits_total", "counter", "Total cache hits", hits)
	writeMetric(w, "cache_misses_total", "counter", "Total cache misses", misses)
	var hitRatio float64
	if total := hits + misses; total > 0 {
		hitRatio = float64(hits) / float64(total)
	}
	writeMetric(w, "cache_hit_ratio", "gauge", "Cache hit ratio (0-1)", fmt.Sprintf("%.4f", hitRatio))

	st, err := m.svc.Stats(r.Context())
	if err != nil {
		LoggerFromContext(r.Context()).Warn("metrics stats failed", "error", err)
		return
	}
	writeMetric(w, "nostr_sync_ingest_calls_total", "counter", "Ingest requests handled", st.Ingest.Calls)
	writeMetric(w, "nostr_sync_ingest_events_total", "counter", "Events received for ingest", st.Ingest.Received)
	writeMetric(w, "nostr_sync_ingest_stored_total", "counter", "Events newly stored", st.Ingest.Stored)
	writeMetric(w, "nostr_sync_ingest_rejected_total", "counter", "Events rejected at ingest", st.Ingest.Rejected)
	writeMetric(w, "nostr_sync_view_updates_total", "counter", "Materialized view rows replaced", st.Ingest.ViewUpdates)
	writeMetric(w, "nostr_sync_events_stored", "gauge", "Rows in the events table", st.Store.Events)
	writeMetric(w, "nostr_sync_profiles_stored", "gauge", "Rows in the profiles view", st.Store.Profiles)
	writeMetric(w, "nostr_sync_relay_lists_stored", "gauge", "Rows in the relay lists view", st.Store.RelayLists)
	writeMetric(w, "nostr_sync_contact_lists_stored", "gauge", "Rows in the contact lists view", st.Store.ContactLists)
}
