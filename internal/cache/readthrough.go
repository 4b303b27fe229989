package cache

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"nostr-sync/internal/types"
	"nostr-sync/internal/util"
)

const genStripes = 64

// loadTimeout bounds a shared load once it is detached from its callers
const loadTimeout = 10 * time.Second

// Loader fetches the given keys from the source of truth. Keys absent from
// the returned map are treated as not found.
type Loader[V any] func(ctx context.Context, keys []string) (map[string]V, error)

// ReadThrough fronts a Loader with a Backend. Misses are loaded, then cached
// as positive or negative entries; concurrent misses on the same key share
// one load.
type ReadThrough[V any] struct {
	name    string
	backend Backend
	load    Loader[V]
	ttl     time.Duration
	negTTL  time.Duration
	log     *slog.Logger

	group singleflight.Group
	// gens are bumped by Invalidate; a load that started before the bump
	// does not backfill
	gens [genStripes]atomic.Uint64

	hits   atomic.Int64
	misses atomic.Int64
}

// NewReadThrough creates a read-through cache whose backend keys are
// prefixed with name
func NewReadThrough[V any](name string, backend Backend, ttl, negTTL time.Duration, load func(ctx context.Context, keys []string) (map[string]V, error), log *slog.Logger) *ReadThrough[V] {
	if log == nil {
		log = slog.Default()
	}
	return &ReadThrough[V]{
		name:    name,
		backend: backend,
		load:    load,
		ttl:     ttl,
		negTTL:  negTTL,
		log:     log,
	}
}

// detach keeps the caller's values but not its cancellation, so one
// cancelled request does not fail every waiter on a shared load
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
}

func (r *ReadThrough[V]) key(k string) string {
	return r.name + ":" + k
}

func (r *ReadThrough[V]) stripe(k string) *atomic.Uint64 {
	h := fnv.New32a()
	h.Write([]byte(k))
	return &r.gens[h.Sum32()%genStripes]
}

type loadResult[V any] struct {
	value V
	found bool
}

// Get returns the value for key and whether it exists
func (r *ReadThrough[V]) Get(ctx context.Context, key string) (V, bool, error) {
	if data, ok, err := r.backend.Get(ctx, r.key(key)); err != nil {
		r.log.Warn("cache get failed", "cache", r.name, "error", err)
	} else if ok {
		if entry, ok := r.decode(data); ok {
			r.hits.Add(1)
			return entry.Value, !entry.NotFound, nil
		}
	}
	r.misses.Add(1)

	res, err, shared := r.group.Do(key, func() (interface{}, error) {
		ctx, cancel := detach(ctx)
		defer cancel()
		gen := r.stripe(key).Load()
		vals, err := r.load(ctx, []string{key})
		if err != nil {
			return nil, err
		}
		v, found := vals[key]
		if r.stripe(key).Load() == gen {
			r.store(ctx, map[string]V{key: v}, found)
		}
		return loadResult[V]{value: v, found: found}, nil
	})
	if shared {
		r.log.Debug("singleflight: shared cache load", "cache", r.name, "key", util.ShortID(key))
	}
	if err != nil {
		var zero V
		return zero, false, err
	}
	lr := res.(loadResult[V])
	return lr.value, lr.found, nil
}

// GetMany returns the found values for keys. Cached keys are served from
// the backend; all remaining keys go to the loader in one call and every
// one of them is cached afterwards, found or not.
func (r *ReadThrough[V]) GetMany(ctx context.Context, keys []string) (map[string]V, error) {
	keys = util.Unique(keys)
	result := make(map[string]V, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.key(k)
	}
	cached, err := r.backend.GetMultiple(ctx, prefixed)
	if err != nil {
		r.log.Warn("cache get multiple failed", "cache", r.name, "error", err)
		cached = nil
	}

	var missing []string
	for i, k := range keys {
		data, ok := cached[prefixed[i]]
		if ok {
			if entry, ok := r.decode(data); ok {
				r.hits.Add(1)
				if !entry.NotFound {
					result[k] = entry.Value
				}
				continue
			}
		}
		r.misses.Add(1)
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return result, nil
	}

	sort.Strings(missing)
	res, err, _ := r.group.Do("batch:"+strings.Join(missing, ","), func() (interface{}, error) {
		ctx, cancel := detach(ctx)
		defer cancel()
		gens := make([]uint64, len(missing))
		for i, k := range missing {
			gens[i] = r.stripe(k).Load()
		}
		vals, err := r.load(ctx, missing)
		if err != nil {
			return nil, err
		}

		found := make(map[string]V)
		notFound := make(map[string]V)
		for i, k := range missing {
			if r.stripe(k).Load() != gens[i] {
				continue
			}
			if v, ok := vals[k]; ok {
				found[k] = v
			} else {
				var zero V
				notFound[k] = zero
			}
		}
		r.store(ctx, found, true)
		r.store(ctx, notFound, false)
		return vals, nil
	})
	if err != nil {
		return nil, err
	}
	for k, v := range res.(map[string]V) {
		result[k] = v
	}
	return result, nil
}

// Invalidate drops key so the next read reaches the loader
func (r *ReadThrough[V]) Invalidate(ctx context.Context, key string) {
	r.stripe(key).Add(1)
	if err := r.backend.Delete(ctx, r.key(key)); err != nil {
		r.log.Warn("cache invalidate failed", "cache", r.name, "key", util.ShortID(key), "error", err)
	}
}

// Hits returns the number of lookups served from the backend
func (r *ReadThrough[V]) Hits() int64 { return r.hits.Load() }

// Misses returns the number of lookups that went to the loader
func (r *ReadThrough[V]) Misses() int64 { return r.misses.Load() }

func (r *ReadThrough[V]) decode(data []byte) (types.CachedEntry[V], bool) {
	var entry types.CachedEntry[V]
	if err := json.Unmarshal(data, &entry); err != nil {
		r.log.Warn("cache entry decode failed", "cache", r.name, "error", err)
		return entry, false
	}
	return entry, true
}

func (r *ReadThrough[V]) store(ctx context.Context, vals map[string]V, found bool) {
	if len(vals) == 0 {
		return
	}
	ttl := r.ttl
	if !found {
		ttl = r.negTTL
	}
	now := time.Now().Unix()
	items := make(map[string][]byte, len(vals))
	for k, v := range vals {
		data, err := json.Marshal(types.CachedEntry[V]{Value: v, FetchedAt: now, NotFound: !found})
		if err != nil {
			r.log.Warn("cache entry encode failed", "cache", r.name, "error", err)
			continue
		}
		items[r.key(k)] = data
	}
	if err := r.backend.SetMultiple(ctx, items, ttl); err != nil {
		r.log.Warn("cache set failed", "cache", r.name, "error", err)
	}
}
