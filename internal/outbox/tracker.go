package outbox

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v2"

	"nostr-sync/internal/types"
)

// Tracker holds the newest relay list seen per author. An older event never
// replaces a newer one; equal timestamps keep the existing list.
type Tracker struct {
	lists *xsync.MapOf[string, *types.RelayList]
}

func NewTracker() *Tracker {
	return &Tracker{lists: xsync.NewMapOf[*types.RelayList]()}
}

// Apply records evt if it is a relay list newer than the author's current
// one and reports whether it was applied
func (t *Tracker) Apply(evt *types.Event) bool {
	if evt == nil || evt.Kind != types.KindRelayList {
		return false
	}
	return t.ApplyList(ToRelayList(evt))
}

// ApplyList records an already parsed relay list under the same
// newest-wins rule
func (t *Tracker) ApplyList(rl *types.RelayList) bool {
	if rl == nil || rl.PubKey == "" {
		return false
	}
	applied := false
	t.lists.Compute(rl.PubKey, func(old *types.RelayList, loaded bool) (*types.RelayList, bool) {
		if loaded && old.CreatedAt >= rl.CreatedAt {
			return old, false
		}
		applied = true
		return rl, false
	})
	return applied
}

// Get returns the author's current relay list
func (t *Tracker) Get(pubkey string) (*types.RelayList, bool) {
	return t.lists.Load(pubkey)
}

// Len returns the number of authors tracked
func (t *Tracker) Len() int {
	return t.lists.Size()
}

// WriteRelays maps each author with a known list to their write relays
func (t *Tracker) WriteRelays(pubkeys []string) map[string][]string {
	out := make(map[string][]string, len(pubkeys))
	for _, pk := range pubkeys {
		if list, ok := t.lists.Load(pk); ok {
			out[pk] = WriteRelays(list.Relays)
		}
	}
	return out
}

// GroupByRelay groups authors by write relay so each relay is asked only for
// its own authors. Each author contributes at most perAuthor relays (all if
// perAuthor <= 0); authors with no known write relays go to every fallback
// relay. Groups are ordered by size, largest first.
func GroupByRelay(writeRelays map[string][]string, pubkeys []string, fallback []string, perAuthor int) []types.RelayGroup {
	groups := make(map[string][]string)
	add := func(url, pk string) {
		for _, existing := range groups[url] {
			if existing == pk {
				return
			}
		}
		groups[url] = append(groups[url], pk)
	}

	for _, pk := range pubkeys {
		relays := writeRelays[pk]
		if len(relays) == 0 {
			for _, url := range fallback {
				add(url, pk)
			}
			continue
		}
		if perAuthor > 0 && len(relays) > perAuthor {
			relays = relays[:perAuthor]
		}
		for _, url := range relays {
			add(url, pk)
		}
	}

	out := make([]types.RelayGroup, 0, len(groups))
	for url, pks := range groups {
		out = append(out, types.RelayGroup{RelayURL: url, Pubkeys: pks})
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Pubkeys) != len(out[j].Pubkeys) {
			return len(out[i].Pubkeys) > len(out[j].Pubkeys)
		}
		return out[i].RelayURL < out[j].RelayURL
	})
	return out
}
