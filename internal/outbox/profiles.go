package outbox

import (
	"sync"

	"nostr-sync/internal/types"
)

// Profiles is the user's own connection profile: the inbox relays they read
// mentions from and the outbox relays they publish to. Merging a relay list
// only ever adds relays; manually added relays are never removed by it.
type Profiles struct {
	mu     sync.RWMutex
	inbox  []string
	outbox []string
}

func NewProfiles(inbox, outbox []string) *Profiles {
	p := &Profiles{}
	p.inbox = union(nil, inbox)
	p.outbox = union(nil, outbox)
	return p
}

// Merge adds read relays to the inbox and write relays to the outbox and
// returns the relays that were new to each
func (p *Profiles) Merge(entries []types.RelayEntry) (addedInbox, addedOutbox []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	before := len(p.inbox)
	p.inbox = union(p.inbox, ReadRelays(entries))
	addedInbox = append([]string(nil), p.inbox[before:]...)

	before = len(p.outbox)
	p.outbox = union(p.outbox, WriteRelays(entries))
	addedOutbox = append([]string(nil), p.outbox[before:]...)
	return addedInbox, addedOutbox
}

// AddInbox adds relays chosen by the user
func (p *Profiles) AddInbox(urls ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbox = union(p.inbox, urls)
}

// AddOutbox adds relays chosen by the user
func (p *Profiles) AddOutbox(urls ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outbox = union(p.outbox, urls)
}

func (p *Profiles) Inbox() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.inbox...)
}

func (p *Profiles) Outbox() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.outbox...)
}

// union appends the members of add missing from base, preserving order
func union(base, add []string) []string {
	seen := make(map[string]bool, len(base)+len(add))
	for _, u := range base {
		seen[u] = true
	}
	for _, raw := range add {
		u := cleanURL(raw)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		base = append(base, u)
	}
	return base
}
