// Package types provides shared type definitions used across internal packages.
package types

// Event kinds the synchronization layer understands
const (
	KindProfile              = 0
	KindTextNote             = 1
	KindContactList          = 3
	KindRelayList            = 10002
	KindClientAuthentication = 22242
)

// Event represents a Nostr event (NIP-01). Events are immutable once signed;
// callers must treat received events as read-only snapshots.
type Event struct {
	ID         string     `json:"id"`
	PubKey     string     `json:"pubkey"`
	CreatedAt  int64      `json:"created_at"`
	Kind       int        `json:"kind"`
	Tags       [][]string `json:"tags"`
	Content    string     `json:"content"`
	Sig        string     `json:"sig"`
	RelaysSeen []string   `json:"-"`
}

// Filter represents a Nostr subscription filter (NIP-01).
// Tags holds single-letter tag constraints keyed without the '#' prefix
// (e.g. "e", "p", "t").
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   int
}

// NostrMessage represents a raw Nostr protocol message
type NostrMessage []interface{}

// Tag returns the values constrained for the given tag name
func (f Filter) Tag(name string) []string {
	if f.Tags == nil {
		return nil
	}
	return f.Tags[name]
}

// WithTag returns a copy of the filter with an added tag constraint
func (f Filter) WithTag(name string, values ...string) Filter {
	tags := make(map[string][]string, len(f.Tags)+1)
	for k, v := range f.Tags {
		tags[k] = v
	}
	tags[name] = append(tags[name], values...)
	f.Tags = tags
	return f
}
