package types

// RelayEntry is one "r" tag of a NIP-65 relay list
type RelayEntry struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// RelayList is the materialized view row for an author's latest kind 10002 event
type RelayList struct {
	PubKey    string       `json:"pubkey"`
	EventID   string       `json:"event_id"`
	CreatedAt int64        `json:"created_at"`
	Relays    []RelayEntry `json:"relays"`
}

// RelayGroup represents a relay and the pubkeys that write to it
type RelayGroup struct {
	RelayURL string
	Pubkeys  []string
}

// RelayCount is a relay URL ranked by how many relay lists declare it for writing
type RelayCount struct {
	URL   string `json:"url"`
	Count int    `json:"count"`
}
