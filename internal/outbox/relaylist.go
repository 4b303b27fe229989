// Package outbox implements NIP-65 relay selection: authors publish to their
// write relays and are read from there; mentions reach their read relays.
package outbox

import (
	"net/url"
	"strings"

	"nostr-sync/internal/types"
)

// ParseRelayList extracts the "r" tags of a kind 10002 event. No marker
// means read and write; exactly "read" or "write" restricts the entry.
// A URL listed twice gets the union of its markers.
func ParseRelayList(evt *types.Event) []types.RelayEntry {
	if evt == nil {
		return nil
	}

	var entries []types.RelayEntry
	index := make(map[string]int)
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}

		relayURL := cleanURL(tag[1])
		if relayURL == "" {
			continue
		}
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}

		entry := types.RelayEntry{URL: relayURL}
		switch marker {
		case "read":
			entry.Read = true
		case "write":
			entry.Write = true
		default:
			entry.Read = true
			entry.Write = true
		}

		if i, ok := index[relayURL]; ok {
			entries[i].Read = entries[i].Read || entry.Read
			entries[i].Write = entries[i].Write || entry.Write
			continue
		}
		index[relayURL] = len(entries)
		entries = append(entries, entry)
	}
	return entries
}

// WriteRelays returns the URLs marked for writing, in tag order
func WriteRelays(entries []types.RelayEntry) []string {
	var urls []string
	for _, e := range entries {
		if e.Write {
			urls = append(urls, e.URL)
		}
	}
	return urls
}

// ReadRelays returns the URLs marked for reading, in tag order
func ReadRelays(entries []types.RelayEntry) []string {
	var urls []string
	for _, e := range entries {
		if e.Read {
			urls = append(urls, e.URL)
		}
	}
	return urls
}

// ToRelayList builds the materialized view row for a relay list event
func ToRelayList(evt *types.Event) *types.RelayList {
	relays := ParseRelayList(evt)
	if relays == nil {
		relays = []types.RelayEntry{}
	}
	return &types.RelayList{
		PubKey:    evt.PubKey,
		EventID:   evt.ID,
		CreatedAt: evt.CreatedAt,
		Relays:    relays,
	}
}

// BuildRelayListTags is the inverse of ParseRelayList
func BuildRelayListTags(entries []types.RelayEntry) [][]string {
	tags := make([][]string, 0, len(entries))
	for _, e := range entries {
		switch {
		case e.Read && e.Write:
			tags = append(tags, []string{"r", e.URL})
		case e.Read:
			tags = append(tags, []string{"r", e.URL, "read"})
		case e.Write:
			tags = append(tags, []string{"r", e.URL, "write"})
		}
	}
	return tags
}

func cleanURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	lower := strings.ToLower(u)
	if !strings.HasPrefix(lower, "ws://") && !strings.HasPrefix(lower, "wss://") {
		return ""
	}
	if strings.HasSuffix(u, "://") {
		return ""
	}
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return ""
	}
	// scheme and host are case-insensitive; the path is not
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	return parsed.String()
}
