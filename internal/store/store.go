// Package store is the durable event store behind the synchronization
// cache: an events table keyed by id plus materialized views of each
// author's latest profile, relay list and contact list.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"nostr-sync/internal/types"
)

// Store is the durable store contract. Lookups of absent rows are not
// errors; they are simply missing from the result.
type Store interface {
	// SaveEvents inserts events by id and returns how many were new.
	// Already-known ids are skipped.
	SaveEvents(ctx context.Context, events []*types.Event) (int, error)
	QueryEvents(ctx context.Context, q EventQuery) ([]*types.Event, error)

	// Upsert* replace the view row only when the incoming created_at is
	// strictly newer, and report whether they did
	UpsertProfile(ctx context.Context, p *types.Profile) (bool, error)
	UpsertRelayList(ctx context.Context, rl *types.RelayList) (bool, error)
	UpsertContactList(ctx context.Context, cl *types.ContactList) (bool, error)

	Profiles(ctx context.Context, pubkeys []string) (map[string]*types.Profile, error)
	RelayLists(ctx context.Context, pubkeys []string) (map[string]*types.RelayList, error)
	ContactLists(ctx context.Context, pubkeys []string) (map[string]*types.ContactList, error)
	SearchProfiles(ctx context.Context, q string, limit int) ([]*types.Profile, error)
	PopularRelays(ctx context.Context, limit int) ([]types.RelayCount, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// EventQuery selects events newest first. Zero fields do not constrain.
type EventQuery struct {
	IDs      []string
	Authors  []string
	Kinds    []int
	TagName  string
	TagValue string
	// Until is an inclusive upper bound on created_at
	Until int64
	Limit int
}

// Stats are row counts per table
type Stats struct {
	Events       int64 `json:"events"`
	Profiles     int64 `json:"profiles"`
	RelayLists   int64 `json:"relay_lists"`
	ContactLists int64 `json:"contact_lists"`
}

// Drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a driver
type Config struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

// Open connects the configured driver and applies its schema
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return OpenSQLite(cfg.SQLitePath)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

const eventColumns = `e.id, e.pubkey, e.created_at, e.kind, e.tags, e.content, e.sig`

// buildEventQuery renders q with '?' placeholders
func buildEventQuery(q EventQuery) (string, []interface{}) {
	var sb strings.Builder
	var args []interface{}

	sb.WriteString(`SELECT ` + eventColumns + ` FROM events e`)
	if q.TagName != "" {
		sb.WriteString(` JOIN event_tags t ON t.event_id = e.id AND t.name = ? AND t.value = ?`)
		args = append(args, q.TagName, q.TagValue)
	}
	sb.WriteString(` WHERE 1=1`)
	if len(q.IDs) > 0 {
		sb.WriteString(` AND e.id IN (` + placeholders(len(q.IDs)) + `)`)
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}
	if len(q.Authors) > 0 {
		sb.WriteString(` AND e.pubkey IN (` + placeholders(len(q.Authors)) + `)`)
		for _, a := range q.Authors {
			args = append(args, a)
		}
	}
	if len(q.Kinds) > 0 {
		sb.WriteString(` AND e.kind IN (` + placeholders(len(q.Kinds)) + `)`)
		for _, k := range q.Kinds {
			args = append(args, k)
		}
	}
	if q.Until > 0 {
		sb.WriteString(` AND e.created_at <= ?`)
		args = append(args, q.Until)
	}
	sb.WriteString(` ORDER BY e.created_at DESC, e.id DESC`)
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}
	return sb.String(), args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// rebind converts '?' placeholders to PostgreSQL's $n form
func rebind(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// likePattern builds a case-insensitive substring pattern, escaping LIKE
// wildcards with '\'
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(q)) + "%"
}

// indexedTags returns the single-letter tags stored in event_tags
func indexedTags(evt *types.Event) [][2]string {
	seen := make(map[[2]string]bool)
	var out [][2]string
	for _, tag := range evt.Tags {
		if len(tag) < 2 || len(tag[0]) != 1 {
			continue
		}
		pair := [2]string{tag[0], tag[1]}
		if !seen[pair] {
			seen[pair] = true
			out = append(out, pair)
		}
	}
	return out
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(s scanner) (*types.Event, error) {
	var evt types.Event
	var tags string
	if err := s.Scan(&evt.ID, &evt.PubKey, &evt.CreatedAt, &evt.Kind, &tags, &evt.Content, &evt.Sig); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &evt.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", evt.ID, err)
	}
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	return &evt, nil
}

func encodeTags(evt *types.Event) string {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	data, _ := json.Marshal(tags)
	return string(data)
}

const profileColumns = `pubkey, event_id, created_at, info`

func scanProfile(s scanner) (*types.Profile, error) {
	var p types.Profile
	var info string
	if err := s.Scan(&p.PubKey, &p.EventID, &p.CreatedAt, &info); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(info), &p.ProfileInfo); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", p.PubKey, err)
	}
	return &p, nil
}

func scanRelayList(s scanner) (*types.RelayList, error) {
	var rl types.RelayList
	var relays string
	if err := s.Scan(&rl.PubKey, &rl.EventID, &rl.CreatedAt, &relays); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(relays), &rl.Relays); err != nil {
		return nil, fmt.Errorf("decode relay list %s: %w", rl.PubKey, err)
	}
	return &rl, nil
}

func scanContactList(s scanner) (*types.ContactList, error) {
	var cl types.ContactList
	var contacts string
	if err := s.Scan(&cl.PubKey, &cl.EventID, &cl.CreatedAt, &contacts); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contacts), &cl.Contacts); err != nil {
		return nil, fmt.Errorf("decode contact list %s: %w", cl.PubKey, err)
	}
	return &cl, nil
}

func stringArgs(items []string) []interface{} {
	args := make([]interface{}, len(items))
	for i, s := range items {
		args[i] = s
	}
	return args
}

func jsonText(v interface{}) string {
	data, _ := json.Marshal(v)
	return string(data)
}

// View upserts. The WHERE on the conflict branch keeps the newer row.
const (
	upsertProfileSQL = `
		INSERT INTO profiles (pubkey, event_id, created_at, name, display_name, nip05, info)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			event_id     = excluded.event_id,
			created_at   = excluded.created_at,
			name         = excluded.name,
			display_name = excluded.display_name,
			nip05        = excluded.nip05,
			info         = excluded.info
		WHERE excluded.created_at > profiles.created_at`

	upsertRelayListSQL = `
		INSERT INTO relay_lists (pubkey, event_id, created_at, relays)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			event_id   = excluded.event_id,
			created_at = excluded.created_at,
			relays     = excluded.relays
		WHERE excluded.created_at > relay_lists.created_at`

	upsertContactListSQL = `
		INSERT INTO contact_lists (pubkey, event_id, created_at, contacts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			event_id   = excluded.event_id,
			created_at = excluded.created_at,
			contacts   = excluded.contacts
		WHERE excluded.created_at > contact_lists.created_at`

	insertEventSQL = `
		INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	insertTagSQL = `
		INSERT INTO event_tags (event_id, name, value) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`

	deleteRelayEntriesSQL = `DELETE FROM relay_list_entries WHERE pubkey = ?`
	insertRelayEntrySQL   = `
		INSERT INTO relay_list_entries (pubkey, url, is_read, is_write) VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`

	searchProfilesSQL = `
		SELECT ` + profileColumns + ` FROM profiles
		WHERE lower(name) LIKE ? ESCAPE '\'
			OR lower(display_name) LIKE ? ESCAPE '\'
			OR lower(nip05) LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, pubkey ASC
		LIMIT ?`

	popularRelaysSQL = `
		SELECT url, COUNT(*) AS n FROM relay_list_entries
		WHERE is_write = ?
		GROUP BY url
		ORDER BY n DESC, url ASC
		LIMIT ?`

	statsSQL = `
		SELECT
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM profiles),
			(SELECT COUNT(*) FROM relay_lists),
			(SELECT COUNT(*) FROM contact_lists)`
)

func profileArgs(p *types.Profile) []interface{} {
	return []interface{}{p.PubKey, p.EventID, p.CreatedAt, p.Name, p.DisplayName, p.Nip05, jsonText(p.ProfileInfo)}
}

func relayListArgs(rl *types.RelayList) []interface{} {
	relays := rl.Relays
	if relays == nil {
		relays = []types.RelayEntry{}
	}
	return []interface{}{rl.PubKey, rl.EventID, rl.CreatedAt, jsonText(relays)}
}

func contactListArgs(cl *types.ContactList) []interface{} {
	contacts := cl.Contacts
	if contacts == nil {
		contacts = []string{}
	}
	return []interface{}{cl.PubKey, cl.EventID, cl.CreatedAt, jsonText(contacts)}
}

func eventArgs(evt *types.Event) []interface{} {
	return []interface{}{evt.ID, evt.PubKey, evt.CreatedAt, evt.Kind, encodeTags(evt), evt.Content, evt.Sig}
}

func viewQuery(table, columns string, n int) string {
	return `SELECT ` + columns + ` FROM ` + table + ` WHERE pubkey IN (` + placeholders(n) + `)`
}
