package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"nostr-sync/internal/types"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite is the embedded Store implementation
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path and applies the schema
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("store: sqlite path is empty")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) SaveEvents(ctx context.Context, events []*types.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insertEvent, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return 0, fmt.Errorf("store: prepare event insert: %w", err)
	}
	defer insertEvent.Close()
	insertTag, err := tx.PrepareContext(ctx, insertTagSQL)
	if err != nil {
		return 0, fmt.Errorf("store: prepare tag insert: %w", err)
	}
	defer insertTag.Close()

	stored := 0
	for _, evt := range events {
		res, err := insertEvent.ExecContext(ctx, eventArgs(evt)...)
		if err != nil {
			return 0, fmt.Errorf("store: insert event %s: %w", evt.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		stored++
		for _, tag := range indexedTags(evt) {
			if _, err := insertTag.ExecContext(ctx, evt.ID, tag[0], tag[1]); err != nil {
				return 0, fmt.Errorf("store: insert tag: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit events: %w", err)
	}
	return stored, nil
}

func (s *SQLite) QueryEvents(ctx context.Context, q EventQuery) ([]*types.Event, error) {
	query, args := buildEventQuery(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *SQLite) exec(ctx context.Context, query string, args []interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLite) UpsertProfile(ctx context.Context, p *types.Profile) (bool, error) {
	ok, err := s.exec(ctx, upsertProfileSQL, profileArgs(p))
	if err != nil {
		return false, fmt.Errorf("store: upsert profile: %w", err)
	}
	return ok, nil
}

func (s *SQLite) UpsertContactList(ctx context.Context, cl *types.ContactList) (bool, error) {
	ok, err := s.exec(ctx, upsertContactListSQL, contactListArgs(cl))
	if err != nil {
		return false, fmt.Errorf("store: upsert contact list: %w", err)
	}
	return ok, nil
}

// UpsertRelayList also replaces the per-relay entries used for ranking
func (s *SQLite) UpsertRelayList(ctx context.Context, rl *types.RelayList) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, upsertRelayListSQL, relayListArgs(rl)...)
	if err != nil {
		return false, fmt.Errorf("store: upsert relay list: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, deleteRelayEntriesSQL, rl.PubKey); err != nil {
		return false, fmt.Errorf("store: clear relay entries: %w", err)
	}
	for _, e := range rl.Relays {
		if _, err := tx.ExecContext(ctx, insertRelayEntrySQL, rl.PubKey, e.URL, e.Read, e.Write); err != nil {
			return false, fmt.Errorf("store: insert relay entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit relay list: %w", err)
	}
	return true, nil
}

func (s *SQLite) Profiles(ctx context.Context, pubkeys []string) (map[string]*types.Profile, error) {
	out := make(map[string]*types.Profile)
	if len(pubkeys) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, viewQuery("profiles", profileColumns, len(pubkeys)), stringArgs(pubkeys)...)
	if err != nil {
		return nil, fmt.Errorf("store: query profiles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan profile: %w", err)
		}
		out[p.PubKey] = p
	}
	return out, rows.Err()
}

func (s *SQLite) RelayLists(ctx context.Context, pubkeys []string) (map[string]*types.RelayList, error) {
	out := make(map[string]*types.RelayList)
	if len(pubkeys) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, viewQuery("relay_lists", "pubkey, event_id, created_at, relays", len(pubkeys)), stringArgs(pubkeys)...)
	if err != nil {
		return nil, fmt.Errorf("store: query relay lists: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		rl, err := scanRelayList(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan relay list: %w", err)
		}
		out[rl.PubKey] = rl
	}
	return out, rows.Err()
}

func (s *SQLite) ContactLists(ctx context.Context, pubkeys []string) (map[string]*types.ContactList, error) {
	out := make(map[string]*types.ContactList)
	if len(pubkeys) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, viewQuery("contact_lists", "pubkey, event_id, created_at, contacts", len(pubkeys)), stringArgs(pubkeys)...)
	if err != nil {
		return nil, fmt.Errorf("store: query contact lists: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		cl, err := scanContactList(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan contact list: %w", err)
		}
		out[cl.PubKey] = cl
	}
	return out, rows.Err()
}

func (s *SQLite) SearchProfiles(ctx context.Context, q string, limit int) ([]*types.Profile, error) {
	pattern := likePattern(q)
	rows, err := s.db.QueryContext(ctx, searchProfilesSQL, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search profiles: %w", err)
	}
	defer rows.Close()
	var out []*types.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) PopularRelays(ctx context.Context, limit int) ([]types.RelayCount, error) {
	rows, err := s.db.QueryContext(ctx, popularRelaysSQL, true, limit)
	if err != nil {
		return nil, fmt.Errorf("store: popular relays: %w", err)
	}
	defer rows.Close()
	var out []types.RelayCount
	for rows.Next() {
		var rc types.RelayCount
		if err := rows.Scan(&rc.URL, &rc.Count); err != nil {
			return nil, fmt.Errorf("store: scan relay count: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, statsSQL).Scan(&st.Events, &st.Profiles, &st.RelayLists, &st.ContactLists)
	if err != nil {
		return st, fmt.Errorf("store: stats: %w", err)
	}
	return st, nil
}
