package store

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"nostr-sync/internal/types"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Postgres is the server Store implementation
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects a pool and applies the schema
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply postgres schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) SaveEvents(ctx context.Context, events []*types.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	insertEvent := rebind(insertEventSQL)
	insertTag := rebind(insertTagSQL)

	stored := 0
	for _, evt := range events {
		tag, err := tx.Exec(ctx, insertEvent, eventArgs(evt)...)
		if err != nil {
			return 0, fmt.Errorf("store: insert event %s: %w", evt.ID, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		stored++

		batch := &pgx.Batch{}
		for _, t := range indexedTags(evt) {
			batch.Queue(insertTag, evt.ID, t[0], t[1])
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return 0, fmt.Errorf("store: insert tags: %w", err)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit events: %w", err)
	}
	return stored, nil
}

func (s *Postgres) QueryEvents(ctx context.Context, q EventQuery) ([]*types.Event, error) {
	query, args := buildEventQuery(q)
	rows, err := s.pool.Query(ctx, rebind(query), args...)
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

func (s *Postgres) exec(ctx context.Context, query string, args []interface{}) (bool, error) {
	tag, err := s.pool.Exec(ctx, rebind(query), args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) UpsertProfile(ctx context.Context, p *types.Profile) (bool, error) {
	ok, err := s.exec(ctx, upsertProfileSQL, profileArgs(p))
	if err != nil {
		return false, fmt.Errorf("store: upsert profile: %w", err)
	}
	return ok, nil
}

func (s *Postgres) UpsertContactList(ctx context.Context, cl *types.ContactList) (bool, error) {
	ok, err := s.exec(ctx, upsertContactListSQL, contactListArgs(cl))
	if err != nil {
		return false, fmt.Errorf("store: upsert contact list: %w", err)
	}
	return ok, nil
}

func (s *Postgres) UpsertRelayList(ctx context.Context, rl *types.RelayList) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, rebind(upsertRelayListSQL), relayListArgs(rl)...)
	if err != nil {
		return false, fmt.Errorf("store: upsert relay list: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, rebind(deleteRelayEntriesSQL), rl.PubKey); err != nil {
		return false, fmt.Errorf("store: clear relay entries: %w", err)
	}
	insert := rebind(insertRelayEntrySQL)
	for _, e := range rl.Relays {
		if _, err := tx.Exec(ctx, insert, rl.PubKey, e.URL, e.Read, e.Write); err != nil {
			return false, fmt.Errorf("store: insert relay entry: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store: commit relay list: %w", err)
	}
	return true, nil
}

func (s *Postgres) Profiles(ctx context.Context, pubkeys []string) (map[string]*types.Profile, error) {
	out := make(map[string]*types.Profile)
	if len(pubkeys) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, rebind(viewQuery("profiles", profileColumns, len(pubkeys))), stringArgs(pubkeys)...)
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

func (s *Postgres) RelayLists(ctx context.Context, pubkeys []string) (map[string]*types.RelayList, error) {
	out := make(map[string]*types.RelayList)
	if len(pubkeys) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, rebind(viewQuery("relay_lists", "pubkey, event_id, created_at, relays", len(pubkeys))), stringArgs(pubkeys)...)
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

func (s *Postgres) ContactLists(ctx context.Context, pubkeys []string) (map[string]*types.ContactList, error) {
	out := make(map[string]*types.ContactList)
	if len(pubkeys) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, rebind(viewQuery("contact_lists", "pubkey, event_id, created_at, contacts", len(pubkeys))), stringArgs(pubkeys)...)
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

func (s *Postgres) SearchProfiles(ctx context.Context, q string, limit int) ([]*types.Profile, error) {
	pattern := likePattern(q)
	rows, err := s.pool.Query(ctx, rebind(searchProfilesSQL), pattern, pattern, pattern, limit)
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

func (s *Postgres) PopularRelays(ctx context.Context, limit int) ([]types.RelayCount, error) {
	rows, err := s.pool.Query(ctx, rebind(popularRelaysSQL), true, limit)
	if err != nil {
		return nil, fmt.Errorf("store: popular relays: %w", err)
	}
	defer rows.Close()
	var out []types.RelayCount
	for rows.Next() {
		var rc types.RelayCount
		var n int64
		if err := rows.Scan(&rc.URL, &n); err != nil {
			return nil, fmt.Errorf("store: scan relay count: %w", err)
		}
		rc.Count = int(n)
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (s *Postgres) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, statsSQL).Scan(&st.Events, &st.Profiles, &st.RelayLists, &st.ContactLists)
	if err != nil {
		return st, fmt.Errorf("store: stats: %w", err)
	}
	return st, nil
}
