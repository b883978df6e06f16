// Package sqlite implements the session store on a single SQLite database.
// It is interchangeable with the file backend via sessions.backend config;
// transcripts live in an events table keyed by (session_key, seq).
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/agentgate/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	key            TEXT PRIMARY KEY,
	created        TEXT NOT NULL,
	updated        TEXT NOT NULL,
	event_count    INTEGER NOT NULL DEFAULT 0,
	token_estimate INTEGER NOT NULL DEFAULT 0,
	overrides      TEXT NOT NULL DEFAULT '{}',
	label          TEXT NOT NULL DEFAULT '',
	last_channel   TEXT NOT NULL DEFAULT '',
	last_account   TEXT NOT NULL DEFAULT '',
	last_target    TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS events (
	session_key TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	data        TEXT NOT NULL,
	PRIMARY KEY (session_key, seq)
);
`

// Store is the SQLite-backed SessionStore.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes multi-statement writes
}

// New opens (or creates) the database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Append(key string, events ...store.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM events WHERE session_key = ?`, key).Scan(&last); err != nil {
		return err
	}
	seq := last.Int64 + 1

	now := time.Now().UTC()
	for i := range events {
		events[i].Seq = seq
		seq++
		if events[i].TS.IsZero() {
			events[i].TS = now
		}
		data, err := json.Marshal(events[i])
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO events (session_key, seq, data) VALUES (?, ?, ?)`,
			key, events[i].Seq, string(data)); err != nil {
			return err
		}
	}

	ts := now.Format(time.RFC3339Nano)
	if _, err := tx.Exec(`
		INSERT INTO sessions (key, created, updated, event_count) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET updated = ?, event_count = event_count + ?`,
		key, ts, ts, len(events), ts, len(events)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Read(key string) ([]store.Event, error) {
	rows, err := s.db.Query(`SELECT data FROM events WHERE session_key = ? ORDER BY seq`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ev store.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) Rewrite(key string, events []store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM events WHERE session_key = ?`, key); err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range events {
		events[i].Seq = int64(i + 1)
		if events[i].TS.IsZero() {
			events[i].TS = now
		}
		data, err := json.Marshal(events[i])
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO events (session_key, seq, data) VALUES (?, ?, ?)`,
			key, events[i].Seq, string(data)); err != nil {
			return err
		}
	}

	ts := now.Format(time.RFC3339Nano)
	if _, err := tx.Exec(`
		INSERT INTO sessions (key, created, updated, event_count) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET updated = ?, event_count = ?`,
		key, ts, ts, len(events), ts, len(events)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Meta(key string) (store.Meta, bool) {
	var m store.Meta
	var created, updated, overrides string
	err := s.db.QueryRow(`
		SELECT key, created, updated, event_count, token_estimate, overrides, label,
		       last_channel, last_account, last_target
		FROM sessions WHERE key = ?`, key).Scan(
		&m.Key, &created, &updated, &m.EventCount, &m.TokenEstimate, &overrides, &m.Label,
		&m.LastChannel, &m.LastAccount, &m.LastTarget)
	if err != nil {
		return store.Meta{}, false
	}
	m.Created, _ = time.Parse(time.RFC3339Nano, created)
	m.Updated, _ = time.Parse(time.RFC3339Nano, updated)
	_ = json.Unmarshal([]byte(overrides), &m.Overrides)
	return m, true
}

func (s *Store) exec(key, query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetOverrides(key string, o store.Overrides) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return s.exec(key, `UPDATE sessions SET overrides = ?, updated = ? WHERE key = ?`,
		string(data), time.Now().UTC().Format(time.RFC3339Nano), key)
}

func (s *Store) SetLabel(key, label string) error {
	return s.exec(key, `UPDATE sessions SET label = ?, updated = ? WHERE key = ?`,
		label, time.Now().UTC().Format(time.RFC3339Nano), key)
}

func (s *Store) SetLastRoute(key, channel, account, target string) error {
	return s.exec(key, `UPDATE sessions SET last_channel = ?, last_account = ?, last_target = ?, updated = ? WHERE key = ?`,
		channel, account, target, time.Now().UTC().Format(time.RFC3339Nano), key)
}

func (s *Store) SetTokenEstimate(key string, tokens int) error {
	return s.exec(key, `UPDATE sessions SET token_estimate = ?, updated = ? WHERE key = ?`,
		tokens, time.Now().UTC().Format(time.RFC3339Nano), key)
}

// Delete removes the session record. Events are retained unless purge is set.
func (s *Store) Delete(key string, purge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.exec(key, `DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return err
	}
	if purge {
		if _, err := s.db.Exec(`DELETE FROM events WHERE session_key = ?`, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) List() []store.Meta {
	rows, err := s.db.Query(`SELECT key FROM sessions ORDER BY updated DESC`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var metas []store.Meta
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			continue
		}
		if m, ok := s.Meta(key); ok {
			metas = append(metas, m)
		}
	}
	return metas
}

func (s *Store) Close() error { return s.db.Close() }
