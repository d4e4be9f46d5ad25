// Package index provides a SQLite-backed secondary index over sessions, for
// fast "list my recent sessions" queries. It is NOT the source of truth:
// the append-only NDJSON SessionFile owned by internal/contextstore is
// authoritative (spec §4.A). This index may be deleted and rebuilt from the
// SessionFiles on disk without losing any conversation data; it only makes
// listing/searching sessions fast without scanning every SessionFile.
//
// Grounded on the teacher's internal/store.Cache (SQLite pragmas, busy-retry
// discipline for SaveMessages/SaveMessageSync), repurposed from a cache of
// web-fetch/search results into a session index.
package index

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // register sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id       TEXT PRIMARY KEY,
	path     TEXT NOT NULL,
	title    TEXT NOT NULL DEFAULT '',
	created  INTEGER NOT NULL,
	updated  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated);
`

const (
	sqliteBusyMaxRetries    = 10
	sqliteBusyBackoffStepMs = 50
	sqliteBusyMaxBackoff    = time.Second
)

// Index is a SQLite-backed secondary index of session metadata.
type Index struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the index database at dbPath.
func Open(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the database.
func (idx *Index) Close() error {
	if idx == nil {
		return nil
	}
	return idx.db.Close()
}

// Summary is a listing row: enough to render a session picker without
// reading its SessionFile.
type Summary struct {
	ID      string
	Path    string
	Title   string
	Created time.Time
	Updated time.Time
}

// Upsert records or refreshes a session's metadata. Retries on SQLITE_BUSY
// with the teacher's step backoff, since the index may be written from a
// subagent and the main loop concurrently.
func (idx *Index) Upsert(id, path, title string) error {
	if idx == nil {
		return nil
	}
	var err error
	for attempt := 0; attempt <= sqliteBusyMaxRetries; attempt++ {
		err = idx.upsertOnce(id, path, title)
		if err == nil {
			return nil
		}
		if !IsSQLiteBusy(err) || attempt == sqliteBusyMaxRetries {
			return err
		}
		backoff := time.Duration((attempt+1)*sqliteBusyBackoffStepMs) * time.Millisecond
		if backoff > sqliteBusyMaxBackoff {
			backoff = sqliteBusyMaxBackoff
		}
		time.Sleep(backoff)
	}
	return err
}

func (idx *Index) upsertOnce(id, path, title string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := time.Now().Unix()
	_, err := idx.db.Exec(`
		INSERT INTO sessions (id, path, title, created, updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET path = excluded.path, title = excluded.title, updated = excluded.updated
	`, id, path, title, now, now)
	if err != nil {
		log.Warn().Err(err).Str("session", id).Msg("index: failed to upsert session")
	}
	return err
}

// Touch bumps a session's updated timestamp, for "most recently active"
// ordering, without changing its title.
func (idx *Index) Touch(id string) error {
	if idx == nil {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, err := idx.db.Exec("UPDATE sessions SET updated = ? WHERE id = ?", time.Now().Unix(), id)
	return err
}

// ListSessions returns every indexed session, most recently updated first.
func (idx *Index) ListSessions() ([]Summary, error) {
	if idx == nil {
		return nil, nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.db.Query(`SELECT id, path, title, created, updated FROM sessions ORDER BY updated DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var created, updated int64
		if err := rows.Scan(&s.ID, &s.Path, &s.Title, &created, &updated); err != nil {
			continue
		}
		s.Created = time.Unix(created, 0)
		s.Updated = time.Unix(updated, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestSessionID returns the most recently updated session's id.
func (idx *Index) LatestSessionID() (string, error) {
	if idx == nil {
		return "", fmt.Errorf("no index")
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var id string
	err := idx.db.QueryRow(`SELECT id FROM sessions ORDER BY updated DESC LIMIT 1`).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("no sessions found")
	}
	return id, nil
}

// SessionExists reports whether id is known to the index. A false negative
// is possible if the index was deleted since the session was created; the
// SessionFile on disk remains the authority.
func (idx *Index) SessionExists(id string) (bool, error) {
	if idx == nil {
		return false, nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var count int
	err := idx.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Remove drops a session's index row. Used when a SessionFile is deleted.
func (idx *Index) Remove(id string) error {
	if idx == nil {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, err := idx.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	return err
}

// IsSQLiteBusy reports whether err is a transient SQLITE_BUSY/locked error
// worth retrying.
func IsSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
