package prefstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no preference row exists for a key.
var ErrNotFound = errors.New("prefstore: not found")

// Prefs are the per-user settings the bot keeps between restarts: the
// reply language and the backend credential. The key is the Telegram
// user id in private chats and the chat id in groups.
type Prefs struct {
	Lang  string
	Token string
}

// Store wraps a SQLite database holding user preferences.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the preference database in dataDir and
// applies the schema. Pass ":memory:" for an in-memory database (used
// by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "prefs.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS prefs (
		user_key INTEGER PRIMARY KEY,
		lang TEXT NOT NULL DEFAULT '',
		token TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating prefs table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(userKey int64) (Prefs, error) {
	var p Prefs
	err := s.db.QueryRow("SELECT lang, token FROM prefs WHERE user_key = ?", userKey).Scan(&p.Lang, &p.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return Prefs{}, ErrNotFound
	}
	if err != nil {
		return Prefs{}, fmt.Errorf("querying prefs: %w", err)
	}
	return p, nil
}

func (s *Store) Set(userKey int64, p Prefs) error {
	_, err := s.db.Exec(`INSERT INTO prefs (user_key, lang, token, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_key) DO UPDATE SET
			lang = excluded.lang,
			token = excluded.token,
			updated_at = CURRENT_TIMESTAMP`, userKey, p.Lang, p.Token)
	if err != nil {
		return fmt.Errorf("storing prefs: %w", err)
	}
	return nil
}

// Delete removes the row for userKey. Deleting a missing key returns
// ErrNotFound so callers can tell the user nothing was stored.
func (s *Store) Delete(userKey int64) error {
	res, err := s.db.Exec("DELETE FROM prefs WHERE user_key = ?", userKey)
	if err != nil {
		return fmt.Errorf("deleting prefs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting prefs: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Copy duplicates the preferences of src under dst. Used by
// "/token copy" to share a personal token with a group chat.
func (s *Store) Copy(src, dst int64) error {
	p, err := s.Get(src)
	if err != nil {
		return err
	}
	return s.Set(dst, p)
}
