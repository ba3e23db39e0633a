package auth

import (
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = "2006-01-02 15:04:05"

// Store persists browser sessions, API tokens and server settings in sqlite.
type Store struct {
	db *sql.DB
}

// Session is a browser login session keyed by its cookie value.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// APIToken is an opaque bearer credential for non-browser clients.
type APIToken struct {
	Token     string
	UserID    string
	Label     string
	ExpiresAt *time.Time
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB { return s.db }

func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dsn == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// GenerateToken returns 32 random bytes hex-encoded.
func GenerateToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Session methods

func (s *Store) CreateSession(token, userID string, expiresAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)",
		token, userID, expiresAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns the unexpired session for token, or nil.
func (s *Store) GetSession(token string) (*Session, error) {
	now := time.Now().UTC().Format(timeLayout)
	row := s.db.QueryRow(
		"SELECT token, user_id, expires_at FROM sessions WHERE token = ? AND expires_at > ?",
		token, now,
	)
	var sess Session
	var expires string
	err := row.Scan(&sess.Token, &sess.UserID, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.ExpiresAt, err = time.ParseInLocation(timeLayout, expires, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("get session: parse expiry: %w", err)
	}
	return &sess, nil
}

// TouchSession moves a session's expiry forward.
func (s *Store) TouchSession(token string, expiresAt time.Time) error {
	_, err := s.db.Exec(
		"UPDATE sessions SET expires_at = ? WHERE token = ?",
		expiresAt.UTC().Format(timeLayout), token,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *Store) DeleteSession(token string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE token = ?", token)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PruneSessions deletes expired sessions and returns how many were removed.
func (s *Store) PruneSessions() (int64, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.Exec("DELETE FROM sessions WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// API token methods

func (s *Store) CreateAPIToken(token, userID, label string, expiresAt *time.Time) error {
	var exp any
	if expiresAt != nil {
		exp = expiresAt.UTC().Format(timeLayout)
	}
	_, err := s.db.Exec(
		"INSERT INTO api_tokens (token, user_id, label, expires_at) VALUES (?, ?, ?, ?)",
		token, userID, label, exp,
	)
	if err != nil {
		return fmt.Errorf("create api token: %w", err)
	}
	return nil
}

// ValidateAPIToken returns the owner of an unexpired token, or nil.
func (s *Store) ValidateAPIToken(token string) (*APIToken, error) {
	now := time.Now().UTC().Format(timeLayout)
	row := s.db.QueryRow(
		"SELECT token, user_id, label, expires_at FROM api_tokens WHERE token = ? AND (expires_at IS NULL OR expires_at > ?)",
		token, now,
	)
	var t APIToken
	var expires sql.NullString
	err := row.Scan(&t.Token, &t.UserID, &t.Label, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("validate api token: %w", err)
	}
	if expires.Valid {
		exp, err := time.ParseInLocation(timeLayout, expires.String, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("validate api token: parse expiry: %w", err)
		}
		t.ExpiresAt = &exp
	}
	return &t, nil
}

func (s *Store) DeleteAPIToken(token string) error {
	_, err := s.db.Exec("DELETE FROM api_tokens WHERE token = ?", token)
	if err != nil {
		return fmt.Errorf("delete api token: %w", err)
	}
	return nil
}

// GetConfig reads a value from the server_config table. Missing keys return "".
func (s *Store) GetConfig(key string) (string, error) {
	var val string
	err := s.db.QueryRow("SELECT value FROM server_config WHERE key = ?", key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get server config %s: %w", key, err)
	}
	return val, nil
}

// SetConfig writes a value to the server_config table.
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO server_config (key, value) VALUES (?, ?)",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set server config %s: %w", key, err)
	}
	return nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}
