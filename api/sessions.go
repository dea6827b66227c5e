package api

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrSessionInvalid is returned when a token is unknown or expired.
var ErrSessionInvalid = errors.New("invalid or expired session")

// SessionStore owns the sessions table. Tokens issued here are announced to
// peers so a client can follow up against any node in the federation; tokens
// announced by peers are recorded through UpsertSession.
type SessionStore struct {
	db    *sql.DB
	ttl   time.Duration
	nowFn func() time.Time
}

func NewSessionStore(db *sql.DB, ttl time.Duration) (*SessionStore, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	s := &SessionStore{db: db, ttl: ttl, nowFn: time.Now}
	schema := `CREATE TABLE IF NOT EXISTS sessions (
        token TEXT PRIMARY KEY,
        account_id TEXT NOT NULL,
        expires_at TIMESTAMP NOT NULL,
        created_at TIMESTAMP NOT NULL
    );`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply sessions schema: %w", err)
	}
	return s, nil
}

// Create issues a fresh bearer token for the account.
func (s *SessionStore) Create(ctx context.Context, accountID string) (string, time.Time, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)
	now := s.nowFn().UTC()
	expiresAt := now.Add(s.ttl)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(token, account_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		token, accountID, expiresAt, now)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("insert session: %w", err)
	}
	return token, expiresAt, nil
}

// Resolve returns the account behind a token, rejecting expired sessions.
func (s *SessionStore) Resolve(ctx context.Context, token string) (string, error) {
	var accountID string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, expires_at FROM sessions WHERE token = ?`, token).
		Scan(&accountID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSessionInvalid
	}
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}
	if s.nowFn().After(expiresAt) {
		return "", ErrSessionInvalid
	}
	return accountID, nil
}

// UpsertSession records a session announced by a peer node. Redelivery of the
// same token is harmless.
func (s *SessionStore) UpsertSession(ctx context.Context, token, accountID string, expiresAt time.Time) error {
	if expiresAt.IsZero() {
		expiresAt = s.nowFn().UTC().Add(s.ttl)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(token, account_id, expires_at, created_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(token) DO UPDATE SET account_id = excluded.account_id, expires_at = excluded.expires_at`,
		token, accountID, expiresAt.UTC(), s.nowFn().UTC())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// PurgeExpired removes sessions past their expiry.
func (s *SessionStore) PurgeExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, s.nowFn().UTC())
	return err
}
