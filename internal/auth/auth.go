// Package auth resolves client API keys to user identities and tiers.
package auth

import (
	"database/sql"
	"time"

	"inference-bridge/internal/database"
	"inference-bridge/internal/errs"
)

// Credential is the resolved identity behind an API key.
type Credential struct {
	UserID string
	Tier   string
}

// Store owns the api_keys table.
type Store struct {
	db *database.DB
}

// New creates an auth store over db.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Authenticate resolves an API key, or fails with an authentication error.
func (s *Store) Authenticate(apiKey string) (*Credential, error) {
	if apiKey == "" {
		return nil, errs.ErrAuthentication
	}
	var cred Credential
	err := s.db.QueryRow("SELECT user_id, tier FROM api_keys WHERE api_key = ?", apiKey).
		Scan(&cred.UserID, &cred.Tier)
	if err == sql.ErrNoRows {
		return nil, errs.ErrAuthentication
	}
	if err != nil {
		return nil, errs.Persistence("lookup api key", err)
	}
	return &cred, nil
}

// CreateKey registers an API key for a user. Used by setup tooling and
// test fixtures.
func (s *Store) CreateKey(apiKey, userID, tier string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO api_keys (api_key, user_id, tier, created_at)
		VALUES (?, ?, ?, ?)
	`, apiKey, userID, tier, time.Now().UTC())
	if err != nil {
		return errs.Persistence("create api key", err)
	}
	return nil
}
