// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package creds

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// LEGACY KEY-VALUE STORE
// =============================================================================

// LegacyStore is the key-value credential store older client versions used.
// It is read as a fallback after the cookie store and still written on every
// credential update for backward compatibility.
type LegacyStore struct {
	db  *sql.DB
	box *SecretBox
}

const legacySchema = `
CREATE TABLE IF NOT EXISTS credentials (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// OpenLegacyStore opens (or creates) the legacy store under dataDir.
func OpenLegacyStore(dataDir string, box *SecretBox) (*LegacyStore, error) {
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "credentials.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open legacy store: %w", err)
	}
	if _, err := db.Exec(legacySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init legacy store: %w", err)
	}
	return &LegacyStore{db: db, box: box}, nil
}

// Get returns the decrypted value for key. Missing keys and values that
// fail to decrypt read as absent.
func (s *LegacyStore) Get(key string) (string, bool) {
	var sealed string
	err := s.db.QueryRow(`SELECT value FROM credentials WHERE key = ?`, key).Scan(&sealed)
	if err != nil {
		return "", false
	}
	value, err := s.box.Decrypt(sealed)
	if err != nil || value == "" {
		return "", false
	}
	return value, true
}

// Set stores a value under key.
func (s *LegacyStore) Set(key, value string) error {
	sealed, err := s.box.Encrypt(value)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO credentials (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, sealed)
	return err
}

// Delete removes a key. Missing keys are not an error.
func (s *LegacyStore) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM credentials WHERE key = ?`, key)
	return err
}

// Clear removes every stored credential.
func (s *LegacyStore) Clear() error {
	_, err := s.db.Exec(`DELETE FROM credentials`)
	return err
}

// Close releases the underlying database.
func (s *LegacyStore) Close() error {
	if s.db == nil {
		return errors.New("legacy store already closed")
	}
	err := s.db.Close()
	s.db = nil
	return err
}
