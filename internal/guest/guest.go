// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package guest manages the anonymous-mode correlation identity. A guest has
// no account, but their exchanges still need to thread into one dialogue, so
// the client mints a correlation id locally and the server associates its
// continuity token with it. The correlation id is not a credential: it
// carries no authorization and is distinct from the transport-level guest
// rate-limit token the server manages on its own.
package guest

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// GUEST STORE
// =============================================================================

// Store persists the guest correlation id and the continuity token keyed to
// it, so a guest dialogue survives client restarts.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	correlationID string
}

const guestSchema = `
CREATE TABLE IF NOT EXISTS guest_state (
	correlation_id TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL DEFAULT ''
);`

// Open opens (or creates) the guest store under dataDir and loads or mints
// the correlation id.
func Open(dataDir string) (*Store, error) {
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "guest.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open guest store: %w", err)
	}
	if _, err := db.Exec(guestSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init guest store: %w", err)
	}

	s := &Store{db: db}
	if err := s.loadOrMint(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// loadOrMint reads the persisted correlation id, minting a fresh one when
// the store is empty.
func (s *Store) loadOrMint() error {
	var id string
	err := s.db.QueryRow(`SELECT correlation_id FROM guest_state LIMIT 1`).Scan(&id)
	switch {
	case err == nil:
		s.correlationID = id
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return s.mint()
	default:
		return fmt.Errorf("failed to load guest state: %w", err)
	}
}

func (s *Store) mint() error {
	id := uuid.NewString()
	if _, err := s.db.Exec(`INSERT INTO guest_state (correlation_id) VALUES (?)`, id); err != nil {
		return fmt.Errorf("failed to persist correlation id: %w", err)
	}
	s.correlationID = id
	return nil
}

// CorrelationID returns the client-minted guest correlation id.
func (s *Store) CorrelationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.correlationID
}

// SessionID returns the continuity token associated with the current
// correlation id ("" when no exchange has happened yet).
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessionID string
	err := s.db.QueryRow(
		`SELECT session_id FROM guest_state WHERE correlation_id = ?`,
		s.correlationID).Scan(&sessionID)
	if err != nil {
		return ""
	}
	return sessionID
}

// SetSessionID records the continuity token the server returned for the
// current correlation id.
func (s *Store) SetSessionID(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE guest_state SET session_id = ? WHERE correlation_id = ?`,
		sessionID, s.correlationID)
	if err != nil {
		return fmt.Errorf("failed to persist continuity token: %w", err)
	}
	return nil
}

// AdoptCorrelationID re-keys the guest state onto a server-assigned
// correlation id. Some responses hand back their own correlation value; the
// continuity token moves with it so the dialogue is not severed.
func (s *Store) AdoptCorrelationID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" || id == s.correlationID {
		return nil
	}
	_, err := s.db.Exec(
		`UPDATE guest_state SET correlation_id = ? WHERE correlation_id = ?`,
		id, s.correlationID)
	if err != nil {
		return fmt.Errorf("failed to adopt correlation id: %w", err)
	}
	s.correlationID = id
	return nil
}

// Reset discards the guest identity entirely: a new correlation id is minted
// and the continuity token is dropped. Called when guest state is torn down
// (e.g. after login, where the guest transcript is not promoted).
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM guest_state`); err != nil {
		return fmt.Errorf("failed to reset guest state: %w", err)
	}
	return s.mint()
}

// Close releases the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return errors.New("guest store already closed")
	}
	err := s.db.Close()
	s.db = nil
	return err
}
