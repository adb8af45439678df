// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package creds

import (
	"sync"
	"time"
)

// =============================================================================
// CREDENTIAL KEYS
// =============================================================================

const (
	// KeyAccessToken is the short-lived credential authorizing requests.
	KeyAccessToken = "access_token"

	// KeyRefreshToken is the longer-lived credential used solely to obtain
	// a new access token.
	KeyRefreshToken = "refresh_token"
)

const (
	accessTokenTTL  = 24 * time.Hour
	refreshTokenTTL = 30 * 24 * time.Hour
)

// =============================================================================
// STORE FACADE
// =============================================================================

// Store reads and writes the credential pair across both backing stores.
// Reads check the cookie store first and fall back to the legacy store;
// writes go to both so older client versions keep working.
type Store struct {
	cookies *CookieStore
	legacy  *LegacyStore

	// Read cache over the merged view of both stores. Key derivation makes
	// raw reads expensive; the cache is updated on every write and wiped on
	// Clear, so it never diverges from the backing stores.
	mu    sync.Mutex
	cache map[string]string
}

// Open creates the credential store rooted at dataDir.
func Open(dataDir string) (*Store, error) {
	box, err := NewSecretBox(dataDir)
	if err != nil {
		return nil, err
	}
	cookies, err := NewCookieStore(dataDir, box)
	if err != nil {
		return nil, err
	}
	legacy, err := OpenLegacyStore(dataDir, box)
	if err != nil {
		return nil, err
	}
	return NewStore(cookies, legacy), nil
}

// NewStore assembles a store from explicit backings. Used by tests.
func NewStore(cookies *CookieStore, legacy *LegacyStore) *Store {
	return &Store{
		cookies: cookies,
		legacy:  legacy,
		cache:   make(map[string]string),
	}
}

// AccessToken returns the current access credential, preferring the cookie
// store over the legacy fallback.
func (s *Store) AccessToken() (string, bool) {
	return s.get(KeyAccessToken)
}

// RefreshToken returns the renewal credential with the same precedence.
func (s *Store) RefreshToken() (string, bool) {
	return s.get(KeyRefreshToken)
}

func (s *Store) get(key string) (string, bool) {
	s.mu.Lock()
	if v, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return v, true
	}
	s.mu.Unlock()

	v, ok := s.cookies.Get(key)
	if !ok {
		v, ok = s.legacy.Get(key)
	}
	if ok {
		s.mu.Lock()
		s.cache[key] = v
		s.mu.Unlock()
	}
	return v, ok
}

// SetTokens stores both credentials in both stores.
func (s *Store) SetTokens(access, refresh string) error {
	if err := s.SetAccessToken(access); err != nil {
		return err
	}
	if err := s.cookies.Set(KeyRefreshToken, refresh, refreshTokenTTL); err != nil {
		return err
	}
	if err := s.legacy.Set(KeyRefreshToken, refresh); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[KeyRefreshToken] = refresh
	s.mu.Unlock()
	return nil
}

// SetAccessToken replaces only the access credential, as renewal does.
func (s *Store) SetAccessToken(access string) error {
	if err := s.cookies.Set(KeyAccessToken, access, accessTokenTTL); err != nil {
		return err
	}
	if err := s.legacy.Set(KeyAccessToken, access); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[KeyAccessToken] = access
	s.mu.Unlock()
	return nil
}

// Clear purges every stored credential from both stores. Called on logout
// and on unrecoverable renewal failure; after Clear no access credential
// may ever be attached to a request until a new login succeeds.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.cache = make(map[string]string)
	s.mu.Unlock()

	cerr := s.cookies.Clear()
	lerr := s.legacy.Clear()
	if cerr != nil {
		return cerr
	}
	return lerr
}

// CookieHeader returns the Cookie header the renewal request carries.
func (s *Store) CookieHeader() string {
	return s.cookies.Header()
}

// Close releases the legacy store's database handle.
func (s *Store) Close() error {
	return s.legacy.Close()
}
