// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package creds

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/lumen-client/internal/util"
)

// =============================================================================
// COOKIE STORE
// =============================================================================

// StoredCookie is one persisted cookie with the attributes the backend
// expects on its auth cookies.
type StoredCookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"` // ENC: envelope
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires"`
	SameSite string    `json:"same_site"`
}

// expired reports whether the cookie is past its expiry. A zero expiry
// means a session cookie, which never expires client-side.
func (c StoredCookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && now.After(c.Expires)
}

// CookieStore is the preferred credential store: a cookie jar persisted as
// a JSON file, written atomically.
type CookieStore struct {
	mu   sync.Mutex
	path string
	box  *SecretBox

	cookies map[string]StoredCookie
}

// NewCookieStore opens (or creates) the cookie file under dataDir.
func NewCookieStore(dataDir string, box *SecretBox) (*CookieStore, error) {
	s := &CookieStore{
		path:    filepath.Join(dataDir, "cookies.json"),
		box:     box,
		cookies: make(map[string]StoredCookie),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	var list []StoredCookie
	if err := json.Unmarshal(data, &list); err != nil {
		// A corrupt jar is treated as empty rather than fatal; the user
		// falls back to the legacy store or to anonymous.
		return s, nil
	}
	for _, c := range list {
		s.cookies[c.Name] = c
	}
	return s, nil
}

// Get returns the decrypted cookie value. Expired cookies and values that
// fail to decrypt read as absent.
func (s *CookieStore) Get(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cookies[name]
	if !ok || c.expired(time.Now()) {
		return "", false
	}
	value, err := s.box.Decrypt(c.Value)
	if err != nil || value == "" {
		return "", false
	}
	return value, true
}

// Set stores a cookie with explicit path, expiry and same-site attributes.
func (s *CookieStore) Set(name, value string, ttl time.Duration) error {
	sealed, err := s.box.Encrypt(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cookies[name] = StoredCookie{
		Name:     name,
		Value:    sealed,
		Path:     "/",
		Expires:  time.Now().Add(ttl),
		SameSite: "Lax",
	}
	return s.flushLocked()
}

// Delete removes a cookie by name.
func (s *CookieStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cookies, name)
	return s.flushLocked()
}

// Clear removes every cookie.
func (s *CookieStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = make(map[string]StoredCookie)
	return s.flushLocked()
}

// Header builds a Cookie header value from all unexpired cookies, in a
// stable name order. Used by the renewal request, which authenticates via
// cookie rather than bearer token.
func (s *CookieStore) Header() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	names := make([]string, 0, len(s.cookies))
	for name, c := range s.cookies {
		if !c.expired(now) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		value, err := s.box.Decrypt(s.cookies[name].Value)
		if err != nil || value == "" {
			continue
		}
		parts = append(parts, name+"="+value)
	}
	return strings.Join(parts, "; ")
}

// flushLocked persists the jar. Caller holds s.mu.
func (s *CookieStore) flushLocked() error {
	list := make([]StoredCookie, 0, len(s.cookies))
	for _, c := range s.cookies {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(s.path, data, 0600)
}
