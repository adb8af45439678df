// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/lumen-client/internal/api"
	"github.com/jeranaias/lumen-client/internal/creds"
	"github.com/jeranaias/lumen-client/internal/model"
)

type recordingListener struct {
	mu          sync.Mutex
	transitions []Lifecycle
}

func (l *recordingListener) IdentityChanged(_ model.Identity, lifecycle Lifecycle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, lifecycle)
}

func (l *recordingListener) seen() []Lifecycle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Lifecycle(nil), l.transitions...)
}

type stubNav struct{}

func (stubNav) Current() api.Area   { return api.AreaProtected }
func (stubNav) Redirect(api.Target) {}

func newTestManager(t *testing.T, serverURL string, listener Listener) (*Manager, *creds.Store, *State) {
	t.Helper()
	store, err := creds.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	state := NewState(listener)
	client := api.NewClient(api.Options{BaseURL: serverURL, Timezone: "UTC"}, store, state, stubNav{}, nil)
	return NewManager(client, store, state, nil), store, state
}

func TestInitialize_NoCredentialGoesAnonymous(t *testing.T) {
	listener := &recordingListener{}
	m, _, state := newTestManager(t, "http://127.0.0.1:0", listener)

	m.Initialize(context.Background())

	assert.Equal(t, LifecycleAnonymous, state.Lifecycle())
	assert.Equal(t, model.IdentityAnonymous, state.Identity().Kind)
	assert.Equal(t, []Lifecycle{LifecycleAnonymous}, listener.seen())
}

func TestInitialize_ProfileFailureSwallowedToAnonymous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	m, store, state := newTestManager(t, server.URL, nil)
	require.NoError(t, store.SetTokens("tok", "ref"))

	m.Initialize(context.Background())

	assert.Equal(t, LifecycleAnonymous, state.Lifecycle(),
		"initialization must always leave the initializing state")
	_, ok := store.AccessToken()
	assert.False(t, ok, "a credential the server rejects is purged")
}

func TestInitialize_ValidCredentialLoadsProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/me", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"user": map[string]any{
				"user_id":      "u-7",
				"display_name": "Amina",
				"role":         "student",
				"subscription": map[string]any{"plan": "premium", "renews_at": "2026-09-01"},
			},
		})
	}))
	defer server.Close()

	m, store, state := newTestManager(t, server.URL, nil)
	require.NoError(t, store.SetTokens("tok", "ref"))

	m.Initialize(context.Background())

	identity := state.Identity()
	assert.Equal(t, LifecycleAuthenticated, state.Lifecycle())
	assert.Equal(t, "u-7", identity.UserID)
	assert.Equal(t, model.PlanPremium, identity.Plan)
	assert.Equal(t, "2026-09-01T00:00:00Z", identity.Subscription.RenewsAt,
		"bare dates normalize to RFC 3339")
}

func TestLogin_StoresTokensAndIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/login", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "amina@example.edu", body["email"])

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"user": map[string]any{
				"id":   "u-7",
				"name": "Amina",
				"plan": "free",
			},
		})
	}))
	defer server.Close()

	m, store, state := newTestManager(t, server.URL, nil)

	identity, err := m.Login(context.Background(), "amina@example.edu", "hunter2")
	require.NoError(t, err)

	assert.Equal(t, "u-7", identity.UserID, "alternate id spelling accepted")
	assert.Equal(t, "Amina", identity.DisplayName)
	assert.True(t, identity.IsFreeTier())
	assert.Equal(t, LifecycleAuthenticated, state.Lifecycle())

	at, ok := store.AccessToken()
	require.True(t, ok)
	assert.Equal(t, "at-1", at)
	rt, ok := store.RefreshToken()
	require.True(t, ok)
	assert.Equal(t, "rt-1", rt)
}

func TestLogin_FailureLeavesStateUntouched(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"bad_credentials","message":"wrong password"}}`))
	}))
	defer server.Close()

	m, store, state := newTestManager(t, server.URL, nil)

	_, err := m.Login(context.Background(), "amina@example.edu", "nope")
	require.Error(t, err)
	assert.Equal(t, LifecycleInitializing, state.Lifecycle())
	_, ok := store.AccessToken()
	assert.False(t, ok)
}

func TestLogout_PurgesAndClears(t *testing.T) {
	listener := &recordingListener{}
	m, store, state := newTestManager(t, "http://127.0.0.1:0", listener)
	require.NoError(t, store.SetTokens("at", "rt"))
	state.SetAuthenticated(model.Identity{UserID: "u-7"})

	require.NoError(t, m.Logout())

	assert.Equal(t, LifecycleCleared, state.Lifecycle())
	assert.Equal(t, model.IdentityAnonymous, state.Identity().Kind)
	_, ok := store.AccessToken()
	assert.False(t, ok)
	assert.Equal(t, []Lifecycle{LifecycleAuthenticated, LifecycleCleared}, listener.seen())
}

func TestFetchProfile_PreservesTransientFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"user_id": "u-7",
			"plan":    "premium",
		})
	}))
	defer server.Close()

	m, store, state := newTestManager(t, server.URL, nil)
	require.NoError(t, store.SetTokens("at", "rt"))
	state.SetAuthenticated(model.Identity{
		UserID:      "u-7",
		DisplayName: "Amina",
		AvatarURL:   "https://cdn.example.edu/a/u-7.png",
	})

	require.NoError(t, m.FetchProfile(context.Background()))

	identity := state.Identity()
	assert.Equal(t, model.PlanPremium, identity.Plan)
	assert.Equal(t, "https://cdn.example.edu/a/u-7.png", identity.AvatarURL,
		"profile refresh must not drop fields the endpoint omits")
	assert.Equal(t, "Amina", identity.DisplayName)
}

func TestForceClear_Idempotent(t *testing.T) {
	listener := &recordingListener{}
	state := NewState(listener)
	state.SetAuthenticated(model.Identity{UserID: "u-7"})

	state.ForceClear()
	state.ForceClear()
	state.ForceClear()

	assert.Equal(t, LifecycleCleared, state.Lifecycle())
	assert.Equal(t, []Lifecycle{LifecycleAuthenticated, LifecycleCleared}, listener.seen(),
		"repeat clears generate no transitions")
}
