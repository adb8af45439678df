// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/lumen-client/internal/api"
	"github.com/jeranaias/lumen-client/internal/creds"
	"github.com/jeranaias/lumen-client/internal/model"
)

// Endpoint paths owned by this package.
const (
	loginPath   = "/auth/login"
	profilePath = "/api/me"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// flexDate tolerates the date encodings the backend has shipped over time:
// RFC 3339 strings, bare dates, and epoch seconds. It always normalizes to an
// RFC 3339 string so the identity stores one canonical form.
type flexDate string

func (d *flexDate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*d = ""
			return nil
		}
		if t, perr := time.Parse(time.RFC3339, s); perr == nil {
			*d = flexDate(t.Format(time.RFC3339))
			return nil
		}
		if t, perr := time.Parse("2006-01-02", s); perr == nil {
			*d = flexDate(t.UTC().Format(time.RFC3339))
			return nil
		}
		return fmt.Errorf("unrecognized date %q", s)
	}

	var epoch int64
	if err := json.Unmarshal(data, &epoch); err == nil {
		*d = flexDate(time.Unix(epoch, 0).UTC().Format(time.RFC3339))
		return nil
	}
	return fmt.Errorf("unrecognized date value %s", data)
}

// profilePayload is the account object as the backend sends it, with the
// field spellings it has used across versions.
type profilePayload struct {
	UserID      string `json:"user_id"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	Plan        string `json:"plan"`

	Subscription struct {
		Plan      string   `json:"plan"`
		StartedAt flexDate `json:"started_at"`
		RenewsAt  flexDate `json:"renews_at"`
	} `json:"subscription"`
}

func (p profilePayload) identity() model.Identity {
	id := model.Identity{
		Kind:        model.IdentityAuthenticated,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Role:        model.UserRole(p.Role),
		Plan:        model.PlanTier(p.Plan),
		Subscription: model.Subscription{
			Plan:      model.PlanTier(p.Subscription.Plan),
			StartedAt: string(p.Subscription.StartedAt),
			RenewsAt:  string(p.Subscription.RenewsAt),
		},
	}
	if id.UserID == "" {
		id.UserID = p.ID
	}
	if id.DisplayName == "" {
		id.DisplayName = p.Name
	}
	if id.Plan == "" {
		id.Plan = model.PlanTier(p.Subscription.Plan)
	}
	return id
}

type loginResponse struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	User         profilePayload `json:"user"`
}

type profileResponse struct {
	User *profilePayload `json:"user"`
	profilePayload
}

func (p profileResponse) payload() profilePayload {
	if p.User != nil {
		return *p.User
	}
	return p.profilePayload
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager drives the identity lifecycle over the credentialed transport. It
// is the only writer of State besides the transport's force-clear path.
type Manager struct {
	client *api.Client
	store  *creds.Store
	state  *State
	log    *zap.Logger
}

// NewManager wires the identity manager. log may be nil.
func NewManager(client *api.Client, store *creds.Store, state *State, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{client: client, store: store, state: state, log: log}
}

// State exposes the identity holder.
func (m *Manager) State() *State {
	return m.state
}

// Initialize resolves the startup identity from stored credentials. It never
// returns an error and never leaves the state machine in the initializing
// state: any failure along the way (no credential, network down, profile
// rejected) lands on anonymous, because a guest client is always usable.
func (m *Manager) Initialize(ctx context.Context) {
	if _, ok := m.store.AccessToken(); !ok {
		m.log.Debug("no stored credential, starting as guest")
		m.state.SetAnonymous()
		return
	}

	if err := m.FetchProfile(ctx); err != nil {
		m.log.Info("startup profile fetch failed, starting as guest", zap.Error(err))
		m.state.SetAnonymous()
	}
}

// Login exchanges credentials for a token pair and installs the returned
// account identity.
func (m *Manager) Login(ctx context.Context, email, password string) (model.Identity, error) {
	var resp loginResponse
	req := api.Post(loginPath, map[string]string{"email": email, "password": password}).AsPrimary()
	if err := m.client.DoJSON(ctx, req, &resp); err != nil {
		return model.Identity{}, fmt.Errorf("login failed: %w", err)
	}
	if resp.AccessToken == "" {
		return model.Identity{}, fmt.Errorf("login failed: no credential in response")
	}

	if err := m.store.SetTokens(resp.AccessToken, resp.RefreshToken); err != nil {
		return model.Identity{}, fmt.Errorf("failed to persist credentials: %w", err)
	}

	identity := resp.User.identity()
	m.state.SetAuthenticated(identity)
	m.log.Info("logged in", zap.String("user_id", identity.UserID))
	return identity, nil
}

// Logout purges every stored credential and tears down the identity. It is
// purely client-side; the access credential simply expires server-side.
func (m *Manager) Logout() error {
	err := m.store.Clear()
	m.state.ForceClear()
	if err != nil {
		return fmt.Errorf("failed to purge credentials: %w", err)
	}
	m.log.Info("logged out")
	return nil
}

// Refresh forces a credential renewal through the transport's single-flight
// gate. Concurrent callers share one round trip.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err := m.client.Renew(ctx)
	return err
}

// FetchProfile loads the account profile and merges it over the current
// identity, preserving fields the endpoint does not echo back. A definitive
// failure purges credentials and clears identity: a credential the server
// will not honor for the profile endpoint is not worth keeping.
func (m *Manager) FetchProfile(ctx context.Context) error {
	var resp profileResponse
	if err := m.client.DoJSON(ctx, api.Get(profilePath), &resp); err != nil {
		if cerr := m.store.Clear(); cerr != nil {
			m.log.Error("failed to purge credentials", zap.Error(cerr))
		}
		m.state.ForceClear()
		return fmt.Errorf("profile fetch failed: %w", err)
	}

	remote := resp.payload().identity()
	merged := model.MergePreservingTransientFields(m.state.Identity(), remote)
	m.state.SetAuthenticated(merged)
	return nil
}
