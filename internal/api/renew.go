// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// =============================================================================
// CREDENTIAL RENEWAL
// =============================================================================

// renewResponse tolerates both field spellings the backend has used.
// access_token wins when both are present.
type renewResponse struct {
	AccessToken     string `json:"access_token"`
	AccessTokenAlt  string `json:"accessToken"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	RefreshTokenAlt string `json:"refreshToken,omitempty"`
}

func (r renewResponse) access() string {
	if r.AccessToken != "" {
		return r.AccessToken
	}
	return r.AccessTokenAlt
}

func (r renewResponse) refresh() string {
	if r.RefreshToken != "" {
		return r.RefreshToken
	}
	return r.RefreshTokenAlt
}

// Renew obtains a new access credential, sharing a single renewal round
// trip among all concurrent callers. The first caller to arrive owns the
// renewal; everyone else parks on the gate and observes the owner's
// outcome.
//
// On failure the owner purges all stored credentials, clears identity and
// redirects to the public landing surface; parked callers are rejected with
// the same error but perform no side effects of their own.
func (c *Client) Renew(ctx context.Context) (string, error) {
	owner, wait := c.gate.AcquireOrWait()
	if !owner {
		select {
		case outcome := <-wait:
			return outcome.Token, outcome.Err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	token, err := c.renewOnce(ctx)

	// The gate is released on every path before control returns, so a
	// renewal can never be left permanently "in progress".
	c.gate.Release(RenewOutcome{Token: token, Err: err})

	if err != nil {
		c.log.Warn("credential renewal failed", zap.Error(err))
		if cerr := c.store.Clear(); cerr != nil {
			c.log.Error("failed to purge credentials", zap.Error(cerr))
		}
		c.sink.ForceClear()
		c.nav.Redirect(TargetLanding)
		return "", err
	}

	return token, nil
}

// renewOnce performs the actual renewal round trip: an unauthenticated POST
// carrying only the cookie header and the renewal credential.
func (c *Client) renewOnce(ctx context.Context) (string, error) {
	refresh, ok := c.store.RefreshToken()
	if !ok {
		return "", fmt.Errorf("%w: no renewal credential stored", ErrRenewalFailed)
	}

	payload, err := json.Marshal(map[string]string{"refresh_token": refresh})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRenewalFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+renewPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRenewalFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Timezone", c.timezone)
	if cookie := c.store.CookieHeader(); cookie != "" {
		httpReq.Header.Set("Cookie", cookie)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRenewalFailed, err)
	}
	defer httpResp.Body.Close()

	body, err := readBody(httpResp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRenewalFailed, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: renewal endpoint returned %d", ErrRenewalFailed, httpResp.StatusCode)
	}

	var parsed renewResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRenewalFailed, err)
	}
	token := parsed.access()
	if token == "" {
		return "", fmt.Errorf("%w: no access token in response", ErrRenewalFailed)
	}

	if newRefresh := parsed.refresh(); newRefresh != "" {
		if err := c.store.SetTokens(token, newRefresh); err != nil {
			return "", fmt.Errorf("%w: %v", ErrRenewalFailed, err)
		}
	} else if err := c.store.SetAccessToken(token); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRenewalFailed, err)
	}

	c.log.Info("access credential renewed")
	return token, nil
}
