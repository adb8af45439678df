// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api provides the credentialed HTTP transport for the lumen
// backend.
//
// Every outbound request flows through Client.Do, which attaches the current
// access credential, performs at most one shared renewal when that
// credential expires mid-session, and maps backend failures onto a small
// sentinel error taxonomy.
package api

import (
	"errors"
	"fmt"
)

// Error variables for the backend failure taxonomy. Callers branch with
// errors.Is; the transport maps HTTP status codes onto these exactly once.
var (
	// ErrAuthExpired indicates an authorization failure (401). Recoverable
	// via renewal; terminal when a replayed request fails again.
	ErrAuthExpired = errors.New("authorization expired")

	// ErrForbidden indicates an authorization denial (403). Not recoverable.
	ErrForbidden = errors.New("authorization denied")

	// ErrRateLimited indicates the backend refused the request for quota
	// reasons (429). Recoverable by waiting or upgrading.
	ErrRateLimited = errors.New("rate limited")

	// ErrService indicates a transient backend failure (5xx).
	ErrService = errors.New("service unavailable")

	// ErrRenewalFailed indicates credential renewal failed. Identity is
	// cleared and stored credentials are purged when this is returned.
	ErrRenewalFailed = errors.New("credential renewal failed")
)

// APIError carries the backend's own error payload alongside the sentinel.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("backend error (HTTP %d): %s", e.Status, e.Message)
}
