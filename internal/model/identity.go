// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for identities, conversations
// and messages.
package model

// =============================================================================
// IDENTITY
// =============================================================================

// IdentityKind discriminates the two identity regimes.
type IdentityKind string

const (
	// IdentityAnonymous is a guest: no stable identity, no persisted
	// conversations, rate limited by a transport-level token the server sets.
	IdentityAnonymous IdentityKind = "anonymous"

	// IdentityAuthenticated is a logged-in account holder with server-side
	// conversation history.
	IdentityAuthenticated IdentityKind = "authenticated"
)

// UserRole is the account role declared by the server.
type UserRole string

const (
	RoleStudent UserRole = "student"
	RoleTeacher UserRole = "teacher"
	RoleAdmin   UserRole = "admin"
)

// PlanTier is the subscription tier. Free-tier accounts are subject to the
// client-side quota gate before every send.
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanPremium PlanTier = "premium"
)

// Subscription is the server-declared plan sub-object. Date fields are kept
// as canonical RFC 3339 strings so the identity stays serializable.
type Subscription struct {
	Plan      PlanTier `json:"plan"`
	StartedAt string   `json:"started_at,omitempty"`
	RenewsAt  string   `json:"renews_at,omitempty"`
}

// Identity is a tagged union over the two identity regimes. The zero value
// is anonymous.
type Identity struct {
	Kind IdentityKind `json:"kind"`

	// Populated only for IdentityAuthenticated.
	UserID       string       `json:"user_id,omitempty"`
	DisplayName  string       `json:"display_name,omitempty"`
	Role         UserRole     `json:"role,omitempty"`
	Plan         PlanTier     `json:"plan,omitempty"`
	Subscription Subscription `json:"subscription,omitempty"`

	// AvatarURL is a transient client-only field (e.g. fetched from a
	// federated login redirect) that the profile endpoint does not echo
	// back. Profile merges must preserve it.
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Anonymous returns the guest identity.
func Anonymous() Identity {
	return Identity{Kind: IdentityAnonymous}
}

// IsAuthenticated reports whether the identity is a logged-in account.
func (i Identity) IsAuthenticated() bool {
	return i.Kind == IdentityAuthenticated
}

// IsFreeTier reports whether the quota gate applies.
func (i Identity) IsFreeTier() bool {
	return i.IsAuthenticated() && (i.Plan == PlanFree || i.Plan == "")
}
