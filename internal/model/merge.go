// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for identities, conversations
// and messages.
package model

import "time"

// =============================================================================
// NAMED MERGE OPERATIONS
// =============================================================================
//
// The server's write path does not always echo full sub-objects back: a
// conversation update response may omit the message list, and the profile
// endpoint never returns client-only fields. These merges make the
// preservation rules explicit instead of relying on shallow-merge order.

// MergePreservingMessages applies the remote conversation onto the local one
// and returns the merged record. The local message list is kept whenever the
// remote record omits it; a naive replace would silently truncate history
// that only exists client-side. Zero-valued remote fields never clobber
// local ones.
func MergePreservingMessages(local, remote *Conversation) *Conversation {
	if local == nil {
		if remote == nil {
			return nil
		}
		cp := remote.Clone()
		return cp
	}
	if remote == nil {
		return local
	}

	merged := local.Clone()

	if remote.ID != "" {
		merged.ID = remote.ID
	}
	if remote.Title != "" {
		merged.Title = remote.Title
	}
	if !remote.CreatedAt.IsZero() {
		merged.CreatedAt = remote.CreatedAt
	}
	if remote.SessionID != "" {
		merged.SessionID = remote.SessionID
	}
	if remote.School != (SchoolContext{}) {
		merged.School = remote.School
	}
	// A JSON echo cannot distinguish an omitted boolean from false, so a
	// false in the remote record never clears a set local flag; clearing a
	// flag goes through an explicit patch, applied by the store.
	if remote.Pinned {
		merged.Pinned = true
	}
	if remote.MemoryEnabled {
		merged.MemoryEnabled = true
	}
	if remote.Tools != (ToolsConfig{}) {
		merged.Tools = remote.Tools
	}

	// The preservation rule this function exists for: an omitted message
	// list means "unchanged", never "empty".
	if len(remote.Messages) > 0 {
		merged.Messages = make([]*Message, len(remote.Messages))
		for i, msg := range remote.Messages {
			merged.Messages[i] = msg.Clone()
		}
	}

	// UpdatedAt is the list ordering key and must move forward on every
	// mutation, local or remote.
	switch {
	case remote.UpdatedAt.After(merged.UpdatedAt):
		merged.UpdatedAt = remote.UpdatedAt
	default:
		merged.UpdatedAt = time.Now()
	}

	return merged
}

// MergePreservingTransientFields applies a fetched profile onto the existing
// identity. Fields the profile endpoint does not echo back (currently the
// avatar) survive the merge, so a profile refresh never degrades identity
// state that was populated elsewhere.
func MergePreservingTransientFields(local, remote Identity) Identity {
	merged := remote
	merged.Kind = IdentityAuthenticated

	if merged.AvatarURL == "" {
		merged.AvatarURL = local.AvatarURL
	}
	if merged.DisplayName == "" {
		merged.DisplayName = local.DisplayName
	}
	if merged.Plan == "" {
		merged.Plan = local.Plan
	}
	if merged.Subscription == (Subscription{}) {
		merged.Subscription = local.Subscription
	}
	return merged
}
