// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth owns the identity lifecycle: who the user is, whether the
// client has finished finding out, and the login/logout/profile operations
// that move identity between states.
package auth

import (
	"sync"

	"github.com/jeranaias/lumen-client/internal/model"
)

// =============================================================================
// LIFECYCLE
// =============================================================================

// Lifecycle is the identity state machine. The client starts in
// LifecycleInitializing and must leave it exactly once, no matter how
// initialization goes; consumers can gate "render nothing yet" on it.
type Lifecycle int

const (
	// LifecycleInitializing means the stored credential has not been checked
	// yet. No identity-dependent decision should be made in this state.
	LifecycleInitializing Lifecycle = iota

	// LifecycleAuthenticated means a profile was confirmed by the server.
	LifecycleAuthenticated

	// LifecycleAnonymous means the client is operating as a guest, either by
	// choice or because initialization could not confirm an account.
	LifecycleAnonymous

	// LifecycleCleared means an authenticated identity was torn down
	// (logout or forced invalidation). Distinct from LifecycleAnonymous so
	// consumers can tell "never logged in" from "just logged out".
	LifecycleCleared
)

// String returns a human-readable name for logs.
func (l Lifecycle) String() string {
	switch l {
	case LifecycleInitializing:
		return "initializing"
	case LifecycleAuthenticated:
		return "authenticated"
	case LifecycleAnonymous:
		return "anonymous"
	case LifecycleCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Listener observes identity transitions. It is injected at construction;
// there is no runtime registration, so the set of observers is fixed and
// there is no window where a transition can be missed.
type Listener interface {
	IdentityChanged(identity model.Identity, lifecycle Lifecycle)
}

// =============================================================================
// STATE
// =============================================================================

// State is the mutex-guarded identity holder. It satisfies the transport's
// session-sink contract, which is what lets the transport force-clear
// identity without importing this package's manager.
type State struct {
	mu        sync.Mutex
	identity  model.Identity
	lifecycle Lifecycle
	listener  Listener
}

// NewState creates the holder in the initializing state. listener may be nil.
func NewState(listener Listener) *State {
	return &State{
		identity:  model.Anonymous(),
		lifecycle: LifecycleInitializing,
		listener:  listener,
	}
}

// Identity returns the current identity.
func (s *State) Identity() model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Lifecycle returns the current lifecycle state.
func (s *State) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Snapshot returns both under one lock acquisition.
func (s *State) Snapshot() (model.Identity, Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.lifecycle
}

// SetAuthenticated installs a confirmed account identity.
func (s *State) SetAuthenticated(identity model.Identity) {
	identity.Kind = model.IdentityAuthenticated
	s.transition(identity, LifecycleAuthenticated)
}

// SetAnonymous installs the guest identity.
func (s *State) SetAnonymous() {
	s.transition(model.Anonymous(), LifecycleAnonymous)
}

// ForceClear drops the identity unconditionally. Idempotent: clearing an
// already-cleared or anonymous identity is a no-op, so the transport may call
// it from any number of failing requests without generating spurious
// transitions.
func (s *State) ForceClear() {
	s.mu.Lock()
	if s.lifecycle == LifecycleCleared {
		s.mu.Unlock()
		return
	}
	if s.lifecycle == LifecycleAnonymous && !s.identity.IsAuthenticated() {
		s.mu.Unlock()
		return
	}
	s.identity = model.Anonymous()
	s.lifecycle = LifecycleCleared
	listener := s.listener
	identity := s.identity
	s.mu.Unlock()

	if listener != nil {
		listener.IdentityChanged(identity, LifecycleCleared)
	}
}

// transition swaps state and notifies outside the lock, so a listener can
// call back into State without deadlocking.
func (s *State) transition(identity model.Identity, lifecycle Lifecycle) {
	s.mu.Lock()
	s.identity = identity
	s.lifecycle = lifecycle
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.IdentityChanged(identity, lifecycle)
	}
}
