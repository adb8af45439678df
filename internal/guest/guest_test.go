// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package guest

import (
	"testing"

	"github.com/google/uuid"
)

func TestOpen_MintsAndPersistsCorrelationID(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	id := s.CorrelationID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("correlation id %q is not a uuid: %v", id, err)
	}
	s.Close()

	// Reopen: the same id must come back.
	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	if s2.CorrelationID() != id {
		t.Errorf("correlation id changed across restart: %q != %q", s2.CorrelationID(), id)
	}
}

func TestSessionID_RoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if got := s.SessionID(); got != "" {
		t.Errorf("fresh store session id = %q, want empty", got)
	}

	if err := s.SetSessionID("sess-42"); err != nil {
		t.Fatalf("SetSessionID failed: %v", err)
	}
	if got := s.SessionID(); got != "sess-42" {
		t.Errorf("session id = %q, want sess-42", got)
	}
}

func TestAdoptCorrelationID_CarriesContinuityToken(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.SetSessionID("sess-1"); err != nil {
		t.Fatal(err)
	}

	if err := s.AdoptCorrelationID("server-assigned"); err != nil {
		t.Fatalf("AdoptCorrelationID failed: %v", err)
	}
	if s.CorrelationID() != "server-assigned" {
		t.Errorf("correlation id = %q", s.CorrelationID())
	}
	if s.SessionID() != "sess-1" {
		t.Error("continuity token lost during adoption")
	}
}

func TestAdoptCorrelationID_EmptyAndSameAreNoOps(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	original := s.CorrelationID()
	if err := s.AdoptCorrelationID(""); err != nil {
		t.Fatal(err)
	}
	if err := s.AdoptCorrelationID(original); err != nil {
		t.Fatal(err)
	}
	if s.CorrelationID() != original {
		t.Error("no-op adoption changed the correlation id")
	}
}

func TestReset_MintsFreshIdentity(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	old := s.CorrelationID()
	if err := s.SetSessionID("sess-1"); err != nil {
		t.Fatal(err)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if s.CorrelationID() == old {
		t.Error("reset must mint a new correlation id")
	}
	if s.SessionID() != "" {
		t.Error("reset must drop the continuity token")
	}
}
