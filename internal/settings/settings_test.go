// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jeranaias/lumen-client/internal/util"
)

func TestOpen_CreatesDefaults(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, nil, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	got := s.Get()
	if got != DefaultSettings() {
		t.Errorf("fresh store settings = %+v, want defaults", got)
	}
	if _, err := os.Stat(filepath.Join(dir, settingsFile)); err != nil {
		t.Errorf("settings file not created: %v", err)
	}
}

func TestOpen_LoadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	data, _ := json.Marshal(map[string]any{"theme": "dark", "font_size": 18})
	if err := os.WriteFile(filepath.Join(dir, settingsFile), data, 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(dir, nil, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	got := s.Get()
	if got.Theme != "dark" || got.FontSize != 18 {
		t.Errorf("settings = %+v", got)
	}
	if got.Language != "en" {
		t.Error("missing fields should keep their defaults")
	}
	if !got.Markdown {
		t.Error("markdown rendering should default on when the key is absent")
	}
}

func TestUpdate_PersistsAndNotifies(t *testing.T) {
	dir := t.TempDir()
	changes := make(chan Settings, 4)

	s, err := Open(dir, func(v Settings) { changes <- v }, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.Update(func(v *Settings) { v.Theme = "dark" }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	select {
	case got := <-changes:
		if got.Theme != "dark" {
			t.Errorf("notified settings = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}

	// Round-trip through disk.
	data, err := os.ReadFile(filepath.Join(dir, settingsFile))
	if err != nil {
		t.Fatal(err)
	}
	var onDisk Settings
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk.Theme != "dark" {
		t.Errorf("on-disk theme = %q", onDisk.Theme)
	}
}

func TestUpdate_NoOpDoesNotNotify(t *testing.T) {
	changes := make(chan Settings, 1)
	s, err := Open(t.TempDir(), func(v Settings) { changes <- v }, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.Update(func(v *Settings) {}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changes:
		t.Error("identity update must not notify")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatch_ExternalEditReloads(t *testing.T) {
	dir := t.TempDir()
	changes := make(chan Settings, 4)

	s, err := Open(dir, func(v Settings) { changes <- v }, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	edited := DefaultSettings()
	edited.Theme = "solarized"
	data, _ := json.Marshal(edited)
	if err := util.AtomicWriteFile(filepath.Join(dir, settingsFile), data, 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changes:
		if got.Theme != "solarized" {
			t.Errorf("reloaded settings = %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("external edit never triggered a reload")
	}

	if s.Get().Theme != "solarized" {
		t.Error("in-memory settings not updated after reload")
	}
}
