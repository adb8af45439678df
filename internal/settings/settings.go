// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package settings stores user preferences as a JSON file and watches it for
// external edits, so a change made by another client instance (or a text
// editor) is picked up without restarting.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jeranaias/lumen-client/internal/util"
)

const settingsFile = "settings.json"

// debounceWindow coalesces the burst of filesystem events an atomic
// write-and-rename generates into one reload.
const debounceWindow = 200 * time.Millisecond

// =============================================================================
// SETTINGS
// =============================================================================

// Settings is the persisted preference set.
type Settings struct {
	Theme       string `json:"theme"`
	FontSize    int    `json:"font_size"`
	SendOnEnter bool   `json:"send_on_enter"`
	Language    string `json:"language"`
	Markdown    bool   `json:"markdown"`
}

// DefaultSettings returns the out-of-the-box preferences.
func DefaultSettings() Settings {
	return Settings{
		Theme:       "system",
		FontSize:    14,
		SendOnEnter: true,
		Language:    "en",
		Markdown:    true,
	}
}

// =============================================================================
// STORE
// =============================================================================

// Store owns the settings file. onChange is fixed at construction and fires
// (outside the lock) after every reload or write that changed the values.
type Store struct {
	path     string
	log      *zap.Logger
	onChange func(Settings)

	mu      sync.Mutex
	current Settings

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open loads (or creates) the settings file under dataDir and starts the
// file watcher. onChange and log may be nil.
func Open(dataDir string, onChange func(Settings), log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Store{
		path:     filepath.Join(dataDir, settingsFile),
		log:      log,
		onChange: onChange,
		current:  DefaultSettings(),
		done:     make(chan struct{}),
	}

	if err := s.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := s.persist(s.current); err != nil {
			return nil, err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create settings watcher: %w", err)
	}
	// Watch the directory, not the file: atomic writes replace the inode and
	// a file-level watch would go stale after the first rename.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch settings directory: %w", err)
	}
	s.watcher = watcher
	go s.watch()

	return s, nil
}

// Get returns the current settings.
func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Update applies fn to the current settings and persists the result.
func (s *Store) Update(fn func(*Settings)) error {
	s.mu.Lock()
	next := s.current
	fn(&next)
	changed := next != s.current
	s.current = next
	s.mu.Unlock()

	if err := s.persist(next); err != nil {
		return err
	}
	if changed && s.onChange != nil {
		s.onChange(next)
	}
	return nil
}

// Close stops the watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	loaded := DefaultSettings()
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("failed to parse settings: %w", err)
	}

	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()
	return nil
}

func (s *Store) persist(v Settings) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := util.AtomicWriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// =============================================================================
// WATCHER
// =============================================================================

// watch reloads the settings file on external edits, debounced so one
// editor save (which can surface as several events) triggers one reload.
func (s *Store) watch() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			before := s.Get()
			if err := s.load(); err != nil {
				s.log.Warn("failed to reload settings", zap.Error(err))
				continue
			}
			after := s.Get()
			if after != before {
				s.log.Debug("settings reloaded from disk")
				if s.onChange != nil {
					s.onChange(after)
				}
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("settings watcher error", zap.Error(err))
		}
	}
}
