// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/jeranaias/lumen-client/internal/api"
	"github.com/jeranaias/lumen-client/internal/auth"
	"github.com/jeranaias/lumen-client/internal/chat"
	"github.com/jeranaias/lumen-client/internal/config"
	"github.com/jeranaias/lumen-client/internal/creds"
	"github.com/jeranaias/lumen-client/internal/guest"
	"github.com/jeranaias/lumen-client/internal/settings"
	"github.com/jeranaias/lumen-client/internal/store"
)

// =============================================================================
// NAVIGATION
// =============================================================================

// termNavigator is the terminal's stand-in for a routing layer. The chat REPL
// is the protected surface; everything else is public. Redirects just print,
// since there is nothing to navigate in a terminal.
type termNavigator struct {
	mu   sync.Mutex
	area api.Area
}

func (n *termNavigator) Current() api.Area {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.area
}

func (n *termNavigator) Redirect(to api.Target) {
	n.mu.Lock()
	n.area = api.AreaPublic
	n.mu.Unlock()

	if to == api.TargetLanding {
		fmt.Fprintln(os.Stderr, "Your session has ended. Run `lumen login` to sign in again.")
	}
}

func (n *termNavigator) enter(area api.Area) {
	n.mu.Lock()
	n.area = area
	n.mu.Unlock()
}

// =============================================================================
// APP WIRING
// =============================================================================

// app holds the assembled client stack for one command invocation.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	nav      *termNavigator
	creds    *creds.Store
	guests   *guest.Store
	settings *settings.Store
	client   *api.Client
	auth     *auth.Manager
	convs    *store.Store
	orch     *chat.Orchestrator
	events   chat.Events
}

// newApp wires the full stack in dependency order: credentials, identity
// state, transport, then the stores and the orchestrator on top.
func newApp(cfg *config.Config, events chat.Events) (*app, error) {
	log, err := newLogger(cfg.Debug)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	credStore, err := creds.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	guestStore, err := guest.Open(cfg.Storage.DataDir)
	if err != nil {
		credStore.Close()
		return nil, fmt.Errorf("failed to open guest store: %w", err)
	}

	settingsStore, err := settings.Open(cfg.Storage.DataDir, nil, log)
	if err != nil {
		credStore.Close()
		guestStore.Close()
		return nil, fmt.Errorf("failed to open settings: %w", err)
	}

	nav := &termNavigator{area: api.AreaPublic}
	state := auth.NewState(nil)
	client := api.NewClient(api.Options{
		BaseURL:           cfg.API.BaseURL,
		Timeout:           cfg.Timeout(),
		Timezone:          cfg.API.Timezone,
		SendRatePerMinute: cfg.API.SendRatePerMinute,
	}, credStore, state, nav, log)

	convs := store.New(client, log)
	orch := chat.New(client, convs, guestStore, state, events, chat.Options{
		FreeTierMessageLimit: cfg.Chat.FreeTierMessageLimit,
	}, log)

	return &app{
		cfg:      cfg,
		log:      log,
		nav:      nav,
		creds:    credStore,
		guests:   guestStore,
		settings: settingsStore,
		client:   client,
		auth:     auth.NewManager(client, credStore, state, log),
		convs:    convs,
		orch:     orch,
		events:   events,
	}, nil
}

func (a *app) close() {
	a.settings.Close()
	a.guests.Close()
	if err := a.creds.Close(); err != nil {
		a.log.Warn("failed to close credential store", zap.Error(err))
	}
	a.log.Sync()
}
