// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store is the client-side conversation cache. It is the single
// owner of conversation records: every server fetch is merged into the cache
// by id, never swapped in wholesale, so local state (optimistic messages,
// unsynced edits) survives refreshes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jeranaias/lumen-client/internal/api"
	"github.com/jeranaias/lumen-client/internal/model"
)

const conversationsPath = "/api/conversations"

// ErrNotFound is returned when a conversation id is not in the cache and the
// server does not know it either.
var ErrNotFound = errors.New("conversation not found")

// =============================================================================
// STORE
// =============================================================================

// Store caches conversations in memory over the credentialed transport.
// All mutations key on conversation id, never on "whichever conversation is
// selected right now": an update that lands after the user has switched away
// still applies to the record it belongs to.
type Store struct {
	client *api.Client
	log    *zap.Logger

	mu         sync.Mutex
	byID       map[string]*model.Conversation
	selectedID string

	// fetches collapses concurrent per-id loads into one round trip.
	fetches singleflight.Group
}

// New creates an empty store. log may be nil.
func New(client *api.Client, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		client: client,
		log:    log,
		byID:   make(map[string]*model.Conversation),
	}
}

// =============================================================================
// READ SIDE
// =============================================================================

// Get returns the cached conversation, or nil.
func (s *Store) Get(id string) *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id]
}

// SelectedID returns the id of the selected conversation ("" when none).
func (s *Store) SelectedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedID
}

// Selected returns the selected conversation, or nil.
func (s *Store) Selected() *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[s.selectedID]
}

// Select makes id the selected conversation. Selecting an unknown id is
// ignored; selecting "" deselects.
func (s *Store) Select(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if _, ok := s.byID[id]; !ok {
			return false
		}
	}
	s.selectedID = id
	return true
}

// List returns conversations in display order: pinned first, then most
// recently updated. The sort is stable so records with equal keys keep their
// previous relative order instead of jittering across refreshes.
func (s *Store) List() []*model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.Conversation, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Count returns the number of cached conversations.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// =============================================================================
// SERVER SYNC
// =============================================================================

// listResponse tolerates both the bare-array and wrapped list encodings.
type listResponse struct {
	Conversations []*model.Conversation `json:"conversations"`
}

// FetchAll loads the conversation list and merges every record into the
// cache. Records the server no longer returns are kept only if they hold
// local-only messages; otherwise the refresh evicts them.
func (s *Store) FetchAll(ctx context.Context) error {
	resp, err := s.client.Do(ctx, api.Get(conversationsPath))
	if err != nil {
		return fmt.Errorf("failed to fetch conversations: %w", err)
	}

	var wrapped listResponse
	if err := resp.Decode(&wrapped); err != nil {
		var bare []*model.Conversation
		if berr := json.Unmarshal(resp.Body, &bare); berr != nil {
			return fmt.Errorf("failed to parse conversation list: %w", err)
		}
		wrapped.Conversations = bare
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(wrapped.Conversations))
	for _, remote := range wrapped.Conversations {
		if remote == nil || remote.ID == "" {
			continue
		}
		seen[remote.ID] = true
		s.byID[remote.ID] = model.MergePreservingMessages(s.byID[remote.ID], remote)
	}
	for id, local := range s.byID {
		if !seen[id] && local.MessageCount() == 0 {
			delete(s.byID, id)
			if s.selectedID == id {
				s.selectedID = ""
			}
		}
	}

	s.log.Debug("conversation list refreshed", zap.Int("count", len(s.byID)))
	return nil
}

// FetchOne loads a single conversation with its full transcript. Concurrent
// fetches for the same id share one round trip; fetches for different ids
// proceed independently.
func (s *Store) FetchOne(ctx context.Context, id string) (*model.Conversation, error) {
	v, err, _ := s.fetches.Do(id, func() (any, error) {
		var remote model.Conversation
		if err := s.client.DoJSON(ctx, api.Get(conversationsPath+"/"+id), &remote); err != nil {
			var apiErr *api.APIError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return nil, fmt.Errorf("failed to fetch conversation %s: %w", id, err)
		}
		if remote.ID == "" {
			remote.ID = id
		}

		s.mu.Lock()
		merged := model.MergePreservingMessages(s.byID[id], &remote)
		s.byID[id] = merged
		s.mu.Unlock()
		return merged, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Conversation), nil
}

// Create persists a new conversation server-side, inserts the result at the
// head of the cache and selects it. The local record (which already carries
// the first exchange's messages) is merged with the server's response, so an
// echo that omits the transcript cannot blank it.
func (s *Store) Create(ctx context.Context, local *model.Conversation) (*model.Conversation, error) {
	var remote model.Conversation
	req := api.Post(conversationsPath, local).AsPrimary()
	if err := s.client.DoJSON(ctx, req, &remote); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	if remote.ID == "" {
		return nil, fmt.Errorf("create response carried no conversation id")
	}

	merged := model.MergePreservingMessages(local, &remote)

	s.mu.Lock()
	s.byID[merged.ID] = merged
	s.selectedID = merged.ID
	s.mu.Unlock()

	s.log.Info("conversation created", zap.String("id", merged.ID))
	return merged, nil
}

// Update patches a conversation server-side and merges the response into the
// cache by id. An omitted message list in the response means "unchanged".
func (s *Store) Update(ctx context.Context, id string, patch map[string]any) (*model.Conversation, error) {
	var remote model.Conversation
	if err := s.client.DoJSON(ctx, api.Patch(conversationsPath+"/"+id, patch), &remote); err != nil {
		return nil, fmt.Errorf("failed to update conversation %s: %w", id, err)
	}
	if remote.ID == "" {
		remote.ID = id
	}

	s.mu.Lock()
	merged := model.MergePreservingMessages(s.byID[id], &remote)
	// The merge never lets a false flag clear a set local one (it cannot
	// tell omitted from false), so flags the caller explicitly patched are
	// applied from the patch itself.
	if v, ok := patch["pinned"].(bool); ok {
		merged.Pinned = v
	}
	if v, ok := patch["memory_enabled"].(bool); ok {
		merged.MemoryEnabled = v
	}
	s.byID[id] = merged
	s.mu.Unlock()
	return merged, nil
}

// Remove deletes a conversation server-side and evicts it. When the removed
// conversation was selected, selection demotes to the next conversation in
// display order rather than going blank.
func (s *Store) Remove(ctx context.Context, id string) error {
	req := api.Delete(conversationsPath + "/" + id).AsPrimary()
	if _, err := s.client.Do(ctx, req); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}

	s.mu.Lock()
	delete(s.byID, id)
	wasSelected := s.selectedID == id
	s.mu.Unlock()

	if wasSelected {
		next := ""
		if list := s.List(); len(list) > 0 {
			next = list[0].ID
		}
		s.mu.Lock()
		s.selectedID = next
		s.mu.Unlock()
	}

	s.log.Info("conversation removed", zap.String("id", id))
	return nil
}

// =============================================================================
// LOCAL MUTATIONS
// =============================================================================
//
// Local mutations never fail and never talk to the server. They are the
// optimistic half of the send path: the orchestrator applies them before a
// request departs and reconciles afterwards.

// AddMessage appends a message to the conversation with the given id. A
// missing id is a no-op: the message belongs to a conversation that has been
// removed in the meantime, and resurrecting it would be worse than dropping
// the append.
func (s *Store) AddMessage(id string, msg *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byID[id]; ok {
		c.AddMessage(msg)
	}
}

// UpdateLocal runs fn against the cached conversation under the store lock.
// Used for in-place edits like variant selection and feedback.
func (s *Store) UpdateLocal(id string, fn func(*model.Conversation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byID[id]; ok {
		fn(c)
	}
}

// Put inserts a conversation that exists only client-side (a guest
// transcript promoted on login, or a record being assembled before Create).
func (s *Store) Put(c *model.Conversation) {
	if c == nil || c.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[c.ID] = c
}

// Clear drops every cached conversation and the selection. Called on
// identity teardown; server records are untouched.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*model.Conversation)
	s.selectedID = ""
}
