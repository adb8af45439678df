// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/lumen-client/internal/api"
	"github.com/jeranaias/lumen-client/internal/creds"
	"github.com/jeranaias/lumen-client/internal/model"
)

type nopNav struct{}

func (nopNav) Current() api.Area   { return api.AreaProtected }
func (nopNav) Redirect(api.Target) {}

type nopSink struct{}

func (nopSink) ForceClear() {}

func newTestStore(t *testing.T, handler http.Handler) *Store {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cstore, err := creds.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open credential store: %v", err)
	}
	t.Cleanup(func() { cstore.Close() })
	if err := cstore.SetTokens("tok", "ref"); err != nil {
		t.Fatal(err)
	}

	client := api.NewClient(api.Options{BaseURL: server.URL, Timezone: "UTC"}, cstore, nopSink{}, nopNav{}, nil)
	return New(client, nil)
}

func conversationJSON(id, title string, updated time.Time, msgs ...string) map[string]any {
	messages := make([]map[string]any, 0, len(msgs))
	for i, content := range msgs {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		messages = append(messages, map[string]any{
			"id": id + "-m" + string(rune('a'+i)), "role": role, "content": content,
		})
	}
	out := map[string]any{"id": id, "title": title, "updated_at": updated.Format(time.RFC3339)}
	if len(messages) > 0 {
		out["messages"] = messages
	}
	return out
}

func TestFetchAll_MergesInsteadOfReplacing(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"conversations": []any{
				conversationJSON("c1", "Photosynthesis", now),
			},
		})
	}))

	// Local record already holds a transcript the list endpoint omits.
	local := model.NewConversation()
	local.ID = "c1"
	local.AddMessage(model.NewUserMessage("why are leaves green"))
	local.AddMessage(model.NewAssistantMessage("chlorophyll", ""))
	store.Put(local)

	if err := store.FetchAll(context.Background()); err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}

	got := store.Get("c1")
	if got == nil {
		t.Fatal("conversation evicted by refresh")
	}
	if got.Title != "Photosynthesis" {
		t.Errorf("title = %q, want remote title applied", got.Title)
	}
	if got.MessageCount() != 2 {
		t.Errorf("messages = %d, want local transcript preserved", got.MessageCount())
	}
}

func TestFetchAll_EvictsServerDeletedEmptyRecords(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"conversations": []any{}})
	}))

	stale := model.NewConversation()
	stale.ID = "gone"
	store.Put(stale)
	store.Select("gone")

	if err := store.FetchAll(context.Background()); err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if store.Get("gone") != nil {
		t.Error("empty record absent from the server should be evicted")
	}
	if store.SelectedID() != "" {
		t.Error("selection should be dropped with the evicted record")
	}
}

func TestFetchAll_AcceptsBareArray(t *testing.T) {
	now := time.Now()
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]any{conversationJSON("c1", "T", now)})
	}))

	if err := store.FetchAll(context.Background()); err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if store.Get("c1") == nil {
		t.Error("bare-array list encoding not accepted")
	}
}

func TestFetchOne_ConcurrentCallsShareOneRoundTrip(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		json.NewEncoder(w).Encode(conversationJSON("c1", "T", time.Now(), "hi", "hello"))
	}))

	const n = 6
	var wg sync.WaitGroup
	results := make([]*model.Conversation, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := store.FetchOne(context.Background(), "c1")
			if err != nil {
				t.Errorf("FetchOne failed: %v", err)
				return
			}
			results[i] = c
		}(i)
	}

	// Give the goroutines time to pile onto the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 shared round trip", got)
	}
	for i, c := range results {
		if c == nil || c.ID != "c1" {
			t.Errorf("result %d = %v", i, c)
		}
	}
}

func TestFetchOne_UnknownIDIsNotFound(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{}`))
	}))

	_, err := store.FetchOne(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreate_HeadInsertsAndSelects(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Echo back identity fields only; the transcript is omitted.
		json.NewEncoder(w).Encode(map[string]any{"id": "srv-1", "title": "Photosynthesis"})
	}))

	local := model.NewConversation()
	local.AddMessage(model.NewUserMessage("explain photosynthesis"))
	local.AddMessage(model.NewAssistantMessage("plants convert light", ""))

	created, err := store.Create(context.Background(), local)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if created.ID != "srv-1" {
		t.Errorf("id = %q, want server id", created.ID)
	}
	if created.MessageCount() != 2 {
		t.Errorf("messages = %d, want local transcript kept through create echo", created.MessageCount())
	}
	if store.SelectedID() != "srv-1" {
		t.Errorf("selected = %q, want the new conversation", store.SelectedID())
	}
}

func TestUpdate_OmittedMessagesMeanUnchanged(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "c1", "title": "Renamed"})
	}))

	local := model.NewConversation()
	local.ID = "c1"
	local.AddMessage(model.NewUserMessage("hello"))
	store.Put(local)

	updated, err := store.Update(context.Background(), "c1", map[string]any{"title": "Renamed"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Title != "Renamed" {
		t.Errorf("title = %q", updated.Title)
	}
	if updated.MessageCount() != 1 {
		t.Error("patch echo without messages must not blank the transcript")
	}
}

func TestUpdate_PartialEchoKeepsPinnedFlag(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "c1", "title": "Renamed"})
	}))

	local := model.NewConversation()
	local.ID = "c1"
	local.Pinned = true
	store.Put(local)

	updated, err := store.Update(context.Background(), "c1", map[string]any{"title": "Renamed"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !updated.Pinned {
		t.Error("title-only patch echo must not unpin the conversation")
	}
}

func TestUpdate_ExplicitUnpinApplies(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "c1"})
	}))

	local := model.NewConversation()
	local.ID = "c1"
	local.Pinned = true
	store.Put(local)

	updated, err := store.Update(context.Background(), "c1", map[string]any{"pinned": false})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Pinned {
		t.Error("an explicitly patched pinned=false must clear the flag")
	}
}

func TestRemove_DemotesSelection(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	older := model.NewConversation()
	older.ID = "c-old"
	older.UpdatedAt = time.Now().Add(-time.Hour)
	store.Put(older)

	newer := model.NewConversation()
	newer.ID = "c-new"
	newer.UpdatedAt = time.Now()
	store.Put(newer)
	store.Select("c-new")

	if err := store.Remove(context.Background(), "c-new"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if store.Get("c-new") != nil {
		t.Error("removed conversation still cached")
	}
	if store.SelectedID() != "c-old" {
		t.Errorf("selected = %q, want demotion to next in display order", store.SelectedID())
	}
}

func TestRemove_UnselectedLeavesSelectionAlone(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	a := model.NewConversation()
	a.ID = "a"
	store.Put(a)
	b := model.NewConversation()
	b.ID = "b"
	store.Put(b)
	store.Select("a")

	if err := store.Remove(context.Background(), "b"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if store.SelectedID() != "a" {
		t.Errorf("selected = %q, want untouched selection", store.SelectedID())
	}
}

func TestList_PinnedFirstThenRecency(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	now := time.Now()
	for _, c := range []*model.Conversation{
		{ID: "old", UpdatedAt: now.Add(-2 * time.Hour)},
		{ID: "pinned-old", Pinned: true, UpdatedAt: now.Add(-3 * time.Hour)},
		{ID: "new", UpdatedAt: now},
		{ID: "pinned-new", Pinned: true, UpdatedAt: now.Add(-time.Hour)},
	} {
		store.Put(c)
	}

	var got []string
	for _, c := range store.List() {
		got = append(got, c.ID)
	}
	want := []string{"pinned-new", "pinned-old", "new", "old"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestAddMessage_UnknownIDIsNoOp(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	store.AddMessage("never-existed", model.NewUserMessage("hi"))
	if store.Count() != 0 {
		t.Error("appending to a removed conversation must not resurrect it")
	}
}

func TestClear_DropsEverything(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	c := model.NewConversation()
	c.ID = "c1"
	store.Put(c)
	store.Select("c1")

	store.Clear()
	if store.Count() != 0 || store.SelectedID() != "" {
		t.Error("clear must drop cache and selection")
	}
}
