// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat contains the per-send conversation orchestrator: the one
// place that decides, for every user action, whether it is creating a new
// conversation, appending to an existing one, or operating in guest mode,
// and reconciles the two identity regimes into one exchange protocol.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jeranaias/lumen-client/internal/api"
	"github.com/jeranaias/lumen-client/internal/auth"
	"github.com/jeranaias/lumen-client/internal/guest"
	"github.com/jeranaias/lumen-client/internal/model"
	"github.com/jeranaias/lumen-client/internal/store"
)

const exchangePath = "/api/chat"

// Sentinel errors surfaced to the caller. Lower layers never render UI; the
// orchestrator translates these into events and the caller decides how to
// show them.
var (
	// ErrQuotaExceeded means the free-tier message allowance is spent.
	ErrQuotaExceeded = errors.New("message quota exceeded")

	// ErrContextRequired means the send was suspended pending a school
	// context selection. The held message resumes automatically when
	// SupplyContext is called.
	ErrContextRequired = errors.New("school context required")

	// ErrNothingToRegenerate means no preceding user message exists for the
	// targeted assistant message.
	ErrNothingToRegenerate = errors.New("no user message to regenerate from")

	// ErrUnknownMessage means the targeted message id does not name a user
	// message in the displayed transcript.
	ErrUnknownMessage = errors.New("no such user message")
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// chatPair is one prior exchange, in the shape the backend expects.
type chatPair struct {
	User   string `json:"user"`
	Gemini string `json:"gemini"`
}

type chatRequest struct {
	UserInput      string     `json:"userInput"`
	ConversationID string     `json:"conversationId"`
	SessionID      string     `json:"sessionId,omitempty"`
	Role           string     `json:"role"`
	SchoolName     string     `json:"schoolName,omitempty"`
	Grade          string     `json:"grade,omitempty"`
	Subject        string     `json:"subject,omitempty"`
	Topic          string     `json:"topic,omitempty"`
	PreviousChat   []chatPair `json:"previousChat"`
}

type chatResponse struct {
	Message struct {
		ID        string `json:"id"`
		Content   string `json:"content"`
		ContentMD string `json:"contentMd"`
		Timestamp string `json:"timestamp"`
	} `json:"message"`
	SessionID     string `json:"sessionId"`
	ChatHistoryID string `json:"chatHistoryId"`
}

// =============================================================================
// EVENTS
// =============================================================================

// Events are the orchestrator's user-visible side channels, fixed at
// construction. All fields may be nil.
type Events struct {
	// Notice surfaces a transient, non-transcript message.
	Notice func(text string)

	// ContextPrompt asks the user to pick a school context; the suspended
	// send resumes automatically via SupplyContext.
	ContextPrompt func()

	// UpgradeRequired fires when the free-tier quota gate blocks a send.
	UpgradeRequired func()

	// TranscriptChanged fires after the transcript keyed by key mutated.
	TranscriptChanged func(key string)
}

func (e Events) notice(text string) {
	if e.Notice != nil {
		e.Notice(text)
	}
}

func (e Events) contextPrompt() {
	if e.ContextPrompt != nil {
		e.ContextPrompt()
	}
}

func (e Events) upgradeRequired() {
	if e.UpgradeRequired != nil {
		e.UpgradeRequired()
	}
}

func (e Events) transcriptChanged(key string) {
	if e.TranscriptChanged != nil {
		e.TranscriptChanged(key)
	}
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// pendingSend is the one-slot buffer for a send suspended on missing
// context. A second suspended send overwrites the first.
type pendingSend struct {
	text string
}

// Orchestrator drives the send pipeline. Every applied update is keyed by
// conversation id (or guest correlation id), never by "whichever conversation
// is selected right now": a response landing after the user switched away is
// routed to the record it belongs to.
type Orchestrator struct {
	client *api.Client
	convs  *store.Store
	guests *guest.Store
	state  *auth.State
	events Events
	log    *zap.Logger

	quotaLimit int

	mu          sync.Mutex
	transcripts map[string][]*model.Message
	activeKey   string
	displayKey  string
	schoolCtx   model.SchoolContext
	pending     *pendingSend
	quotaUsed   int
	stopEpoch   map[string]int
}

// Options configures the orchestrator.
type Options struct {
	// FreeTierMessageLimit is the per-session send allowance for free-tier
	// accounts. 0 disables the gate.
	FreeTierMessageLimit int
}

// New wires the orchestrator. log may be nil.
func New(client *api.Client, convs *store.Store, guests *guest.Store, state *auth.State, events Events, opts Options, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		client:      client,
		convs:       convs,
		guests:      guests,
		state:       state,
		events:      events,
		log:         log,
		quotaLimit:  opts.FreeTierMessageLimit,
		transcripts: make(map[string][]*model.Message),
		stopEpoch:   make(map[string]int),
	}
}

// =============================================================================
// TRANSCRIPT ACCESS
// =============================================================================

// Transcript returns the local transcript for key.
func (o *Orchestrator) Transcript(key string) []*model.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*model.Message(nil), o.transcripts[key]...)
}

// Displayed returns the transcript the UI should currently show. It is the
// last transcript that actually has data: switching to a conversation whose
// record has not arrived yet keeps the previous transcript visible instead of
// flashing empty.
func (o *Orchestrator) Displayed() (string, []*model.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.displayKey, append([]*model.Message(nil), o.transcripts[o.displayKey]...)
}

// ActiveKey returns the key sends currently target.
func (o *Orchestrator) ActiveKey() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeKey
}

// SetContext installs the school context for subsequent sends without
// resuming a held message.
func (o *Orchestrator) SetContext(sc model.SchoolContext) {
	o.mu.Lock()
	o.schoolCtx = sc
	o.mu.Unlock()
}

// Context returns the current school context.
func (o *Orchestrator) Context() model.SchoolContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.schoolCtx
}

// =============================================================================
// SWITCHING
// =============================================================================

// Switch makes id the active conversation. Purely local: when the record is
// cached its transcript becomes visible immediately; when it is not, the id
// is selected optimistically and the previously-displayed transcript stays up
// until a later fetch delivers the data.
func (o *Orchestrator) Switch(id string) {
	conv := o.convs.Get(id)

	o.mu.Lock()
	defer o.mu.Unlock()

	o.activeKey = id
	if conv != nil {
		o.convs.Select(id)
		o.transcripts[id] = append([]*model.Message(nil), conv.Messages...)
		o.displayKey = id
		return
	}
	if len(o.transcripts[id]) > 0 {
		o.displayKey = id
	}
}

// NewChat deselects the active conversation so the next send creates a fresh
// one.
func (o *Orchestrator) NewChat() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activeKey = ""
	o.convs.Select("")
}

// Stop suppresses rendering of responses already in flight for the
// displayed transcript. The underlying requests are not aborted; their
// results are still applied to the conversation store, just not to the
// visible transcript. Exchanges dispatched after the stop render normally:
// each send snapshots the epoch at dispatch and only responses from an
// earlier epoch are suppressed.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopEpoch[o.displayKey]++
}

// stopSnapshot returns the current stop epoch for key. Captured at dispatch
// time and compared when the response lands.
func (o *Orchestrator) stopSnapshot(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopEpoch[key]
}

// Reset drops all local transcripts and counters. Called on identity
// teardown; guest transcripts are simply discarded.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transcripts = make(map[string][]*model.Message)
	o.stopEpoch = make(map[string]int)
	o.activeKey = ""
	o.displayKey = ""
	o.pending = nil
	o.quotaUsed = 0
}

// =============================================================================
// SEND PIPELINE
// =============================================================================

// Send runs the per-send decision procedure for one user message.
func (o *Orchestrator) Send(ctx context.Context, text string) error {
	identity := o.state.Identity()

	// Quota gate. The counter is incremented next to the exchange call, not
	// here, so a send suspended on missing context is not double-counted
	// when it resumes.
	if o.quotaBlocked(identity) {
		o.events.upgradeRequired()
		return ErrQuotaExceeded
	}

	if identity.IsAuthenticated() {
		return o.sendAuthenticated(ctx, identity, text)
	}
	return o.sendGuest(ctx, identity, text)
}

// SupplyContext installs the school context and resumes the held send, if
// any.
func (o *Orchestrator) SupplyContext(ctx context.Context, sc model.SchoolContext) error {
	o.mu.Lock()
	o.schoolCtx = sc
	held := o.pending
	o.pending = nil
	o.mu.Unlock()

	if held == nil {
		return nil
	}
	return o.Send(ctx, held.text)
}

func (o *Orchestrator) quotaBlocked(identity model.Identity) bool {
	if o.quotaLimit <= 0 || !identity.IsFreeTier() {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.quotaUsed >= o.quotaLimit
}

// suspendOnMissingContext holds the message and prompts when no school
// context has been chosen yet. Returns true when the send was suspended.
func (o *Orchestrator) suspendOnMissingContext(text string) bool {
	o.mu.Lock()
	if o.schoolCtx.IsComplete() {
		o.mu.Unlock()
		return false
	}
	o.pending = &pendingSend{text: text}
	o.mu.Unlock()

	o.events.contextPrompt()
	return true
}

// sendGuest handles the anonymous branch. The transcript is local-only;
// nothing is ever written to the conversation store, since guest transcripts
// are not persisted server-side.
func (o *Orchestrator) sendGuest(ctx context.Context, identity model.Identity, text string) error {
	if o.suspendOnMissingContext(text) {
		return ErrContextRequired
	}

	key := o.guests.CorrelationID()
	userMsg := model.NewUserMessage(text)
	history := o.appendLocal(key, userMsg)
	epoch := o.stopSnapshot(key)

	req := o.buildExchange(text, key, o.guests.SessionID(), identity, history)
	resp, err := o.exchange(ctx, identity, req)
	if err != nil {
		o.applyFailure(key, false, err)
		return err
	}

	// The continuity token is keyed by the correlation id; if the backend
	// hands back its own correlation value, the guest state re-keys onto it.
	if resp.ChatHistoryID != "" {
		if aerr := o.guests.AdoptCorrelationID(resp.ChatHistoryID); aerr != nil {
			o.log.Warn("failed to adopt correlation id", zap.Error(aerr))
		} else if resp.ChatHistoryID != key {
			o.rekeyTranscript(key, resp.ChatHistoryID)
			key = resp.ChatHistoryID
		}
	}
	if resp.SessionID != "" {
		if serr := o.guests.SetSessionID(resp.SessionID); serr != nil {
			o.log.Warn("failed to persist continuity token", zap.Error(serr))
		}
	}

	o.applyAssistant(key, false, resp, epoch)
	return nil
}

// sendAuthenticated handles both authenticated sub-branches: appending to an
// existing conversation, or lazily creating one on the first exchange.
func (o *Orchestrator) sendAuthenticated(ctx context.Context, identity model.Identity, text string) error {
	o.mu.Lock()
	activeID := o.activeKey
	o.mu.Unlock()

	if activeID == "" {
		return o.sendCreating(ctx, identity, text)
	}
	return o.sendAppending(ctx, identity, activeID, text)
}

// sendCreating creates the conversation server-side with the first message
// pre-populated, then runs the exchange against the new id. Local state is
// seeded from the creation response, never from a subsequent fetch, so a
// lagging fetch can never override the optimistic transcript.
func (o *Orchestrator) sendCreating(ctx context.Context, identity model.Identity, text string) error {
	if o.suspendOnMissingContext(text) {
		return ErrContextRequired
	}

	userMsg := model.NewUserMessage(text)
	conv := model.NewConversation()
	conv.School = o.Context()
	conv.AddMessage(userMsg)
	conv.Title = conv.TitleFromContent()

	created, err := o.convs.Create(ctx, conv)
	if err != nil {
		o.events.notice("Could not start the conversation. Please try again.")
		return fmt.Errorf("failed to start conversation: %w", err)
	}

	o.mu.Lock()
	o.activeKey = created.ID
	o.displayKey = created.ID
	o.transcripts[created.ID] = append([]*model.Message(nil), created.Messages...)
	epoch := o.stopEpoch[created.ID]
	o.mu.Unlock()
	o.events.transcriptChanged(created.ID)

	req := o.buildExchange(text, created.ID, created.SessionID, identity, nil)
	resp, err := o.exchange(ctx, identity, req)
	if err != nil {
		o.applyFailure(created.ID, true, err)
		return err
	}

	o.applyContinuity(created.ID, resp.SessionID)
	o.applyAssistant(created.ID, true, resp, epoch)
	return nil
}

// sendAppending appends to an existing conversation: optimistic local and
// store appends, an optional title patch, then the exchange.
func (o *Orchestrator) sendAppending(ctx context.Context, identity model.Identity, id string, text string) error {
	userMsg := model.NewUserMessage(text)
	history := o.appendLocal(id, userMsg)
	epoch := o.stopSnapshot(id)
	o.convs.AddMessage(id, userMsg)

	// The title patch carries only the title. Patching the message list here
	// would clobber messages the exchange call is about to persist.
	if conv := o.convs.Get(id); conv != nil && conv.HasPlaceholderTitle() {
		if _, terr := o.convs.Update(ctx, id, map[string]any{"title": conv.TitleFromContent()}); terr != nil {
			o.log.Warn("title patch failed", zap.String("id", id), zap.Error(terr))
		}
	}

	sessionID := ""
	if conv := o.convs.Get(id); conv != nil {
		sessionID = conv.SessionID
	}

	req := o.buildExchange(text, id, sessionID, identity, history)
	resp, err := o.exchange(ctx, identity, req)
	if err != nil {
		o.applyFailure(id, true, err)
		return err
	}

	o.applyContinuity(id, resp.SessionID)
	o.applyAssistant(id, true, resp, epoch)
	return nil
}

// Edit re-submits an earlier user message, optionally with revised text.
// Transcripts are append-only, so the edit lands as a new trailing exchange
// rather than rewriting history in place. Empty text re-sends the original.
func (o *Orchestrator) Edit(ctx context.Context, messageID, text string) error {
	o.mu.Lock()
	key := o.activeKey
	if key == "" {
		key = o.displayKey
	}
	target := (&model.Conversation{Messages: o.transcripts[key]}).MessageByID(messageID)
	o.mu.Unlock()

	if target == nil || target.Role != model.RoleUser {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if text == "" {
		text = target.Content
	}
	return o.Send(ctx, text)
}

// =============================================================================
// REGENERATION
// =============================================================================

// Regenerate re-runs the exchange for the assistant message with the given
// id, sourcing input from the nearest preceding user message. The new answer
// replaces the target as a selectable variant instead of appending.
func (o *Orchestrator) Regenerate(ctx context.Context, messageID string) error {
	identity := o.state.Identity()
	if o.quotaBlocked(identity) {
		o.events.upgradeRequired()
		return ErrQuotaExceeded
	}

	o.mu.Lock()
	key := o.activeKey
	if key == "" {
		key = o.displayKey
	}
	msgs := o.transcripts[key]
	o.mu.Unlock()

	view := &model.Conversation{Messages: msgs}
	source := view.LastUserMessageBefore(messageID)
	if source == nil {
		return ErrNothingToRegenerate
	}

	// Prior exchanges still frame the regeneration; history runs up to (not
	// including) the user message being re-asked.
	var history []*model.Message
	for i, m := range msgs {
		if m.ID == source.ID {
			history = msgs[:i]
			break
		}
	}

	authenticated := identity.IsAuthenticated()
	sessionID := ""
	if authenticated {
		if conv := o.convs.Get(key); conv != nil {
			sessionID = conv.SessionID
		}
	} else {
		sessionID = o.guests.SessionID()
	}

	req := o.buildExchange(source.Content, key, sessionID, identity, history)
	resp, err := o.exchange(ctx, identity, req)
	if err != nil {
		o.applyFailure(key, authenticated, err)
		return err
	}

	if authenticated {
		o.applyContinuity(key, resp.SessionID)
	} else if resp.SessionID != "" {
		if serr := o.guests.SetSessionID(resp.SessionID); serr != nil {
			o.log.Warn("failed to persist continuity token", zap.Error(serr))
		}
	}

	content, contentMD := responseContent(resp)

	// The transcript and the store record may share the same message value;
	// applying the variant twice to one object would duplicate it.
	var applied *model.Message
	o.mu.Lock()
	if target := (&model.Conversation{Messages: o.transcripts[key]}).MessageByID(messageID); target != nil {
		target.AddVariant(content, contentMD)
		applied = target
	}
	o.mu.Unlock()
	if authenticated {
		o.convs.UpdateLocal(key, func(c *model.Conversation) {
			if target := c.MessageByID(messageID); target != nil && target != applied {
				target.AddVariant(content, contentMD)
			}
		})
	}
	o.events.transcriptChanged(key)
	return nil
}

// SelectVariant swaps which regeneration variant is current, locally and in
// the store.
func (o *Orchestrator) SelectVariant(key, messageID string, idx int) {
	o.mu.Lock()
	if target := (&model.Conversation{Messages: o.transcripts[key]}).MessageByID(messageID); target != nil {
		target.SelectVariant(idx)
	}
	o.mu.Unlock()
	o.convs.UpdateLocal(key, func(c *model.Conversation) {
		if target := c.MessageByID(messageID); target != nil {
			target.SelectVariant(idx)
		}
	})
	o.events.transcriptChanged(key)
}

// SetFeedback records the user's reaction to an assistant message.
func (o *Orchestrator) SetFeedback(key, messageID string, fb model.Feedback) {
	o.mu.Lock()
	if target := (&model.Conversation{Messages: o.transcripts[key]}).MessageByID(messageID); target != nil {
		target.Feedback = fb
	}
	o.mu.Unlock()
	o.convs.UpdateLocal(key, func(c *model.Conversation) {
		if target := c.MessageByID(messageID); target != nil {
			target.Feedback = fb
		}
	})
}

// =============================================================================
// EXCHANGE PLUMBING
// =============================================================================

// buildExchange assembles the wire request. history is the transcript as it
// stood before the current user message was appended.
func (o *Orchestrator) buildExchange(text, correlationID, sessionID string, identity model.Identity, history []*model.Message) chatRequest {
	sc := o.Context()
	role := string(identity.Role)
	if role == "" {
		role = string(model.RoleStudent)
	}

	return chatRequest{
		UserInput:      text,
		ConversationID: correlationID,
		SessionID:      sessionID,
		Role:           role,
		SchoolName:     sc.SchoolName,
		Grade:          sc.Grade,
		Subject:        sc.Subject,
		Topic:          sc.Topic,
		PreviousChat:   pairHistory(history),
	}
}

// exchange performs the round trip, incrementing the free-tier counter next
// to the call so suspended sends count once, when they actually fire.
func (o *Orchestrator) exchange(ctx context.Context, identity model.Identity, req chatRequest) (*chatResponse, error) {
	if o.quotaLimit > 0 && identity.IsFreeTier() {
		o.mu.Lock()
		o.quotaUsed++
		o.mu.Unlock()
	}

	var resp chatResponse
	if err := o.client.DoJSON(ctx, api.Post(exchangePath, req).AsPrimary(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// appendLocal appends msg to the transcript keyed by key and returns the
// history as it stood before the append.
func (o *Orchestrator) appendLocal(key string, msg *model.Message) []*model.Message {
	o.mu.Lock()
	history := append([]*model.Message(nil), o.transcripts[key]...)
	o.transcripts[key] = append(o.transcripts[key], msg)
	o.displayKey = key
	o.mu.Unlock()

	o.events.transcriptChanged(key)
	return history
}

// rekeyTranscript moves a local transcript (and its stop epoch) to a new
// key.
func (o *Orchestrator) rekeyTranscript(from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if msgs, ok := o.transcripts[from]; ok {
		o.transcripts[to] = msgs
		delete(o.transcripts, from)
	}
	if ep, ok := o.stopEpoch[from]; ok {
		o.stopEpoch[to] = ep
		delete(o.stopEpoch, from)
	}
	if o.displayKey == from {
		o.displayKey = to
	}
	if o.activeKey == from {
		o.activeKey = to
	}
}

// applyContinuity stores a newly issued continuity token on the conversation
// record. The backend's value always wins over the locally held hint.
func (o *Orchestrator) applyContinuity(id, sessionID string) {
	if sessionID == "" {
		return
	}
	o.convs.UpdateLocal(id, func(c *model.Conversation) {
		c.SessionID = sessionID
	})
}

// applyAssistant routes the assistant message to the record it belongs to.
// A stop issued while this request was in flight (the epoch moved past the
// dispatch-time snapshot) suppresses the local transcript append only; the
// store copy is still updated.
func (o *Orchestrator) applyAssistant(key string, authenticated bool, resp *chatResponse, epoch int) {
	content, contentMD := responseContent(resp)
	msg := model.NewAssistantMessage(content, contentMD)
	if resp.Message.ID != "" {
		msg.ID = resp.Message.ID
	}

	if authenticated {
		o.convs.AddMessage(key, msg)
	}

	o.mu.Lock()
	suppressed := o.stopEpoch[key] > epoch
	if !suppressed {
		o.transcripts[key] = append(o.transcripts[key], msg)
	}
	o.mu.Unlock()

	if !suppressed {
		o.events.transcriptChanged(key)
	}
}

// applyFailure renders the failure per the error taxonomy: rate limits get a
// notice and nothing else; everything else appends a visible in-transcript
// error. The optimistic user message is never rolled back.
func (o *Orchestrator) applyFailure(key string, authenticated bool, err error) {
	if errors.Is(err, api.ErrRateLimited) {
		o.events.notice("You're sending messages too quickly. Please wait a moment.")
		return
	}

	errMsg := model.NewErrorMessage("Something went wrong. Please try again.")
	if authenticated {
		o.convs.AddMessage(key, errMsg)
	}

	o.mu.Lock()
	o.transcripts[key] = append(o.transcripts[key], errMsg)
	o.mu.Unlock()

	o.events.transcriptChanged(key)
	o.events.notice("Message could not be delivered.")
	o.log.Warn("exchange failed", zap.String("key", key), zap.Error(err))
}

// pairHistory folds a transcript into (user, assistant) pairs, skipping
// error messages.
func pairHistory(history []*model.Message) []chatPair {
	pairs := make([]chatPair, 0, len(history)/2)
	var current *chatPair
	for _, msg := range history {
		if msg.IsError {
			continue
		}
		switch msg.Role {
		case model.RoleUser:
			if current != nil {
				pairs = append(pairs, *current)
			}
			current = &chatPair{User: msg.Content}
		case model.RoleAssistant:
			if current != nil {
				current.Gemini = msg.Content
				pairs = append(pairs, *current)
				current = nil
			}
		}
	}
	if current != nil {
		pairs = append(pairs, *current)
	}
	return pairs
}

func responseContent(resp *chatResponse) (content, contentMD string) {
	content = resp.Message.Content
	contentMD = resp.Message.ContentMD
	if content == "" {
		content = contentMD
	}
	return content, contentMD
}
