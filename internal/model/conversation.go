// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for identities, conversations
// and messages.
package model

import (
	"strings"
	"time"
)

// PlaceholderTitle is the title assigned to a conversation before the first
// exchange has produced something to name it after.
const PlaceholderTitle = "New chat"

// =============================================================================
// SCHOOL CONTEXT
// =============================================================================

// SchoolContext carries the contextual fields sent with every exchange.
// A send cannot proceed until at least the school name has been chosen.
type SchoolContext struct {
	SchoolName string `json:"school_name,omitempty"`
	Grade      string `json:"grade,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Topic      string `json:"topic,omitempty"`
}

// IsComplete reports whether enough context exists to send a message.
func (s SchoolContext) IsComplete() bool {
	return s.SchoolName != ""
}

// =============================================================================
// TOOLS CONFIG
// =============================================================================

// ToolsConfig holds per-conversation tool toggles.
type ToolsConfig struct {
	WebSearch       bool `json:"web_search"`
	ImageGeneration bool `json:"image_generation"`
}

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is a server-persisted chat owned by an authenticated user.
// Once created it is owned exclusively by the conversation store; UpdatedAt
// is the sole ordering key for list display and is bumped on every local or
// remote mutation.
type Conversation struct {
	// Identity
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages
	Messages []*Message `json:"messages"`

	// Configuration
	Tools         ToolsConfig   `json:"tools"`
	MemoryEnabled bool          `json:"memory_enabled"`
	School        SchoolContext `json:"school_context"`

	// SessionID is the server-assigned continuity token threading multiple
	// exchanges into one dialogue. It is sent as a hint only; the backend's
	// persisted value always wins on response.
	SessionID string `json:"session_id,omitempty"`
}

// NewConversation creates an empty conversation with a placeholder title.
// Conversations are created lazily, on the first successful exchange, so a
// caller normally populates Messages before handing it to Create.
func NewConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		Title:     PlaceholderTitle,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]*Message, 0),
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage appends a message and bumps UpdatedAt.
func (c *Conversation) AddMessage(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
}

// MessageByID returns a message by its ID, or nil.
func (c *Conversation) MessageByID(id string) *Message {
	for _, msg := range c.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// LastUserMessageBefore returns the nearest user message preceding the
// message with the given ID. Regeneration sources its input from here.
func (c *Conversation) LastUserMessageBefore(id string) *Message {
	idx := -1
	for i, msg := range c.Messages {
		if msg.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	for i := idx - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return c.Messages[i]
		}
	}
	return nil
}

// MessageCount returns the number of messages.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// HasPlaceholderTitle reports whether the conversation still carries the
// placeholder title.
func (c *Conversation) HasPlaceholderTitle() bool {
	return c.Title == "" || c.Title == PlaceholderTitle
}

// =============================================================================
// TITLE GENERATION
// =============================================================================

// TitleFromContent derives a display title from the first user message:
// truncated, newline-stripped. Returns the placeholder when no user message
// exists.
func (c *Conversation) TitleFromContent() string {
	for _, msg := range c.Messages {
		if msg.Role == RoleUser && msg.Content != "" {
			title := strings.ReplaceAll(msg.Content, "\n", " ")
			title = strings.ReplaceAll(title, "\r", "")
			runes := []rune(title)
			if len(runes) > 50 {
				title = string(runes[:47]) + "..."
			}
			return title
		}
	}
	return PlaceholderTitle
}

// Clone creates a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	clone := *c
	clone.Messages = make([]*Message, len(c.Messages))
	for i, msg := range c.Messages {
		clone.Messages[i] = msg.Clone()
	}
	return &clone
}
