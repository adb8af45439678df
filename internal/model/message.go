// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for identities, conversations
// and messages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Feedback records the user's reaction to an assistant message.
type Feedback string

const (
	FeedbackNone Feedback = ""
	FeedbackUp   Feedback = "up"
	FeedbackDown Feedback = "down"
)

// Variant is one alternative rendering of an assistant message. Regeneration
// adds variants instead of discarding the previous answer.
type Variant struct {
	Content   string `json:"content"`
	ContentMD string `json:"content_md,omitempty"`
}

// Message represents a single message in a conversation transcript.
//
// Transcripts are append-only: edits add a new trailing message, they never
// rewrite history. The one exception is variant selection, which swaps which
// variant is current without deleting the alternatives.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Content
	Content   string `json:"content"`
	ContentMD string `json:"content_md,omitempty"`

	// Regeneration alternatives. CurrentVariant indexes Variants; -1 means
	// the base Content is current.
	Variants       []Variant `json:"variants,omitempty"`
	CurrentVariant int       `json:"current_variant"`

	// User reaction and error marker
	Feedback Feedback `json:"feedback,omitempty"`
	IsError  bool     `json:"is_error,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	now := time.Now()
	return &Message{
		ID:             uuid.NewString(),
		Role:           role,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
		CurrentVariant: -1,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content, contentMD string) *Message {
	msg := NewMessage(RoleAssistant, content)
	msg.ContentMD = contentMD
	return msg
}

// NewErrorMessage creates an assistant-role message flagged as an error.
// Failed exchanges surface in the transcript this way; the optimistic user
// message that preceded them is never removed.
func NewErrorMessage(content string) *Message {
	msg := NewMessage(RoleAssistant, content)
	msg.IsError = true
	return msg
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AddVariant appends an alternative answer and makes it current.
func (m *Message) AddVariant(content, contentMD string) {
	// Move the base content into the variant list on the first regeneration
	// so it can be selected again later.
	if len(m.Variants) == 0 {
		m.Variants = append(m.Variants, Variant{Content: m.Content, ContentMD: m.ContentMD})
	}
	m.Variants = append(m.Variants, Variant{Content: content, ContentMD: contentMD})
	m.CurrentVariant = len(m.Variants) - 1
	m.Content = content
	m.ContentMD = contentMD
	m.IsError = false
	m.UpdatedAt = time.Now()
}

// SelectVariant makes an existing variant current. Out-of-range indexes are
// ignored.
func (m *Message) SelectVariant(idx int) bool {
	if idx < 0 || idx >= len(m.Variants) {
		return false
	}
	m.CurrentVariant = idx
	m.Content = m.Variants[idx].Content
	m.ContentMD = m.Variants[idx].ContentMD
	m.UpdatedAt = time.Now()
	return true
}

// DisplayContent returns the markdown content when present, otherwise the
// plain content.
func (m *Message) DisplayContent() string {
	if m.ContentMD != "" {
		return m.ContentMD
	}
	return m.Content
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	runes := []rune(m.Content)
	if len(runes) <= maxLen {
		return m.Content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// Clone returns a copy of the message. Variant slices are copied so the
// clone can be mutated independently.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Variants = append([]Variant(nil), m.Variants...)
	return &cp
}
