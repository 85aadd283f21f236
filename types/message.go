package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role represents the message role
type Role string

const (
	// RoleUser represents a user message
	RoleUser Role = "user"

	// RoleAssistant represents an assistant message
	RoleAssistant Role = "assistant"

	// RoleSystem represents a system message
	RoleSystem Role = "system"

	// RoleTool represents a tool result message
	RoleTool Role = "tool"
)

// Message represents a conversation message with metadata
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content,omitempty"`
	Blocks    []ContentBlock `json:"blocks,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	// Continuity metadata
	IsPreserved bool `json:"is_preserved,omitempty"` // Never trim this message
	IsSummary   bool `json:"is_summary,omitempty"`   // This is a compaction summary
}

// ContentType represents the type of content block
type ContentType string

const (
	// ContentTypeText represents text content
	ContentTypeText ContentType = "text"

	// ContentTypeToolUse represents a tool call block
	ContentTypeToolUse ContentType = "tool_use"

	// ContentTypeToolResult represents a tool result block
	ContentTypeToolResult ContentType = "tool_result"

	// ContentTypeImage represents an image block
	ContentTypeImage ContentType = "image"
)

// ContentBlock represents a piece of content in a message
type ContentBlock struct {
	Type ContentType `json:"type"`

	// Text content
	Text string `json:"text,omitempty"`

	// Tool call content
	ToolUseID    string          `json:"id,omitempty"`
	ToolName     string          `json:"name,omitempty"`
	ToolInput    map[string]any  `json:"input,omitempty"`
	ToolInputRaw json.RawMessage `json:"input_raw,omitempty"`

	// Tool result content. ToolResultID is the current field; older
	// gateway builds wrote LegacyResultID instead, and both are honored
	// when matching results back to their calls.
	ToolResultID   string `json:"tool_use_id,omitempty"`
	LegacyResultID string `json:"toolCallId,omitempty"`
	ToolContent    string `json:"content,omitempty"`
	IsError        bool   `json:"is_error,omitempty"`

	// Image content
	ImageSource *ImageSource `json:"source,omitempty"`
}

// ImageSource represents an image source
type ImageSource struct {
	Type      string `json:"type"`       // "base64" or "url"
	MediaType string `json:"media_type"` // "image/jpeg", "image/png", etc.
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ResultID returns the tool-call id a result block answers, preferring the
// current field over the legacy one. Empty when the block carries neither.
func (b ContentBlock) ResultID() string {
	if b.ToolResultID != "" {
		return b.ToolResultID
	}
	return b.LegacyResultID
}

// NewMessage creates a new message
func NewMessage(sessionID string, role Role, blocks []ContentBlock) *Message {
	return &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Blocks:    blocks,
		CreatedAt: time.Now(),
	}
}

// NewSystemMessage creates a new system message with text content
func NewSystemMessage(sessionID string, text string) *Message {
	m := NewMessage(sessionID, RoleSystem, nil)
	m.Content = text
	return m
}

// NewUserMessage creates a new user message with text content
func NewUserMessage(sessionID string, text string) *Message {
	m := NewMessage(sessionID, RoleUser, nil)
	m.Content = text
	return m
}

// NewAssistantMessage creates a new assistant message
func NewAssistantMessage(sessionID string, blocks []ContentBlock) *Message {
	return NewMessage(sessionID, RoleAssistant, blocks)
}

// NewToolResultMessage creates a message carrying a single tool result block
func NewToolResultMessage(sessionID string, toolUseID, content string, isError bool) *Message {
	return NewMessage(sessionID, RoleTool, []ContentBlock{
		NewToolResultBlock(toolUseID, content, isError),
	})
}

// NewTextBlock creates a text content block
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{
		Type: ContentTypeText,
		Text: text,
	}
}

// NewToolUseBlock creates a tool call content block
func NewToolUseBlock(id, name string, input map[string]any) ContentBlock {
	inputRaw, _ := json.Marshal(input)
	return ContentBlock{
		Type:         ContentTypeToolUse,
		ToolUseID:    id,
		ToolName:     name,
		ToolInput:    input,
		ToolInputRaw: inputRaw,
	}
}

// NewToolResultBlock creates a tool result content block
func NewToolResultBlock(toolUseID string, content string, isError bool) ContentBlock {
	return ContentBlock{
		Type:         ContentTypeToolResult,
		ToolResultID: toolUseID,
		ToolContent:  content,
		IsError:      isError,
	}
}

// Text returns the plain text of the message: the Content field when set,
// otherwise the concatenation of its text blocks.
func (m *Message) Text() string {
	if m.Content != "" {
		return m.Content
	}
	if len(m.Blocks) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Type != ContentTypeText || b.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// ToolCallIDs returns the ids of tool calls issued by this message, in
// issue order.
func (m *Message) ToolCallIDs() []string {
	var ids []string
	for _, b := range m.Blocks {
		if b.Type == ContentTypeToolUse && b.ToolUseID != "" {
			ids = append(ids, b.ToolUseID)
		}
	}
	return ids
}

// HasToolCalls reports whether this message issues any tool calls.
func (m *Message) HasToolCalls() bool {
	for _, b := range m.Blocks {
		if b.Type == ContentTypeToolUse {
			return true
		}
	}
	return false
}

// IsToolResult reports whether this message carries any tool result blocks.
func (m *Message) IsToolResult() bool {
	for _, b := range m.Blocks {
		if b.Type == ContentTypeToolResult {
			return true
		}
	}
	return false
}

// ToolResultIDs returns the call ids this message's result blocks answer.
// Blocks carrying neither id field contribute an empty string so callers
// can see unverifiable results.
func (m *Message) ToolResultIDs() []string {
	var ids []string
	for _, b := range m.Blocks {
		if b.Type == ContentTypeToolResult {
			ids = append(ids, b.ResultID())
		}
	}
	return ids
}
