package threadline

import (
	"github.com/lodestarhq/threadline/types"
)

// Re-export the message types so most callers never import types directly.
type (
	Role         = types.Role
	Message      = types.Message
	ContentType  = types.ContentType
	ContentBlock = types.ContentBlock
)

// Re-export constants
const (
	RoleSystem    = types.RoleSystem
	RoleUser      = types.RoleUser
	RoleAssistant = types.RoleAssistant
	RoleTool      = types.RoleTool

	ContentTypeText       = types.ContentTypeText
	ContentTypeToolUse    = types.ContentTypeToolUse
	ContentTypeToolResult = types.ContentTypeToolResult
	ContentTypeImage      = types.ContentTypeImage
)

// NewSystemMessage creates a system message with text content.
func NewSystemMessage(sessionID, text string) *Message {
	return types.NewSystemMessage(sessionID, text)
}

// NewUserMessage creates a user message with text content.
func NewUserMessage(sessionID, text string) *Message {
	return types.NewUserMessage(sessionID, text)
}

// NewAssistantMessage creates an assistant message from content blocks.
func NewAssistantMessage(sessionID string, blocks []ContentBlock) *Message {
	return types.NewAssistantMessage(sessionID, blocks)
}

// NewToolResultMessage creates a tool message answering the given call.
func NewToolResultMessage(sessionID, toolUseID, content string, isError bool) *Message {
	return types.NewToolResultMessage(sessionID, toolUseID, content, isError)
}

// NewTextBlock creates a text content block.
func NewTextBlock(text string) ContentBlock {
	return types.NewTextBlock(text)
}

// NewToolUseBlock creates a tool call content block.
func NewToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return types.NewToolUseBlock(id, name, input)
}

// NewToolResultBlock creates a tool result content block.
func NewToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return types.NewToolResultBlock(toolUseID, content, isError)
}
