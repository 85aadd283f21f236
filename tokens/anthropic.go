package tokens

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/lodestarhq/threadline/types"
)

// Counter counts tokens using the Claude API with a character-based
// approximation fallback. After the first API failure it stays on the
// fallback for the life of the counter.
type Counter struct {
	client   *anthropic.Client
	useAPI   bool
	model    string
	fallback bool
	approx   Heuristic
}

// CountResult contains the result of a token count operation.
type CountResult struct {
	// TotalTokens is the total token count for all messages.
	TotalTokens int

	// UsedAPI indicates whether the Claude API was used (true) or the
	// character-based approximation fallback was used (false).
	UsedAPI bool

	// PerMessage contains the estimated token count per message.
	// Only populated when using the fallback approximation.
	PerMessage []int
}

// NewCounter creates a new Counter with the given Anthropic client.
// If useAPI is false, only character-based approximation will be used.
func NewCounter(client *anthropic.Client, model string, useAPI bool) *Counter {
	return &Counter{
		client: client,
		model:  model,
		useAPI: useAPI,
	}
}

// CountMessages counts the tokens in the given messages. It first attempts
// the Claude API for accurate counting, falling back to approximation if the
// API is unavailable or useAPI is false.
func (c *Counter) CountMessages(ctx context.Context, messages []*types.Message) (*CountResult, error) {
	if c.useAPI && c.client != nil && !c.fallback {
		result, err := c.countWithAPI(ctx, messages)
		if err == nil {
			return result, nil
		}
		// API failed, fall back to approximation
		c.fallback = true
	}

	counts, total := PerMessage(c.approx, messages)
	return &CountResult{
		TotalTokens: total,
		UsedAPI:     false,
		PerMessage:  counts,
	}, nil
}

// countWithAPI uses the Claude token counting API.
func (c *Counter) countWithAPI(ctx context.Context, messages []*types.Message) (*CountResult, error) {
	if len(messages) == 0 {
		return &CountResult{TotalTokens: 0, UsedAPI: true}, nil
	}

	params, err := convertToAnthropicMessages(messages)
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}
	if len(params) == 0 {
		return &CountResult{TotalTokens: 0, UsedAPI: true}, nil
	}

	result, err := c.client.Messages.CountTokens(ctx, anthropic.MessageCountTokensParams{
		Model:    anthropic.Model(c.model),
		Messages: params,
	})
	if err != nil {
		return nil, fmt.Errorf("token counting failed: %w", err)
	}

	return &CountResult{
		TotalTokens: int(result.InputTokens),
		UsedAPI:     true,
	}, nil
}

// convertToAnthropicMessages converts engine messages to anthropic.MessageParam.
func convertToAnthropicMessages(messages []*types.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		role := anthropic.MessageParamRoleUser
		if msg.Role == types.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, block := range msg.Blocks {
			switch block.Type {
			case types.ContentTypeText:
				if block.Text != "" {
					content = append(content, anthropic.NewTextBlock(block.Text))
				}
			case types.ContentTypeToolUse:
				var input any
				raw := block.ToolInputRaw
				if len(raw) == 0 && block.ToolInput != nil {
					raw, _ = json.Marshal(block.ToolInput)
				}
				if len(raw) > 0 {
					if err := json.Unmarshal(raw, &input); err != nil {
						input = map[string]any{}
					}
				} else {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(block.ToolUseID, input, block.ToolName))
			case types.ContentTypeToolResult:
				content = append(content, anthropic.NewToolResultBlock(block.ResultID(), block.ToolContent, block.IsError))
			}
			// Images and other complex types are skipped for counting; they
			// require upload handling the counter does not do.
		}

		if len(content) > 0 {
			result = append(result, anthropic.MessageParam{
				Role:    role,
				Content: content,
			})
		}
	}

	return result, nil
}
