package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/lodestarhq/threadline/types"
)

// SummaryRequest describes one summarization call.
type SummaryRequest struct {
	// Messages is the chunk to summarize.
	Messages []*types.Message

	// PreviousSummary is the running summary folded into this call.
	// May be empty on the first stage.
	PreviousSummary string

	// Instructions are appended to the system prompt, e.g. the split-turn
	// instructions. May be empty.
	Instructions string
}

// ModelSummarizer produces a summary for a chunk of messages. Auth and
// network failures are returned to the caller; implementations do not retry.
type ModelSummarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// AnthropicSummarizer implements ModelSummarizer using Claude's streaming
// API. Credentials live in the client; callers never pass keys per call.
type AnthropicSummarizer struct {
	client    *anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropicSummarizer creates a summarizer with the given client and
// model configuration.
func NewAnthropicSummarizer(client *anthropic.Client, model string, maxTokens int) *AnthropicSummarizer {
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultSummaryMaxTokens
	}
	return &AnthropicSummarizer{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Summarize generates a summary of the request's messages, folding in the
// previous summary when present.
func (s *AnthropicSummarizer) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", ErrNoMessages
	}

	conversationText := formatMessagesForSummary(req.Messages)
	userPrompt := BuildStagePrompt(req.PreviousSummary, conversationText)

	systemPrompt := SummarizationSystemPrompt
	if req.Instructions != "" {
		systemPrompt += "\n\n" + req.Instructions
	}

	stream := s.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: int64(s.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return "", fmt.Errorf("%w: failed to accumulate stream: %v", ErrSummarizationFailed, err)
		}
	}

	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
	}

	var summary strings.Builder
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			summary.WriteString(text.Text)
		}
	}

	if summary.Len() == 0 {
		return "", fmt.Errorf("%w: empty response from summarizer", ErrSummarizationFailed)
	}

	return summary.String(), nil
}

// formatMessagesForSummary converts messages to a text format suitable for
// summarization.
func formatMessagesForSummary(messages []*types.Message) string {
	summaryMsgs := make([]MessageForSummary, 0, len(messages))

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		content := extractMessageContent(msg)
		if content != "" {
			summaryMsgs = append(summaryMsgs, MessageForSummary{
				Role:    string(msg.Role),
				Content: content,
			})
		}
	}

	return FormatMessagesAsText(summaryMsgs)
}

// extractMessageContent extracts readable text content from a message.
func extractMessageContent(msg *types.Message) string {
	var parts []string

	if msg.Content != "" {
		parts = append(parts, msg.Content)
	}

	for _, block := range msg.Blocks {
		switch block.Type {
		case types.ContentTypeText:
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case types.ContentTypeToolUse:
			toolInfo := fmt.Sprintf("[Tool: %s, Input: %s]", block.ToolName, string(block.ToolInputRaw))
			parts = append(parts, toolInfo)
		case types.ContentTypeToolResult:
			result := block.ToolContent
			if len(result) > 500 {
				result = result[:497] + "..."
			}
			toolResult := fmt.Sprintf("[Tool Result for %s: %s]", block.ResultID(), result)
			if block.IsError {
				toolResult = fmt.Sprintf("[Tool Error for %s: %s]", block.ResultID(), result)
			}
			parts = append(parts, toolResult)
		}
	}

	return strings.Join(parts, "\n")
}
