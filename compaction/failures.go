package compaction

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lodestarhq/threadline/types"
)

const (
	// MaxToolFailures is the number of tool failures rendered in full;
	// the rest collapse into a count line.
	MaxToolFailures = 8

	// MaxFailureSummaryLen bounds each rendered failure summary.
	MaxFailureSummaryLen = 240
)

// ToolFailure is one failed tool invocation surfaced in the compaction
// summary so the model keeps sight of what went wrong even after the raw
// results are gone.
type ToolFailure struct {
	// ToolCallID identifies the failed call. Failures are deduplicated by
	// this id, first occurrence winning.
	ToolCallID string

	// ToolName is the tool that failed, when known.
	ToolName string

	// Summary is the normalized error output, at most MaxFailureSummaryLen
	// characters.
	Summary string

	// Meta carries status and exit-code details when the result payload
	// exposes them.
	Meta map[string]string
}

// CollectToolFailures scans messages for error tool results and returns one
// entry per failed call id, in transcript order.
func CollectToolFailures(messages []*types.Message) []ToolFailure {
	names := make(map[string]string)
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		for _, block := range msg.Blocks {
			if block.Type == types.ContentTypeToolUse && block.ToolUseID != "" {
				names[block.ToolUseID] = block.ToolName
			}
		}
	}

	var failures []ToolFailure
	seen := make(map[string]bool)
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		for _, block := range msg.Blocks {
			if block.Type != types.ContentTypeToolResult || !block.IsError {
				continue
			}
			id := block.ResultID()
			if id != "" && seen[id] {
				continue
			}
			if id != "" {
				seen[id] = true
			}

			name := block.ToolName
			if name == "" {
				name = names[id]
			}

			failures = append(failures, ToolFailure{
				ToolCallID: id,
				ToolName:   name,
				Summary:    normalizeFailureSummary(block.ToolContent),
				Meta:       extractFailureMeta(block.ToolContent),
			})
		}
	}
	return failures
}

// RenderToolFailures formats failures as a summary section. At most
// MaxToolFailures entries are shown; the overflow collapses into an
// "...and N more" line. Returns "" when there are no failures.
func RenderToolFailures(failures []ToolFailure) string {
	if len(failures) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Tool Failures\n")

	shown := failures
	if len(shown) > MaxToolFailures {
		shown = shown[:MaxToolFailures]
	}

	for _, f := range shown {
		sb.WriteString("- ")
		if f.ToolName != "" {
			sb.WriteString(f.ToolName)
		} else {
			sb.WriteString("unknown tool")
		}
		if f.ToolCallID != "" {
			sb.WriteString(" (" + f.ToolCallID + ")")
		}
		sb.WriteString(": ")
		if f.Summary != "" {
			sb.WriteString(f.Summary)
		} else {
			sb.WriteString("failed without output")
		}
		if len(f.Meta) > 0 {
			var meta []string
			if v, ok := f.Meta["status"]; ok {
				meta = append(meta, "status="+v)
			}
			if v, ok := f.Meta["exitCode"]; ok {
				meta = append(meta, "exitCode="+v)
			}
			if len(meta) > 0 {
				sb.WriteString(" [" + strings.Join(meta, ", ") + "]")
			}
		}
		sb.WriteString("\n")
	}

	if extra := len(failures) - MaxToolFailures; extra > 0 {
		sb.WriteString(fmt.Sprintf("...and %d more\n", extra))
	}

	return strings.TrimRight(sb.String(), "\n")
}

// normalizeFailureSummary collapses whitespace and truncates to the summary
// budget.
func normalizeFailureSummary(content string) string {
	normalized := strings.Join(strings.Fields(content), " ")
	if len(normalized) > MaxFailureSummaryLen {
		normalized = normalized[:MaxFailureSummaryLen-3] + "..."
	}
	return normalized
}

// extractFailureMeta pulls status and exit-code fields out of JSON result
// payloads. Non-JSON payloads yield no metadata.
func extractFailureMeta(content string) map[string]string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil
	}

	meta := make(map[string]string)
	if v, ok := payload["status"]; ok {
		meta["status"] = fmt.Sprint(v)
	}
	for _, key := range []string{"exitCode", "exit_code"} {
		if v, ok := payload[key]; ok {
			meta["exitCode"] = formatExitCode(v)
			break
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// formatExitCode renders numeric exit codes without a trailing decimal.
func formatExitCode(v any) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(v)
}
