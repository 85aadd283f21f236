// Package repair enforces the structural invariant between tool calls and
// tool results in a conversation transcript.
//
// The invariant: every tool result immediately follows the assistant message
// that issued the matching call, in call-issue order, and each call id is
// answered at most once. Providers reject transcripts that violate this, so
// every path that reorders, trims, or reassembles messages runs through this
// package before the transcript reaches a model.
//
// All functions are pure data transformations: they never synthesize
// content, never touch stores, and return the input slice unchanged (same
// reference) when there is nothing to fix.
package repair

import (
	"github.com/lodestarhq/threadline/logging"
	"github.com/lodestarhq/threadline/types"
)

// SanitizeToolPairing re-pairs tool results with the assistant messages that
// issued them.
//
// For each assistant message issuing tool calls, its span runs up to (not
// including) the next tool-call-issuing assistant message. Results for those
// call ids found anywhere in the span are re-emitted immediately after the
// assistant message in call-issue order. A call with no result in its span
// is left unanswered; results whose id was already answered are dropped,
// first occurrence winning. Everything else keeps its relative order.
func SanitizeToolPairing(messages []*types.Message) []*types.Message {
	out := make([]*types.Message, 0, len(messages))
	satisfied := make(map[string]bool)

	i := 0
	for i < len(messages) {
		msg := messages[i]
		if msg == nil || !issuesToolCalls(msg) {
			if dropAsDuplicate(msg, satisfied) {
				i++
				continue
			}
			markSatisfied(msg, satisfied)
			out = append(out, msg)
			i++
			continue
		}

		// Span: everything up to the next tool-call-issuing assistant.
		spanEnd := i + 1
		for spanEnd < len(messages) && !issuesToolCalls(messages[spanEnd]) {
			spanEnd++
		}

		callIDs := msg.ToolCallIDs()
		claimed := make(map[int]bool, len(callIDs))
		resultFor := make(map[string]int, len(callIDs))
		for j := i + 1; j < spanEnd; j++ {
			span := messages[j]
			if span == nil || !span.IsToolResult() {
				continue
			}
			id := primaryResultID(span)
			if id == "" || satisfied[id] {
				continue
			}
			if _, taken := resultFor[id]; taken {
				continue
			}
			for _, callID := range callIDs {
				if callID == id {
					resultFor[id] = j
					claimed[j] = true
					break
				}
			}
		}

		out = append(out, msg)
		for _, callID := range callIDs {
			j, ok := resultFor[callID]
			if !ok {
				// No result anywhere in the span; left unanswered.
				continue
			}
			markSatisfied(messages[j], satisfied)
			out = append(out, messages[j])
		}

		for j := i + 1; j < spanEnd; j++ {
			if claimed[j] {
				continue
			}
			span := messages[j]
			if dropAsDuplicate(span, satisfied) {
				continue
			}
			markSatisfied(span, satisfied)
			out = append(out, span)
		}

		i = spanEnd
	}

	if sameMessages(messages, out) {
		return messages
	}
	return out
}

// OrphanReport describes what RemoveOrphanedResults removed.
type OrphanReport struct {
	// RemovedCount is the number of removed result messages.
	RemovedCount int

	// RemovedIDs lists the call ids of the removed results.
	RemovedIDs []string
}

// RemoveOrphanedResults removes tool results whose call id was never issued
// anywhere in the transcript. Results carrying neither the current nor the
// legacy id field are kept: they cannot be verified, so they are assumed
// valid.
func RemoveOrphanedResults(messages []*types.Message, logger logging.Logger) ([]*types.Message, OrphanReport) {
	if logger == nil {
		logger = logging.Nop()
	}

	issued := make(map[string]bool)
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		for _, id := range msg.ToolCallIDs() {
			issued[id] = true
		}
	}

	var report OrphanReport
	out := make([]*types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg == nil || !msg.IsToolResult() {
			out = append(out, msg)
			continue
		}

		identifiable := 0
		matched := false
		var ids []string
		for _, id := range msg.ToolResultIDs() {
			if id == "" {
				continue
			}
			identifiable++
			ids = append(ids, id)
			if issued[id] {
				matched = true
			}
		}

		if identifiable == 0 || matched {
			out = append(out, msg)
			continue
		}

		for _, id := range ids {
			logger.Debug("removing orphaned tool result", "tool_call_id", id, "message_id", msg.ID)
		}
		report.RemovedCount++
		report.RemovedIDs = append(report.RemovedIDs, ids...)
	}

	if report.RemovedCount > 0 {
		logger.Warn("removed orphaned tool results",
			"removed_count", report.RemovedCount,
			"removed_ids", report.RemovedIDs)
	}

	if sameMessages(messages, out) {
		return messages, report
	}
	return out, report
}

// Transcript runs the full repair pass: pairing first, then orphan removal.
func Transcript(messages []*types.Message, logger logging.Logger) ([]*types.Message, OrphanReport) {
	return RemoveOrphanedResults(SanitizeToolPairing(messages), logger)
}

func issuesToolCalls(msg *types.Message) bool {
	return msg != nil && msg.Role == types.RoleAssistant && msg.HasToolCalls()
}

// primaryResultID keys a result message by its first identifiable result id.
func primaryResultID(msg *types.Message) string {
	for _, id := range msg.ToolResultIDs() {
		if id != "" {
			return id
		}
	}
	return ""
}

// dropAsDuplicate reports whether msg is a result whose id was already
// answered earlier in the rebuilt transcript.
func dropAsDuplicate(msg *types.Message, satisfied map[string]bool) bool {
	if msg == nil || !msg.IsToolResult() {
		return false
	}
	id := primaryResultID(msg)
	return id != "" && satisfied[id]
}

// markSatisfied records every identifiable result id carried by msg.
func markSatisfied(msg *types.Message, satisfied map[string]bool) {
	if msg == nil || !msg.IsToolResult() {
		return
	}
	for _, id := range msg.ToolResultIDs() {
		if id != "" {
			satisfied[id] = true
		}
	}
}

func sameMessages(a, b []*types.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
