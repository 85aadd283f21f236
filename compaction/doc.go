// Package compaction turns old conversation history into a single summary
// message so long-running sessions stay inside the model's context window.
//
// The caller decides where the compaction boundary falls and hands the
// Orchestrator a Preparation describing everything before it. Compact then
// runs the full flow and always returns a usable summary.
//
// # Staged Summarization
//
// History is partitioned into token-bounded chunks and folded sequentially:
// each chunk's model call receives the running summary as context and
// produces the next one. The chunk budget adapts to message size, shrinking
// from BaseChunkRatio toward MinChunkRatio of the context window as the
// average message approaches LargeMessageTokens, so a few huge messages
// cannot starve a stage. Cancellation is honored between chunk boundaries,
// never mid-call, and failed calls are not retried.
//
// # Headroom Pruning
//
// When the content that will survive compaction is already larger than the
// history budget (MaxHistoryShare of the window, scaled by SafetyMargin),
// the oldest chunks are split off and summarized separately on a best-effort
// basis. Their summary seeds the main stage; if it fails, the pruned content
// is simply absent from the result.
//
// # Split Turns
//
// If the boundary cuts through a turn, the leading part of that turn is
// summarized with fixed instructions that preserve the original request and
// early progress, and appended as a separately labeled section.
//
// # Report Sections
//
// Every summary carries structured sections built from the raw messages:
// failed tool calls (capped, deduplicated by call id) and the files read and
// modified during the span. These sections survive even when model
// summarization fails and the fixed fallback text takes the narrative's
// place.
//
// # Archival Fast Path
//
// With ArchivalFastPath enabled the model is skipped entirely and the
// summary is synthesized from message text: user-turn topics, question
// lines, and configuration-style key=value pairs. This trades fidelity for
// zero cost and makes sense only when an archive store keeps the full
// history searchable.
//
// # Usage
//
//	orch, err := compaction.NewOrchestrator(compaction.DefaultConfig(), summarizer, nil, logger)
//	if err != nil {
//	    return err
//	}
//	res, err := orch.Compact(ctx, &compaction.Preparation{
//	    SessionID:           sessionID,
//	    MessagesToSummarize: older,
//	    FirstKeptEntryID:    kept[0].ID,
//	    TokensBefore:        totalTokens,
//	})
//
// The Orchestrator is safe for concurrent use; concurrent compactions of the
// same session should be avoided.
package compaction
