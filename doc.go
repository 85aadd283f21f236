// Package threadline keeps long multi-turn conversations inside a bounded
// token budget without losing continuity.
//
// Threadline sits between an agent gateway and its model provider. Every
// turn it decides what stays live in the context window, what gets trimmed
// and archived, and what recalled material gets re-injected; at compaction
// boundaries it folds the departing history into a summary. Tool-call and
// tool-result pairing is repaired on the way through, so the transcript
// handed to the model is always structurally valid.
//
// # Key Features
//
//   - Per-turn pipeline: recall-block stripping, query-relevance trimming,
//     background archival, hybrid lexical+vector recall with timeline
//     expansion, and a post-injection budget guard
//   - Staged summarization at compaction boundaries with an adaptive chunk
//     budget, split-turn handling, and a fallback summary that always
//     carries the tool-failure and file-operation sections
//   - Archival fast path: with an archive store configured, compaction
//     builds a structural summary without calling the model
//   - Pluggable stores: embedded SQLite (FTS5 + sqlite-vec) and PostgreSQL
//     (pgx, tsvector), both behind small interfaces
//   - Knowledge ingestion from markdown memory files, redaction before
//     archival, and channel prefix handling for gateway transcripts
//
// # Quick Start
//
// Create an engine backed by an embedded SQLite store:
//
//	st, err := sqlite.New(sqlite.Config{Path: "threadline.db"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//	if err := st.Init(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	engine, err := threadline.New(nil,
//	    threadline.WithArchive(st),
//	    threadline.WithKnowledge(st),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
// Prepare each turn before calling the model:
//
//	result, err := engine.PrepareTurn(ctx, &threadline.TurnRequest{
//	    SessionID: "session-1",
//	    Messages:  transcript,
//	})
//	// result.Messages is the transcript to send; result.Injected reports
//	// whether recalled context was added this turn.
//
// # Compaction
//
// When the caller decides a compaction boundary has been reached, it hands
// the departing span to the engine:
//
//	res, err := engine.Compact(ctx, &threadline.Preparation{
//	    SessionID:           "session-1",
//	    MessagesToSummarize: before,
//	    FirstKeptEntryID:    keep[0].ID,
//	    TokensBefore:        tokensBefore,
//	})
//	// res.Summary replaces the summarized span in the transcript.
//
// Compact never fails over a model error: summarization failures degrade to
// a fixed fallback summary that still carries the structured sections.
//
// # Budgets
//
// All budgets derive from Config: the context window, the share history may
// occupy, a safety margin for estimation error, and a hard cap on injected
// recall. See Config for the knobs and DefaultConfig for production
// defaults.
package threadline
