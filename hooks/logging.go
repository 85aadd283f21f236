package hooks

import (
	"context"

	"github.com/lodestarhq/threadline/compaction"
	"github.com/lodestarhq/threadline/logging"
	"github.com/lodestarhq/threadline/recall"
)

// LoggingHooks provides built-in logging hooks for observability
type LoggingHooks struct {
	logger logging.Logger
}

// NewLoggingHooks creates logging hooks with the provided logger. A nil
// logger discards output.
func NewLoggingHooks(logger logging.Logger) *LoggingHooks {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LoggingHooks{logger: logger}
}

// Register attaches all logging hooks to the registry
func (h *LoggingHooks) Register(r *Registry) {
	r.OnBeforeTurn(h.BeforeTurn)
	r.OnAfterTurn(h.AfterTurn)
	r.OnBeforeCompaction(h.BeforeCompaction)
	r.OnAfterCompaction(h.AfterCompaction)
}

// BeforeTurn logs the incoming transcript size
func (h *LoggingHooks) BeforeTurn(ctx context.Context, req *recall.TurnRequest) error {
	h.logger.Debug("preparing turn",
		"session_id", req.SessionID,
		"messages", len(req.Messages))
	return nil
}

// AfterTurn logs what preparation did to the transcript
func (h *LoggingHooks) AfterTurn(ctx context.Context, res *recall.TurnResult) error {
	h.logger.Debug("turn prepared",
		"messages", len(res.Messages),
		"trimmed", res.TrimmedCount,
		"injected", res.Injected,
		"recall_tokens", res.RecallTokens)
	return nil
}

// BeforeCompaction logs the start of a compaction
func (h *LoggingHooks) BeforeCompaction(ctx context.Context, sessionID string) error {
	h.logger.Info("compaction starting", "session_id", sessionID)
	return nil
}

// AfterCompaction logs the compaction outcome
func (h *LoggingHooks) AfterCompaction(ctx context.Context, result *compaction.Result) error {
	h.logger.Info("compaction finished",
		"tokens_before", result.TokensBefore,
		"fast_path", result.UsedFastPath,
		"fallback", result.UsedFallback,
		"duration", result.Duration)
	return nil
}
