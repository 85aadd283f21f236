// Package recall implements the per-turn context pipeline: it trims the
// transcript to budget, archives what was trimmed, searches the archive and
// knowledge store for related material, and injects the results back into
// the turn as a single bounded block. Every step fails open so a broken
// store degrades recall instead of breaking the conversation.
package recall

import (
	"context"
	"strings"

	"github.com/lodestarhq/threadline/logging"
	"github.com/lodestarhq/threadline/repair"
	"github.com/lodestarhq/threadline/store"
	"github.com/lodestarhq/threadline/tokens"
	"github.com/lodestarhq/threadline/trim"
	"github.com/lodestarhq/threadline/types"
)

const (
	// MinScore is the hybrid search score floor for recalled segments.
	MinScore = 0.08

	// NeighborWindow is how far timeline expansion reaches around a hit.
	NeighborWindow = 2

	// KnowledgeLimit is how many facts one turn can recall.
	KnowledgeLimit = 10

	// minQueryLength is the shortest query worth trimming or recalling
	// for.
	minQueryLength = 3

	// segmentTokensPerResult sizes the search limit from the block budget.
	segmentTokensPerResult = 500

	// minSegmentResults is the search limit floor.
	minSegmentResults = 8
)

// Config configures the per-turn pipeline.
type Config struct {
	// ContextWindowTokens is the model's total context size.
	ContextWindowTokens int `json:"context_window_tokens"`

	// ReserveTokens is held back for the system prompt and the model's
	// reply.
	ReserveTokens int `json:"reserve_tokens"`

	// HardCap bounds the injected recall block.
	HardCap int `json:"hard_cap"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ContextWindowTokens <= 0 {
		c.ContextWindowTokens = 200000
	}
	if c.HardCap <= 0 {
		c.HardCap = 2000
	}
	if c.ReserveTokens < 0 {
		c.ReserveTokens = 0
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ContextWindowTokens <= 0 {
		return ErrInvalidConfig
	}
	if c.HardCap <= 0 {
		return ErrInvalidConfig
	}
	if c.ReserveTokens < 0 {
		return ErrInvalidConfig
	}
	if c.ContextWindowTokens <= c.ReserveTokens+c.HardCap {
		return ErrInvalidConfig
	}
	return nil
}

// safeLimit is the transcript budget once the reserve and the recall block
// are set aside.
func (c *Config) safeLimit() int {
	return c.ContextWindowTokens - c.ReserveTokens - c.HardCap
}

// Redactor removes sensitive content from text before it leaves the turn.
type Redactor interface {
	Redact(text string) string
}

// TurnRequest describes one turn to prepare.
type TurnRequest struct {
	SessionID    string           `json:"session_id"`
	Messages     []*types.Message `json:"messages"`
	CachedPrompt string           `json:"cached_prompt,omitempty"`
}

// TurnResult is the outcome of preparing a turn. Messages is
// reference-equal to the request's slice when nothing changed.
type TurnResult struct {
	Messages     []*types.Message `json:"messages"`
	Query        string           `json:"query"`
	DidTrim      bool             `json:"did_trim"`
	TrimmedCount int              `json:"trimmed_count"`
	Injected     bool             `json:"injected"`
	RecallTokens int              `json:"recall_tokens"`
}

// Option configures an Injector.
type Option func(*Injector)

// WithArchiver sets the background archival queue for trimmed messages.
func WithArchiver(enqueuer Enqueuer) Option {
	return func(inj *Injector) { inj.archiver = enqueuer }
}

// WithEstimator overrides the token estimator.
func WithEstimator(estimator tokens.Estimator) Option {
	return func(inj *Injector) {
		if estimator != nil {
			inj.estimator = estimator
		}
	}
}

// WithRedactor sets the redactor applied to archived content.
func WithRedactor(redactor Redactor) Option {
	return func(inj *Injector) { inj.redactor = redactor }
}

// WithPrefixStripper sets the channel prefix stripper applied to queries
// and archived content.
func WithPrefixStripper(strip func(string) string) Option {
	return func(inj *Injector) { inj.stripPrefix = strip }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(inj *Injector) {
		if logger != nil {
			inj.logger = logger
		}
	}
}

// Injector prepares turns. Safe for concurrent use across sessions; turns
// of one session are expected to run sequentially.
type Injector struct {
	cfg         Config
	archive     store.Archive
	knowledge   store.KnowledgeStore
	archiver    Enqueuer
	estimator   tokens.Estimator
	redactor    Redactor
	stripPrefix func(string) string
	trimmer     *trim.Trimmer
	logger      logging.Logger
}

// NewInjector creates the per-turn pipeline. archive and knowledge may be
// nil; the corresponding recall source is skipped.
func NewInjector(cfg Config, archive store.Archive, knowledge store.KnowledgeStore, opts ...Option) (*Injector, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	inj := &Injector{
		cfg:       cfg,
		archive:   archive,
		knowledge: knowledge,
		estimator: tokens.NewHeuristic(),
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(inj)
	}
	inj.trimmer = trim.New(inj.estimator, inj.logger)
	return inj, nil
}

// PrepareTurn runs the pipeline: strip prior recall blocks, derive the
// query, trim to budget, archive trimmed messages, search, expand, inject
// one bounded recall block, and guard the final total.
func (inj *Injector) PrepareTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	if req == nil {
		return nil, ErrInvalidConfig
	}
	if len(req.Messages) == 0 {
		return &TurnResult{Messages: req.Messages}, nil
	}

	messages := StripBlocks(req.Messages)
	query := BuildQuery(messages, req.CachedPrompt, inj.stripPrefix)

	if len(strings.TrimSpace(query)) < minQueryLength {
		return &TurnResult{Messages: messages, Query: query}, nil
	}

	safeLimit := inj.cfg.safeLimit()
	trimRes := inj.trimmer.Trim(messages, query, safeLimit)
	messages = trimRes.Kept

	if trimRes.DidTrim {
		messages, _ = repair.Transcript(messages, inj.logger)
		inj.enqueueTrimmed(req.SessionID, trimRes.Trimmed)
	}

	result := &TurnResult{
		Query:        query,
		DidTrim:      trimRes.DidTrim,
		TrimmedCount: len(trimRes.Trimmed),
	}

	block := inj.buildRecallBlock(ctx, req.SessionID, query)
	if block != "" {
		injected := insertRecallMessage(messages, newRecallMessage(req.SessionID, block))
		total := tokens.Sum(inj.estimator, injected)
		if total > safeLimit+inj.cfg.HardCap {
			inj.logger.Warn("recall block discarded, turn would exceed budget",
				"session_id", req.SessionID,
				"total_tokens", total,
				"budget", safeLimit+inj.cfg.HardCap)
		} else {
			messages = injected
			result.Injected = true
			result.RecallTokens = inj.estimator.EstimateText(block)
		}
	}

	result.Messages = repair.SanitizeToolPairing(messages)
	return result, nil
}

// buildRecallBlock searches both recall sources and renders the block.
// Store failures are logged and treated as empty results.
func (inj *Injector) buildRecallBlock(ctx context.Context, sessionID, query string) string {
	var segments []ScoredSegment
	if inj.archive != nil {
		raw := inj.archive.Raw(sessionID)
		hits, err := raw.HybridSearch(ctx, query, inj.segmentLimit(), MinScore, store.DefaultWeights())
		if err != nil {
			inj.logger.Warn("archive search failed",
				"session_id", sessionID, "error", err)
		} else if len(hits) > 0 {
			segments = ExpandNeighbors(ctx, raw, hits, NeighborWindow, inj.logger)
		}
	}

	var facts []store.Fact
	if inj.knowledge != nil {
		found, err := inj.knowledge.Search(ctx, query, KnowledgeLimit)
		if err != nil {
			inj.logger.Warn("knowledge search failed",
				"session_id", sessionID, "error", err)
		} else {
			facts = found
		}
	}

	return BuildBlock(facts, segments, inj.cfg.HardCap, inj.estimator)
}

// segmentLimit scales the archive search limit with the block budget.
func (inj *Injector) segmentLimit() int {
	limit := (inj.cfg.HardCap + segmentTokensPerResult - 1) / segmentTokensPerResult
	if limit < minSegmentResults {
		limit = minSegmentResults
	}
	return limit
}

// enqueueTrimmed hands trimmed user and assistant messages to the archiver
// after prefix stripping and redaction. Drops are counted, not retried.
func (inj *Injector) enqueueTrimmed(sessionID string, trimmed []*types.Message) {
	if inj.archiver == nil {
		return
	}

	dropped := 0
	for _, msg := range trimmed {
		if msg == nil || (msg.Role != types.RoleUser && msg.Role != types.RoleAssistant) {
			continue
		}
		text := msg.Text()
		if inj.stripPrefix != nil {
			text = inj.stripPrefix(text)
		}
		if inj.redactor != nil {
			text = inj.redactor.Redact(text)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		if err := inj.archiver.Enqueue(Job{
			SessionID: sessionID,
			Role:      string(msg.Role),
			Content:   text,
		}); err != nil {
			dropped++
		}
	}
	if dropped > 0 {
		inj.logger.Warn("archival queue full, dropped trimmed segments",
			"session_id", sessionID, "dropped", dropped)
	}
}

// newRecallMessage wraps a block in a synthetic user message.
func newRecallMessage(sessionID, block string) *types.Message {
	return types.NewUserMessage(sessionID, block)
}

// insertRecallMessage places the block after the first user or assistant
// message so the system prompt and any leading summary stay ahead of it.
func insertRecallMessage(messages []*types.Message, block *types.Message) []*types.Message {
	pos := len(messages)
	for i, msg := range messages {
		if msg != nil && (msg.Role == types.RoleUser || msg.Role == types.RoleAssistant) {
			pos = i + 1
			break
		}
	}

	out := make([]*types.Message, 0, len(messages)+1)
	out = append(out, messages[:pos]...)
	out = append(out, block)
	out = append(out, messages[pos:]...)
	return out
}
