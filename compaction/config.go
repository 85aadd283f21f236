package compaction

import (
	"fmt"
)

// Default configuration values based on production gateway deployments.
const (
	DefaultContextWindowTokens = 200000 // Claude-class context window
	DefaultMaxHistoryShare     = 0.65   // 65% of the window may hold history
	DefaultSafetyMargin        = 0.90   // absorbs token-estimation error
	DefaultBaseChunkRatio      = 0.30   // chunk budget share for small messages
	DefaultMinChunkRatio       = 0.10   // chunk budget share for huge messages
	DefaultLargeMessageTokens  = 1000   // average size at which chunks bottom out
	DefaultModel               = "claude-3-5-haiku-20241022"
	DefaultSummaryMaxTokens    = 4096 // max tokens for the summary response
)

// Config holds compaction configuration.
type Config struct {
	// ContextWindowTokens is the context window of the target model.
	// Default: 200000
	ContextWindowTokens int `yaml:"context_window_tokens"`

	// MaxHistoryShare is the fraction (0-1] of the context window that
	// conversation history may occupy.
	// Default: 0.65
	MaxHistoryShare float64 `yaml:"max_history_share"`

	// SafetyMargin is a multiplier (<1) applied to budget ceilings to
	// absorb token-estimation error.
	// Default: 0.90
	SafetyMargin float64 `yaml:"safety_margin"`

	// BaseChunkRatio is the share of the context window a summarization
	// chunk may use when messages are small.
	// Default: 0.30
	BaseChunkRatio float64 `yaml:"base_chunk_ratio"`

	// MinChunkRatio is the floor the chunk share shrinks to as average
	// message size grows.
	// Default: 0.10
	MinChunkRatio float64 `yaml:"min_chunk_ratio"`

	// LargeMessageTokens is the average message size at which the chunk
	// ratio reaches MinChunkRatio.
	// Default: 1000
	LargeMessageTokens int `yaml:"large_message_tokens"`

	// Model is the model used for summarization. Using a faster/cheaper
	// model is recommended.
	// Default: "claude-3-5-haiku-20241022"
	Model string `yaml:"model"`

	// SummaryMaxTokens is the maximum tokens for a summary response.
	// Default: 4096
	SummaryMaxTokens int `yaml:"summary_max_tokens"`

	// ReserveTokens is the output/prompt reserve subtracted from the
	// window when computing turn budgets. Zero derives it from
	// MaxHistoryShare.
	ReserveTokens int `yaml:"reserve_tokens"`

	// ArchivalFastPath skips model summarization entirely and builds a
	// structured summary from message text. Only sensible when an archive
	// store makes the full history recoverable.
	ArchivalFastPath bool `yaml:"archival_fast_path"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		ContextWindowTokens: DefaultContextWindowTokens,
		MaxHistoryShare:     DefaultMaxHistoryShare,
		SafetyMargin:        DefaultSafetyMargin,
		BaseChunkRatio:      DefaultBaseChunkRatio,
		MinChunkRatio:       DefaultMinChunkRatio,
		LargeMessageTokens:  DefaultLargeMessageTokens,
		Model:               DefaultModel,
		SummaryMaxTokens:    DefaultSummaryMaxTokens,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.ContextWindowTokens == 0 {
		c.ContextWindowTokens = DefaultContextWindowTokens
	}
	if c.MaxHistoryShare == 0 {
		c.MaxHistoryShare = DefaultMaxHistoryShare
	}
	if c.SafetyMargin == 0 {
		c.SafetyMargin = DefaultSafetyMargin
	}
	if c.BaseChunkRatio == 0 {
		c.BaseChunkRatio = DefaultBaseChunkRatio
	}
	if c.MinChunkRatio == 0 {
		c.MinChunkRatio = DefaultMinChunkRatio
	}
	if c.LargeMessageTokens == 0 {
		c.LargeMessageTokens = DefaultLargeMessageTokens
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.SummaryMaxTokens == 0 {
		c.SummaryMaxTokens = DefaultSummaryMaxTokens
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ContextWindowTokens <= 0 {
		return fmt.Errorf("%w: context_window_tokens must be positive, got %d", ErrInvalidConfig, c.ContextWindowTokens)
	}

	if c.MaxHistoryShare <= 0 || c.MaxHistoryShare > 1.0 {
		return fmt.Errorf("%w: max_history_share must be between 0 and 1, got %f", ErrInvalidConfig, c.MaxHistoryShare)
	}

	if c.SafetyMargin <= 0 || c.SafetyMargin >= 1.0 {
		return fmt.Errorf("%w: safety_margin must be between 0 and 1 exclusive, got %f", ErrInvalidConfig, c.SafetyMargin)
	}

	if c.MinChunkRatio <= 0 || c.BaseChunkRatio <= 0 {
		return fmt.Errorf("%w: chunk ratios must be positive, got base=%f min=%f", ErrInvalidConfig, c.BaseChunkRatio, c.MinChunkRatio)
	}

	if c.MinChunkRatio > c.BaseChunkRatio {
		return fmt.Errorf("%w: min_chunk_ratio (%f) must not exceed base_chunk_ratio (%f)", ErrInvalidConfig, c.MinChunkRatio, c.BaseChunkRatio)
	}

	if c.BaseChunkRatio > 1.0 {
		return fmt.Errorf("%w: base_chunk_ratio must not exceed 1, got %f", ErrInvalidConfig, c.BaseChunkRatio)
	}

	if c.LargeMessageTokens <= 0 {
		return fmt.Errorf("%w: large_message_tokens must be positive, got %d", ErrInvalidConfig, c.LargeMessageTokens)
	}

	if c.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}

	if c.SummaryMaxTokens <= 0 {
		return fmt.Errorf("%w: summary_max_tokens must be positive, got %d", ErrInvalidConfig, c.SummaryMaxTokens)
	}

	if c.ReserveTokens < 0 {
		return fmt.Errorf("%w: reserve_tokens must be non-negative, got %d", ErrInvalidConfig, c.ReserveTokens)
	}

	return nil
}

// MaxHistoryTokens returns the token ceiling history may occupy after the
// safety margin is applied.
func (c *Config) MaxHistoryTokens() int {
	return int(float64(c.ContextWindowTokens) * c.MaxHistoryShare * c.SafetyMargin)
}

// EffectiveReserveTokens returns the configured reserve, deriving it from
// the history share when unset.
func (c *Config) EffectiveReserveTokens() int {
	if c.ReserveTokens > 0 {
		return c.ReserveTokens
	}
	return int(float64(c.ContextWindowTokens) * (1 - c.MaxHistoryShare))
}
