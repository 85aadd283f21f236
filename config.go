package threadline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lodestarhq/threadline/compaction"
	"github.com/lodestarhq/threadline/trim"
)

// Default configuration values. The budget ratios are shared with the
// compaction package so the two never drift.
const (
	DefaultContextWindowTokens = compaction.DefaultContextWindowTokens
	DefaultMaxHistoryShare     = compaction.DefaultMaxHistoryShare
	DefaultSafetyMargin        = compaction.DefaultSafetyMargin
	DefaultBaseChunkRatio      = compaction.DefaultBaseChunkRatio
	DefaultMinChunkRatio       = compaction.DefaultMinChunkRatio
	DefaultModel               = compaction.DefaultModel
	DefaultSummaryMaxTokens    = compaction.DefaultSummaryMaxTokens

	// DefaultRecallHardCap bounds the injected recall block.
	DefaultRecallHardCap = 2000

	// DefaultProtectRecent is how many recent messages trimming never
	// touches. Fixed at trim.ProtectRecent.
	DefaultProtectRecent = trim.ProtectRecent
)

// Config holds engine configuration. The zero value is not usable; start
// from DefaultConfig or let New apply defaults.
type Config struct {
	// ContextWindowTokens is the context window of the target model.
	// Default: 200000
	ContextWindowTokens int `yaml:"context_window_tokens"`

	// MaxHistoryShare is the fraction (0-1] of the context window that
	// conversation history may occupy. The remainder is reserved for the
	// system prompt and the model's reply.
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

	// RecallHardCap bounds the recall block injected each turn, in tokens.
	// Default: 2000
	RecallHardCap int `yaml:"recall_hard_cap"`

	// Model is the model used for summarization. Using a faster/cheaper
	// model is recommended.
	// Default: "claude-3-5-haiku-20241022"
	Model string `yaml:"model"`

	// SummaryMaxTokens is the maximum tokens for a summary response.
	// Default: 4096
	SummaryMaxTokens int `yaml:"summary_max_tokens"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		ContextWindowTokens: DefaultContextWindowTokens,
		MaxHistoryShare:     DefaultMaxHistoryShare,
		SafetyMargin:        DefaultSafetyMargin,
		BaseChunkRatio:      DefaultBaseChunkRatio,
		MinChunkRatio:       DefaultMinChunkRatio,
		RecallHardCap:       DefaultRecallHardCap,
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
	if c.RecallHardCap == 0 {
		c.RecallHardCap = DefaultRecallHardCap
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

	if c.BaseChunkRatio <= 0 || c.BaseChunkRatio > 1.0 {
		return fmt.Errorf("%w: base_chunk_ratio must be between 0 and 1, got %f", ErrInvalidConfig, c.BaseChunkRatio)
	}

	if c.MinChunkRatio <= 0 || c.MinChunkRatio > c.BaseChunkRatio {
		return fmt.Errorf("%w: min_chunk_ratio must be positive and at most base_chunk_ratio, got %f", ErrInvalidConfig, c.MinChunkRatio)
	}

	if c.RecallHardCap <= 0 {
		return fmt.Errorf("%w: recall_hard_cap must be positive, got %d", ErrInvalidConfig, c.RecallHardCap)
	}

	if c.ContextWindowTokens-c.ReserveTokens() <= c.RecallHardCap {
		return fmt.Errorf("%w: context window leaves no transcript budget after the reserve and recall cap", ErrInvalidConfig)
	}

	if c.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}

	if c.SummaryMaxTokens <= 0 {
		return fmt.Errorf("%w: summary_max_tokens must be positive, got %d", ErrInvalidConfig, c.SummaryMaxTokens)
	}

	return nil
}

// ReserveTokens is the window share held back from history for the system
// prompt and the model's reply.
func (c *Config) ReserveTokens() int {
	return int(float64(c.ContextWindowTokens) * (1 - c.MaxHistoryShare))
}

// LoadConfig reads a YAML config file. Fields absent from the file keep
// their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
