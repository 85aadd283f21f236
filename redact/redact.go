// Package redact scrubs credentials and markup from text before it is
// archived. Rules run in order; markup is stripped first so patterns see
// plain text.
package redact

import (
	"html"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

// Rule rewrites every match of Pattern to Replace. Replace may reference
// capture groups ($1, $2).
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Replace string
}

// Config configures a Redactor.
type Config struct {
	// Rules run before the built-ins, in order.
	Rules []Rule

	// DisableBuiltins skips the stock credential rules.
	DisableBuiltins bool

	// KeepHTML skips markup stripping.
	KeepHTML bool
}

// Builtins returns the stock credential rules: API keys, bearer tokens,
// AWS access keys, and password assignments.
func Builtins() []Rule {
	return []Rule{
		{
			Name:    "api-key",
			Pattern: regexp.MustCompile(`\b(?:sk-|api[_-]?key[_-]?|token[_-]?)[A-Za-z0-9]{20,}\b`),
			Replace: "[REDACTED:api-key]",
		},
		{
			Name:    "bearer-token",
			Pattern: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`),
			Replace: "[REDACTED:bearer-token]",
		},
		{
			Name:    "aws-key",
			Pattern: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
			Replace: "[REDACTED:aws-key]",
		},
		{
			Name:    "password",
			Pattern: regexp.MustCompile(`(?i)\b(password|passwd|pwd)(\s*[:=]\s*)\S+`),
			Replace: "$1$2[REDACTED:password]",
		},
	}
}

// Redactor applies ordered rules and strips markup. Safe for concurrent
// use.
type Redactor struct {
	rules  []Rule
	policy *bluemonday.Policy
}

// New builds a Redactor from cfg.
func New(cfg Config) *Redactor {
	rules := append([]Rule(nil), cfg.Rules...)
	if !cfg.DisableBuiltins {
		rules = append(rules, Builtins()...)
	}

	r := &Redactor{rules: rules}
	if !cfg.KeepHTML {
		r.policy = bluemonday.StrictPolicy()
	}
	return r
}

// Redact scrubs text.
func (r *Redactor) Redact(text string) string {
	if text == "" {
		return ""
	}
	if r.policy != nil {
		// Sanitize entity-escapes the text it keeps; unescape restores
		// the plain characters.
		text = html.UnescapeString(r.policy.Sanitize(text))
	}
	for _, rule := range r.rules {
		text = rule.Pattern.ReplaceAllString(text, rule.Replace)
	}
	return text
}
