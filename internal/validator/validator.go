// Package validator rejects submissions that reference restricted APIs or
// obvious unbounded loops before anything is compiled or run. It is an early
// rejection layer; the sandbox remains the security boundary.
package validator

import (
	"regexp"
	"strings"
)

// Severity levels for matched rules.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Rule is one denylisted pattern. A nil Languages list applies to every language.
type Rule struct {
	Name        string
	Description string
	Languages   []string
	Regex       *regexp.Regexp
	Severity    Severity
	Loop        bool // coarse infinite-loop heuristic, can be switched off
}

func (r Rule) appliesTo(language string) bool {
	if r.Languages == nil {
		return true
	}
	for _, l := range r.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// Violation is a matched rule.
type Violation struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// Validator scans source text line by line against its rules.
type Validator struct {
	rules          []Rule
	loopHeuristics bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithoutLoopHeuristics disables the infinite-loop rules.
func WithoutLoopHeuristics() Option {
	return func(v *Validator) { v.loopHeuristics = false }
}

// WithRules appends extra rules after the defaults.
func WithRules(rules ...Rule) Option {
	return func(v *Validator) { v.rules = append(v.rules, rules...) }
}

// New creates a validator with the default rule set.
func New(opts ...Option) *Validator {
	v := &Validator{
		rules:          defaultRules(),
		loopHeuristics: true,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate returns every rule violation in source. It has no side effects and
// returns the same result for the same input.
func (v *Validator) Validate(language, source string) []Violation {
	var violations []Violation

	lines := strings.Split(source, "\n")
	for i, line := range lines {
		for _, r := range v.rules {
			if r.Loop && !v.loopHeuristics {
				continue
			}
			if !r.appliesTo(language) {
				continue
			}
			if r.Regex.MatchString(line) {
				violations = append(violations, Violation{
					Rule:     r.Name,
					Severity: r.Severity.String(),
					Detail:   r.Description,
					Line:     i + 1,
				})
			}
		}
	}

	return violations
}
