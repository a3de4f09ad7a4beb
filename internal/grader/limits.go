package grader

import (
	"fmt"

	"judge-engine/internal/admission"
	"judge-engine/internal/config"
	"judge-engine/internal/runtime"
	"judge-engine/internal/sandbox"
)

// LimitTable holds the fixed limits for every language and mode.
type LimitTable struct {
	run    map[string]sandbox.ResourceLimits
	submit map[string]sandbox.ResourceLimits
}

// NewLimitTable converts per-language config into runner limits and
// validates them.
func NewLimitTable(cfg config.LanguagesConfig) (LimitTable, error) {
	t := LimitTable{
		run:    make(map[string]sandbox.ResourceLimits),
		submit: make(map[string]sandbox.ResourceLimits),
	}
	for _, lang := range []string{"c", "cpp", "java", "python"} {
		lc, _ := cfg.Get(lang)
		run, submit := fromConfig(lc.Run), fromConfig(lc.Submit)
		if err := run.Validate(); err != nil {
			return LimitTable{}, fmt.Errorf("%s run limits: %w", lang, err)
		}
		if err := submit.Validate(); err != nil {
			return LimitTable{}, fmt.Errorf("%s submit limits: %w", lang, err)
		}
		t.run[lang] = run
		t.submit[lang] = submit
	}
	return t, nil
}

// For returns the limits applied to language in mode.
func (t LimitTable) For(language string, mode admission.Mode) (sandbox.ResourceLimits, error) {
	table := t.run
	if mode == admission.ModeSubmit {
		table = t.submit
	}
	l, ok := table[language]
	if !ok {
		return sandbox.ResourceLimits{}, fmt.Errorf("%w: %q", runtime.ErrUnsupportedLanguage, language)
	}
	return l, nil
}

func fromConfig(l config.Limits) sandbox.ResourceLimits {
	return sandbox.ResourceLimits{
		CPUTimeMS:      l.CPUTimeMS,
		WallTimeMS:     l.WallTimeMS,
		MemoryBytes:    l.MemoryBytes,
		MaxInputBytes:  l.MaxInputBytes,
		MaxOutputBytes: l.MaxOutputBytes,
		MaxStderrBytes: l.MaxStderrBytes,
		PidsLimit:      l.PidsLimit,
	}
}

// earlyExit reports, per language, whether a suite stops after a time limit
// beyond the first test.
type earlyExit func(language string) bool

func parseEarlyExit(policy string) (earlyExit, error) {
	switch policy {
	case "", "all":
		return func(string) bool { return true }, nil
	case "compiled":
		return func(lang string) bool { return lang == "c" || lang == "cpp" || lang == "java" }, nil
	case "never":
		return func(string) bool { return false }, nil
	default:
		return nil, fmt.Errorf("unknown early exit policy %q", policy)
	}
}
