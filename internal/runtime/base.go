package runtime

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/shlex"

	"judge-engine/internal/config"
)

// ErrUnsupportedLanguage is returned for languages outside the registry.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Runtime defines how to build and execute code for a specific language.
// All paths are relative to the job workspace.
type Runtime interface {
	// Name returns the language identifier (e.g., "cpp", "java").
	Name() string

	// Image returns the container image used under docker isolation.
	Image() string

	// FileExtension returns the file extension for source files (e.g., ".cpp").
	FileExtension() string

	// SourceFile returns the name the source must be saved under.
	SourceFile(code string) string

	// CompileCommand returns the toolchain argv, or nil when the language is
	// interpreted and has no build step.
	CompileCommand(code string) []string

	// RunCommand returns the argv that executes the built program with the
	// given memory budget.
	RunCommand(code string, memoryBytes int64) []string
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with the four supported languages, applying
// toolchain overrides from cfg.
func NewRegistry(cfg config.LanguagesConfig) (*Registry, error) {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}

	cpp, err := newCPPRuntime(cfg.CPP)
	if err != nil {
		return nil, fmt.Errorf("cpp: %w", err)
	}
	c, err := newCRuntime(cfg.C)
	if err != nil {
		return nil, fmt.Errorf("c: %w", err)
	}
	java, err := newJavaRuntime(cfg.Java)
	if err != nil {
		return nil, fmt.Errorf("java: %w", err)
	}
	python, err := newPythonRuntime(cfg.Python)
	if err != nil {
		return nil, fmt.Errorf("python: %w", err)
	}

	r.Register(cpp)
	r.Register(c)
	r.Register(java)
	r.Register(python)
	return r, nil
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedLanguage, language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Images returns all container images needed by registered runtimes.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		images = append(images, rt.Image())
	}
	sort.Strings(images)
	return images
}

// Compiled reports whether rt has a build step.
func Compiled(rt Runtime) bool {
	return rt.CompileCommand("") != nil
}

// splitFlags parses a shell-style flag string; empty input yields fallback.
func splitFlags(flags string, fallback []string) ([]string, error) {
	if strings.TrimSpace(flags) == "" {
		return fallback, nil
	}
	parts, err := shlex.Split(flags)
	if err != nil {
		return nil, fmt.Errorf("parsing flags %q: %w", flags, err)
	}
	return parts, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
