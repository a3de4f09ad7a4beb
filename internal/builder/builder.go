// Package builder turns a job's source into something the runner can execute.
package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"judge-engine/internal/runtime"
	"judge-engine/internal/sandbox"
)

// maxDiagnosticBytes bounds the compiler output handed back to the caller.
const maxDiagnosticBytes = 16 << 10

// ErrBuild marks compile failures caused by the submission.
var ErrBuild = errors.New("compilation failed")

// CompileError carries toolchain output for a failed build.
type CompileError struct {
	Diagnostics string
}

func (e *CompileError) Error() string {
	return "compilation failed"
}

func (e *CompileError) Unwrap() error {
	return ErrBuild
}

// Executor runs one command under limits. *sandbox.Runner implements it.
type Executor interface {
	Run(ctx context.Context, cmd sandbox.Command, input string, limits sandbox.ResourceLimits) (*sandbox.Result, error)
}

// Source is the input to a build.
type Source struct {
	JobID       string
	Language    string
	Code        string
	Dir         string // job workspace, must already exist
	MemoryBytes int64  // run-time memory budget, used by runtimes that size their heap
}

// Artifact is the executable form of a job. It lives inside the job
// workspace and is removed with it.
type Artifact struct {
	JobID       string
	Language    string
	Dir         string
	Run         sandbox.Command
	Compiled    bool
	CompileTime time.Duration
}

// Builder writes sources and runs the language toolchain through the runner.
type Builder struct {
	registry *runtime.Registry
	exec     Executor
	limits   sandbox.ResourceLimits
}

func New(registry *runtime.Registry, exec Executor, compileLimits sandbox.ResourceLimits) *Builder {
	return &Builder{
		registry: registry,
		exec:     exec,
		limits:   compileLimits,
	}
}

// Build writes src.Code into the workspace and compiles it when the language
// has a build step. A failed compile returns *CompileError; other errors are
// infrastructure failures.
func (b *Builder) Build(ctx context.Context, src Source) (*Artifact, error) {
	rt, err := b.registry.Get(src.Language)
	if err != nil {
		return nil, err
	}

	name := rt.SourceFile(src.Code)
	if err := os.WriteFile(filepath.Join(src.Dir, name), []byte(src.Code), 0o644); err != nil { // #nosec G306 -- read by the unprivileged container user
		return nil, fmt.Errorf("writing source: %w", err)
	}

	art := &Artifact{
		JobID:    src.JobID,
		Language: src.Language,
		Dir:      src.Dir,
		Run: sandbox.Command{
			Args:  rt.RunCommand(src.Code, src.MemoryBytes),
			Dir:   src.Dir,
			Image: rt.Image(),
		},
	}

	argv := rt.CompileCommand(src.Code)
	if argv == nil {
		return art, nil
	}

	start := time.Now()
	res, err := b.exec.Run(ctx, sandbox.Command{
		Name:     src.JobID + "-compile",
		Args:     argv,
		Dir:      src.Dir,
		Image:    rt.Image(),
		Writable: true,
	}, "", b.limits)
	art.CompileTime = time.Since(start)

	if err != nil {
		return nil, b.compileFailure(src, res, err)
	}

	art.Compiled = true
	log.Debug().
		Str("job_id", src.JobID).
		Str("language", src.Language).
		Dur("compile_time", art.CompileTime).
		Msg("build succeeded")
	return art, nil
}

func (b *Builder) compileFailure(src Source, res *sandbox.Result, err error) error {
	var execErr *sandbox.ExecutionError
	if errors.As(err, &execErr) {
		return fmt.Errorf("running compiler: %w", err)
	}

	var diag string
	switch {
	case errors.Is(err, sandbox.ErrTimeLimit):
		diag = "compilation timed out"
	case errors.Is(err, sandbox.ErrMemoryLimit):
		diag = "compiler exceeded its memory limit"
	case errors.Is(err, sandbox.ErrOutputLimit):
		diag = "compiler output exceeded its limit"
	default:
		if res != nil {
			diag = diagnostics(res.Stdout+res.Stderr, src.Dir)
		}
		if diag == "" {
			diag = err.Error()
		}
	}

	log.Debug().
		Str("job_id", src.JobID).
		Str("language", src.Language).
		Bool("limit", sandbox.IsLimit(err)).
		Err(err).
		Msg("build failed")
	return &CompileError{Diagnostics: diag}
}

// diagnostics strips host paths and bounds the toolchain output.
func diagnostics(out, dir string) string {
	out = strings.ReplaceAll(out, dir+string(filepath.Separator), "")
	out = strings.ReplaceAll(out, sandbox.ContainerWorkdir+"/", "")
	out = strings.TrimSpace(out)
	if len(out) > maxDiagnosticBytes {
		out = out[:maxDiagnosticBytes] + "\n... [truncated]"
	}
	return out
}
