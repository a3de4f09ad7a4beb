// Package grader drives a job through validation, build and execution and
// turns the results into a verdict.
package grader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"judge-engine/internal/admission"
	"judge-engine/internal/builder"
	"judge-engine/internal/monitor"
	"judge-engine/internal/sandbox"
	"judge-engine/internal/validator"
)

var (
	// ErrNoTestCases is returned for a problem with an empty hidden suite.
	ErrNoTestCases = errors.New("problem has no test cases")
	// ErrSuiteRejected means the hidden suite itself cannot be run within the
	// language limits. It is a fault of the problem data, not the submission.
	ErrSuiteRejected = errors.New("hidden test suite rejected")
)

// Job is one accepted request. It is not modified once grading starts.
type Job struct {
	ID        string
	Mode      admission.Mode
	Language  string
	Source    string
	ProblemID string // submit mode
	Input     string // run mode
	UserID    string
	RequestID string
}

// NewJob assigns a fresh job id.
func NewJob(mode admission.Mode, language, source string) *Job {
	return &Job{
		ID:       uuid.NewString(),
		Mode:     mode,
		Language: language,
		Source:   source,
	}
}

// RunOutput is the result of a run-mode job.
type RunOutput struct {
	JobID           string
	Output          string
	ExecutionTimeMS int64
	PeakMemoryBytes int64
}

// Validator finds restricted constructs in source.
type Validator interface {
	Validate(language, source string) []validator.Violation
}

// Builder writes and compiles a job's source.
type Builder interface {
	Build(ctx context.Context, src builder.Source) (*builder.Artifact, error)
}

// TestSource fetches hidden inputs and checks outputs. There is deliberately
// no way to read an expected output through it.
type TestSource interface {
	FetchInputs(ctx context.Context, problemID string) ([]string, error)
	Verify(ctx context.Context, problemID string, index int, output string) (bool, error)
}

// Workspaces hands out and reclaims per-job directories.
type Workspaces interface {
	Create(jobID string) (string, error)
	Cleanup(jobID string) error
}

// Deps are the collaborators of a Grader.
type Deps struct {
	Validator  Validator
	Builder    Builder
	Executor   builder.Executor
	Tests      TestSource
	Workspaces Workspaces
	Limits     LimitTable
	EarlyExit  string
	Metrics    *monitor.Metrics
	Tracer     *monitor.Tracer
}

// Grader runs jobs. It is safe for concurrent use; each job owns its
// workspace and tests within a job run one after another.
type Grader struct {
	validator  Validator
	builder    Builder
	exec       builder.Executor
	tests      TestSource
	workspaces Workspaces
	limits     LimitTable
	earlyExit  earlyExit
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
}

func New(d Deps) (*Grader, error) {
	ee, err := parseEarlyExit(d.EarlyExit)
	if err != nil {
		return nil, err
	}
	if d.Metrics == nil {
		d.Metrics = monitor.NewMetrics()
	}
	if d.Tracer == nil {
		d.Tracer = monitor.NewTracer()
	}
	return &Grader{
		validator:  d.Validator,
		builder:    d.Builder,
		exec:       d.Executor,
		tests:      d.Tests,
		workspaces: d.Workspaces,
		limits:     d.Limits,
		earlyExit:  ee,
		metrics:    d.Metrics,
		tracer:     d.Tracer,
	}, nil
}

func (g *Grader) logger(job *Job) zerolog.Logger {
	return log.With().
		Str("job_id", job.ID).
		Str("mode", string(job.Mode)).
		Str("language", job.Language).
		Str("request_id", job.RequestID).
		Logger()
}

// Grade runs a submit-mode job against the problem's hidden suite.
func (g *Grader) Grade(ctx context.Context, job *Job) (*Verdict, error) {
	start := time.Now()
	logger := g.logger(job)
	ctx, span := g.tracer.StartSpan(ctx, "grade",
		monitor.AttrJobID.String(job.ID),
		monitor.AttrLanguage.String(job.Language),
		monitor.AttrProblemID.String(job.ProblemID),
	)
	defer span.End()

	g.metrics.ActiveJobs.Inc()
	defer g.metrics.ActiveJobs.Dec()

	v, err := g.grade(ctx, job, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().Err(err).Msg("grading aborted")
		return nil, err
	}

	v.JobID = job.ID
	span.SetAttributes(monitor.AttrVerdict.String(string(v.Kind)))
	g.metrics.RecordJob(string(admission.ModeSubmit), job.Language, string(v.Kind), time.Since(start).Seconds())
	logger.Info().
		Str("verdict", string(v.Kind)).
		Int("passed", v.PassedCount).
		Int("total", v.TotalCount).
		Int64("execution_time_ms", v.TotalExecutionTimeMS).
		Msg("submission graded")
	return v, nil
}

func (g *Grader) grade(ctx context.Context, job *Job, logger zerolog.Logger) (*Verdict, error) {
	limits, err := g.limits.For(job.Language, admission.ModeSubmit)
	if err != nil {
		return nil, err
	}

	inputs, err := g.tests.FetchInputs(ctx, job.ProblemID)
	if err != nil {
		g.metrics.RecordUpstreamError("fetch_inputs")
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTestCases, job.ProblemID)
	}
	total := len(inputs)
	for i, raw := range inputs {
		if n := int64(len(NormalizeInput(raw))); n > limits.MaxInputBytes {
			logger.Error().Int("index", i).Int64("bytes", n).Int64("limit", limits.MaxInputBytes).Msg("hidden input exceeds the input limit")
			return nil, fmt.Errorf("%w: test %d input is %d bytes, limit %d", ErrSuiteRejected, i, n, limits.MaxInputBytes)
		}
	}

	if violations := g.validate(ctx, job, logger); len(violations) > 0 {
		return &Verdict{Kind: KindSecurityViolation, TotalCount: total, Violations: violations}, nil
	}

	dir, err := g.workspaces.Create(job.ID)
	if err != nil {
		return nil, err
	}
	defer g.cleanup(job, logger)

	art, err := g.build(ctx, job, dir, limits)
	if err != nil {
		var ce *builder.CompileError
		if errors.As(err, &ce) {
			return &Verdict{Kind: KindCompilationError, TotalCount: total, CompileOutput: ce.Diagnostics}, nil
		}
		return nil, err
	}

	outcomes := make([]TestOutcome, 0, total)
	for i, raw := range inputs {
		outcome, err := g.runTest(ctx, job, art, i, raw, limits)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)

		if outcome.Failure == KindTimeLimit && i >= 1 && g.earlyExit(job.Language) {
			logger.Debug().Int("index", i).Msg("stopping suite after time limit")
			break
		}
	}
	return Aggregate(outcomes), nil
}

func (g *Grader) runTest(ctx context.Context, job *Job, art *builder.Artifact, i int, raw string, limits sandbox.ResourceLimits) (TestOutcome, error) {
	ctx, span := g.tracer.StartSpan(ctx, "run_test", monitor.AttrTestIndex.Int(i))
	defer span.End()

	cmd := art.Run
	cmd.Name = fmt.Sprintf("%s-t%d", job.ID, i)
	res, err := g.exec.Run(ctx, cmd, NormalizeInput(raw), limits)

	outcome := TestOutcome{Index: i}
	if res != nil {
		outcome.ExecutionTimeMS = res.Duration.Milliseconds()
	}

	if err != nil {
		kind, ok := kindOf(err)
		if !ok {
			return outcome, err
		}
		outcome.Failure = kind
		g.metrics.RecordTestRun(job.Language, string(kind))
		return outcome, nil
	}

	ok, err := g.tests.Verify(ctx, job.ProblemID, i, strings.TrimSpace(res.Stdout))
	if err != nil {
		g.metrics.RecordUpstreamError("verify")
		return outcome, err
	}
	outcome.Passed = ok
	if !ok {
		outcome.Failure = KindWrongAnswer
	}
	g.metrics.RecordTestRun(job.Language, string(outcomeKind(outcome)))
	return outcome, nil
}

func outcomeKind(o TestOutcome) Kind {
	if o.Failure != "" {
		return o.Failure
	}
	return KindAccepted
}

// Run executes a run-mode job once against its custom input. Submission
// faults come back as *Failure; any other error is an engine failure.
func (g *Grader) Run(ctx context.Context, job *Job) (*RunOutput, error) {
	start := time.Now()
	logger := g.logger(job)
	ctx, span := g.tracer.StartSpan(ctx, "run",
		monitor.AttrJobID.String(job.ID),
		monitor.AttrLanguage.String(job.Language),
	)
	defer span.End()

	g.metrics.ActiveJobs.Inc()
	defer g.metrics.ActiveJobs.Dec()

	out, err := g.run(ctx, job, logger)

	verdict := KindAccepted
	var f *Failure
	switch {
	case errors.As(err, &f):
		verdict = f.Kind
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().Err(err).Msg("run aborted")
		return nil, err
	}
	span.SetAttributes(monitor.AttrVerdict.String(string(verdict)))
	g.metrics.RecordJob(string(admission.ModeRun), job.Language, string(verdict), time.Since(start).Seconds())
	if out != nil {
		g.metrics.OutputSizeBytes.Observe(float64(len(out.Output)))
	}
	logger.Info().Str("verdict", string(verdict)).Dur("duration", time.Since(start)).Msg("run finished")
	return out, err
}

func (g *Grader) run(ctx context.Context, job *Job, logger zerolog.Logger) (*RunOutput, error) {
	limits, err := g.limits.For(job.Language, admission.ModeRun)
	if err != nil {
		return nil, err
	}
	if int64(len(job.Input)) > limits.MaxInputBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", sandbox.ErrInputTooLarge, len(job.Input), limits.MaxInputBytes)
	}

	if violations := g.validate(ctx, job, logger); len(violations) > 0 {
		return nil, &Failure{Kind: KindSecurityViolation, Message: failureMessage(KindSecurityViolation), Violations: violations}
	}

	dir, err := g.workspaces.Create(job.ID)
	if err != nil {
		return nil, err
	}
	defer g.cleanup(job, logger)

	art, err := g.build(ctx, job, dir, limits)
	if err != nil {
		var ce *builder.CompileError
		if errors.As(err, &ce) {
			return nil, &Failure{Kind: KindCompilationError, Message: failureMessage(KindCompilationError), Diagnostics: ce.Diagnostics}
		}
		return nil, err
	}

	cmd := art.Run
	cmd.Name = job.ID + "-run"
	res, err := g.exec.Run(ctx, cmd, NormalizeInput(job.Input), limits)
	if err != nil {
		kind, ok := kindOf(err)
		if !ok {
			return nil, err
		}
		f := &Failure{Kind: kind, Message: failureMessage(kind)}
		var rtErr *sandbox.RuntimeError
		if errors.As(err, &rtErr) {
			f.Message = rtErr.Error()
			f.Stderr = rtErr.Stderr
		}
		return nil, f
	}

	return &RunOutput{
		JobID:           job.ID,
		Output:          res.Stdout,
		ExecutionTimeMS: res.Duration.Milliseconds(),
		PeakMemoryBytes: res.PeakMemoryBytes,
	}, nil
}

func (g *Grader) validate(ctx context.Context, job *Job, logger zerolog.Logger) []validator.Violation {
	_, span := g.tracer.StartSpan(ctx, "validate")
	defer span.End()

	g.metrics.CodeSizeBytes.Observe(float64(len(job.Source)))
	violations := g.validator.Validate(job.Language, job.Source)
	for _, v := range violations {
		g.metrics.RecordSecurityViolation(v.Rule)
	}
	if len(violations) > 0 {
		logger.Warn().Int("count", len(violations)).Str("rule", violations[0].Rule).Msg("source rejected by validator")
	}
	return violations
}

func (g *Grader) build(ctx context.Context, job *Job, dir string, limits sandbox.ResourceLimits) (*builder.Artifact, error) {
	ctx, span := g.tracer.StartSpan(ctx, "build")
	defer span.End()

	art, err := g.builder.Build(ctx, builder.Source{
		JobID:       job.ID,
		Language:    job.Language,
		Code:        job.Source,
		Dir:         dir,
		MemoryBytes: limits.MemoryBytes,
	})
	if art != nil && art.Compiled {
		g.metrics.RecordCompile(job.Language, art.CompileTime.Seconds())
	}
	return art, err
}

func (g *Grader) cleanup(job *Job, logger zerolog.Logger) {
	if err := g.workspaces.Cleanup(job.ID); err != nil {
		logger.Error().Err(err).Msg("failed to remove workspace")
	}
}
