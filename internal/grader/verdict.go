package grader

import (
	"errors"

	"judge-engine/internal/sandbox"
	"judge-engine/internal/validator"
)

// Kind is the outcome class of a job or a single test.
type Kind string

const (
	KindAccepted          Kind = "Accepted"
	KindWrongAnswer       Kind = "WrongAnswer"
	KindTimeLimit         Kind = "TimeLimitExceeded"
	KindMemoryLimit       Kind = "MemoryLimitExceeded"
	KindOutputLimit       Kind = "OutputLimitExceeded"
	KindRuntimeError      Kind = "RuntimeError"
	KindCompilationError  Kind = "CompilationError"
	KindSecurityViolation Kind = "SecurityViolation"
)

// Label is the human-readable name stored in the submission ledger.
func (k Kind) Label() string {
	switch k {
	case KindAccepted:
		return "Accepted"
	case KindWrongAnswer:
		return "Wrong Answer"
	case KindTimeLimit:
		return "Time Limit Exceeded"
	case KindMemoryLimit:
		return "Memory Limit Exceeded"
	case KindOutputLimit:
		return "Output Limit Exceeded"
	case KindRuntimeError:
		return "Runtime Error"
	case KindCompilationError:
		return "Compilation Error"
	case KindSecurityViolation:
		return "Security Violation"
	default:
		return string(k)
	}
}

// priority orders failures when picking the overall verdict; higher wins.
func (k Kind) priority() int {
	switch k {
	case KindCompilationError:
		return 7
	case KindSecurityViolation:
		return 6
	case KindTimeLimit:
		return 5
	case KindMemoryLimit:
		return 4
	case KindOutputLimit:
		return 3
	case KindRuntimeError:
		return 2
	case KindWrongAnswer:
		return 1
	default:
		return 0
	}
}

// TestOutcome is the result of one hidden test. Failure is empty when the
// test passed.
type TestOutcome struct {
	Index           int
	Passed          bool
	ExecutionTimeMS int64
	Failure         Kind
}

// Verdict is the aggregate result of a graded submission. It never carries
// test inputs, outputs or program stderr.
type Verdict struct {
	JobID                string
	Kind                 Kind
	PassedCount          int
	TotalCount           int
	TotalExecutionTimeMS int64
	CompileOutput        string
	Violations           []validator.Violation
	Outcomes             []TestOutcome // internal bookkeeping, never returned to the submitter
}

// Accepted reports whether every counted test passed.
func (v *Verdict) Accepted() bool {
	return v.Kind == KindAccepted
}

// Aggregate folds per-test outcomes into a verdict. The overall kind is
// Accepted only when every outcome passed, otherwise the highest priority
// failure, earliest first on ties.
func Aggregate(outcomes []TestOutcome) *Verdict {
	v := &Verdict{
		Kind:       KindAccepted,
		TotalCount: len(outcomes),
		Outcomes:   outcomes,
	}
	worst := Kind("")
	for _, o := range outcomes {
		v.TotalExecutionTimeMS += o.ExecutionTimeMS
		if o.Passed && o.Failure == "" {
			v.PassedCount++
			continue
		}
		f := o.Failure
		if f == "" {
			f = KindWrongAnswer
		}
		if f.priority() > worst.priority() {
			worst = f
		}
	}
	if worst != "" {
		v.Kind = worst
	}
	return v
}

// Failure is a run-mode job that ended without output. Message is safe to
// show to the submitter.
type Failure struct {
	Kind        Kind
	Message     string
	Violations  []validator.Violation
	Diagnostics string // compiler output
	Stderr      string // bounded excerpt, runtime errors only
}

func (f *Failure) Error() string {
	return f.Message
}

// kindOf maps a runner error to a verdict kind. ok is false for
// infrastructure failures that must not be blamed on the submission.
func kindOf(err error) (Kind, bool) {
	var execErr *sandbox.ExecutionError
	if errors.As(err, &execErr) {
		return "", false
	}
	var rtErr *sandbox.RuntimeError
	switch {
	case errors.Is(err, sandbox.ErrTimeLimit):
		return KindTimeLimit, true
	case errors.Is(err, sandbox.ErrMemoryLimit):
		return KindMemoryLimit, true
	case errors.Is(err, sandbox.ErrOutputLimit):
		return KindOutputLimit, true
	case errors.As(err, &rtErr):
		return KindRuntimeError, true
	}
	return "", false
}

func failureMessage(k Kind) string {
	switch k {
	case KindTimeLimit:
		return "time limit exceeded"
	case KindMemoryLimit:
		return "memory limit exceeded"
	case KindOutputLimit:
		return "output limit exceeded"
	case KindRuntimeError:
		return "runtime error"
	case KindCompilationError:
		return "compilation failed"
	case KindSecurityViolation:
		return "source uses restricted APIs"
	default:
		return k.Label()
	}
}
