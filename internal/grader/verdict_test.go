package grader

import (
	"errors"
	"testing"

	"judge-engine/internal/admission"
	"judge-engine/internal/config"
	"judge-engine/internal/sandbox"
)

func TestAggregate(t *testing.T) {
	pass := TestOutcome{Passed: true, ExecutionTimeMS: 10}
	fail := func(k Kind) TestOutcome { return TestOutcome{Failure: k, ExecutionTimeMS: 5} }

	tests := []struct {
		name       string
		outcomes   []TestOutcome
		wantKind   Kind
		wantPassed int
		wantTimeMS int64
	}{
		{"all pass", []TestOutcome{pass, pass}, KindAccepted, 2, 20},
		{"one wrong", []TestOutcome{pass, fail(KindWrongAnswer)}, KindWrongAnswer, 1, 15},
		{"tle beats wa", []TestOutcome{fail(KindWrongAnswer), fail(KindTimeLimit)}, KindTimeLimit, 0, 10},
		{"tle beats mle", []TestOutcome{fail(KindMemoryLimit), fail(KindTimeLimit)}, KindTimeLimit, 0, 10},
		{"mle beats ole", []TestOutcome{fail(KindOutputLimit), fail(KindMemoryLimit)}, KindMemoryLimit, 0, 10},
		{"ole beats re", []TestOutcome{fail(KindRuntimeError), fail(KindOutputLimit)}, KindOutputLimit, 0, 10},
		{"re beats wa", []TestOutcome{fail(KindWrongAnswer), fail(KindRuntimeError), pass}, KindRuntimeError, 1, 20},
		{"failed without kind counts as wrong", []TestOutcome{{Passed: false}}, KindWrongAnswer, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Aggregate(tt.outcomes)
			if v.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", v.Kind, tt.wantKind)
			}
			if v.PassedCount != tt.wantPassed {
				t.Errorf("PassedCount = %d, want %d", v.PassedCount, tt.wantPassed)
			}
			if v.TotalCount != len(tt.outcomes) {
				t.Errorf("TotalCount = %d, want %d", v.TotalCount, len(tt.outcomes))
			}
			if v.TotalExecutionTimeMS != tt.wantTimeMS {
				t.Errorf("TotalExecutionTimeMS = %d, want %d", v.TotalExecutionTimeMS, tt.wantTimeMS)
			}
			if v.Accepted() != (v.PassedCount == v.TotalCount) {
				t.Error("Accepted invariant violated")
			}
		})
	}
}

func TestKindLabel(t *testing.T) {
	tests := map[Kind]string{
		KindAccepted:          "Accepted",
		KindWrongAnswer:       "Wrong Answer",
		KindTimeLimit:         "Time Limit Exceeded",
		KindMemoryLimit:       "Memory Limit Exceeded",
		KindOutputLimit:       "Output Limit Exceeded",
		KindRuntimeError:      "Runtime Error",
		KindCompilationError:  "Compilation Error",
		KindSecurityViolation: "Security Violation",
	}
	for k, want := range tests {
		if got := k.Label(); got != want {
			t.Errorf("%s.Label() = %q, want %q", k, got, want)
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   Kind
		wantOK bool
	}{
		{"tle", sandbox.ErrTimeLimit, KindTimeLimit, true},
		{"mle", sandbox.ErrMemoryLimit, KindMemoryLimit, true},
		{"ole", sandbox.ErrOutputLimit, KindOutputLimit, true},
		{"re", &sandbox.RuntimeError{ExitCode: 1}, KindRuntimeError, true},
		{"execution error", &sandbox.ExecutionError{Op: "start", Err: errors.New("x")}, "", false},
		{"docker failure", &sandbox.ExecutionError{Op: "docker_run", Err: sandbox.ErrMemoryLimit}, "", false},
		{"other", errors.New("boom"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := kindOf(tt.err)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("kindOf() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestNormalizeInput(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"nums=[2,7,11,15], target=9", "4\n2 7 11 15\n9"},
		{"nums = [3, 2, 4], target = 6", "3\n3 2 4\n6"},
		{"nums = [-1,-2,-3,-4,-5], target = -8", "5\n-1 -2 -3 -4 -5\n-8"},
		{"nums=[], target=0", "0\n\n0"},
		{"1 2\n", "1 2\n"},
		{"nums=[1,a], target=2", "nums=[1,a], target=2"},
		{"nums=[1,2]", "nums=[1,2]"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeInput(tt.in); got != tt.want {
			t.Errorf("NormalizeInput(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLimitTable(t *testing.T) {
	table, err := NewLimitTable(config.DefaultConfig().Languages)
	if err != nil {
		t.Fatal(err)
	}
	java, err := table.For("java", admission.ModeSubmit)
	if err != nil {
		t.Fatal(err)
	}
	cpp, _ := table.For("cpp", admission.ModeRun)
	if java.MemoryBytes <= cpp.MemoryBytes {
		t.Errorf("java memory %d should exceed cpp %d", java.MemoryBytes, cpp.MemoryBytes)
	}
	if _, err := table.For("ruby", admission.ModeRun); err == nil {
		t.Error("expected an error for an unknown language")
	}

	langs := config.DefaultConfig().Languages
	langs.C.Run.CPUTimeMS = 0
	if _, err := NewLimitTable(langs); err == nil {
		t.Error("expected invalid limits to be rejected")
	}
}
