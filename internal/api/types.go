package api

import (
	"judge-engine/internal/sandbox"
	"judge-engine/internal/validator"
)

// RunRequest executes code once against a custom input.
type RunRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Input    string `json:"input,omitempty"`
}

// RunResponse is returned when a run produced output.
type RunResponse struct {
	JobID           string `json:"jobId"`
	Output          string `json:"output"`
	ExecutionTimeMS int64  `json:"executionTimeMs"`
}

// FailureResponse is returned when a run ended without output.
type FailureResponse struct {
	Kind          string                `json:"kind"`
	Message       string                `json:"message"`
	RequestID     string                `json:"requestId"`
	CompileOutput string                `json:"compileOutput,omitempty"`
	Stderr        string                `json:"stderr,omitempty"`
	Violations    []validator.Violation `json:"violations,omitempty"`
}

// SubmitRequest grades code against a problem's hidden suite.
type SubmitRequest struct {
	Code      string `json:"code"`
	Language  string `json:"language"`
	ProblemID string `json:"problemId"`
}

// SubmitResponse carries the aggregate verdict only; no test input,
// expected output or program stderr ever appears here.
type SubmitResponse struct {
	SubmissionID         string                `json:"submissionId"`
	PassedAll            bool                  `json:"passedAll"`
	OverallStatus        string                `json:"overallStatus"`
	TestCasesPassed      int                   `json:"testCasesPassed"`
	TotalTestCases       int                   `json:"totalTestCases"`
	TotalExecutionTimeMS int64                 `json:"totalExecutionTimeMs"`
	CompileOutput        string                `json:"compileOutput,omitempty"`
	Violations           []validator.Violation `json:"violations,omitempty"`
}

// LanguageInfo describes one supported language.
type LanguageInfo struct {
	Name     string                 `json:"name"`
	Compiled bool                   `json:"compiled"`
	Run      sandbox.ResourceLimits `json:"run"`
	Submit   sandbox.ResourceLimits `json:"submit"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Isolation  string `json:"isolation"`
	Database   bool   `json:"database"`
	ActiveRuns int64  `json:"active_runs"`
	Uptime     string `json:"uptime"`
}
