package storage

import "time"

// Submission is one graded submit-mode job as stored in the ledger.
type Submission struct {
	ID              string    `json:"id" db:"id"`
	UserID          string    `json:"user_id,omitempty" db:"user_id"`
	ProblemID       string    `json:"problem_id" db:"problem_id"`
	Code            string    `json:"code" db:"code"`
	Language        string    `json:"language" db:"language"`
	Status          string    `json:"status" db:"status"` // Accepted, Wrong Answer, Time Limit Exceeded, ...
	RuntimeMS       int64     `json:"runtime_ms" db:"runtime_ms"`
	TestCasesPassed int       `json:"test_cases_passed" db:"test_cases_passed"`
	TotalTestCases  int       `json:"total_test_cases" db:"total_test_cases"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// SubmissionFilter provides criteria for querying submissions.
type SubmissionFilter struct {
	UserID    string
	ProblemID string
	Status    string
	Limit     int
	Offset    int
}
