package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"judge-engine/internal/config"
)

// ErrNotFound is returned when no submission has the requested id.
var ErrNotFound = errors.New("submission not found")

// maxCodeBytes bounds stored source; sources are already capped at the API.
const maxCodeBytes = 1 << 20

const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id                 UUID PRIMARY KEY,
	user_id            TEXT NOT NULL DEFAULT '',
	problem_id         TEXT NOT NULL,
	code               TEXT NOT NULL,
	language           TEXT NOT NULL,
	status             TEXT NOT NULL,
	runtime_ms         BIGINT NOT NULL DEFAULT 0,
	test_cases_passed  INTEGER NOT NULL DEFAULT 0,
	total_test_cases   INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS submissions_user_created_idx ON submissions (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS submissions_problem_idx ON submissions (problem_id);
`

// DB wraps a PostgreSQL connection pool for the submission ledger.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	// #nosec G115 -- connection counts come from validated config
	pcfg.MaxConns = int32(max(cfg.MaxOpenConns, 1))
	pcfg.MinConns = int32(max(min(cfg.MaxIdleConns, cfg.MaxOpenConns), 0))
	pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	pcfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// EnsureSchema creates the submissions table when it does not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// RecordSubmission inserts a graded submission.
func (db *DB) RecordSubmission(ctx context.Context, s *Submission) error {
	query := `
		INSERT INTO submissions (id, user_id, problem_id, code, language, status,
			runtime_ms, test_cases_passed, total_test_cases, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		s.ID, s.UserID, s.ProblemID,
		truncateForDB(s.Code, maxCodeBytes),
		s.Language, s.Status, s.RuntimeMS,
		s.TestCasesPassed, s.TotalTestCases, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting submission: %w", err)
	}
	return nil
}

// GetSubmission retrieves a single submission by ID.
func (db *DB) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	query := `
		SELECT id, user_id, problem_id, code, language, status,
			runtime_ms, test_cases_passed, total_test_cases, created_at
		FROM submissions WHERE id = $1`

	var s Submission
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.UserID, &s.ProblemID, &s.Code, &s.Language, &s.Status,
		&s.RuntimeMS, &s.TestCasesPassed, &s.TotalTestCases, &s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying submission %s: %w", id, err)
	}
	return &s, nil
}

// ListSubmissions queries submissions with optional filters, newest first.
func (db *DB) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]Submission, error) {
	query := `
		SELECT id, user_id, problem_id, language, status,
			runtime_ms, test_cases_passed, total_test_cases, created_at
		FROM submissions
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR problem_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.UserID, filter.ProblemID, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying submissions: %w", err)
	}
	defer rows.Close()

	var results []Submission
	for rows.Next() {
		var s Submission
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.ProblemID, &s.Language, &s.Status,
			&s.RuntimeMS, &s.TestCasesPassed, &s.TotalTestCases, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning submission row: %w", err)
		}
		results = append(results, s)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
