package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"judge-engine/internal/admission"
	"judge-engine/internal/gateway"
	"judge-engine/internal/grader"
	"judge-engine/internal/monitor"
	"judge-engine/internal/runtime"
	"judge-engine/internal/sandbox"
	"judge-engine/internal/storage"
)

// Grader executes accepted jobs.
type Grader interface {
	Run(ctx context.Context, job *grader.Job) (*grader.RunOutput, error)
	Grade(ctx context.Context, job *grader.Job) (*grader.Verdict, error)
}

// Admitter decides whether a client may start another job.
type Admitter interface {
	Admit(ctx context.Context, clientKey string, mode admission.Mode) error
}

// Ledger receives graded submissions. Record must not block.
type Ledger interface {
	Record(s *storage.Submission)
}

// SubmissionStore reads recorded submissions back.
type SubmissionStore interface {
	GetSubmission(ctx context.Context, id string) (*storage.Submission, error)
	ListSubmissions(ctx context.Context, filter storage.SubmissionFilter) ([]storage.Submission, error)
}

type Handlers struct {
	grader         Grader
	admission      Admitter
	ledger         Ledger
	submissions    SubmissionStore
	metrics        *monitor.Metrics
	languages      []LanguageInfo
	supported      map[string]struct{}
	maxSourceBytes int
	userHeader     string
}

func NewHandlers(g Grader, adm Admitter, ledger Ledger, metrics *monitor.Metrics, languages []LanguageInfo, maxSourceBytes int, userHeader string) *Handlers {
	supported := make(map[string]struct{}, len(languages))
	for _, l := range languages {
		supported[l.Name] = struct{}{}
	}
	if userHeader == "" {
		userHeader = "X-User-ID"
	}
	return &Handlers{
		grader:         g,
		admission:      adm,
		ledger:         ledger,
		metrics:        metrics,
		languages:      languages,
		supported:      supported,
		maxSourceBytes: maxSourceBytes,
		userHeader:     userHeader,
	}
}

// Catalog lists the registered languages with their fixed limits.
func Catalog(reg *runtime.Registry, limits grader.LimitTable) ([]LanguageInfo, error) {
	names := reg.Languages()
	out := make([]LanguageInfo, 0, len(names))
	for _, name := range names {
		rt, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		run, err := limits.For(name, admission.ModeRun)
		if err != nil {
			return nil, err
		}
		submit, err := limits.For(name, admission.ModeSubmit)
		if err != nil {
			return nil, err
		}
		out = append(out, LanguageInfo{Name: name, Compiled: runtime.Compiled(rt), Run: run, Submit: submit})
	}
	return out, nil
}

func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !h.decode(w, r, &req, writeFailure) {
		return
	}
	if !h.checkSource(w, r, req.Language, req.Code, writeFailure) {
		return
	}

	if !h.admit(w, r, clientIP(r), admission.ModeRun, writeFailure) {
		return
	}

	job := grader.NewJob(admission.ModeRun, req.Language, req.Code)
	job.Input = req.Input
	job.RequestID = RequestIDFromContext(r.Context())

	out, err := h.grader.Run(r.Context(), job)
	if err != nil {
		var f *grader.Failure
		if errors.As(err, &f) {
			writeJSON(w, failureStatus(f.Kind), FailureResponse{
				Kind:          string(f.Kind),
				Message:       f.Message,
				RequestID:     job.RequestID,
				CompileOutput: f.Diagnostics,
				Stderr:        f.Stderr,
				Violations:    f.Violations,
			})
			return
		}
		h.writeJobError(w, r, err, writeFailure)
		return
	}

	writeJSON(w, http.StatusOK, RunResponse{
		JobID:           out.JobID,
		Output:          out.Output,
		ExecutionTimeMS: out.ExecutionTimeMS,
	})
}

func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(h.userHeader))
	if userID == "" {
		writeError(w, h.userHeader+" header is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	var req SubmitRequest
	if !h.decode(w, r, &req, writeError) {
		return
	}
	if strings.TrimSpace(req.ProblemID) == "" {
		writeError(w, "problemId is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if !h.checkSource(w, r, req.Language, req.Code, writeError) {
		return
	}

	if !h.admit(w, r, userID, admission.ModeSubmit, writeError) {
		return
	}

	start := time.Now()
	job := grader.NewJob(admission.ModeSubmit, req.Language, req.Code)
	job.ProblemID = req.ProblemID
	job.UserID = userID
	job.RequestID = RequestIDFromContext(r.Context())

	ctx := gateway.WithCaller(r.Context(), gateway.Caller{UserID: userID, RequestID: job.RequestID})
	v, err := h.grader.Grade(ctx, job)
	if err != nil {
		h.writeJobError(w, r, err, writeError)
		return
	}

	if h.ledger != nil {
		h.ledger.Record(&storage.Submission{
			ID:              job.ID,
			UserID:          userID,
			ProblemID:       job.ProblemID,
			Code:            job.Source,
			Language:        job.Language,
			Status:          v.Kind.Label(),
			RuntimeMS:       v.TotalExecutionTimeMS,
			TestCasesPassed: v.PassedCount,
			TotalTestCases:  v.TotalCount,
			CreatedAt:       start,
		})
	}

	writeJSON(w, http.StatusOK, SubmitResponse{
		SubmissionID:         job.ID,
		PassedAll:            v.Accepted(),
		OverallStatus:        v.Kind.Label(),
		TestCasesPassed:      v.PassedCount,
		TotalTestCases:       v.TotalCount,
		TotalExecutionTimeMS: v.TotalExecutionTimeMS,
		CompileOutput:        v.CompileOutput,
		Violations:           v.Violations,
	})
}

func (h *Handlers) HandleGetSubmission(w http.ResponseWriter, r *http.Request) {
	if h.submissions == nil {
		writeError(w, "submission ledger not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, "submission not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	sub, err := h.submissions.GetSubmission(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "submission not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("submission lookup failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handlers) HandleListSubmissions(w http.ResponseWriter, r *http.Request) {
	if h.submissions == nil {
		writeError(w, "submission ledger not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	q := r.URL.Query()
	filter := storage.SubmissionFilter{
		UserID:    q.Get("userId"),
		ProblemID: q.Get("problemId"),
		Status:    q.Get("status"),
		Limit:     100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Offset = n
	}

	subs, err := h.submissions.ListSubmissions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("submission query failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if subs == nil {
		subs = []storage.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *Handlers) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.languages)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any, fail errorWriter) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(w, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return false
		}
		fail(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return false
	}
	return true
}

func (h *Handlers) checkSource(w http.ResponseWriter, r *http.Request, language, code string, fail errorWriter) bool {
	switch {
	case language == "":
		fail(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
	case strings.TrimSpace(code) == "":
		fail(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
	case !h.isSupported(language):
		fail(w, fmt.Sprintf("unsupported language %q", language), "UNSUPPORTED_LANGUAGE", http.StatusBadRequest, r)
	case h.maxSourceBytes > 0 && len(code) > h.maxSourceBytes:
		fail(w, fmt.Sprintf("source exceeds %d bytes", h.maxSourceBytes), "SOURCE_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
	default:
		return true
	}
	return false
}

func (h *Handlers) isSupported(language string) bool {
	_, ok := h.supported[language]
	return ok
}

func (h *Handlers) admit(w http.ResponseWriter, r *http.Request, key string, mode admission.Mode, fail errorWriter) bool {
	err := h.admission.Admit(r.Context(), key, mode)
	if err == nil {
		return true
	}
	var rl *admission.RateLimitError
	if errors.As(err, &rl) {
		h.metrics.RecordRateLimited(string(mode))
		w.Header().Set("Retry-After", retryAfterSeconds(rl.RetryAfter))
		fail(w, rl.Error(), "RATE_LIMITED", http.StatusTooManyRequests, r)
		return false
	}
	h.writeJobError(w, r, err, fail)
	return false
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// failureStatus maps a run-mode failure kind onto an HTTP status.
func failureStatus(k grader.Kind) int {
	switch k {
	case grader.KindTimeLimit:
		return http.StatusRequestTimeout
	case grader.KindMemoryLimit, grader.KindOutputLimit:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

// writeJobError reports errors that are not the submission's fault, plus
// request-level rejections surfaced by the grader.
func (h *Handlers) writeJobError(w http.ResponseWriter, r *http.Request, err error, fail errorWriter) {
	switch {
	case errors.Is(err, runtime.ErrUnsupportedLanguage):
		fail(w, err.Error(), "UNSUPPORTED_LANGUAGE", http.StatusBadRequest, r)
	case errors.Is(err, sandbox.ErrInputTooLarge):
		fail(w, err.Error(), "INPUT_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
	case errors.Is(err, grader.ErrSuiteRejected):
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("problem data rejected")
		fail(w, "problem service unavailable, try again", "UPSTREAM_UNAVAILABLE", http.StatusServiceUnavailable, r)
	case errors.Is(err, grader.ErrNoTestCases):
		fail(w, "problem has no test cases", "NO_TEST_CASES", http.StatusBadRequest, r)
	case errors.Is(err, gateway.ErrUpstream):
		fail(w, "problem service unavailable, try again", "UPSTREAM_UNAVAILABLE", http.StatusServiceUnavailable, r)
	case errors.Is(err, admission.ErrLimiterUnavailable):
		fail(w, "admission unavailable, try again", "LIMITER_UNAVAILABLE", http.StatusServiceUnavailable, r)
	case errors.Is(err, sandbox.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		fail(w, "engine unavailable, try again", "UNAVAILABLE", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("job failed")
		fail(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// errorWriter reports a request-level rejection: writeError on /submit and
// the read routes, writeFailure on /run.
type errorWriter func(w http.ResponseWriter, msg, code string, status int, r *http.Request)

// runKinds names request-level rejections in the run failure vocabulary.
var runKinds = map[string]string{
	"INVALID_REQUEST":      "InvalidRequest",
	"UNSUPPORTED_LANGUAGE": "UnsupportedLanguage",
	"SOURCE_TOO_LARGE":     "SourceTooLarge",
	"INPUT_TOO_LARGE":      "InputTooLarge",
	"BODY_TOO_LARGE":       "BodyTooLarge",
	"RATE_LIMITED":         "RateLimitExceeded",
	"UPSTREAM_UNAVAILABLE": "UpstreamServiceError",
	"LIMITER_UNAVAILABLE":  "UpstreamServiceError",
	"UNAVAILABLE":          "UpstreamServiceError",
	"INTERNAL":             "InternalError",
}

func writeFailure(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	kind, ok := runKinds[code]
	if !ok {
		kind = code
	}
	writeJSON(w, status, FailureResponse{
		Kind:      kind,
		Message:   msg,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
