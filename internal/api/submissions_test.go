package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"judge-engine/internal/storage"
)

const knownID = "6f1c2a9e-4b3d-4e5f-8a7b-1c2d3e4f5a6b"

type fakeStore struct {
	err    error
	filter storage.SubmissionFilter
}

func (f *fakeStore) GetSubmission(_ context.Context, id string) (*storage.Submission, error) {
	if f.err != nil {
		return nil, f.err
	}
	if id != knownID {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return &storage.Submission{
		ID: knownID, UserID: "u1", ProblemID: "two-sum", Language: "cpp",
		Status: "Accepted", TestCasesPassed: 2, TotalTestCases: 2,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, nil
}

func (f *fakeStore) ListSubmissions(_ context.Context, filter storage.SubmissionFilter) ([]storage.Submission, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return nil, nil
}

var authed = map[string]string{"X-API-Key": "frontend-key"}

func TestGetSubmission(t *testing.T) {
	tests := []struct {
		name       string
		store      *fakeStore
		id         string
		wantStatus int
		wantCode   string
	}{
		{"found", &fakeStore{}, knownID, http.StatusOK, ""},
		{"unknown id", &fakeStore{}, "0e7c0e64-8a8f-4d55-9d43-3f1f6b1b0c11", http.StatusNotFound, "NOT_FOUND"},
		{"malformed id", &fakeStore{}, "not-a-uuid", http.StatusNotFound, "NOT_FOUND"},
		{"store error", &fakeStore{err: errors.New("connection reset")}, knownID, http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Deps{Grader: &fakeGrader{}, Submissions: tt.store})
			resp := doJSON(t, http.MethodGet, ts.URL+"/submissions/"+tt.id, nil, authed)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantCode == "" {
				var sub storage.Submission
				if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
					t.Fatal(err)
				}
				if sub.ID != knownID || sub.Status != "Accepted" {
					t.Errorf("submission = %+v", sub)
				}
				return
			}
			var e ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
				t.Fatal(err)
			}
			if e.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", e.Code, tt.wantCode)
			}
			if tt.wantCode == "INTERNAL" && e.Error == "connection reset" {
				t.Error("store error leaked to client")
			}
		})
	}
}

func TestListSubmissions_Filters(t *testing.T) {
	store := &fakeStore{}
	ts := newTestServer(t, Deps{Grader: &fakeGrader{}, Submissions: store})

	resp := doJSON(t, http.MethodGet, ts.URL+"/submissions?userId=u1&problemId=two-sum&status=Accepted&limit=5&offset=10", nil, authed)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var subs []storage.Submission
	if err := json.NewDecoder(resp.Body).Decode(&subs); err != nil {
		t.Fatal(err)
	}
	if subs == nil || len(subs) != 0 {
		t.Errorf("want empty array, got %v", subs)
	}
	want := storage.SubmissionFilter{UserID: "u1", ProblemID: "two-sum", Status: "Accepted", Limit: 5, Offset: 10}
	if store.filter != want {
		t.Errorf("filter = %+v, want %+v", store.filter, want)
	}
}

func TestListSubmissions_Errors(t *testing.T) {
	tests := []struct {
		name       string
		store      SubmissionStore
		query      string
		header     map[string]string
		wantStatus int
	}{
		{"no key", &fakeStore{}, "", nil, http.StatusUnauthorized},
		{"bad limit", &fakeStore{}, "?limit=abc", authed, http.StatusBadRequest},
		{"zero limit", &fakeStore{}, "?limit=0", authed, http.StatusBadRequest},
		{"negative offset", &fakeStore{}, "?offset=-1", authed, http.StatusBadRequest},
		{"store error", &fakeStore{err: errors.New("boom")}, "", authed, http.StatusInternalServerError},
		{"no ledger", nil, "", authed, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Deps{Grader: &fakeGrader{}, Submissions: tt.store})
			resp := doJSON(t, http.MethodGet, ts.URL+"/submissions"+tt.query, nil, tt.header)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}
