//go:build linux

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"judge-engine/internal/admission"
	"judge-engine/internal/builder"
	"judge-engine/internal/config"
	"judge-engine/internal/gateway"
	"judge-engine/internal/grader"
	"judge-engine/internal/monitor"
	"judge-engine/internal/runtime"
	"judge-engine/internal/sandbox"
	"judge-engine/internal/validator"
)

const twoSumCPP = `#include <iostream>
#include <vector>
using namespace std;
int main() {
    int n; cin >> n;
    vector<int> a(n);
    for (auto &x : a) cin >> x;
    int target; cin >> target;
    for (int i = 0; i < n; i++)
        for (int j = i + 1; j < n; j++)
            if (a[i] + a[j] == target) { cout << i << " " << j << endl; return 0; }
    return 0;
}
`

// fakeProblemStore serves inputs and answers verify calls; expected outputs
// never leave it.
func fakeProblemStore(t *testing.T, inputs, expected []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /problems/{id}/testcases/inputs", func(w http.ResponseWriter, r *http.Request) {
		type in struct {
			Input string `json:"input"`
		}
		resp := struct {
			Inputs []in `json:"inputs"`
		}{}
		for _, s := range inputs {
			resp.Inputs = append(resp.Inputs, in{Input: s})
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /problems/{id}/testcases/{index}/verify", func(w http.ResponseWriter, r *http.Request) {
		i, err := strconv.Atoi(r.PathValue("index"))
		if err != nil || i < 0 || i >= len(expected) {
			http.Error(w, "bad index", http.StatusNotFound)
			return
		}
		var req struct {
			ActualOutput string `json:"actualOutput"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]bool{"isCorrect": strings.TrimSpace(req.ActualOutput) == expected[i]})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestEndToEnd_TwoSum(t *testing.T) {
	if _, err := exec.LookPath("g++"); err != nil {
		t.Skip("g++ not installed")
	}

	store := fakeProblemStore(t,
		[]string{"nums=[2,7,11,15], target=9", "nums = [3,2,4], target = 6"},
		[]string{"0 1", "1 2"},
	)

	cfg := config.DefaultConfig()
	cfg.Engine.ScratchDir = t.TempDir()
	cfg.Security.AllowedKeys = []string{"frontend-key"}
	cfg.ProblemStore.BaseURL = store.URL

	reg, err := runtime.NewRegistry(cfg.Languages)
	if err != nil {
		t.Fatal(err)
	}
	limits, err := grader.NewLimitTable(cfg.Languages)
	if err != nil {
		t.Fatal(err)
	}
	runner := sandbox.NewRunner(sandbox.Options{MaxConcurrent: 4})
	defer runner.Close()
	ws, err := admission.NewWorkspaces(cfg.Engine.ScratchDir)
	if err != nil {
		t.Fatal(err)
	}
	metrics := monitor.NewMetrics()
	g, err := grader.New(grader.Deps{
		Validator:  validator.New(),
		Builder:    builder.New(reg, runner, sandbox.CompileLimits(30*time.Second, cfg.Engine.CompileMemoryBytes)),
		Executor:   runner,
		Tests:      gateway.NewClient(cfg.ProblemStore),
		Workspaces: ws,
		Limits:     limits,
		EarlyExit:  cfg.Grading.EarlyExit,
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatal(err)
	}
	langs, err := Catalog(reg, limits)
	if err != nil {
		t.Fatal(err)
	}
	ledger := &fakeLedger{}
	srv := NewServer(cfg, Deps{
		Grader:    g,
		Admission: admission.NewController(admission.NewMemoryLimiter(), cfg.Admission),
		Ledger:    ledger,
		Engine:    runner,
		Languages: langs,
		Metrics:   metrics,
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	t.Run("run", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, ts.URL+"/run",
			RunRequest{Language: "cpp", Code: twoSumCPP, Input: "nums=[2,7,11,15], target=9"}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var out RunResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		if strings.TrimSpace(out.Output) != "0 1" {
			t.Errorf("output = %q, want 0 1", out.Output)
		}
	})

	t.Run("submit", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, ts.URL+"/submit",
			SubmitRequest{Language: "cpp", Code: twoSumCPP, ProblemID: "two-sum"},
			map[string]string{"X-API-Key": "frontend-key", "X-User-ID": "alice"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var v SubmitResponse
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			t.Fatal(err)
		}
		if !v.PassedAll || v.OverallStatus != "Accepted" || v.TestCasesPassed != 2 || v.TotalTestCases != 2 {
			t.Errorf("verdict = %+v", v)
		}
		if recs := ledger.all(); len(recs) != 1 || recs[0].Status != "Accepted" {
			t.Errorf("ledger = %+v", recs)
		}
	})

	t.Run("compile error", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, ts.URL+"/submit",
			SubmitRequest{Language: "cpp", Code: "int main() { return 0 }", ProblemID: "two-sum"},
			map[string]string{"X-API-Key": "frontend-key", "X-User-ID": "bob"})
		var v SubmitResponse
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			t.Fatal(err)
		}
		if v.OverallStatus != "Compilation Error" || v.CompileOutput == "" || v.TotalTestCases != 2 {
			t.Errorf("verdict = %+v", v)
		}
	})

	t.Run("sixth submit is refused", func(t *testing.T) {
		hdr := map[string]string{"X-API-Key": "frontend-key", "X-User-ID": "mallory"}
		body := SubmitRequest{Language: "python", Code: "import os\nos.system('id')", ProblemID: "two-sum"}
		for i := 0; i < 5; i++ {
			if resp := doJSON(t, http.MethodPost, ts.URL+"/submit", body, hdr); resp.StatusCode != http.StatusOK {
				t.Fatalf("submit %d status = %d", i+1, resp.StatusCode)
			}
		}
		resp := doJSON(t, http.MethodPost, ts.URL+"/submit", body, hdr)
		if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
			t.Errorf("sixth submit status = %d", resp.StatusCode)
		}
	})

	entries, err := os.ReadDir(cfg.Engine.ScratchDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch root not empty after jobs: %d entries", len(entries))
	}
}
