package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"judge-engine/internal/config"
)

func newTestClient(url string) *Client {
	return NewClient(config.ProblemStoreConfig{
		BaseURL:      url,
		ServiceToken: "svc-token",
		ServiceName:  "judge-engine",
		Timeout:      time.Second,
	})
}

func TestFetchInputs(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/problems/two-sum/testcases/inputs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotHeaders = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"inputs":[{"input":"nums=[2,7,11,15], target=9"},{"input":"nums=[3,3], target=6"}]}`))
	}))
	defer srv.Close()

	ctx := WithCaller(context.Background(), Caller{UserID: "user-7", RequestID: "req-1"})
	inputs, err := newTestClient(srv.URL).FetchInputs(ctx, "two-sum")
	if err != nil {
		t.Fatalf("FetchInputs: %v", err)
	}
	if len(inputs) != 2 || inputs[1] != "nums=[3,3], target=6" {
		t.Errorf("inputs = %q", inputs)
	}

	wantHeaders := map[string]string{
		"Authorization":  "Bearer svc-token",
		"X-Service-Name": "judge-engine",
		"X-Caller-Id":    "user-7",
		"X-Request-Id":   "req-1",
	}
	for k, v := range wantHeaders {
		if got := gotHeaders.Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}
}

func TestFetchInputs_RejectsExpectedOutputs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"inputs":[{"input":"1 2","expectedOutput":"3"}]}`))
	}))
	defer srv.Close()

	inputs, err := newTestClient(srv.URL).FetchInputs(context.Background(), "p1")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if inputs != nil {
		t.Errorf("inputs returned alongside a rejected payload: %q", inputs)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		want    bool
		wantErr bool
	}{
		{name: "correct", body: `{"isCorrect":true}`, status: 200, want: true},
		{name: "incorrect", body: `{"isCorrect":false}`, status: 200, want: false},
		{name: "missing field", body: `{}`, status: 200, wantErr: true},
		{name: "extra field", body: `{"isCorrect":false,"expected":"42"}`, status: 200, wantErr: true},
		{name: "server error", body: `oops`, status: 500, wantErr: true},
		{name: "not json", body: `<html>`, status: 200, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/problems/p1/testcases/3/verify" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				var req map[string]string
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("decoding body: %v", err)
				}
				if req["actualOutput"] != "0 1" {
					t.Errorf("actualOutput = %q", req["actualOutput"])
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := newTestClient(srv.URL).Verify(context.Background(), "p1", 3, "0 1")
			if tt.wantErr {
				if !errors.Is(err, ErrUpstream) {
					t.Errorf("err = %v, want ErrUpstream", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerify_NoRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).Verify(context.Background(), "p", 0, "x"); err == nil {
		t.Fatal("expected an error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("store called %d times, want 1", got)
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(config.ProblemStoreConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := c.FetchInputs(context.Background(), "slow")
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout not applied")
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).FetchInputs(context.Background(), "p")
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", err)
	}
}

func TestFetchInputs_EscapesProblemID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawPath, "a%2Fb") {
			t.Errorf("problem id not escaped: %q", r.URL.RawPath)
		}
		_, _ = w.Write([]byte(`{"inputs":[]}`))
	}))
	defer srv.Close()

	inputs, err := newTestClient(srv.URL).FetchInputs(context.Background(), "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if len(inputs) != 0 {
		t.Errorf("inputs = %q", inputs)
	}
}
