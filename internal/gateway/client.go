// Package gateway is the engine's only path to the Problem Store. It can
// fetch test inputs and ask whether an output is correct; it has no way to
// obtain an expected output.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"judge-engine/internal/config"
)

// ErrUpstream wraps every Problem Store failure.
var ErrUpstream = errors.New("problem store unavailable")

const (
	maxInputsResponseBytes = 32 << 20
	maxVerifyResponseBytes = 4 << 10
)

// Caller identifies who a request is made on behalf of.
type Caller struct {
	UserID    string
	RequestID string
}

type contextKey struct{}

// WithCaller attaches caller identity to ctx for outgoing headers.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

func callerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(contextKey{}).(Caller)
	return c
}

type inputsResponse struct {
	Inputs []struct {
		Input string `json:"input"`
	} `json:"inputs"`
}

type verifyRequest struct {
	ActualOutput string `json:"actualOutput"`
}

type verifyResponse struct {
	IsCorrect *bool `json:"isCorrect"`
}

// Client talks to the Problem Store over HTTP with a service token.
type Client struct {
	baseURL     string
	token       string
	serviceName string
	timeout     time.Duration
	http        *http.Client
}

func NewClient(cfg config.ProblemStoreConfig) *Client {
	return NewClientWithHTTP(cfg, &http.Client{})
}

// NewClientWithHTTP lets tests and callers supply their own transport.
func NewClientWithHTTP(cfg config.ProblemStoreConfig, hc *http.Client) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.ServiceToken,
		serviceName: cfg.ServiceName,
		timeout:     timeout,
		http:        hc,
	}
}

// FetchInputs returns the hidden test inputs of a problem, in order.
func (c *Client) FetchInputs(ctx context.Context, problemID string) ([]string, error) {
	endpoint := c.baseURL + "/problems/" + url.PathEscape(problemID) + "/testcases/inputs"

	var resp inputsResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, maxInputsResponseBytes, &resp); err != nil {
		return nil, fmt.Errorf("fetching inputs for %s: %w", problemID, err)
	}

	inputs := make([]string, len(resp.Inputs))
	for i, tc := range resp.Inputs {
		inputs[i] = tc.Input
	}
	return inputs, nil
}

// Verify asks the Problem Store whether output is correct for test index.
func (c *Client) Verify(ctx context.Context, problemID string, index int, output string) (bool, error) {
	endpoint := c.baseURL + "/problems/" + url.PathEscape(problemID) + "/testcases/" + strconv.Itoa(index) + "/verify"

	body, err := json.Marshal(verifyRequest{ActualOutput: output})
	if err != nil {
		return false, fmt.Errorf("encoding verify request: %w", err)
	}

	var resp verifyResponse
	if err := c.do(ctx, http.MethodPost, endpoint, body, maxVerifyResponseBytes, &resp); err != nil {
		return false, fmt.Errorf("verifying test %d of %s: %w", index, problemID, err)
	}
	if resp.IsCorrect == nil {
		return false, fmt.Errorf("verifying test %d of %s: %w: missing isCorrect", index, problemID, ErrUpstream)
	}
	return *resp.IsCorrect, nil
}

// do performs one request with its own timeout. Requests are never retried:
// a verify call is not guaranteed to be idempotent on the store side.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, limit int64, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrUpstream, err)
	}
	caller := callerFrom(ctx)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Service-Name", c.serviceName)
	if caller.UserID != "" {
		req.Header.Set("X-Caller-ID", caller.UserID)
	}
	if caller.RequestID != "" {
		req.Header.Set("X-Request-ID", caller.RequestID)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", method).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Str("request_id", caller.RequestID).
		Msg("problem store call")

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	lr := &io.LimitedReader{R: resp.Body, N: limit + 1}
	dec := json.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrUpstream, err)
	}
	if lr.N <= 0 {
		return fmt.Errorf("%w: response exceeds %d bytes", ErrUpstream, limit)
	}
	return nil
}
