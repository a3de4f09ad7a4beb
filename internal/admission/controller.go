// Package admission decides whether a job may start and owns the scratch
// space a job runs in.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"judge-engine/internal/config"
)

// Mode is the kind of request being admitted.
type Mode string

const (
	ModeRun    Mode = "run"
	ModeSubmit Mode = "submit"
)

var (
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrLimiterUnavailable = errors.New("rate limiter unavailable")
)

// RateLimitError reports a refused admission and when the caller may retry.
type RateLimitError struct {
	Mode       Mode
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry after %s", e.Mode, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Controller applies one sliding-window policy per mode.
type Controller struct {
	limiter  RateLimiter
	policies map[Mode]Policy
	prefix   string
	now      func() time.Time
}

// NewController builds a controller from the admission config.
func NewController(limiter RateLimiter, cfg config.AdmissionConfig) *Controller {
	return &Controller{
		limiter: limiter,
		policies: map[Mode]Policy{
			ModeRun:    {Max: cfg.Run.Max, Window: cfg.Run.Window},
			ModeSubmit: {Max: cfg.Submit.Max, Window: cfg.Submit.Window},
		},
		prefix: cfg.KeyPrefix,
		now:    time.Now,
	}
}

// Policy returns the limit applied to mode.
func (c *Controller) Policy(mode Mode) Policy {
	return c.policies[mode]
}

// Admit records an admission for clientKey or refuses it. It fails closed:
// when the limiter store cannot be reached the job is refused with
// ErrLimiterUnavailable.
func (c *Controller) Admit(ctx context.Context, clientKey string, mode Mode) error {
	policy, ok := c.policies[mode]
	if !ok {
		return fmt.Errorf("unknown admission mode %q", mode)
	}
	if clientKey == "" {
		clientKey = "unknown"
	}

	key := c.prefix + ":" + string(mode) + ":" + clientKey
	d, err := c.limiter.Allow(ctx, key, policy, c.now())
	if err != nil {
		log.Error().Err(err).Str("mode", string(mode)).Msg("rate limiter unavailable")
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	if !d.Allowed {
		return &RateLimitError{Mode: mode, RetryAfter: d.RetryAfter}
	}
	return nil
}

// NewLimiter builds the limiter named by cfg.Backend. The returned close
// function releases any connection it holds.
func NewLimiter(ctx context.Context, cfg config.AdmissionConfig) (RateLimiter, func() error, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryLimiter(), func() error { return nil }, nil
	case "redis":
		rl, err := NewRedisLimiter(ctx, RedisOptions{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err != nil {
			return nil, nil, err
		}
		return rl, rl.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown admission backend %q", cfg.Backend)
	}
}
