package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Result describes a child process that ran to completion or was stopped by
// a limit. Stdout is empty when the output limit was exceeded.
type Result struct {
	ID              string        `json:"id"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	ExitCode        int           `json:"exit_code"`
	Duration        time.Duration `json:"duration"`
	CPUTime         time.Duration `json:"cpu_time"`
	PeakMemoryBytes int64         `json:"peak_memory_bytes"`
}

// Options configure a Runner.
type Options struct {
	MaxConcurrent int
	PollInterval  time.Duration
	Isolator      Isolator // nil runs plain host processes
	CgroupRoot    string   // non-empty enables per-run cgroup v2 limits
}

// Runner executes one child process per call under ResourceLimits.
type Runner struct {
	isolator     Isolator
	cgroupRoot   string
	pollInterval time.Duration
	sem          chan struct{} // Concurrency limiter
	active       atomic.Int64  // Active execution count
	wg           sync.WaitGroup
	mu           sync.Mutex // Protects shutdown state
	closed       bool
}

// waitDelay bounds how long Wait keeps copying output after the process is
// gone, in case a descendant escaped the process group holding the pipes.
const waitDelay = 500 * time.Millisecond

func NewRunner(opts Options) *Runner {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 16
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Isolator == nil {
		opts.Isolator = ProcessIsolator{}
	}
	return &Runner{
		isolator:     opts.Isolator,
		cgroupRoot:   opts.CgroupRoot,
		pollInterval: opts.PollInterval,
		sem:          make(chan struct{}, opts.MaxConcurrent),
	}
}

// Isolation names the isolation mode in use.
func (r *Runner) Isolation() string {
	return r.isolator.Name()
}

// Run starts cmd, feeds it input and waits for it to finish or be killed.
// Exactly one of success, ErrTimeLimit, ErrMemoryLimit, ErrOutputLimit or a
// *RuntimeError is reported for a process that started.
func (r *Runner) Run(ctx context.Context, cmd Command, input string, limits ResourceLimits) (*Result, error) {
	execID := cmd.Name
	if execID == "" {
		execID = uuid.NewString()
		cmd.Name = execID
	}
	logger := log.With().Str("exec_id", execID).Str("isolation", r.isolator.Name()).Logger()

	if err := cmd.validate(); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}
	if err := limits.Validate(); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}
	if int64(len(input)) > limits.MaxInputBytes {
		return nil, &ExecutionError{ExecID: execID, Op: "check_input", Err: ErrInputTooLarge}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "run", Err: ErrClosed}
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}
	r.active.Add(1)
	defer r.active.Add(-1)

	prepared, err := r.isolator.Prepare(ctx, cmd, limits)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "prepare", Err: err}
	}
	defer r.isolator.Release(context.WithoutCancel(ctx), prepared)

	var cg *runCgroup
	if r.cgroupRoot != "" {
		cg, err = createRunCgroup(r.cgroupRoot, execID, limits)
		if err != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "create_cgroup", Err: err}
		}
		defer cg.remove()
	}

	// One cancellation token per run: the wall timer, the memory sampler and
	// the output writers all cancel it, and the first cause wins.
	base, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, stop := context.WithTimeoutCause(base, limits.wallTime(), ErrTimeLimit)
	defer stop()

	stdout := newCappedBuffer(limits.MaxOutputBytes, func() { cancel(ErrOutputLimit) })
	stderr := newCappedBuffer(limits.MaxStderrBytes, func() { cancel(ErrOutputLimit) })

	c := exec.Command(prepared.Args[0], prepared.Args[1:]...) // #nosec G204 -- argv built by the language registry or isolator
	c.Dir = prepared.Dir
	c.Env = prepared.Env
	if c.Env == nil {
		c.Env = minimalEnv()
	}
	c.Stdin = bytes.NewReader([]byte(input))
	c.Stdout = stdout
	c.Stderr = stderr
	c.WaitDelay = waitDelay
	c.SysProcAttr, err = sysProcAttr(cg)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "configure_process", Err: err}
	}
	if cg != nil {
		defer cg.closeFD()
	}

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "start", Err: err}
	}
	pid := c.Process.Pid
	if err := applyRlimits(pid, limits); err != nil {
		logger.Warn().Err(err).Int("pid", pid).Msg("failed to apply rlimits")
	}

	var (
		peak    atomic.Int64
		waitErr error
		exited  = make(chan struct{})
		g       errgroup.Group
	)
	g.Go(func() error {
		waitErr = c.Wait()
		close(exited)
		return nil
	})
	g.Go(func() error {
		select {
		case <-runCtx.Done():
			killProcessGroup(pid)
			if cg != nil {
				cg.kill()
			}
		case <-exited:
		}
		return nil
	})
	g.Go(func() error {
		r.sampleMemory(runCtx, exited, pid, limits.MemoryBytes, &peak, cancel)
		return nil
	})
	_ = g.Wait()

	// Descendants that called setsid are outside the process group; only the
	// cgroup still holds them.
	if cg != nil {
		cg.kill()
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		logger.Warn().Bool("cgroup", cg != nil).Int("pid", pid).Msg("a descendant held the output pipes after the program exited")
	}

	res := &Result{
		ID:       execID,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	state := c.ProcessState
	if state == nil {
		return nil, &ExecutionError{ExecID: execID, Op: "wait", Err: waitErr}
	}
	res.ExitCode = state.ExitCode()
	res.CPUTime = state.UserTime() + state.SystemTime()
	res.PeakMemoryBytes = max(peak.Load(), maxRSSBytes(state), cg.peakMemory())

	verdict := r.classify(ctx, runCtx, state, cg, res, limits)
	if verdict != nil {
		if errors.Is(verdict, ErrOutputLimit) {
			res.Stdout = ""
		}
		var execErr *ExecutionError
		if errors.As(verdict, &execErr) {
			return nil, verdict
		}
		logger.Debug().Err(verdict).Dur("duration", res.Duration).Msg("run ended with a verdict")
		return res, verdict
	}

	logger.Debug().
		Dur("duration", res.Duration).
		Dur("cpu_time", res.CPUTime).
		Int64("peak_memory_bytes", res.PeakMemoryBytes).
		Msg("run completed")
	return res, nil
}

func (r *Runner) classify(ctx, runCtx context.Context, state *os.ProcessState, cg *runCgroup, res *Result, limits ResourceLimits) error {
	cause := context.Cause(runCtx)
	signaled := !state.Exited()

	switch {
	case errors.Is(cause, ErrOutputLimit):
		return ErrOutputLimit
	case errors.Is(cause, ErrMemoryLimit):
		return ErrMemoryLimit
	case errors.Is(cause, ErrTimeLimit) && signaled:
		return ErrTimeLimit
	case ctx.Err() != nil && signaled:
		return &ExecutionError{ExecID: res.ID, Op: "run", Err: context.Cause(ctx)}
	}

	if cg.oomKilled() {
		return ErrMemoryLimit
	}
	if sig := exitSignal(state); sig == syscall.SIGXCPU {
		return ErrTimeLimit
	}
	if res.CPUTime.Milliseconds() > limits.CPUTimeMS {
		return ErrTimeLimit
	}
	if res.PeakMemoryBytes > limits.MemoryBytes {
		return ErrMemoryLimit
	}
	if err := r.isolator.Classify(res.ExitCode); err != nil {
		return err
	}

	if signaled {
		return &RuntimeError{ExitCode: res.ExitCode, Signal: signalName(state), Stderr: truncateOutput(res.Stderr, stderrExcerptBytes)}
	}
	if res.ExitCode != 0 {
		return &RuntimeError{ExitCode: res.ExitCode, Stderr: truncateOutput(res.Stderr, stderrExcerptBytes)}
	}
	return nil
}

// sampleMemory polls the resident set size and cancels the run on the first
// sample above the limit.
func (r *Runner) sampleMemory(ctx context.Context, exited <-chan struct{}, pid int, limit int64, peak *atomic.Int64, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-exited:
			return
		case <-ticker.C:
			rss, err := readRSS(pid)
			if err != nil {
				continue
			}
			if rss > peak.Load() {
				peak.Store(rss)
			}
			if rss > limit {
				cancel(ErrMemoryLimit)
				return
			}
		}
	}
}

func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close stops accepting runs and waits up to 30s for active ones to drain.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all runs drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", r.active.Load()).Msg("timed out waiting for runs to drain")
	}
	return nil
}

const stderrExcerptBytes = 4096

// minimalEnv keeps the child from inheriting server secrets.
func minimalEnv() []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"LANG=C.UTF-8",
		"HOME=/tmp",
	}
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}

// cappedBuffer collects up to limit bytes and reports the first overflow.
// Writes past the limit are accepted and dropped so the child is never
// blocked on a full pipe while it is being killed.
type cappedBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	limit    int64
	exceeded bool
	onExceed func()
}

func newCappedBuffer(limit int64, onExceed func()) *cappedBuffer {
	return &cappedBuffer{limit: limit, onExceed: onExceed}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exceeded {
		return len(p), nil
	}
	if int64(b.buf.Len())+int64(len(p)) > b.limit {
		b.exceeded = true
		b.buf.Reset()
		if b.onExceed != nil {
			b.onExceed()
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded
}
