//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func newTestRunner() *Runner {
	return NewRunner(Options{MaxConcurrent: 4, PollInterval: 20 * time.Millisecond})
}

func shell(t *testing.T, script string) Command {
	t.Helper()
	return Command{Args: []string{"/bin/sh", "-c", script}, Dir: t.TempDir()}
}

func testLimits() ResourceLimits {
	l := DefaultLimits()
	l.WallTimeMS = 2000
	return l
}

func TestRun_EchoesStdin(t *testing.T) {
	r := newTestRunner()
	res, err := r.Run(context.Background(), Command{Args: []string{"cat"}, Dir: t.TempDir()}, "4\n2 7 11 15\n9\n", testLimits())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "4\n2 7 11 15\n9\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestRun_InputTooLargeRejectedUpfront(t *testing.T) {
	r := newTestRunner()
	limits := testLimits()
	limits.MaxInputBytes = 8
	dir := t.TempDir()

	_, err := r.Run(context.Background(), Command{Args: []string{"/bin/sh", "-c", "touch started"}, Dir: dir}, "0123456789", limits)
	if !errors.Is(err, ErrInputTooLarge) {
		t.Fatalf("err = %v, want ErrInputTooLarge", err)
	}
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", r.ActiveCount())
	}
}

func TestRun_WallTimeKillsBusyLoop(t *testing.T) {
	r := newTestRunner()
	limits := testLimits()
	limits.WallTimeMS = 300
	limits.CPUTimeMS = 10_000

	start := time.Now()
	res, err := r.Run(context.Background(), shell(t, "while :; do :; done"), "", limits)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeLimit) {
		t.Fatalf("err = %v, want ErrTimeLimit", err)
	}
	if res == nil {
		t.Fatal("expected a result alongside the time limit")
	}
	if elapsed > 300*time.Millisecond+2*time.Second {
		t.Errorf("killed after %s, want close to the 300ms wall limit", elapsed)
	}
}

func TestRun_SleepIsBoundByWallNotCPU(t *testing.T) {
	r := newTestRunner()
	limits := testLimits()
	limits.WallTimeMS = 200

	_, err := r.Run(context.Background(), shell(t, "sleep 5"), "", limits)
	if !errors.Is(err, ErrTimeLimit) {
		t.Fatalf("err = %v, want ErrTimeLimit", err)
	}
}

func TestRun_OutputLimitDiscardsOutput(t *testing.T) {
	r := newTestRunner()
	limits := testLimits()
	limits.MaxOutputBytes = 1024

	res, err := r.Run(context.Background(), shell(t, "yes judge"), "", limits)
	if !errors.Is(err, ErrOutputLimit) {
		t.Fatalf("err = %v, want ErrOutputLimit", err)
	}
	if res != nil && res.Stdout != "" {
		t.Errorf("partial output leaked: %d bytes", len(res.Stdout))
	}
}

func TestRun_StderrLimit(t *testing.T) {
	r := newTestRunner()
	limits := testLimits()
	limits.MaxStderrBytes = 256

	_, err := r.Run(context.Background(), shell(t, "yes oops 1>&2"), "", limits)
	if !errors.Is(err, ErrOutputLimit) {
		t.Fatalf("err = %v, want ErrOutputLimit", err)
	}
}

func TestRun_NonZeroExitIsRuntimeError(t *testing.T) {
	r := newTestRunner()
	res, err := r.Run(context.Background(), shell(t, "echo boom >&2; exit 3"), "", testLimits())

	var rtErr *RuntimeError
	if !errors.As(err, &rtErr) {
		t.Fatalf("err = %v, want *RuntimeError", err)
	}
	if !errors.Is(err, ErrRuntime) {
		t.Error("RuntimeError should unwrap to ErrRuntime")
	}
	if rtErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", rtErr.ExitCode)
	}
	if !strings.Contains(rtErr.Stderr, "boom") {
		t.Errorf("Stderr = %q, want it to contain boom", rtErr.Stderr)
	}
	if res == nil || res.ExitCode != 3 {
		t.Errorf("result = %+v, want exit code 3", res)
	}
}

func TestRun_SignalIsRuntimeError(t *testing.T) {
	r := newTestRunner()
	_, err := r.Run(context.Background(), shell(t, "kill -SEGV $$"), "", testLimits())

	var rtErr *RuntimeError
	if !errors.As(err, &rtErr) {
		t.Fatalf("err = %v, want *RuntimeError", err)
	}
	if rtErr.Signal != "SIGSEGV" {
		t.Errorf("Signal = %q, want SIGSEGV", rtErr.Signal)
	}
}

func TestRun_ParentCancellationIsNotAVerdict(t *testing.T) {
	r := newTestRunner()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, shell(t, "sleep 5"), "", testLimits())
	if err == nil || IsLimit(err) {
		t.Fatalf("err = %v, want a non-verdict cancellation error", err)
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Errorf("err = %T, want *ExecutionError", err)
	}
}

func TestRun_ChildrenDieWithTheGroup(t *testing.T) {
	r := newTestRunner()
	limits := testLimits()
	limits.WallTimeMS = 300

	dir := t.TempDir()
	cmd := Command{Args: []string{"/bin/sh", "-c", "(sleep 1; touch leaked) & wait"}, Dir: dir}
	_, err := r.Run(context.Background(), cmd, "", limits)
	if !errors.Is(err, ErrTimeLimit) {
		t.Fatalf("err = %v, want ErrTimeLimit", err)
	}

	time.Sleep(1500 * time.Millisecond)
	if _, statErr := os.Stat(filepath.Join(dir, "leaked")); statErr == nil {
		t.Error("background child survived the kill")
	}
}

// processAlive treats zombies as dead.
func processAlive(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	i := strings.LastIndexByte(string(data), ')')
	if i < 0 || i+2 >= len(data) {
		return false
	}
	state := data[i+2]
	return state != 'Z' && state != 'X'
}

func TestRun_CgroupKillsSetsidDescendant(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not installed")
	}
	root := filepath.Join("/sys/fs/cgroup", "judge-engine-test-"+strconv.Itoa(os.Getpid()))
	if err := PrepareCgroupRoot(root); err != nil {
		_ = os.Remove(root)
		t.Skipf("cgroup v2 not usable here: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(root) })

	r := NewRunner(Options{MaxConcurrent: 1, PollInterval: 20 * time.Millisecond, CgroupRoot: root})
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "escaped.pid")
	script := `setsid sh -c "echo \$\$ > ` + pidFile + `; exec sleep 30" & sleep 0.3`

	if _, err := r.Run(context.Background(), Command{Args: []string{"/bin/sh", "-c", script}, Dir: dir}, "", testLimits()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("descendant never started: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("pid file = %q", data)
	}

	deadline := time.Now().Add(2 * time.Second)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
			t.Fatalf("descendant %d that left the process group survived the run", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRun_InvalidCommand(t *testing.T) {
	r := newTestRunner()
	_, err := r.Run(context.Background(), Command{Dir: t.TempDir()}, "", testLimits())
	if !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("err = %v, want ErrInvalidCommand", err)
	}
}

func TestRun_ClosedRunnerRefuses(t *testing.T) {
	r := newTestRunner()
	_ = r.Close()
	_, err := r.Run(context.Background(), shell(t, "true"), "", testLimits())
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestRun_DoesNotLeakServerEnvironment(t *testing.T) {
	t.Setenv("JUDGE_SECRET_TOKEN", "hunter2")
	r := newTestRunner()
	res, err := r.Run(context.Background(), shell(t, "env"), "", testLimits())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(res.Stdout, "hunter2") {
		t.Error("server environment leaked into the child")
	}
}

func TestReadRSS_Self(t *testing.T) {
	rss, err := readRSS(os.Getpid())
	if err != nil {
		t.Fatalf("readRSS: %v", err)
	}
	if rss <= 0 {
		t.Errorf("rss = %d, want > 0", rss)
	}
}

func TestRun_MemorySamplerKillsHog(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not installed")
	}
	r := newTestRunner()
	limits := testLimits()
	limits.MemoryBytes = 64 << 20
	limits.WallTimeMS = 5000

	cmd := Command{Args: []string{python, "-c", "import time\nx = b'x' * (256 << 20)\ntime.sleep(3)"}, Dir: t.TempDir()}
	_, err = r.Run(context.Background(), cmd, "", limits)
	if !errors.Is(err, ErrMemoryLimit) {
		t.Fatalf("err = %v, want ErrMemoryLimit", err)
	}
}
