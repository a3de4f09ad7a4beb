package sandbox

import (
	"fmt"
	"time"
)

// ResourceLimits bound a single child process.
type ResourceLimits struct {
	CPUTimeMS      int64 `json:"cpu_time_ms"`
	WallTimeMS     int64 `json:"wall_time_ms"` // hard kill deadline regardless of CPU usage
	MemoryBytes    int64 `json:"memory_bytes"`
	MaxInputBytes  int64 `json:"max_input_bytes"`
	MaxOutputBytes int64 `json:"max_output_bytes"`
	MaxStderrBytes int64 `json:"max_stderr_bytes"`
	PidsLimit      int64 `json:"pids_limit"` // 0 leaves the cgroup/container default
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUTimeMS:      2000,
		WallTimeMS:     5000,
		MemoryBytes:    256 << 20,
		MaxInputBytes:  1 << 20,
		MaxOutputBytes: 1 << 20,
		MaxStderrBytes: 64 << 10,
		PidsLimit:      64,
	}
}

// CompileLimits are applied to toolchain invocations.
func CompileLimits(timeout time.Duration, memoryBytes int64) ResourceLimits {
	ms := timeout.Milliseconds()
	return ResourceLimits{
		CPUTimeMS:      ms,
		WallTimeMS:     ms,
		MemoryBytes:    memoryBytes,
		MaxInputBytes:  1,
		MaxOutputBytes: 1 << 20,
		MaxStderrBytes: 64 << 10,
		PidsLimit:      128,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUTimeMS < 1 || rl.CPUTimeMS > 60_000 {
		return fmt.Errorf("%w: cpu_time_ms must be 1-60000, got %d", ErrInvalidCommand, rl.CPUTimeMS)
	}
	if rl.WallTimeMS < 1 || rl.WallTimeMS > 120_000 {
		return fmt.Errorf("%w: wall_time_ms must be 1-120000, got %d", ErrInvalidCommand, rl.WallTimeMS)
	}
	if rl.MemoryBytes < 16<<20 || rl.MemoryBytes > 8<<30 {
		return fmt.Errorf("%w: memory_bytes must be 16MiB-8GiB, got %d", ErrInvalidCommand, rl.MemoryBytes)
	}
	if rl.MaxInputBytes < 1 || rl.MaxOutputBytes < 1 || rl.MaxStderrBytes < 1 {
		return fmt.Errorf("%w: input, output and stderr caps must be positive", ErrInvalidCommand)
	}
	if rl.PidsLimit < 0 {
		return fmt.Errorf("%w: pids_limit must be >= 0, got %d", ErrInvalidCommand, rl.PidsLimit)
	}
	return nil
}

func (rl ResourceLimits) wallTime() time.Duration {
	return time.Duration(rl.WallTimeMS) * time.Millisecond
}

// cpuSeconds rounds the CPU budget up to whole seconds for RLIMIT_CPU; the
// wall timer remains the precise bound.
func (rl ResourceLimits) cpuSeconds() uint64 {
	return uint64((rl.CPUTimeMS + 999) / 1000)
}

// Command describes one child process. Args are resolved relative to Dir.
type Command struct {
	Name     string   // unique per run; used as the container name under docker isolation
	Args     []string // argv, Args[0] is looked up in PATH
	Dir      string   // job workspace
	Env      []string
	Image    string // container image under docker isolation
	Writable bool   // whether the workspace may be written (compile steps)
}

func (c Command) validate() error {
	if len(c.Args) == 0 || c.Args[0] == "" {
		return fmt.Errorf("%w: empty argv", ErrInvalidCommand)
	}
	if c.Dir == "" {
		return fmt.Errorf("%w: working directory is required", ErrInvalidCommand)
	}
	return nil
}
