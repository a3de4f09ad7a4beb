package sandbox

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog/log"

	"judge-engine/internal/config"
)

// Isolator decides how a Command is turned into a host process.
type Isolator interface {
	Name() string
	// Prepare rewrites cmd for this isolation mode.
	Prepare(ctx context.Context, cmd Command, limits ResourceLimits) (Command, error)
	// Release frees anything Prepare allocated. It runs after every run.
	Release(ctx context.Context, cmd Command)
	// Classify maps an isolation-specific exit code to a verdict; nil means
	// the code carries no special meaning.
	Classify(exitCode int) error
}

// OrphanSweeper is implemented by isolators that can leave state behind when
// the server crashes mid-run.
type OrphanSweeper interface {
	SweepOrphans(ctx context.Context) (int, error)
}

// ProcessIsolator runs commands directly on the host; limits come from
// rlimits, the optional cgroup and the runner's own watchers.
type ProcessIsolator struct{}

func (ProcessIsolator) Name() string { return "process" }

func (ProcessIsolator) Prepare(_ context.Context, cmd Command, _ ResourceLimits) (Command, error) {
	return cmd, nil
}

func (ProcessIsolator) Release(context.Context, Command) {}

func (ProcessIsolator) Classify(int) error { return nil }

// NewIsolator picks the isolation mode named in the engine config.
func NewIsolator(cfg config.EngineConfig) (Isolator, error) {
	switch cfg.Isolation {
	case "", "process":
		log.Info().Msg("using process isolation")
		return ProcessIsolator{}, nil
	case "docker":
		if _, err := exec.LookPath("docker"); err != nil {
			return nil, fmt.Errorf("docker not found in PATH: %w", err)
		}
		if err := exec.Command("docker", "info").Run(); err != nil {
			return nil, fmt.Errorf("docker daemon not reachable: %w", err)
		}
		iso, err := NewDockerIsolator(cfg.SeccompProfile)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("using docker isolation")
		return iso, nil
	default:
		return nil, fmt.Errorf("unknown isolation %q: must be process or docker", cfg.Isolation)
	}
}
