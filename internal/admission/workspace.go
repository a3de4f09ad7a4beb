package admission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"judge-engine/internal/config"
	"judge-engine/internal/sandbox"
)

// Workspaces owns the scratch root. Each job gets <root>/<jobID>.
type Workspaces struct {
	root string

	mu     sync.Mutex
	active map[string]struct{} // job ids between Create and Cleanup
}

func NewWorkspaces(root string) (*Workspaces, error) {
	if root == "" {
		return nil, fmt.Errorf("scratch root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating scratch root: %w", err)
	}
	return &Workspaces{root: root, active: make(map[string]struct{})}, nil
}

func (w *Workspaces) Root() string {
	return w.root
}

// Create makes the job directory. It fails if the directory already exists,
// so two jobs can never share one.
func (w *Workspaces) Create(jobID string) (string, error) {
	dir, err := w.path(jobID)
	if err != nil {
		return "", err
	}
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	w.mu.Lock()
	w.active[jobID] = struct{}{}
	w.mu.Unlock()
	return dir, nil
}

// Cleanup removes everything the job wrote. Calling it more than once, or for
// a job that never got a workspace, is a no-op.
func (w *Workspaces) Cleanup(jobID string) error {
	dir, err := w.path(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace %s: %w", jobID, err)
	}
	w.mu.Lock()
	delete(w.active, jobID)
	w.mu.Unlock()
	return nil
}

func (w *Workspaces) inUse(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.active[jobID]
	return ok
}

// Sweep removes job directories last modified before now-maxAge. Jobs that
// are still running keep their directory however old it is.
func (w *Workspaces) Sweep(now time.Time, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return 0, fmt.Errorf("reading scratch root: %w", err)
	}

	var removed int
	var errs []error
	for _, e := range entries {
		if w.inUse(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (w *Workspaces) path(jobID string) (string, error) {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	return filepath.Join(w.root, jobID), nil
}

// Janitor periodically removes stale workspaces and asks the isolator to
// reclaim anything a crashed run left behind.
type Janitor struct {
	workspaces *Workspaces
	sweeper    sandbox.OrphanSweeper // nil when the isolator leaves nothing behind
	interval   time.Duration
	maxAge     time.Duration
	onRemove   func(n int)
	now        func() time.Time
}

func NewJanitor(ws *Workspaces, sweeper sandbox.OrphanSweeper, cfg config.JanitorConfig, onRemove func(n int)) *Janitor {
	if onRemove == nil {
		onRemove = func(int) {}
	}
	return &Janitor{
		workspaces: ws,
		sweeper:    sweeper,
		interval:   cfg.Interval,
		maxAge:     cfg.MaxAge,
		onRemove:   onRemove,
		now:        time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one pass and returns how many workspaces it removed.
func (j *Janitor) SweepOnce(ctx context.Context) int {
	removed, err := j.workspaces.Sweep(j.now(), j.maxAge)
	if err != nil {
		log.Warn().Err(err).Msg("workspace sweep incomplete")
	}
	if removed > 0 {
		log.Info().Int("count", removed).Msg("removed stale workspaces")
		j.onRemove(removed)
	}

	if j.sweeper != nil {
		n, err := j.sweeper.SweepOrphans(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("orphan sweep failed")
		} else if n > 0 {
			log.Info().Int("count", n).Msg("removed orphaned sandboxes")
		}
	}
	return removed
}
