//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// runCgroup is a cgroup v2 leaf holding exactly one run.
type runCgroup struct {
	path string
	fd   int
}

// PrepareCgroupRoot creates root as a cgroup v2 directory that can host run
// leaves: memory and pids must be delegated to it and cgroup.kill must exist.
func PrepareCgroupRoot(root string) error {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return fmt.Errorf("create cgroup root %s: %w", root, err)
	}
	// Best effort: the parent may already delegate these, or may not be ours.
	_ = os.WriteFile(filepath.Join(filepath.Dir(root), "cgroup.subtree_control"), []byte("+memory +pids"), 0o640)

	data, err := os.ReadFile(filepath.Join(root, "cgroup.controllers"))
	if err != nil {
		return fmt.Errorf("%s is not a cgroup v2 directory: %w", root, err)
	}
	available := strings.Fields(string(data))
	for _, want := range []string{"memory", "pids"} {
		if !slices.Contains(available, want) {
			return fmt.Errorf("cgroup controller %q is not delegated to %s", want, root)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "cgroup.kill")); err != nil {
		return fmt.Errorf("cgroup.kill unavailable under %s (needs linux 5.14): %w", root, err)
	}
	if err := os.WriteFile(filepath.Join(root, "cgroup.subtree_control"), []byte("+memory +pids"), 0o640); err != nil {
		return fmt.Errorf("enable controllers under %s: %w", root, err)
	}
	return nil
}

func createRunCgroup(root, execID string, limits ResourceLimits) (*runCgroup, error) {
	path := filepath.Join(root, "run-"+execID)
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", path, err)
	}
	cg := &runCgroup{path: path, fd: -1}

	pids := "max"
	if limits.PidsLimit > 0 {
		pids = strconv.FormatInt(limits.PidsLimit, 10)
	}
	settings := []struct{ name, value string }{
		{"memory.max", strconv.FormatInt(limits.MemoryBytes, 10)},
		{"memory.swap.max", "0"},
		{"pids.max", pids},
	}
	for _, s := range settings {
		if err := cg.write(s.name, s.value); err != nil {
			// memory.swap.max is absent when swap accounting is off
			if s.name == "memory.swap.max" && os.IsNotExist(err) {
				continue
			}
			cg.remove()
			return nil, err
		}
	}
	return cg, nil
}

func (cg *runCgroup) openFD() (int, error) {
	fd, err := syscall.Open(cg.path, syscall.O_DIRECTORY|syscall.O_RDONLY|syscall.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open cgroup %s: %w", cg.path, err)
	}
	cg.fd = fd
	return fd, nil
}

func (cg *runCgroup) closeFD() {
	if cg.fd >= 0 {
		_ = syscall.Close(cg.fd)
		cg.fd = -1
	}
}

// kill terminates every task in the cgroup, including ones that left the
// process group.
func (cg *runCgroup) kill() {
	_ = cg.write("cgroup.kill", "1")
}

func (cg *runCgroup) oomKilled() bool {
	if cg == nil {
		return false
	}
	data, err := os.ReadFile(filepath.Join(cg.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			n, _ := strconv.ParseInt(fields[1], 10, 64)
			return n > 0
		}
	}
	return false
}

func (cg *runCgroup) peakMemory() int64 {
	if cg == nil {
		return 0
	}
	data, err := os.ReadFile(filepath.Join(cg.path, "memory.peak"))
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// remove deletes the cgroup directory. The kernel refuses while tasks remain,
// so it is retried briefly after a kill.
func (cg *runCgroup) remove() {
	if cg == nil {
		return
	}
	cg.closeFD()
	for range 10 {
		if err := os.Remove(cg.path); err == nil || os.IsNotExist(err) {
			return
		}
		cg.kill()
		time.Sleep(20 * time.Millisecond)
	}
}

func (cg *runCgroup) write(name, value string) error {
	return os.WriteFile(filepath.Join(cg.path, name), []byte(value), 0o640)
}
