//go:build linux

package sandbox

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the child in its own process group, kills it with the
// parent and, when a cgroup is given, places it there at clone time.
func sysProcAttr(cg *runCgroup) (*syscall.SysProcAttr, error) {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if cg != nil {
		fd, err := cg.openFD()
		if err != nil {
			return nil, err
		}
		attr.UseCgroupFD = true
		attr.CgroupFD = fd
	}
	return attr, nil
}

// maxFileBytes caps any single file a child writes, compiler output included.
const maxFileBytes = 64 << 20

// applyRlimits sets kernel-enforced limits on a started process.
func applyRlimits(pid int, limits ResourceLimits) error {
	cpu := limits.cpuSeconds()
	rlimits := []struct {
		resource int
		value    unix.Rlimit
	}{
		// soft limit raises SIGXCPU, hard limit one second later SIGKILL
		{unix.RLIMIT_CPU, unix.Rlimit{Cur: cpu, Max: cpu + 1}},
		{unix.RLIMIT_CORE, unix.Rlimit{Cur: 0, Max: 0}},
		{unix.RLIMIT_FSIZE, unix.Rlimit{Cur: maxFileBytes, Max: maxFileBytes}},
		{unix.RLIMIT_NOFILE, unix.Rlimit{Cur: 256, Max: 256}},
	}
	for _, rl := range rlimits {
		v := rl.value
		if err := unix.Prlimit(pid, rl.resource, &v, nil); err != nil {
			return fmt.Errorf("prlimit %d: %w", rl.resource, err)
		}
	}
	return nil
}

// killProcessGroup sends SIGKILL to every process in the child's group.
func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

// readRSS returns the resident set size of pid in bytes.
func readRSS(pid int) (int64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("VmRSS not found for pid %d", pid)
}

func maxRSSBytes(state *os.ProcessState) int64 {
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss * 1024
	}
	return 0
}

func exitSignal(state *os.ProcessState) syscall.Signal {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal()
	}
	return 0
}

func signalName(state *os.ProcessState) string {
	if sig := exitSignal(state); sig != 0 {
		return unix.SignalName(sig)
	}
	return ""
}
