//go:build !linux

package sandbox

import (
	"errors"
	"os"
	"syscall"
)

// Outside Linux only process groups are available; limits rely on the wall
// timer and, under docker isolation, on the container runtime.
func sysProcAttr(cg *runCgroup) (*syscall.SysProcAttr, error) {
	if cg != nil {
		return nil, errors.New("cgroups are only supported on linux")
	}
	return &syscall.SysProcAttr{Setpgid: true}, nil
}

func applyRlimits(pid int, limits ResourceLimits) error {
	return nil
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

func readRSS(pid int) (int64, error) {
	return 0, errors.New("rss sampling is only supported on linux")
}

func maxRSSBytes(state *os.ProcessState) int64 {
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss // bytes on darwin
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
		return sig.String()
	}
	return ""
}
