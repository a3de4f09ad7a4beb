//go:build !linux

package sandbox

import "errors"

type runCgroup struct{}

func PrepareCgroupRoot(root string) error {
	return errors.New("cgroups are only supported on linux")
}

func createRunCgroup(root, execID string, limits ResourceLimits) (*runCgroup, error) {
	return nil, errors.New("cgroups are only supported on linux")
}

func (cg *runCgroup) openFD() (int, error) {
	return -1, errors.New("cgroups are only supported on linux")
}

func (cg *runCgroup) closeFD()          {}
func (cg *runCgroup) kill()             {}
func (cg *runCgroup) oomKilled() bool   { return false }
func (cg *runCgroup) peakMemory() int64 { return 0 }
func (cg *runCgroup) remove()           {}
