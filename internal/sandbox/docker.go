package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"judge-engine/pkg/seccomp"
)

const containerPrefix = "judge-"

// ContainerWorkdir is where the job workspace is mounted inside the container.
const ContainerWorkdir = "/workspace"

// DockerIsolator wraps every command in a throwaway container with no
// network, no capabilities, a read-only root and a deny-by-default seccomp
// profile.
type DockerIsolator struct {
	dockerHost  string
	seccompPath string
	user        string
	profileDir  string

	mu     sync.Mutex
	active map[string]struct{} // container names owned by in-flight runs
}

// NewDockerIsolator writes the seccomp profile once; profilePath overrides the
// built-in profile when set.
func NewDockerIsolator(profilePath string) (*DockerIsolator, error) {
	d := &DockerIsolator{
		dockerHost: resolveDockerHost(),
		user:       containerUser(),
		active:     make(map[string]struct{}),
	}
	if profilePath != "" {
		d.seccompPath = profilePath
		return d, nil
	}

	profileJSON, err := seccomp.DockerProfileJSON()
	if err != nil {
		return nil, fmt.Errorf("building seccomp profile: %w", err)
	}
	dir, err := os.MkdirTemp("", "judge-seccomp-*")
	if err != nil {
		return nil, fmt.Errorf("creating seccomp dir: %w", err)
	}
	path := filepath.Join(dir, "seccomp.json")
	if err := os.WriteFile(path, profileJSON, 0o644); err != nil { // #nosec G306 -- read by the docker daemon
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("writing seccomp profile: %w", err)
	}
	d.profileDir = dir
	d.seccompPath = path
	return d, nil
}

func (d *DockerIsolator) Name() string { return "docker" }

func (d *DockerIsolator) Prepare(_ context.Context, cmd Command, limits ResourceLimits) (Command, error) {
	if cmd.Image == "" {
		return Command{}, fmt.Errorf("%w: no container image for %q", ErrInvalidCommand, cmd.Args[0])
	}
	if d.user == nobodyUser {
		// the container user does not own the workspace
		if err := os.Chmod(cmd.Dir, 0o777); err != nil { // #nosec G302 -- per-job scratch dir, removed after the job
			return Command{}, fmt.Errorf("opening workspace to container user: %w", err)
		}
	}

	d.mu.Lock()
	d.active[containerPrefix+cmd.Name] = struct{}{}
	d.mu.Unlock()

	wrapped := cmd
	wrapped.Args = d.buildArgs(cmd, limits)
	wrapped.Env = os.Environ()
	if d.dockerHost != "" {
		wrapped.Env = append(wrapped.Env, "DOCKER_HOST="+d.dockerHost)
	}
	return wrapped, nil
}

func (d *DockerIsolator) buildArgs(cmd Command, limits ResourceLimits) []string {
	mode := "ro"
	if cmd.Writable {
		mode = "rw"
	}
	args := []string{
		"docker", "run", "--rm", "-i",
		"--name", containerPrefix + cmd.Name,
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + d.seccompPath,
		"--memory", fmt.Sprintf("%d", limits.MemoryBytes),
		"--memory-swap", fmt.Sprintf("%d", limits.MemoryBytes),
		"--cpus", "1",
		"--read-only",
		"--tmpfs", "/tmp:rw,nosuid,nodev,size=64m",
		"-v", fmt.Sprintf("%s:%s:%s", cmd.Dir, ContainerWorkdir, mode),
		"-w", ContainerWorkdir,
		"--user", d.user,
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
	}
	if limits.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", limits.PidsLimit))
	}
	args = append(args, cmd.Image)
	return append(args, cmd.Args...)
}

// Release force-removes the container; --rm does not fire when the docker
// client itself was killed by a limit.
func (d *DockerIsolator) Release(ctx context.Context, cmd Command) {
	name := containerPrefix + cmd.Name
	rm := d.docker(ctx, "rm", "-f", name)
	_ = rm.Run()

	d.mu.Lock()
	delete(d.active, name)
	d.mu.Unlock()
}

// Classify maps 137 (SIGKILL inside the container, the OOM killer under a
// memory cgroup) to a memory verdict and docker's own failures to errors.
func (d *DockerIsolator) Classify(exitCode int) error {
	switch exitCode {
	case 137:
		return ErrMemoryLimit
	case 125:
		return &ExecutionError{Op: "docker_run", Err: errors.New("docker failed to start the container")}
	}
	return nil
}

// SweepOrphans removes judge containers that no in-flight run owns, such as
// those left by a crashed server.
func (d *DockerIsolator) SweepOrphans(ctx context.Context) (int, error) {
	out, err := d.docker(ctx, "ps", "-a", "--filter", "name="+containerPrefix, "--format", "{{.Names}}").Output()
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}
	var removed int
	for _, name := range d.orphans(string(out)) {
		log.Warn().Str("container", name).Msg("removing orphaned judge container")
		if err := d.docker(ctx, "rm", "-f", name).Run(); err != nil {
			log.Error().Err(err).Str("container", name).Msg("failed to remove orphaned container")
			continue
		}
		removed++
	}
	return removed, nil
}

// orphans filters a `docker ps --format {{.Names}}` listing down to judge
// containers not owned by an in-flight run.
func (d *DockerIsolator) orphans(listing string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for _, name := range strings.Fields(listing) {
		if !strings.HasPrefix(name, containerPrefix) {
			continue
		}
		if _, ok := d.active[name]; ok {
			continue
		}
		names = append(names, name)
	}
	return names
}

// Close removes the generated seccomp profile.
func (d *DockerIsolator) Close() error {
	if d.profileDir == "" {
		return nil
	}
	return os.RemoveAll(d.profileDir)
}

func (d *DockerIsolator) docker(ctx context.Context, args ...string) *exec.Cmd {
	c := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- fixed subcommands, ids from docker ps
	if d.dockerHost != "" {
		c.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return c
}

const nobodyUser = "65534:65534"

// containerUser runs containers as the server's own uid so the workspace stays
// private; a root server falls back to nobody.
func containerUser() string {
	uid, gid := os.Getuid(), os.Getgid()
	if uid <= 0 {
		return nobodyUser
	}
	return fmt.Sprintf("%d:%d", uid, gid)
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}
