package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// fileSyscalls cover stdio plus the scratch-directory access compilers need.
func fileSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl", "ioctl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64",
			"getcwd", "chdir", "fchdir",
			"umask", "chmod", "fchmod", "fchmodat",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat", "rmdir",
			"ftruncate", "fallocate", "fsync", "fdatasync", "flock",
			"statfs", "fstatfs",
			"copy_file_range", "sendfile",
		)
}

func memorySyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"brk", "mmap", "munmap", "mprotect", "mremap",
		"madvise", "mincore", "memfd_create", "membarrier",
	)
}

// processSyscalls let toolchain drivers spawn their passes and let programs
// start threads; fork bombs are bounded by the pids limit, not here.
func processSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3", "vfork",
			"set_tid_address", "set_robust_list", "get_robust_list", "rseq",
			"futex", "futex_waitv",
			"gettid", "tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid", "getgid", "getegid",
			"getresuid", "getresgid", "getgroups",
			"uname", "sysinfo",
			"getrandom", "arch_prctl", "prctl",
			"getrlimit", "prlimit64", "getrusage", "times",
		)
}

func timeSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"clock_gettime", "clock_getres", "gettimeofday",
		"nanosleep", "clock_nanosleep",
	)
}

// jvmSyscalls are what the HotSpot launcher and its GC threads touch beyond
// what native programs use.
func jvmSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"sched_getaffinity", "sched_yield", "sched_getparam", "sched_getscheduler",
		"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
		"eventfd2",
	)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf", "perf_event_open", "userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
			"mount", "umount2", "pivot_root", "chroot",
			"reboot", "swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"ioperm", "iopl",
			"symlink", "symlinkat", "link", "linkat",
		)
}

// DefaultProfile returns a deny-by-default seccomp profile for compiling and
// running submissions in C, C++, Java and Python. Networking is never allowed.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = fileSyscalls(b)
	b = memorySyscalls(b)
	b = processSyscalls(b)
	b = timeSyscalls(b)
	b = jvmSyscalls(b)
	b = dangerousSyscalls(b)
	return b.Build()
}

// DockerProfileJSON renders DefaultProfile in the format accepted by
// `docker run --security-opt seccomp=<file>`.
func DockerProfileJSON() ([]byte, error) {
	data, err := json.MarshalIndent(DefaultProfile(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal seccomp profile: %w", err)
	}
	return data, nil
}
