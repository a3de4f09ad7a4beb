package validator

import "regexp"

var (
	native = []string{"c", "cpp"}
	python = []string{"python"}
	java   = []string{"java"}
	braced = []string{"c", "cpp", "java"}
)

const pythonRestrictedModules = `os|subprocess|socket|shutil|ctypes|multiprocessing|threading|signal|pty|pathlib|importlib|urllib|http|requests|asyncio|resource|fcntl|mmap|pickle|marshal|builtins|tempfile|glob`

// Call sites may be qualified as std::name or ::name.
const nativeQualified = `(^|[^\w.>:]|(^|[^\w:])(std\s*)?::\s*)`

func defaultRules() []Rule {
	return []Rule{
		// any language
		{
			Name:        "proc_self_access",
			Description: "Accessing /proc for process or host info",
			Regex:       regexp.MustCompile(`/proc/(self|\d+|sys)/`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "container_breakout",
			Description: "Attempting container breakout via cgroup",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "host_socket_access",
			Description: "Referencing a container runtime socket",
			Regex:       regexp.MustCompile(`/var/run/docker|/var/run/containerd|docker\.sock`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},

		// python
		{
			Name:        "python_restricted_import",
			Description: "Importing a module with process, file or network access",
			Languages:   python,
			Regex:       regexp.MustCompile(`^\s*import\s+[\w\s,.]*\b(` + pythonRestrictedModules + `)\b`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "python_restricted_import",
			Description: "Importing from a module with process, file or network access",
			Languages:   python,
			Regex:       regexp.MustCompile(`^\s*from\s+(` + pythonRestrictedModules + `)(\.|\s)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "python_dynamic_code",
			Description: "Evaluating code at runtime",
			Languages:   python,
			Regex:       regexp.MustCompile(`(^|[^.\w])(eval|exec|compile|__import__|breakpoint)\s*\(`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "python_restricted_module_use",
			Description: "Using a process, file or network module",
			Languages:   python,
			Regex:       regexp.MustCompile(`(^|[^.\w])(os|subprocess|socket|shutil|ctypes|pty|posix|signal|resource)\s*\.\s*\w+`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "python_module_table",
			Description: "Reaching modules or globals without an import",
			Languages:   python,
			Regex:       regexp.MustCompile(`\bsys\s*\.\s*(modules|_getframe|settrace|setprofile)\b|(^|[^.\w])(getattr|setattr|delattr|globals|locals|vars)\s*\(`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "python_introspection",
			Description: "Reaching interpreter internals",
			Languages:   python,
			Regex:       regexp.MustCompile(`__(builtins|subclasses|globals|code|loader)__`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "python_file_access",
			Description: "Opening files",
			Languages:   python,
			Regex:       regexp.MustCompile(`(^|[^.\w])open\s*\(`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "python_infinite_loop",
			Description: "Unconditional while loop",
			Languages:   python,
			Regex:       regexp.MustCompile(`^\s*while\s+(True|1)\s*:`),
			Severity:    SeverityLow,
			Loop:        true,
		},

		// c and c++
		{
			Name:        "native_restricted_header",
			Description: "Including a header for file, process, thread or network access",
			Languages:   native,
			Regex:       regexp.MustCompile(`^\s*#\s*include\s*[<"](fstream|filesystem|unistd\.h|sys/[\w/]+\.h|dirent\.h|fcntl\.h|signal\.h|csignal|netinet/[\w/]+\.h|arpa/[\w/]+\.h|netdb\.h|pthread\.h|thread|dlfcn\.h|spawn\.h|windows\.h)[>"]`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "native_process_control",
			Description: "Spawning or signalling processes",
			Languages:   native,
			Regex:       regexp.MustCompile(nativeQualified + `(system|popen|fork|vfork|execl|execlp|execle|execv|execvp|execvpe|ptrace|dlopen|syscall)\s*\(`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "native_file_access",
			Description: "Opening or modifying files",
			Languages:   native,
			Regex:       regexp.MustCompile(nativeQualified + `(fopen|fdopen|freopen|creat|rename|unlink|rmdir|mkdir|chmod|opendir|tmpfile)\s*\(`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "native_file_stream",
			Description: "Using file streams",
			Languages:   native,
			Regex:       regexp.MustCompile(`(^|[^\w<"/:])((std\s*)?::\s*)?(w?[io]?fstream|w?filebuf)\b`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "native_network",
			Description: "Creating sockets",
			Languages:   native,
			Regex:       regexp.MustCompile(nativeQualified + `socket\s*\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "native_inline_asm",
			Description: "Inline assembly",
			Languages:   native,
			Regex:       regexp.MustCompile(`\b(asm|__asm__|__asm)\b\s*(volatile|__volatile__)?\s*[({]`),
			Severity:    SeverityHigh,
		},

		// java
		{
			Name:        "java_process_control",
			Description: "Spawning processes",
			Languages:   java,
			Regex:       regexp.MustCompile(`\bRuntime\s*\.\s*getRuntime\b|\bProcessBuilder\b|\bProcessHandle\b`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "java_exit",
			Description: "Terminating the JVM",
			Languages:   java,
			Regex:       regexp.MustCompile(`\bSystem\s*\.\s*exit\s*\(`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "java_file_access",
			Description: "Opening or modifying files",
			Languages:   java,
			Regex:       regexp.MustCompile(`\bjava\.nio\.file\b|\bnew\s+File\s*\(|\b(FileInputStream|FileOutputStream|FileReader|FileWriter|RandomAccessFile)\b|\b(Files|Paths)\s*\.`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "java_network",
			Description: "Opening network connections",
			Languages:   java,
			Regex:       regexp.MustCompile(`\bjava\.net\b|\b(ServerSocket|DatagramSocket|URLConnection|HttpClient)\b|\bnew\s+Socket\s*\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "java_reflection",
			Description: "Reflection or unsafe memory access",
			Languages:   java,
			Regex:       regexp.MustCompile(`\bjava\.lang\.reflect\b|\bClass\s*\.\s*forName\b|\.setAccessible\s*\(|\bsun\.misc\.Unsafe\b|\bSystem\s*\.\s*(load|loadLibrary)\s*\(`),
			Severity:    SeverityCritical,
		},

		// braced languages
		{
			Name:        "infinite_loop",
			Description: "Unconditional loop",
			Languages:   braced,
			Regex:       regexp.MustCompile(`\bwhile\s*\(\s*true\s*\)|\bfor\s*\(\s*;\s*;\s*\)`),
			Severity:    SeverityLow,
			Loop:        true,
		},
	}
}
