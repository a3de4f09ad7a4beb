package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Engine       EngineConfig       `yaml:"engine"`
	Languages    LanguagesConfig    `yaml:"languages"`
	Grading      GradingConfig      `yaml:"grading"`
	Admission    AdmissionConfig    `yaml:"admission"`
	ProblemStore ProblemStoreConfig `yaml:"problem_store"`
	Database     DatabaseConfig     `yaml:"database"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Security     SecurityConfig     `yaml:"security"`
	TLS          TLSConfig          `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
	MaxSourceBytes  int           `yaml:"max_source_bytes"`
}

// EngineConfig controls how child processes are built and run.
type EngineConfig struct {
	ScratchDir         string        `yaml:"scratch_dir"`
	Isolation          string        `yaml:"isolation"` // "process" (default) or "docker"
	MaxConcurrent      int           `yaml:"max_concurrent"`
	MemoryPollInterval time.Duration `yaml:"memory_poll_interval"`
	CompileTimeout     time.Duration `yaml:"compile_timeout"`
	CompileMemoryBytes int64         `yaml:"compile_memory_bytes"`
	Cgroup             CgroupConfig  `yaml:"cgroup"`
	Janitor            JanitorConfig `yaml:"janitor"`
	SeccompProfile     string        `yaml:"seccomp_profile"` // docker isolation only; empty uses the built-in profile
}

// CgroupConfig controls the per-run cgroup v2 leaf. When enabled but the
// hierarchy is not usable the server falls back to process groups only,
// unless Required is set.
type CgroupConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Required bool   `yaml:"required"`
	Root     string `yaml:"root"`
}

type JanitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// Limits mirrors sandbox.ResourceLimits so the config package stays a leaf.
type Limits struct {
	CPUTimeMS      int64 `yaml:"cpu_time_ms"`
	WallTimeMS     int64 `yaml:"wall_time_ms"`
	MemoryBytes    int64 `yaml:"memory_bytes"`
	MaxInputBytes  int64 `yaml:"max_input_bytes"`
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
	MaxStderrBytes int64 `yaml:"max_stderr_bytes"`
	PidsLimit      int64 `yaml:"pids_limit"`
}

// LanguageConfig overrides toolchain paths, flags and limits for one language.
type LanguageConfig struct {
	Compiler     string `yaml:"compiler"`
	CompileFlags string `yaml:"compile_flags"`
	Interpreter  string `yaml:"interpreter"`
	RunFlags     string `yaml:"run_flags"`
	Image        string `yaml:"image"`
	Run          Limits `yaml:"run"`
	Submit       Limits `yaml:"submit"`
}

type LanguagesConfig struct {
	CPP    LanguageConfig `yaml:"cpp"`
	C      LanguageConfig `yaml:"c"`
	Java   LanguageConfig `yaml:"java"`
	Python LanguageConfig `yaml:"python"`
}

// Get returns the settings for a language name.
func (l LanguagesConfig) Get(name string) (LanguageConfig, bool) {
	switch name {
	case "cpp":
		return l.CPP, true
	case "c":
		return l.C, true
	case "java":
		return l.Java, true
	case "python":
		return l.Python, true
	}
	return LanguageConfig{}, false
}

type GradingConfig struct {
	// EarlyExit selects which languages stop a suite after a time limit beyond
	// the first test: "all", "compiled" or "never".
	EarlyExit string `yaml:"early_exit"`
	// DisableLoopHeuristics turns off the validator's infinite-loop rules.
	DisableLoopHeuristics bool `yaml:"disable_loop_heuristics"`
}

type AdmissionConfig struct {
	Backend   string    `yaml:"backend"` // "memory" or "redis"
	RedisAddr string    `yaml:"redis_addr"`
	RedisDB   int       `yaml:"redis_db"`
	KeyPrefix string    `yaml:"key_prefix"`
	Run       RateLimit `yaml:"run"`
	Submit    RateLimit `yaml:"submit"`
}

type RateLimit struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

type ProblemStoreConfig struct {
	BaseURL      string        `yaml:"base_url"`
	ServiceToken string        `yaml:"service_token"`
	ServiceName  string        `yaml:"service_name"`
	Timeout      time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	UserHeader           string   `yaml:"user_header"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides deployment-specific values from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		} else {
			log.Warn().Str("PORT", v).Msg("ignoring non-numeric PORT")
		}
	}
	if v := getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Admission.RedisAddr = v
		c.Admission.Backend = "redis"
	}
	if v := getenv("PROBLEM_STORE_URL"); v != "" {
		c.ProblemStore.BaseURL = v
	}
	if v := getenv("PROBLEM_STORE_TOKEN"); v != "" {
		c.ProblemStore.ServiceToken = v
	}
	if v := getenv("SCRATCH_DIR"); v != "" {
		c.Engine.ScratchDir = v
	}
}

// DefaultLimits returns the per-run limits used when a language does not override them.
func DefaultLimits() Limits {
	return Limits{
		CPUTimeMS:      2000,
		WallTimeMS:     5000,
		MemoryBytes:    256 << 20,
		MaxInputBytes:  1 << 20,
		MaxOutputBytes: 1 << 20,
		MaxStderrBytes: 64 << 10,
		PidsLimit:      64,
	}
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	run := DefaultLimits()
	jvm := run
	jvm.CPUTimeMS = 4000
	jvm.WallTimeMS = 8000
	jvm.MemoryBytes = 512 << 20

	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute, // a full suite runs inside one request
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
			MaxSourceBytes:  64 << 10,
		},
		Engine: EngineConfig{
			ScratchDir:         filepath.Join(os.TempDir(), "judge-engine"),
			Isolation:          "process",
			MaxConcurrent:      32,
			MemoryPollInterval: 100 * time.Millisecond,
			CompileTimeout:     10 * time.Second,
			CompileMemoryBytes: 1 << 30,
			Cgroup: CgroupConfig{
				Enabled: true,
				Root:    "/sys/fs/cgroup/judge-engine",
			},
			Janitor: JanitorConfig{
				Interval: time.Minute,
				MaxAge:   10 * time.Minute,
			},
		},
		Languages: LanguagesConfig{
			CPP:    LanguageConfig{Compiler: "g++", Image: "docker.io/library/gcc:13", Run: run, Submit: run},
			C:      LanguageConfig{Compiler: "gcc", Image: "docker.io/library/gcc:13", Run: run, Submit: run},
			Java:   LanguageConfig{Compiler: "javac", Interpreter: "java", Image: "docker.io/library/eclipse-temurin:21", Run: jvm, Submit: jvm},
			Python: LanguageConfig{Interpreter: "python3", Image: "docker.io/library/python:3.12-slim", Run: run, Submit: run},
		},
		Grading: GradingConfig{
			EarlyExit: "all",
		},
		Admission: AdmissionConfig{
			Backend:   "memory",
			KeyPrefix: "judge:rate",
			Run:       RateLimit{Max: 10, Window: time.Minute},
			Submit:    RateLimit{Max: 5, Window: 5 * time.Minute},
		},
		ProblemStore: ProblemStoreConfig{
			ServiceName: "judge-engine",
			Timeout:     5 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			UserHeader:     "X-User-ID",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.MaxSourceBytes < 1 {
		return fmt.Errorf("server.max_source_bytes must be >= 1")
	}
	if c.Engine.ScratchDir == "" || !filepath.IsAbs(c.Engine.ScratchDir) {
		return fmt.Errorf("engine.scratch_dir: %q must be an absolute path", c.Engine.ScratchDir)
	}
	switch c.Engine.Isolation {
	case "process", "docker":
	default:
		return fmt.Errorf("engine.isolation must be process or docker, got %q", c.Engine.Isolation)
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be >= 1")
	}
	if c.Engine.MemoryPollInterval <= 0 {
		return fmt.Errorf("engine.memory_poll_interval must be > 0")
	}
	if c.Engine.CompileTimeout <= 0 {
		return fmt.Errorf("engine.compile_timeout must be > 0")
	}
	if c.Engine.Janitor.Interval <= 0 || c.Engine.Janitor.MaxAge <= 0 {
		return fmt.Errorf("engine.janitor needs a positive interval and max_age")
	}
	if c.Engine.Cgroup.Required && !c.Engine.Cgroup.Enabled {
		return fmt.Errorf("engine.cgroup.required needs engine.cgroup.enabled")
	}
	if c.Engine.Cgroup.Enabled && !filepath.IsAbs(c.Engine.Cgroup.Root) {
		return fmt.Errorf("engine.cgroup.root: %q must be an absolute path", c.Engine.Cgroup.Root)
	}
	for _, name := range []string{"cpp", "c", "java", "python"} {
		lc, _ := c.Languages.Get(name)
		if err := lc.Run.validate(); err != nil {
			return fmt.Errorf("languages.%s.run: %w", name, err)
		}
		if err := lc.Submit.validate(); err != nil {
			return fmt.Errorf("languages.%s.submit: %w", name, err)
		}
	}
	switch c.Grading.EarlyExit {
	case "all", "compiled", "never":
	default:
		return fmt.Errorf("grading.early_exit must be all, compiled or never, got %q", c.Grading.EarlyExit)
	}
	switch c.Admission.Backend {
	case "memory":
	case "redis":
		if c.Admission.RedisAddr == "" {
			return fmt.Errorf("admission.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("admission.backend must be memory or redis, got %q", c.Admission.Backend)
	}
	if c.Admission.Run.Max < 1 || c.Admission.Run.Window <= 0 {
		return fmt.Errorf("admission.run needs max >= 1 and a positive window")
	}
	if c.Admission.Submit.Max < 1 || c.Admission.Submit.Window <= 0 {
		return fmt.Errorf("admission.submit needs max >= 1 and a positive window")
	}
	if c.ProblemStore.Timeout <= 0 {
		return fmt.Errorf("problem_store.timeout must be > 0")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	if c.ProblemStore.BaseURL == "" {
		log.Warn().Msg("problem_store.base_url is empty, /submit will fail until it is set")
	}
	return nil
}

func (l Limits) validate() error {
	if l.CPUTimeMS < 1 || l.WallTimeMS < 1 {
		return fmt.Errorf("cpu_time_ms and wall_time_ms must be >= 1")
	}
	if l.MemoryBytes < 16<<20 {
		return fmt.Errorf("memory_bytes must be >= 16MiB")
	}
	if l.MaxInputBytes < 1 || l.MaxOutputBytes < 1 || l.MaxStderrBytes < 1 {
		return fmt.Errorf("input, output and stderr caps must be >= 1")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
