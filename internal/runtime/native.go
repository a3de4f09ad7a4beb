package runtime

import (
	"judge-engine/internal/config"
)

const nativeBinary = "main"

// NativeRuntime compiles C or C++ into a single executable.
type NativeRuntime struct {
	name      string
	ext       string
	compiler  string
	flags     []string
	linkFlags []string
	image     string
}

func newCPPRuntime(cfg config.LanguageConfig) (*NativeRuntime, error) {
	flags, err := splitFlags(cfg.CompileFlags, []string{"-O2", "-pipe", "-std=gnu++17", "-DONLINE_JUDGE"})
	if err != nil {
		return nil, err
	}
	return &NativeRuntime{
		name:     "cpp",
		ext:      ".cpp",
		compiler: orDefault(cfg.Compiler, "g++"),
		flags:    flags,
		image:    orDefault(cfg.Image, "docker.io/library/gcc:13"),
	}, nil
}

func newCRuntime(cfg config.LanguageConfig) (*NativeRuntime, error) {
	flags, err := splitFlags(cfg.CompileFlags, []string{"-O2", "-pipe", "-std=gnu11", "-DONLINE_JUDGE"})
	if err != nil {
		return nil, err
	}
	return &NativeRuntime{
		name:      "c",
		ext:       ".c",
		compiler:  orDefault(cfg.Compiler, "gcc"),
		flags:     flags,
		linkFlags: []string{"-lm"},
		image:     orDefault(cfg.Image, "docker.io/library/gcc:13"),
	}, nil
}

func (n *NativeRuntime) Name() string { return n.name }

func (n *NativeRuntime) Image() string { return n.image }

func (n *NativeRuntime) FileExtension() string { return n.ext }

func (n *NativeRuntime) SourceFile(string) string { return "main" + n.ext }

func (n *NativeRuntime) CompileCommand(string) []string {
	args := make([]string, 0, len(n.flags)+len(n.linkFlags)+4)
	args = append(args, n.compiler)
	args = append(args, n.flags...)
	args = append(args, "main"+n.ext, "-o", nativeBinary)
	return append(args, n.linkFlags...)
}

func (n *NativeRuntime) RunCommand(string, int64) []string {
	return []string{"./" + nativeBinary}
}
