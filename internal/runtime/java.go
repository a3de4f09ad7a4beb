package runtime

import (
	"fmt"
	"regexp"

	"judge-engine/internal/config"
)

var (
	publicClassRe = regexp.MustCompile(`(?m)^\s*public\s+(?:(?:final|abstract|strictfp)\s+)*class\s+([A-Za-z_$][A-Za-z0-9_$]*)`)
	anyClassRe    = regexp.MustCompile(`(?m)^\s*(?:(?:final|abstract|strictfp)\s+)*class\s+([A-Za-z_$][A-Za-z0-9_$]*)`)
)

// JavaRuntime compiles with javac and runs the entry class on the JVM.
type JavaRuntime struct {
	compiler     string
	compileFlags []string
	launcher     string
	runFlags     []string
	image        string
}

func newJavaRuntime(cfg config.LanguageConfig) (*JavaRuntime, error) {
	compileFlags, err := splitFlags(cfg.CompileFlags, []string{"-encoding", "UTF-8", "-nowarn"})
	if err != nil {
		return nil, err
	}
	runFlags, err := splitFlags(cfg.RunFlags, []string{"-Xss64m", "-XX:+UseSerialGC", "-XX:TieredStopAtLevel=1"})
	if err != nil {
		return nil, err
	}
	return &JavaRuntime{
		compiler:     orDefault(cfg.Compiler, "javac"),
		compileFlags: compileFlags,
		launcher:     orDefault(cfg.Interpreter, "java"),
		runFlags:     runFlags,
		image:        orDefault(cfg.Image, "docker.io/library/eclipse-temurin:21"),
	}, nil
}

func (j *JavaRuntime) Name() string { return "java" }

func (j *JavaRuntime) Image() string { return j.image }

func (j *JavaRuntime) FileExtension() string { return ".java" }

// SourceFile names the file after the public class, which javac requires.
func (j *JavaRuntime) SourceFile(code string) string {
	return MainClass(code) + ".java"
}

func (j *JavaRuntime) CompileCommand(code string) []string {
	args := make([]string, 0, len(j.compileFlags)+4)
	args = append(args, j.compiler)
	args = append(args, j.compileFlags...)
	return append(args, "-d", ".", j.SourceFile(code))
}

func (j *JavaRuntime) RunCommand(code string, memoryBytes int64) []string {
	args := make([]string, 0, len(j.runFlags)+5)
	args = append(args, j.launcher, heapFlag(memoryBytes))
	args = append(args, j.runFlags...)
	return append(args, "-cp", ".", MainClass(code))
}

// heapFlag caps the heap at three quarters of the budget, leaving room for
// metaspace, code cache and thread stacks.
func heapFlag(memoryBytes int64) string {
	mb := memoryBytes * 3 / 4 >> 20
	if mb < 32 {
		mb = 32
	}
	return fmt.Sprintf("-Xmx%dm", mb)
}

// MainClass returns the public class name, the first declared class when no
// class is public, or Main.
func MainClass(code string) string {
	if m := publicClassRe.FindStringSubmatch(code); m != nil {
		return m[1]
	}
	if m := anyClassRe.FindStringSubmatch(code); m != nil {
		return m[1]
	}
	return "Main"
}
