package runtime

import (
	"judge-engine/internal/config"
)

// PythonRuntime configures execution of Python code. There is no build step;
// syntax errors surface on the first run.
type PythonRuntime struct {
	interpreter string
	flags       []string
	image       string
}

func newPythonRuntime(cfg config.LanguageConfig) (*PythonRuntime, error) {
	flags, err := splitFlags(cfg.RunFlags, []string{
		"-I", // Isolated: ignore PYTHON* env vars and user site-packages
		"-B", // Don't write .pyc files
		"-u", // Unbuffered output
	})
	if err != nil {
		return nil, err
	}
	return &PythonRuntime{
		interpreter: orDefault(cfg.Interpreter, "python3"),
		flags:       flags,
		image:       orDefault(cfg.Image, "docker.io/library/python:3.12-slim"),
	}, nil
}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Image() string { return p.image }

func (p *PythonRuntime) FileExtension() string { return ".py" }

func (p *PythonRuntime) SourceFile(string) string { return "main.py" }

func (p *PythonRuntime) CompileCommand(string) []string { return nil }

func (p *PythonRuntime) RunCommand(string, int64) []string {
	args := make([]string, 0, len(p.flags)+2)
	args = append(args, p.interpreter)
	args = append(args, p.flags...)
	return append(args, "main.py")
}
