// Package bootstrap prepares the Python environment that the external
// model runs in: a virtualenv with the model's packages installed.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/banshee-data/splatseq/internal/fsutil"
	"github.com/banshee-data/splatseq/internal/monitoring"
)

var logf = monitoring.Tagged("Bootstrap")

// DefaultPackages are installed when Environment.Packages is empty.
var DefaultPackages = []string{"sharp-video"}

// Environment is a virtualenv rooted at Dir.
type Environment struct {
	Dir      string
	Python   string   // interpreter used to create the venv, default "python3"
	Packages []string // pip requirements
	DryRun   bool     // log commands without running them

	Runner CommandRunner     // default ExecRunner
	FS     fsutil.FileSystem // default OS

	once sync.Once
	err  error
}

// PythonPath returns the interpreter inside the environment.
func (e *Environment) PythonPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(e.Dir, "Scripts", "python.exe")
	}
	return filepath.Join(e.Dir, "bin", "python")
}

// Ensure creates the environment and installs its packages. It does the
// work at most once per Environment; later calls return the first result.
func (e *Environment) Ensure(ctx context.Context) error {
	e.once.Do(func() {
		e.err = e.ensure(ctx)
	})
	return e.err
}

func (e *Environment) ensure(ctx context.Context) error {
	if e.Dir == "" {
		return errors.New("bootstrap: environment directory not set")
	}
	runner := e.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	fsys := e.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	python := e.Python
	if python == "" {
		python = "python3"
	}
	packages := e.Packages
	if len(packages) == 0 {
		packages = DefaultPackages
	}

	run := func(name string, args ...string) error {
		line := strings.Join(append([]string{name}, args...), " ")
		if e.DryRun {
			logf("[DRY-RUN] would execute: %s", line)
			return nil
		}
		logf("executing: %s", line)
		out, err := runner.Run(ctx, name, args...)
		if err != nil {
			return fmt.Errorf("%s: %w: %s", line, err, strings.TrimSpace(string(out)))
		}
		return nil
	}

	if fsys.Exists(e.PythonPath()) {
		logf("using existing environment %s", e.Dir)
	} else if err := run(python, "-m", "venv", e.Dir); err != nil {
		return fmt.Errorf("creating virtualenv: %w", err)
	}

	args := append([]string{"-m", "pip", "install", "--upgrade"}, packages...)
	if err := run(e.PythonPath(), args...); err != nil {
		return fmt.Errorf("installing packages: %w", err)
	}
	return nil
}

// InferenceCommand returns the command that runs the model module inside
// the environment.
func (e *Environment) InferenceCommand(module string) []string {
	return []string{e.PythonPath(), "-m", module}
}
