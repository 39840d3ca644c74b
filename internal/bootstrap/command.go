package bootstrap

import (
	"context"
	"os/exec"
	"strings"
	"sync"
)

// CommandRunner runs one command to completion and returns its combined
// output. It is the seam that lets tests observe bootstrap without a
// Python installation.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args and returns stdout and stderr combined.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// MockRunner records commands instead of running them.
type MockRunner struct {
	mu sync.Mutex
	// Calls holds each invocation as a space-joined command line.
	Calls []string
	// Output is returned from every Run.
	Output []byte
	// Fail maps a command-line prefix to the error returned for it.
	Fail map[string]error
	// OnRun, if set, is called after recording each invocation.
	OnRun func(name string, args []string)
}

// Run records the invocation.
func (m *MockRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	m.mu.Lock()
	m.Calls = append(m.Calls, line)
	onRun := m.OnRun
	var err error
	for prefix, e := range m.Fail {
		if strings.HasPrefix(line, prefix) {
			err = e
			break
		}
	}
	m.mu.Unlock()
	if onRun != nil {
		onRun(name, args)
	}
	return m.Output, err
}

// CallLog returns a copy of the recorded command lines.
func (m *MockRunner) CallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...)
}
