package bootstrap

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/splatseq/internal/fsutil"
	"github.com/banshee-data/splatseq/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestEnsure_CreatesVenvAndInstalls(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("paths below are POSIX")
	}
	m := fsutil.NewMemoryFileSystem()
	runner := &MockRunner{}
	runner.OnRun = func(name string, args []string) {
		if len(args) == 3 && args[1] == "venv" {
			require.NoError(t, m.WriteFile(filepath.Join(args[2], "bin", "python"), nil, 0755))
		}
	}
	env := &Environment{Dir: "/opt/splatseq/venv", Packages: []string{"sharp-video==0.3", "torch"}, Runner: runner, FS: m}

	require.NoError(t, env.Ensure(context.Background()))
	require.NoError(t, env.Ensure(context.Background()))

	assert.Equal(t, []string{
		"python3 -m venv /opt/splatseq/venv",
		"/opt/splatseq/venv/bin/python -m pip install --upgrade sharp-video==0.3 torch",
	}, runner.CallLog())
	assert.Equal(t, []string{"/opt/splatseq/venv/bin/python", "-m", "sharp_video"}, env.InferenceCommand("sharp_video"))
}

func TestEnsure_ReusesExistingVenv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("paths below are POSIX")
	}
	m := fsutil.NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("/venv/bin/python", nil, 0755))
	runner := &MockRunner{}
	env := &Environment{Dir: "/venv", Runner: runner, FS: m}

	require.NoError(t, env.Ensure(context.Background()))
	assert.Equal(t, []string{"/venv/bin/python -m pip install --upgrade sharp-video"}, runner.CallLog())
}

func TestEnsure_MemoisesFailure(t *testing.T) {
	runner := &MockRunner{
		Output: []byte("No module named venv\n"),
		Fail:   map[string]error{"python3.11 -m venv": errors.New("exit status 1")},
	}
	env := &Environment{Dir: "/venv", Python: "python3.11", Runner: runner, FS: fsutil.NewMemoryFileSystem()}

	err := env.Ensure(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating virtualenv")
	assert.Contains(t, err.Error(), "No module named venv")

	assert.Equal(t, err, env.Ensure(context.Background()))
	assert.Len(t, runner.CallLog(), 1)
}

func TestEnsure_DryRunAndValidation(t *testing.T) {
	runner := &MockRunner{}
	env := &Environment{Dir: "/venv", DryRun: true, Runner: runner, FS: fsutil.NewMemoryFileSystem()}
	require.NoError(t, env.Ensure(context.Background()))
	assert.Empty(t, runner.CallLog())

	assert.Error(t, (&Environment{}).Ensure(context.Background()))
}
