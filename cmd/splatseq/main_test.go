package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/splatseq/internal/framestore"
	"github.com/banshee-data/splatseq/internal/monitoring"
	"github.com/banshee-data/splatseq/internal/splat"
	"github.com/banshee-data/splatseq/internal/version"
)

func init() {
	monitoring.SetLogger(nil)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeSequence(t *testing.T, dir string, n int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for i := 0; i < n; i++ {
		var buf bytes.Buffer
		require.NoError(t, splat.Encode(&buf, splat.NewGaussianCloud(i+1, 0)))
		name := filepath.Join(dir, fmt.Sprintf("frame_%03d.ply", i+1))
		require.NoError(t, os.WriteFile(name, buf.Bytes(), 0o644))
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version.Get().String()+"\n", out)
}

func TestDiscover(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "clip")
	writeSequence(t, dir, 3)

	out, err := execute(t, "discover", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "3 frames")
	assert.Contains(t, out, "frame_003.ply")

	out, err = execute(t, "discover", "--json", dir)
	require.NoError(t, err)
	var seq framestore.Sequence
	require.NoError(t, json.Unmarshal([]byte(out), &seq))
	require.Len(t, seq.Frames, 3)
	assert.Equal(t, int64(2), seq.Frames[1].Number)
}

func TestDiscover_Missing(t *testing.T) {
	_, err := execute(t, "discover", filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, framestore.ErrNotFound)
}

func TestConvertSynthetic(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "walk.mp4")
	require.NoError(t, os.WriteFile(video, []byte("not really a video"), 0o644))

	out, err := execute(t, "convert", "--synthetic", "--frames", "4", "--no-history", video)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 4 frames")

	outDir := filepath.Join(dir, "walk_gaussians")
	out, err = execute(t, "discover", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "4 frames")

	// A second run refuses to replace the output unless asked.
	_, err = execute(t, "convert", "--synthetic", "--frames", "2", "--no-history", video)
	require.Error(t, err)

	out, err = execute(t, "convert", "--synthetic", "--frames", "2", "--no-history", "--overwrite", video)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 2 frames")
}

func TestConvertRecordsHistory(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "walk.mp4")
	require.NoError(t, os.WriteFile(video, []byte("x"), 0o644))
	cfgPath := filepath.Join(dir, "cfg.json")
	cfg := fmt.Sprintf(`{"db_path": %q, "inference_command": "synthetic"}`, filepath.Join(dir, "jobs.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	_, err := execute(t, "--config", cfgPath, "convert", "--frames", "2", video)
	require.NoError(t, err)

	out, err := execute(t, "--config", cfgPath, "jobs", "--json")
	require.NoError(t, err)
	var recs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "succeeded", recs[0]["status"])
	assert.Equal(t, video, recs[0]["video_path"])
}

func TestPlot(t *testing.T) {
	dir := t.TempDir()
	seqDir := filepath.Join(dir, "clip")
	writeSequence(t, seqDir, 4)
	png := filepath.Join(dir, "out.png")

	out, err := execute(t, "plot", "--out", png, seqDir)
	require.NoError(t, err)
	assert.Contains(t, out, "4 frames, 0 failed")

	data, err := os.ReadFile(png)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
}

func TestPlay(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "clip")
	writeSequence(t, dir, 3)

	out, err := execute(t, "play", "--fps", "120", "--loop=false", "--duration", "10s", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "hit rate")
	assert.Contains(t, out, "load latency")
}

func TestBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"playback_fps": 0}`), 0o644))

	_, err := execute(t, "--config", path, "discover", t.TempDir())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "playback_fps"), err.Error())
}

func TestBootstrapDryRun(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "cfg.json")
	cfg := fmt.Sprintf(`{"venv_dir": %q}`, filepath.Join(dir, "venv"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	out, err := execute(t, "--config", cfgPath, "bootstrap", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "sharp_video")
	_, statErr := os.Stat(filepath.Join(dir, "venv"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCtlRequiresServer(t *testing.T) {
	_, err := execute(t, "ctl", "seek", "abc", "--server", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid index")
}
