package report

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/splatseq/internal/framestore"
	"github.com/banshee-data/splatseq/internal/fsutil"
	"github.com/banshee-data/splatseq/internal/monitoring"
	"github.com/banshee-data/splatseq/internal/splat"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestLatencySummary(t *testing.T) {
	assert.Equal(t, Summary{}, LatencySummary(nil))
	assert.Equal(t, "no samples", Summary{}.String())

	one := LatencySummary([]float64{4})
	assert.Equal(t, Summary{Count: 1, Mean: 4, P50: 4, P95: 4, Max: 4}, one)

	samples := make([]float64, 100)
	for i := range samples {
		samples[len(samples)-1-i] = float64(i + 1) // descending; must not matter
	}
	s := LatencySummary(samples)
	assert.Equal(t, 100, s.Count)
	assert.InDelta(t, 50.5, s.Mean, 1e-9)
	assert.InDelta(t, 50, s.P50, 1e-9)
	assert.InDelta(t, 95, s.P95, 1e-9)
	assert.Equal(t, 100.0, s.Max)
	assert.Equal(t, 100.0, samples[0], "input untouched")

	s = LatencySummary([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5, s.Mean, 1e-9)
	assert.InDelta(t, 2.138, s.StdDev, 1e-3)
	assert.Contains(t, s.String(), "p95=9.00ms")
}

func TestPlotSequence(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	for i := 0; i < 6; i++ {
		var buf bytes.Buffer
		require.NoError(t, splat.Encode(&buf, splat.NewGaussianCloud(10*(i+1), 0)))
		require.NoError(t, m.WriteFile(fmt.Sprintf("/seq/frame_%03d.ply", i), buf.Bytes(), 0644))
	}
	require.NoError(t, m.WriteFile("/seq/frame_006.ply", []byte("ply\ngarbage"), 0644))

	store := framestore.NewStore(m)
	seq, err := store.Discover("/seq")
	require.NoError(t, err)

	var out bytes.Buffer
	stats, err := PlotSequence(seq, store, &out)
	require.NoError(t, err)
	require.Len(t, stats, 7)
	assert.Equal(t, 10, stats[0].Vertices)
	assert.Equal(t, 60, stats[5].Vertices)
	assert.Greater(t, stats[5].Bytes, stats[0].Bytes)
	assert.ErrorIs(t, stats[6].Err, framestore.ErrCorruptAsset)
	assert.True(t, bytes.HasPrefix(out.Bytes(), []byte("\x89PNG\r\n\x1a\n")))

	_, err = PlotSequence(&framestore.Sequence{Dir: "/empty"}, store, &out)
	assert.ErrorIs(t, err, framestore.ErrNotFound)
}
