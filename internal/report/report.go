// Package report summarises sequences and cache behaviour for humans:
// latency statistics and per-frame PNG charts.
package report

import (
	"fmt"
	"image/color"
	"io"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/splatseq/internal/framestore"
	"github.com/banshee-data/splatseq/internal/monitoring"
	"github.com/banshee-data/splatseq/internal/splat"
)

// Summary describes a latency distribution in milliseconds.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean_ms"`
	StdDev float64 `json:"stddev_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	Max    float64 `json:"max_ms"`
}

func (s Summary) String() string {
	if s.Count == 0 {
		return "no samples"
	}
	return fmt.Sprintf("n=%d mean=%.2fms sd=%.2fms p50=%.2fms p95=%.2fms max=%.2fms",
		s.Count, s.Mean, s.StdDev, s.P50, s.P95, s.Max)
}

// LatencySummary computes a Summary of samples. samples is not modified.
func LatencySummary(samples []float64) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	s := Summary{Count: len(sorted), Max: sorted[len(sorted)-1]}
	if len(sorted) > 1 {
		s.Mean, s.StdDev = stat.MeanStdDev(sorted, nil)
	} else {
		s.Mean = sorted[0]
	}
	s.P50 = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	s.P95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return s
}

// FrameLoader decodes one frame. *framestore.Store satisfies it.
type FrameLoader interface {
	Load(f framestore.Frame) (*splat.Cloud, error)
}

// FrameStat is the per-frame data behind PlotSequence.
type FrameStat struct {
	Index    int
	Number   int64
	Bytes    int64
	Vertices int
	Err      error
}

// CollectFrameStats loads every frame of seq. Frames that fail to load are
// kept with Err set and zero vertices.
func CollectFrameStats(seq *framestore.Sequence, loader FrameLoader) []FrameStat {
	stats := make([]FrameStat, 0, seq.Len())
	for _, f := range seq.Frames {
		fs := FrameStat{Index: f.Index, Number: f.Number, Bytes: f.SizeHint}
		cloud, err := loader.Load(f)
		if err != nil {
			fs.Err = err
			monitoring.Logf("[Report] frame %d: %v", f.Index, err)
		} else {
			fs.Vertices = cloud.Len()
		}
		stats = append(stats, fs)
	}
	return stats
}

// PlotSequence renders vertex count and file size per frame of seq as a
// PNG written to w.
func PlotSequence(seq *framestore.Sequence, loader FrameLoader, w io.Writer) ([]FrameStat, error) {
	if seq == nil || seq.Len() == 0 {
		return nil, fmt.Errorf("%w: empty sequence", framestore.ErrNotFound)
	}
	stats := CollectFrameStats(seq, loader)
	return stats, PlotFrameStats(stats, seq.Dir, w)
}

// PlotFrameStats draws stats as two stacked charts.
func PlotFrameStats(stats []FrameStat, title string, w io.Writer) error {
	verts := make(plotter.XYs, 0, len(stats))
	sizes := make(plotter.XYs, 0, len(stats))
	var failed plotter.XYs
	for _, s := range stats {
		x := float64(s.Index)
		if s.Err != nil {
			failed = append(failed, plotter.XY{X: x, Y: 0})
			continue
		}
		verts = append(verts, plotter.XY{X: x, Y: float64(s.Vertices)})
		sizes = append(sizes, plotter.XY{X: x, Y: float64(s.Bytes) / 1024})
	}

	pVerts := plot.New()
	pVerts.Title.Text = fmt.Sprintf("%s - Gaussians per frame", title)
	pVerts.X.Label.Text = "Frame"
	pVerts.Y.Label.Text = "Vertices"

	pSize := plot.New()
	pSize.Title.Text = "File size"
	pSize.X.Label.Text = "Frame"
	pSize.Y.Label.Text = "KiB"

	if err := addLine(pVerts, verts, color.RGBA{R: 31, G: 119, B: 180, A: 255}); err != nil {
		return err
	}
	if err := addLine(pSize, sizes, color.RGBA{R: 255, G: 127, B: 14, A: 255}); err != nil {
		return err
	}
	if len(failed) > 0 {
		sc, err := plotter.NewScatter(failed)
		if err != nil {
			return err
		}
		sc.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
		sc.Shape = draw.CrossGlyph{}
		pVerts.Add(sc)
		pVerts.Legend.Add("load failed", sc)
		pVerts.Legend.Top = true
	}

	img := vgimg.New(12*vg.Inch, 8*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadY: vg.Points(12), PadTop: vg.Points(6), PadBottom: vg.Points(6), PadLeft: vg.Points(6), PadRight: vg.Points(12)}
	canvases := plot.Align([][]*plot.Plot{{pVerts}, {pSize}}, tiles, dc)
	pVerts.Draw(canvases[0][0])
	pSize.Draw(canvases[1][0])

	png := vgimg.PngCanvas{Canvas: img}
	_, err := png.WriteTo(w)
	return err
}

func addLine(p *plot.Plot, pts plotter.XYs, c color.Color) error {
	if len(pts) == 0 {
		return nil
	}
	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return err
	}
	line.Color = c
	line.Width = vg.Points(1)
	points.Color = c
	points.Radius = vg.Points(1.5)
	p.Add(line, points)
	return nil
}
