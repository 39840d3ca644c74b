package conversion

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/splatseq/internal/fsutil"
	"github.com/banshee-data/splatseq/internal/splat"
)

// SyntheticInference generates a rotating point cloud instead of running a
// model. It ignores the video contents and is used for demos and tests.
type SyntheticInference struct {
	FS         fsutil.FileSystem // nil uses the OS
	Frames     int               // default 24
	Points     int               // default 512
	SHDegree   int
	FPS        float64 // reported source rate, default 30
	FrameDelay time.Duration
}

// Run writes frame_0000.ply .. into outDir.
func (s *SyntheticInference) Run(ctx context.Context, videoPath, outDir string, progress ProgressFunc) (float64, error) {
	fsys := s.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	frames, points, fps := s.Frames, s.Points, s.FPS
	if frames <= 0 {
		frames = 24
	}
	if points <= 0 {
		points = 512
	}
	if fps <= 0 {
		fps = 30
	}

	base := fibonacciSphere(points)
	for i := 0; i < frames; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if s.FrameDelay > 0 {
			select {
			case <-time.After(s.FrameDelay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		angle := 2 * math.Pi * float64(i) / float64(frames)
		cloud := syntheticFrame(base, r3.NewRotation(angle, r3.Vec{Z: 1}), s.SHDegree)
		name := filepath.Join(outDir, fmt.Sprintf("frame_%04d.ply", i))
		if err := writeCloud(fsys, name, cloud); err != nil {
			return 0, err
		}
		if progress != nil {
			progress(i+1, frames, fmt.Sprintf("frame %d of %s", i+1, filepath.Base(videoPath)))
		}
	}
	return fps, nil
}

func syntheticFrame(base []r3.Vec, rot r3.Rotation, shDegree int) *splat.Cloud {
	c := splat.NewGaussianCloud(len(base), shDegree)
	idx := func(name string) int { return c.PropertyIndex(name) }
	x, y, z := idx("x"), idx("y"), idx("z")
	r, g, b := idx("f_dc_0"), idx("f_dc_1"), idx("f_dc_2")
	opacity := idx("opacity")
	s0, s1, s2 := idx("scale_0"), idx("scale_1"), idx("scale_2")
	q0, q1, q2, q3 := idx("rot_0"), idx("rot_1"), idx("rot_2"), idx("rot_3")

	for i, p := range base {
		v := rot.Rotate(p)
		c.SetFloat(i, x, v.X)
		c.SetFloat(i, y, v.Y)
		c.SetFloat(i, z, v.Z)
		// Color by original height so the rotation is visible.
		c.SetFloat(i, r, p.Z)
		c.SetFloat(i, g, 0.5*p.Y)
		c.SetFloat(i, b, -p.Z)
		c.SetFloat(i, opacity, 2)
		for _, s := range []int{s0, s1, s2} {
			c.SetFloat(i, s, -4.5)
		}
		c.SetFloat(i, q0, rot.Real)
		c.SetFloat(i, q1, rot.Imag)
		c.SetFloat(i, q2, rot.Jmag)
		c.SetFloat(i, q3, rot.Kmag)
	}
	return c
}

// fibonacciSphere spreads n points evenly over the unit sphere.
func fibonacciSphere(n int) []r3.Vec {
	golden := math.Pi * (3 - math.Sqrt(5))
	pts := make([]r3.Vec, n)
	for i := range pts {
		y := 1.0
		if n > 1 {
			y = 1 - 2*float64(i)/float64(n-1)
		}
		radius := math.Sqrt(math.Max(0, 1-y*y))
		theta := golden * float64(i)
		pts[i] = r3.Vec{X: math.Cos(theta) * radius, Y: y, Z: math.Sin(theta) * radius}
	}
	return pts
}

func writeCloud(fsys fsutil.FileSystem, name string, c *splat.Cloud) error {
	w, err := fsys.Create(name)
	if err != nil {
		return err
	}
	if err := splat.Encode(w, c); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
