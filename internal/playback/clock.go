package playback

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/splatseq/internal/timeutil"
)

// ErrInvalidRate is returned for a non-positive or non-finite frame rate.
var ErrInvalidRate = errors.New("playback rate must be a positive finite fps")

// Clock emits ticks at a configurable frame rate. Ticks that the consumer
// has not received yet are never queued: at most one is pending, and
// resuming after Stop starts a fresh full interval.
type Clock struct {
	mu      sync.Mutex
	ticker  timeutil.Ticker
	fps     float64
	running bool
}

// NewClock returns a stopped clock running at fps on clk.
func NewClock(clk timeutil.Clock, fps float64) (*Clock, error) {
	if err := validRate(fps); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = timeutil.RealClock{}
	}
	t := clk.NewTicker(intervalFor(fps))
	t.Stop()
	return &Clock{ticker: t, fps: fps}, nil
}

func validRate(fps float64) error {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidRate, fps)
	}
	return nil
}

func intervalFor(fps float64) time.Duration {
	d := time.Duration(float64(time.Second) / fps)
	if d <= 0 {
		d = 1
	}
	return d
}

// C delivers ticks while the clock is running.
func (c *Clock) C() <-chan time.Time {
	return c.ticker.C()
}

// Start begins ticking; the first tick arrives one interval from now.
// Starting a running clock is a no-op.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.drain()
	c.ticker.Reset(intervalFor(c.fps))
	c.running = true
}

// Stop suspends ticking and discards a pending tick.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticker.Stop()
	c.drain()
	c.running = false
}

func (c *Clock) drain() {
	select {
	case <-c.ticker.C():
	default:
	}
}

// SetRate changes the frame rate. A running clock restarts its interval
// immediately at the new rate.
func (c *Clock) SetRate(fps float64) error {
	if err := validRate(fps); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fps = fps
	if c.running {
		c.ticker.Reset(intervalFor(fps))
	}
	return nil
}

// Rate returns the current frame rate.
func (c *Clock) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fps
}

// Interval returns the tick period at the current rate.
func (c *Clock) Interval() time.Duration {
	return intervalFor(c.Rate())
}

// Running reports whether ticks are being delivered.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
