package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/splatseq/internal/framecache"
	"github.com/banshee-data/splatseq/internal/framestore"
	"github.com/banshee-data/splatseq/internal/fsutil"
	"github.com/banshee-data/splatseq/internal/monitoring"
	"github.com/banshee-data/splatseq/internal/splat"
	"github.com/banshee-data/splatseq/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

type harness struct {
	player *Player
	cache  *framecache.Cache
	fs     *fsutil.MemoryFileSystem
	clock  *timeutil.MockClock
	ctx    context.Context
}

func writeSequence(t *testing.T, m *fsutil.MemoryFileSystem, dir string, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		var buf bytes.Buffer
		require.NoError(t, splat.Encode(&buf, splat.NewGaussianCloud(i+1, 0)))
		require.NoError(t, m.WriteFile(fmt.Sprintf("%s/frame_%04d.ply", dir, i), buf.Bytes(), 0644))
	}
}

func newHarness(t *testing.T, frames int, opts Options) *harness {
	t.Helper()
	m := fsutil.NewMemoryFileSystem()
	writeSequence(t, m, "/clip_gaussians", 0, frames)

	clock := newMockClock()
	store := framestore.NewStore(m)
	cache := framecache.New(store, framecache.Options{BudgetBytes: 1 << 20, PrefetchWorkers: 2, Clock: clock})

	opts.Cache = cache
	opts.Source = store
	opts.Clock = clock
	if opts.FPS == 0 {
		opts.FPS = 10
	}
	p, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		cache.Wait()
	})
	return &harness{player: p, cache: cache, fs: m, clock: clock, ctx: context.Background()}
}

func (h *harness) load(t *testing.T) *framestore.Sequence {
	t.Helper()
	seq, err := h.player.LoadDir(h.ctx, "/clip_gaussians")
	require.NoError(t, err)
	return seq
}

// tick delivers one clock tick on the control goroutine.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.player.do(h.ctx, func(ctx context.Context) error {
		h.player.onTick(ctx)
		return nil
	}))
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPlayer_Lifecycle(t *testing.T) {
	h := newHarness(t, 5, Options{})
	p := h.player

	s := p.Snapshot()
	assert.Equal(t, StateEmpty, s.State)
	assert.Equal(t, -1, s.Displayed)

	assert.ErrorIs(t, p.Play(h.ctx), ErrNoSequence)
	assert.ErrorIs(t, p.Seek(h.ctx, 2), ErrNoSequence)
	assert.ErrorIs(t, p.Step(h.ctx, 1), ErrNoSequence)
	assert.NoError(t, p.Pause(h.ctx))
	_, err := p.Refresh(h.ctx)
	assert.ErrorIs(t, err, ErrNoSequence)

	h.load(t)
	s = p.Snapshot()
	assert.Equal(t, StateReady, s.State)
	assert.Equal(t, 0, s.Index)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 0, s.Displayed)
	assert.Equal(t, "/clip_gaussians", s.Dir)
	cloud, idx, ok := p.Frame()
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 1, cloud.Len())

	// Pause outside Playing is a no-op.
	require.NoError(t, p.Pause(h.ctx))
	assert.Equal(t, StateReady, p.Snapshot().State)

	require.NoError(t, p.Play(h.ctx))
	assert.Equal(t, StatePlaying, p.Snapshot().State)
	assert.True(t, p.Snapshot().Playing)
	require.NoError(t, p.Play(h.ctx))
	assert.Equal(t, StatePlaying, p.Snapshot().State)

	require.NoError(t, p.Pause(h.ctx))
	assert.Equal(t, StatePaused, p.Snapshot().State)

	require.NoError(t, p.Unload(h.ctx))
	s = p.Snapshot()
	assert.Equal(t, StateEmpty, s.State)
	assert.Equal(t, 0, s.Total)
	_, _, ok = p.Frame()
	assert.False(t, ok)
	assert.Equal(t, 0, h.cache.Stats().ResidentEntries)
}

func TestPlayer_StopsAtEnd(t *testing.T) {
	const n = 5
	h := newHarness(t, n, Options{Loop: false})
	h.load(t)
	require.NoError(t, h.player.Play(h.ctx))

	for i := 0; i < n-2; i++ {
		h.tick(t)
	}
	s := h.player.Snapshot()
	assert.Equal(t, StatePlaying, s.State)
	assert.Equal(t, n-2, s.Index)

	h.tick(t)
	s = h.player.Snapshot()
	assert.Equal(t, StatePaused, s.State)
	assert.Equal(t, n-1, s.Index)
	assert.Equal(t, n-1, s.Displayed)

	// A further tick is a no-op.
	h.tick(t)
	s = h.player.Snapshot()
	assert.Equal(t, StatePaused, s.State)
	assert.Equal(t, n-1, s.Index)
}

func TestPlayer_LoopReturnsToStart(t *testing.T) {
	const n = 4
	h := newHarness(t, n, Options{Loop: true})
	h.load(t)
	require.NoError(t, h.player.Play(h.ctx))

	for i := 0; i < n; i++ {
		h.tick(t)
	}
	s := h.player.Snapshot()
	assert.Equal(t, StatePlaying, s.State)
	assert.Equal(t, 0, s.Index)
	assert.Equal(t, 0, s.Displayed)
}

func TestPlayer_PlayAtEndRewinds(t *testing.T) {
	h := newHarness(t, 3, Options{})
	h.load(t)
	require.NoError(t, h.player.Seek(h.ctx, 2))
	require.NoError(t, h.player.Play(h.ctx))

	s := h.player.Snapshot()
	assert.Equal(t, StatePlaying, s.State)
	assert.Equal(t, 0, s.Index)
}

func TestPlayer_SeekAndStepClamp(t *testing.T) {
	h := newHarness(t, 5, Options{})
	h.load(t)
	p := h.player

	tests := []struct {
		name string
		do   func() error
		want int
	}{
		{"seek middle", func() error { return p.Seek(h.ctx, 3) }, 3},
		{"seek past end", func() error { return p.Seek(h.ctx, 99) }, 4},
		{"seek negative", func() error { return p.Seek(h.ctx, -7) }, 0},
		{"step forward", func() error { return p.Step(h.ctx, 2) }, 2},
		{"step back past start", func() error { return p.Step(h.ctx, -10) }, 0},
		{"step past end", func() error { return p.Step(h.ctx, 10) }, 4},
	}
	for _, tt := range tests {
		require.NoError(t, tt.do(), tt.name)
		s := p.Snapshot()
		assert.Equal(t, tt.want, s.Index, tt.name)
		assert.Equal(t, tt.want, s.Displayed, tt.name)
		assert.Equal(t, StateReady, s.State, "seek keeps the state: %s", tt.name)
	}

	require.NoError(t, p.Play(h.ctx))
	require.NoError(t, p.Seek(h.ctx, 1))
	assert.Equal(t, StatePlaying, p.Snapshot().State)
}

func TestPlayer_DeletedFrameDoesNotStopPlayback(t *testing.T) {
	h := newHarness(t, 5, Options{PrefetchWindow: 1})
	h.load(t)
	id, events := h.player.Subscribe()
	defer h.player.Unsubscribe(id)

	require.NoError(t, h.fs.Remove("/clip_gaussians/frame_0002.ply"))
	require.NoError(t, h.player.Play(h.ctx))

	h.tick(t) // frame 1
	h.tick(t) // frame 2 is gone

	s := h.player.Snapshot()
	assert.Equal(t, StatePlaying, s.State)
	assert.Equal(t, 2, s.Index)
	assert.Equal(t, 1, s.Displayed, "previous frame stays on screen")
	assert.NotEmpty(t, s.LastError)

	var frameErr *Event
	for _, ev := range drain(events) {
		if ev.Kind == EventFrameError {
			ev := ev
			frameErr = &ev
		}
	}
	require.NotNil(t, frameErr)
	assert.Equal(t, 2, frameErr.Index)
	assert.ErrorIs(t, frameErr.Err, framestore.ErrNotFound)
	var fe *framestore.FrameError
	assert.True(t, errors.As(frameErr.Err, &fe))

	h.tick(t)
	s = h.player.Snapshot()
	assert.Equal(t, 3, s.Index)
	assert.Equal(t, 3, s.Displayed)
	assert.Empty(t, s.LastError)
}

func TestPlayer_CorruptFrameReported(t *testing.T) {
	h := newHarness(t, 3, Options{PrefetchWindow: 1})
	require.NoError(t, h.fs.WriteFile("/clip_gaussians/frame_0001.ply", []byte("not a ply"), 0644))
	h.load(t)

	_, events := h.player.Subscribe()
	require.NoError(t, h.player.Seek(h.ctx, 1))

	evs := drain(events)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, EventFrameError, last.Kind)
	assert.ErrorIs(t, last.Err, framestore.ErrCorruptAsset)
	assert.Equal(t, 1, h.player.Snapshot().Index)
}

func TestPlayer_Events(t *testing.T) {
	h := newHarness(t, 3, Options{})
	id, events := h.player.Subscribe()

	h.load(t)
	evs := drain(events)
	require.Len(t, evs, 2)
	assert.Equal(t, EventStateChanged, evs[0].Kind)
	assert.Equal(t, StateReady, evs[0].State)
	assert.Equal(t, EventFrameReady, evs[1].Kind)
	assert.Equal(t, 0, evs[1].Index)
	assert.NotNil(t, evs[1].Frame)
	assert.False(t, evs[1].Time.IsZero())

	h.player.Unsubscribe(id)
	_, open := <-events
	assert.False(t, open)

	// Unsubscribing twice is harmless.
	h.player.Unsubscribe(id)
}

func TestPlayer_SlowSubscriberDropsEvents(t *testing.T) {
	h := newHarness(t, 5, Options{EventBuffer: 1})
	_, events := h.player.Subscribe()
	h.load(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, h.player.Seek(h.ctx, i))
	}

	assert.Greater(t, h.player.Snapshot().DroppedEvents, uint64(0))
	assert.Len(t, drain(events), 1)
}

func TestPlayer_ClockDrivesPlayback(t *testing.T) {
	h := newHarness(t, 4, Options{FPS: 10})
	h.load(t)
	require.NoError(t, h.player.Play(h.ctx))

	for want := 1; want <= 3; want++ {
		h.clock.Advance(100 * time.Millisecond)
		require.Eventually(t, func() bool {
			return h.player.Snapshot().Index == want
		}, time.Second, time.Millisecond, "waiting for frame %d", want)
	}

	require.NoError(t, h.player.Pause(h.ctx))
	h.clock.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 3, h.player.Snapshot().Index)
}

func TestPlayer_SetRateAndLoop(t *testing.T) {
	h := newHarness(t, 3, Options{})
	p := h.player

	assert.ErrorIs(t, p.SetRate(h.ctx, 0), ErrInvalidRate)
	require.NoError(t, p.SetRate(h.ctx, 24))
	assert.Equal(t, 24.0, p.Snapshot().Rate)

	require.NoError(t, p.SetLoop(h.ctx, true))
	assert.True(t, p.Snapshot().Loop)
}

func TestPlayer_LoadEmptySequence(t *testing.T) {
	h := newHarness(t, 3, Options{})
	h.load(t)
	require.NoError(t, h.player.Load(h.ctx, &framestore.Sequence{Dir: "/nothing"}))
	assert.Equal(t, StateEmpty, h.player.Snapshot().State)

	_, err := h.player.LoadDir(h.ctx, "/missing")
	assert.ErrorIs(t, err, framestore.ErrNotFound)
}

func TestPlayer_RefreshExtendsSequence(t *testing.T) {
	h := newHarness(t, 3, Options{})
	h.load(t)

	added, err := h.player.Refresh(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	writeSequence(t, h.fs, "/clip_gaussians", 3, 5)
	added, err = h.player.Refresh(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 5, h.player.Snapshot().Total)

	require.NoError(t, h.player.Seek(h.ctx, 4))
	assert.Equal(t, 4, h.player.Snapshot().Displayed)
}

func TestPlayer_StoppedAfterRun(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	cache := framecache.New(framestore.NewStore(m), framecache.Options{})
	p, err := New(Options{Cache: cache, Clock: newMockClock()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	_, events := p.Subscribe()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.ErrorIs(t, p.Play(context.Background()), ErrStopped)
	_, open := <-events
	assert.False(t, open, "subscribers are closed when Run exits")

	_, late := p.Subscribe()
	_, open = <-late
	assert.False(t, open)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	cache := framecache.New(framestore.NewStore(fsutil.NewMemoryFileSystem()), framecache.Options{})
	_, err = New(Options{Cache: cache, FPS: -1})
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestStateStrings(t *testing.T) {
	b, err := StatePaused.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "paused", string(b))
	assert.Equal(t, "frame_error", EventFrameError.String())
}

func TestState_UnmarshalText(t *testing.T) {
	var s State
	require.NoError(t, s.UnmarshalText([]byte("playing")))
	assert.Equal(t, StatePlaying, s)
	assert.Error(t, s.UnmarshalText([]byte("rewinding")))
}
