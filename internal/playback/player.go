// Package playback drives a frame sequence through time.
//
// A Player owns one control goroutine (Run). Every state transition, from
// consumer commands and from clock ticks alike, executes on that goroutine,
// so transitions never interleave. Consumers read state through Snapshot
// and receive frame and state notifications through Subscribe.
package playback

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/splatseq/internal/framestore"
	"github.com/banshee-data/splatseq/internal/monitoring"
	"github.com/banshee-data/splatseq/internal/splat"
	"github.com/banshee-data/splatseq/internal/timeutil"
)

var (
	// ErrNoSequence is returned by commands that need a loaded sequence.
	ErrNoSequence = errors.New("no sequence loaded")
	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("player stopped")
)

var logf = monitoring.Tagged("Player")

// State is the player's lifecycle state.
type State int

const (
	StateEmpty State = iota
	StateReady
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for c := StateEmpty; c <= StatePaused; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown player state %q", b)
}

// FrameCache is the subset of framecache.Cache the player drives.
type FrameCache interface {
	SetSequence(seq *framestore.Sequence)
	Get(ctx context.Context, index int) (*splat.Cloud, error)
	Pin(index int)
	Prefetch(indices []int)
	Purge()
}

// SequenceSource discovers and extends sequences. framestore.Store
// satisfies it.
type SequenceSource interface {
	Discover(dir string) (*framestore.Sequence, error)
	Refresh(seq *framestore.Sequence) (*framestore.Sequence, int, error)
}

// Options configures a Player.
type Options struct {
	Cache  FrameCache
	Source SequenceSource // optional; needed by LoadDir and Refresh
	Clock  timeutil.Clock
	FPS    float64
	Loop   bool

	// PrefetchWindow is how many frames ahead of the playhead are warmed.
	PrefetchWindow int
	// EventBuffer is the per-subscriber channel capacity.
	EventBuffer int
}

const (
	DefaultFPS            = 30
	DefaultPrefetchWindow = 8
	defaultEventBuffer    = 32
)

// Snapshot is a consistent copy of the player state.
type Snapshot struct {
	State         State   `json:"state"`
	Index         int     `json:"index"`
	Total         int     `json:"total"`
	Rate          float64 `json:"rate"`
	Loop          bool    `json:"loop"`
	Playing       bool    `json:"playing"`
	Dir           string  `json:"dir,omitempty"`
	Displayed     int     `json:"displayed"`
	LastError     string  `json:"last_error,omitempty"`
	DroppedEvents uint64  `json:"dropped_events"`
}

// EventKind identifies a notification.
type EventKind int

const (
	EventFrameReady EventKind = iota
	EventFrameError
	EventStateChanged
)

func (k EventKind) String() string {
	switch k {
	case EventFrameReady:
		return "frame_ready"
	case EventFrameError:
		return "frame_error"
	case EventStateChanged:
		return "state_changed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered to subscribers. Frame is borrowed from the cache and
// is only valid for display; it must not be modified.
type Event struct {
	Kind  EventKind
	Index int
	State State
	Frame *splat.Cloud
	Err   error
	Time  time.Time
}

type displayedFrame struct {
	index int
	cloud *splat.Cloud
}

type command struct {
	fn    func(ctx context.Context) error
	reply chan error
}

// Player is the sequence player state machine.
type Player struct {
	cache  FrameCache
	source SequenceSource
	clk    timeutil.Clock
	clock  *Clock
	window int
	evBuf  int

	cmds    chan command
	done    chan struct{}
	running atomic.Bool

	snap      atomic.Pointer[Snapshot]
	displayed atomic.Pointer[displayedFrame]
	dropped   atomic.Uint64

	subMu sync.Mutex
	subs  map[string]chan Event

	// Owned by the control goroutine.
	seq     *framestore.Sequence
	state   State
	index   int
	loop    bool
	lastErr error
}

// New returns a player in the Empty state. Call Run to start it.
func New(opts Options) (*Player, error) {
	if opts.Cache == nil {
		return nil, errors.New("playback: cache is required")
	}
	if opts.FPS == 0 {
		opts.FPS = DefaultFPS
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.PrefetchWindow <= 0 {
		opts.PrefetchWindow = DefaultPrefetchWindow
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	clock, err := NewClock(opts.Clock, opts.FPS)
	if err != nil {
		return nil, err
	}
	p := &Player{
		cache:  opts.Cache,
		source: opts.Source,
		clk:    opts.Clock,
		clock:  clock,
		window: opts.PrefetchWindow,
		evBuf:  opts.EventBuffer,
		cmds:   make(chan command),
		done:   make(chan struct{}),
		subs:   make(map[string]chan Event),
		loop:   opts.Loop,
	}
	p.publishSnapshot()
	return p, nil
}

// Run executes commands and clock ticks until ctx is cancelled. It must be
// called exactly once.
func (p *Player) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("playback: Run called twice")
	}
	defer p.closeSubscribers()
	defer close(p.done)
	defer p.clock.Stop()

	logf("control loop started (%.1f fps, loop=%v)", p.clock.Rate(), p.loop)
	for {
		select {
		case <-ctx.Done():
			logf("control loop stopped: %v", ctx.Err())
			return ctx.Err()
		case cmd := <-p.cmds:
			cmd.reply <- cmd.fn(ctx)
		case <-p.clock.C():
			p.onTick(ctx)
		}
	}
}

// do runs fn on the control goroutine and waits for its result.
func (p *Player) do(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case p.cmds <- cmd:
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest published state. Safe from any goroutine.
func (p *Player) Snapshot() Snapshot {
	s := *p.snap.Load()
	s.DroppedEvents = p.dropped.Load()
	return s
}

// Frame returns the payload currently on display.
func (p *Player) Frame() (cloud *splat.Cloud, index int, ok bool) {
	d := p.displayed.Load()
	if d == nil {
		return nil, -1, false
	}
	return d.cloud, d.index, true
}

// Load replaces the current sequence and displays its first frame. An
// empty sequence leaves the player Empty.
func (p *Player) Load(ctx context.Context, seq *framestore.Sequence) error {
	return p.do(ctx, func(ctx context.Context) error {
		p.load(ctx, seq)
		return nil
	})
}

// LoadDir discovers dir and loads the result.
func (p *Player) LoadDir(ctx context.Context, dir string) (*framestore.Sequence, error) {
	if p.source == nil {
		return nil, errors.New("playback: no sequence source configured")
	}
	seq, err := p.source.Discover(dir)
	if err != nil {
		return nil, err
	}
	return seq, p.Load(ctx, seq)
}

// Play starts or resumes playback. Playing from the last frame with loop
// disabled rewinds to the first frame.
func (p *Player) Play(ctx context.Context) error {
	return p.do(ctx, func(ctx context.Context) error {
		switch p.state {
		case StateEmpty:
			return ErrNoSequence
		case StatePlaying:
			return nil
		}
		if !p.loop && p.index == p.seq.Len()-1 && p.seq.Len() > 1 {
			p.index = 0
			p.display(ctx, 0)
		}
		p.clock.Start()
		p.setState(StatePlaying)
		p.prefetchAhead()
		return nil
	})
}

// Pause stops playback and keeps the current index. It is a no-op unless
// the player is Playing.
func (p *Player) Pause(ctx context.Context) error {
	return p.do(ctx, func(ctx context.Context) error {
		if p.state != StatePlaying {
			return nil
		}
		p.clock.Stop()
		p.setState(StatePaused)
		return nil
	})
}

// Seek moves to index, clamped to the sequence, without changing state.
func (p *Player) Seek(ctx context.Context, index int) error {
	return p.do(ctx, func(ctx context.Context) error {
		if p.state == StateEmpty {
			return ErrNoSequence
		}
		p.seekTo(ctx, index)
		return nil
	})
}

// Step moves delta frames relative to the current index, clamped.
func (p *Player) Step(ctx context.Context, delta int) error {
	return p.do(ctx, func(ctx context.Context) error {
		if p.state == StateEmpty {
			return ErrNoSequence
		}
		p.seekTo(ctx, p.index+delta)
		return nil
	})
}

// SetRate changes the playback rate in frames per second.
func (p *Player) SetRate(ctx context.Context, fps float64) error {
	return p.do(ctx, func(ctx context.Context) error {
		if err := p.clock.SetRate(fps); err != nil {
			return err
		}
		p.publishSnapshot()
		return nil
	})
}

// SetLoop enables or disables wrap-around at the end of the sequence.
func (p *Player) SetLoop(ctx context.Context, enabled bool) error {
	return p.do(ctx, func(ctx context.Context) error {
		p.loop = enabled
		p.publishSnapshot()
		return nil
	})
}

// Unload stops playback, drops the sequence and purges the cache.
func (p *Player) Unload(ctx context.Context) error {
	return p.do(ctx, func(ctx context.Context) error {
		p.unload()
		return nil
	})
}

// Refresh rescans the loaded directory and extends the sequence with frames
// written since it was discovered. It returns the number of frames added.
func (p *Player) Refresh(ctx context.Context) (int, error) {
	if p.source == nil {
		return 0, errors.New("playback: no sequence source configured")
	}
	var current *framestore.Sequence
	if err := p.do(ctx, func(context.Context) error {
		if p.state == StateEmpty {
			return ErrNoSequence
		}
		current = p.seq
		return nil
	}); err != nil {
		return 0, err
	}

	next, added, err := p.source.Refresh(current)
	if err != nil || added == 0 {
		return 0, err
	}

	err = p.do(ctx, func(context.Context) error {
		// The sequence may have been replaced while scanning.
		if p.seq != current {
			added = 0
			return nil
		}
		p.seq = next
		p.cache.SetSequence(next)
		p.publishSnapshot()
		logf("sequence extended by %d frames to %d", added, next.Len())
		return nil
	})
	return added, err
}

func (p *Player) load(ctx context.Context, seq *framestore.Sequence) {
	p.clock.Stop()
	if seq.Len() == 0 {
		p.unload()
		return
	}
	p.seq = seq
	p.cache.SetSequence(seq)
	p.index = 0
	p.lastErr = nil
	p.displayed.Store(nil)
	logf("loaded %s: %d frames", seq.Dir, seq.Len())
	p.setState(StateReady)
	p.display(ctx, 0)
	p.cache.Prefetch(p.rangeAhead(0, p.window))
}

func (p *Player) unload() {
	p.clock.Stop()
	p.seq = nil
	p.cache.SetSequence(nil)
	p.cache.Purge()
	p.index = 0
	p.lastErr = nil
	p.displayed.Store(nil)
	p.setState(StateEmpty)
}

func (p *Player) seekTo(ctx context.Context, index int) {
	n := p.seq.Len()
	if index < 0 {
		index = 0
	}
	if index > n-1 {
		index = n - 1
	}
	p.index = index
	p.display(ctx, index)
	p.cache.Prefetch(p.rangeAround(index))
}

// onTick advances one frame while Playing. Without looping, landing on the
// last frame pauses there, so no later tick can run past the end. A frame
// that fails to load is reported and playback carries on from it at the
// next tick.
func (p *Player) onTick(ctx context.Context) {
	if p.state != StatePlaying {
		return
	}
	n := p.seq.Len()
	next := p.index + 1
	if next >= n {
		if !p.loop {
			p.pauseAtEnd()
			return
		}
		next = 0
	}
	p.index = next
	p.display(ctx, next)
	if !p.loop && next == n-1 {
		p.pauseAtEnd()
		return
	}
	p.prefetchAhead()
}

func (p *Player) pauseAtEnd() {
	p.index = p.seq.Len() - 1
	p.clock.Stop()
	p.setState(StatePaused)
	logf("reached end of sequence at frame %d", p.index)
}

// display fetches index from the cache and publishes the outcome. On
// failure the previously displayed payload stays on screen.
func (p *Player) display(ctx context.Context, index int) {
	cloud, err := p.cache.Get(ctx, index)
	if err != nil {
		p.lastErr = err
		logf("frame %d unavailable: %v", index, err)
		p.publishSnapshot()
		p.publish(Event{Kind: EventFrameError, Index: index, State: p.state, Err: err})
		return
	}
	p.lastErr = nil
	p.cache.Pin(index)
	p.displayed.Store(&displayedFrame{index: index, cloud: cloud})
	p.publishSnapshot()
	p.publish(Event{Kind: EventFrameReady, Index: index, State: p.state, Frame: cloud})
}

func (p *Player) prefetchAhead() {
	p.cache.Prefetch(p.rangeAhead(p.index+1, p.window))
}

// rangeAhead returns up to count indices starting at from, wrapping when
// looping and truncated at the end otherwise.
func (p *Player) rangeAhead(from, count int) []int {
	n := p.seq.Len()
	if n == 0 {
		return nil
	}
	if count > n {
		count = n
	}
	out := make([]int, 0, count)
	for i := 0; i < count; i++ {
		idx := from + i
		if idx >= n {
			if !p.loop {
				break
			}
			idx %= n
		}
		out = append(out, idx)
	}
	return out
}

// rangeAround returns indices near centre, nearest first and forward before
// backward, excluding centre itself.
func (p *Player) rangeAround(centre int) []int {
	n := p.seq.Len()
	half := p.window / 2
	if half == 0 {
		half = 1
	}
	var out []int
	for d := 1; d <= half; d++ {
		if i := centre + d; i < n {
			out = append(out, i)
		}
		if i := centre - d; i >= 0 {
			out = append(out, i)
		}
	}
	return out
}

func (p *Player) setState(s State) {
	prev := p.state
	p.state = s
	p.publishSnapshot()
	if prev != s {
		logf("state %s -> %s (index %d)", prev, s, p.index)
		p.publish(Event{Kind: EventStateChanged, Index: p.index, State: s})
	}
}

func (p *Player) publishSnapshot() {
	s := &Snapshot{
		State:     p.state,
		Index:     p.index,
		Total:     p.seq.Len(),
		Rate:      p.clock.Rate(),
		Loop:      p.loop,
		Playing:   p.state == StatePlaying,
		Displayed: -1,
	}
	if p.seq != nil {
		s.Dir = p.seq.Dir
	}
	if d := p.displayed.Load(); d != nil {
		s.Displayed = d.index
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	p.snap.Store(s)
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a listener. Events that do not fit in the listener's
// buffer are dropped and counted in Snapshot.DroppedEvents.
func (p *Player) Subscribe() (string, <-chan Event) {
	id := randomID()
	ch := make(chan Event, p.evBuf)
	p.subMu.Lock()
	defer p.subMu.Unlock()
	select {
	case <-p.done:
		close(ch)
	default:
		p.subs[id] = ch
	}
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (p *Player) Unsubscribe(id string) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	if ch, ok := p.subs[id]; ok {
		close(ch)
		delete(p.subs, id)
	}
}

func (p *Player) publish(ev Event) {
	ev.Time = p.clk.Now()
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.dropped.Add(1)
		}
	}
}

func (p *Player) closeSubscribers() {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
}
