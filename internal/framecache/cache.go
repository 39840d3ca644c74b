// Package framecache keeps decoded frames resident under a byte budget.
//
// Get blocks until the frame is available and shares one load between
// concurrent callers of the same index. Prefetch is best effort: it never
// blocks, never queues, and runs at most PrefetchWorkers loads at a time.
// Eviction is least-recently-accessed first and runs after every insertion
// until resident bytes fit the budget again.
package framecache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/splatseq/internal/framestore"
	"github.com/banshee-data/splatseq/internal/monitoring"
	"github.com/banshee-data/splatseq/internal/splat"
	"github.com/banshee-data/splatseq/internal/timeutil"
)

var (
	// ErrBudgetExceeded is the panic value raised when resident bytes exceed
	// the budget after an eviction pass. It indicates a bug in this package.
	ErrBudgetExceeded = errors.New("frame cache budget exceeded")
	// ErrIndexOutOfRange is returned for indices outside the current sequence.
	ErrIndexOutOfRange = errors.New("frame index out of range")
)

var logf = monitoring.Tagged("Cache")

// FrameLoader decodes a single frame. framestore.Store satisfies it.
type FrameLoader interface {
	Load(f framestore.Frame) (*splat.Cloud, error)
}

// Options configures a Cache.
type Options struct {
	BudgetBytes     int64
	PrefetchWorkers int
	Clock           timeutil.Clock

	// LatencySamples bounds the ring of recent load latencies kept for Stats.
	LatencySamples int
}

const (
	DefaultBudgetBytes     = 512 << 20
	DefaultPrefetchWorkers = 2
	defaultLatencySamples  = 256
)

type entry struct {
	index      int
	cloud      *splat.Cloud
	bytes      int64
	lastAccess time.Time
	seq        uint64 // access order, breaks timestamp ties
}

// Cache is safe for concurrent use.
type Cache struct {
	loader FrameLoader
	clock  timeutil.Clock
	budget int64
	sem    *semaphore.Weighted
	group  singleflight.Group
	wg     sync.WaitGroup

	mu        sync.Mutex
	seq       *framestore.Sequence
	gen       uint64
	entries   map[int]*entry
	resident  int64
	pinned    int
	loading   map[int]struct{}
	accessSeq uint64

	stats     counters
	latencies []time.Duration
	latNext   int
	latCap    int
}

type counters struct {
	hits, misses, loads, loadErrors, evictions uint64

	prefetchIssued, prefetchDropped, prefetchDiscarded uint64

	oversized, staleLoads uint64
}

// New returns an empty cache. Zero option values take the package defaults.
func New(loader FrameLoader, opts Options) *Cache {
	if opts.BudgetBytes == 0 {
		opts.BudgetBytes = DefaultBudgetBytes
	}
	if opts.PrefetchWorkers <= 0 {
		opts.PrefetchWorkers = DefaultPrefetchWorkers
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.LatencySamples <= 0 {
		opts.LatencySamples = defaultLatencySamples
	}
	return &Cache{
		loader:  loader,
		clock:   opts.Clock,
		budget:  opts.BudgetBytes,
		sem:     semaphore.NewWeighted(int64(opts.PrefetchWorkers)),
		entries: make(map[int]*entry),
		loading: make(map[int]struct{}),
		pinned:  -1,
		latCap:  opts.LatencySamples,
	}
}

// Budget returns the configured byte budget.
func (c *Cache) Budget() int64 { return c.budget }

// SetSequence binds the cache to seq. Binding a different directory (or
// nil) drops every entry and orphans in-flight loads; binding an extended
// copy of the current sequence keeps resident frames.
func (c *Cache) SetSequence(seq *framestore.Sequence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq == nil || c.seq == nil || seq.Dir != c.seq.Dir {
		c.purgeLocked()
	}
	c.seq = seq
}

// Purge drops every entry and the pin. In-flight loads complete but are
// not retained.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
}

func (c *Cache) purgeLocked() {
	c.gen++
	c.entries = make(map[int]*entry)
	c.loading = make(map[int]struct{})
	c.resident = 0
	c.pinned = -1
}

// Get returns the decoded frame at index, loading it if necessary. A failed
// load is not cached; the next Get retries it.
func (c *Cache) Get(ctx context.Context, index int) (*splat.Cloud, error) {
	c.mu.Lock()
	if e, ok := c.entries[index]; ok {
		c.touchLocked(e)
		c.stats.hits++
		c.mu.Unlock()
		return e.cloud, nil
	}
	frame, ok := c.seq.Frame(index)
	if !ok {
		n := c.seq.Len()
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, n)
	}
	c.stats.misses++
	gen := c.gen
	c.mu.Unlock()

	ch := c.group.DoChan(flightKey(gen, index), func() (interface{}, error) {
		return c.load(gen, frame, false)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*splat.Cloud), nil
	}
}

// Pin marks index as the displayed frame. Prefetch insertions never evict
// the pinned frame. Pass -1 to clear.
func (c *Cache) Pin(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned = index
	if e, ok := c.entries[index]; ok {
		c.touchLocked(e)
	}
}

// Prefetch schedules background loads for indices that are neither resident
// nor already loading. It never blocks: requests beyond the worker limit are
// dropped and counted.
func (c *Cache) Prefetch(indices []int) {
	for _, index := range indices {
		c.mu.Lock()
		frame, ok := c.seq.Frame(index)
		_, resident := c.entries[index]
		_, loading := c.loading[index]
		gen := c.gen
		if !ok || resident || loading {
			c.mu.Unlock()
			continue
		}
		if !c.sem.TryAcquire(1) {
			c.stats.prefetchDropped++
			c.mu.Unlock()
			continue
		}
		c.stats.prefetchIssued++
		c.loading[index] = struct{}{}
		c.mu.Unlock()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.sem.Release(1)
			_, _, _ = c.group.Do(flightKey(gen, frame.Index), func() (interface{}, error) {
				return c.load(gen, frame, true)
			})
		}()
	}
}

// Wait blocks until every prefetch started so far has finished.
func (c *Cache) Wait() {
	c.wg.Wait()
}

func flightKey(gen uint64, index int) string {
	return strconv.FormatUint(gen, 10) + "/" + strconv.Itoa(index)
}

func (c *Cache) load(gen uint64, frame framestore.Frame, prefetch bool) (*splat.Cloud, error) {
	c.mu.Lock()
	if gen == c.gen {
		c.loading[frame.Index] = struct{}{}
	}
	c.mu.Unlock()

	start := c.clock.Now()
	cloud, err := c.loader.Load(frame)
	elapsed := c.clock.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen {
		delete(c.loading, frame.Index)
	}
	c.stats.loads++
	c.recordLatencyLocked(elapsed)
	if err != nil {
		c.stats.loadErrors++
		logf("load frame %d failed: %v", frame.Index, err)
		return nil, err
	}
	c.insertLocked(gen, frame.Index, cloud, prefetch)
	return cloud, nil
}

// insertLocked adds a loaded frame and evicts until the budget holds.
func (c *Cache) insertLocked(gen uint64, index int, cloud *splat.Cloud, prefetch bool) {
	if gen != c.gen {
		c.stats.staleLoads++
		return
	}
	if e, ok := c.entries[index]; ok {
		c.touchLocked(e)
		return
	}

	size := cloud.SizeBytes()
	if size > c.budget {
		c.stats.oversized++
		logf("frame %d (%d bytes) exceeds budget %d; not retained", index, size, c.budget)
		return
	}

	var pinnedBytes int64
	if pe, ok := c.entries[c.pinned]; ok {
		pinnedBytes = pe.bytes
	}
	if prefetch && size+pinnedBytes > c.budget {
		c.stats.prefetchDiscarded++
		return
	}

	e := &entry{index: index, cloud: cloud, bytes: size}
	c.touchLocked(e)
	c.entries[index] = e
	c.resident += size

	c.evictLocked(index, prefetch)

	if c.resident > c.budget {
		panic(fmt.Errorf("%w: resident %d > budget %d", ErrBudgetExceeded, c.resident, c.budget))
	}
}

// evictLocked removes least recently accessed entries, never the one just
// inserted, until resident bytes fit. The pinned entry is only considered
// once nothing else is left, and never for a prefetch insertion.
func (c *Cache) evictLocked(inserted int, prefetch bool) {
	for c.resident > c.budget {
		victim := c.oldestLocked(inserted, c.pinned)
		if victim == nil && !prefetch {
			victim = c.oldestLocked(inserted, -1)
		}
		if victim == nil {
			return
		}
		delete(c.entries, victim.index)
		c.resident -= victim.bytes
		c.stats.evictions++
		if victim.index == c.pinned {
			c.pinned = -1
		}
	}
}

func (c *Cache) oldestLocked(skip, pinned int) *entry {
	var oldest *entry
	for idx, e := range c.entries {
		if idx == skip || (pinned >= 0 && idx == pinned) {
			continue
		}
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) ||
			(e.lastAccess.Equal(oldest.lastAccess) && e.seq < oldest.seq) {
			oldest = e
		}
	}
	return oldest
}

func (c *Cache) touchLocked(e *entry) {
	c.accessSeq++
	e.seq = c.accessSeq
	e.lastAccess = c.clock.Now()
}

func (c *Cache) recordLatencyLocked(d time.Duration) {
	if len(c.latencies) < c.latCap {
		c.latencies = append(c.latencies, d)
		return
	}
	c.latencies[c.latNext] = d
	c.latNext = (c.latNext + 1) % c.latCap
}

// Contains reports whether index is resident.
func (c *Cache) Contains(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[index]
	return ok
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits              uint64 `json:"hits"`
	Misses            uint64 `json:"misses"`
	Loads             uint64 `json:"loads"`
	LoadErrors        uint64 `json:"load_errors"`
	Evictions         uint64 `json:"evictions"`
	PrefetchIssued    uint64 `json:"prefetch_issued"`
	PrefetchDropped   uint64 `json:"prefetch_dropped"`
	PrefetchDiscarded uint64 `json:"prefetch_discarded"`
	Oversized         uint64 `json:"oversized"`
	StaleLoads        uint64 `json:"stale_loads"`

	BudgetBytes     int64 `json:"budget_bytes"`
	ResidentBytes   int64 `json:"resident_bytes"`
	ResidentEntries int   `json:"resident_entries"`
	Pinned          int   `json:"pinned"`
	Resident        []int `json:"resident"`

	LoadLatencyMeanMs   float64   `json:"load_latency_mean_ms"`
	LoadLatencyStdDevMs float64   `json:"load_latency_stddev_ms"`
	LoadLatenciesMs     []float64 `json:"load_latencies_ms"`
}

// HitRate returns hits / (hits + misses), or 0 before any access.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:              c.stats.hits,
		Misses:            c.stats.misses,
		Loads:             c.stats.loads,
		LoadErrors:        c.stats.loadErrors,
		Evictions:         c.stats.evictions,
		PrefetchIssued:    c.stats.prefetchIssued,
		PrefetchDropped:   c.stats.prefetchDropped,
		PrefetchDiscarded: c.stats.prefetchDiscarded,
		Oversized:         c.stats.oversized,
		StaleLoads:        c.stats.staleLoads,
		BudgetBytes:       c.budget,
		ResidentBytes:     c.resident,
		ResidentEntries:   len(c.entries),
		Pinned:            c.pinned,
	}
	for idx := range c.entries {
		s.Resident = append(s.Resident, idx)
	}
	sort.Ints(s.Resident)

	if n := len(c.latencies); n > 0 {
		// Oldest first.
		ordered := make([]time.Duration, 0, n)
		ordered = append(ordered, c.latencies[c.latNext:]...)
		ordered = append(ordered, c.latencies[:c.latNext]...)
		s.LoadLatenciesMs = make([]float64, n)
		for i, d := range ordered {
			s.LoadLatenciesMs[i] = float64(d) / float64(time.Millisecond)
		}
		s.LoadLatencyMeanMs, s.LoadLatencyStdDevMs = stat.MeanStdDev(s.LoadLatenciesMs, nil)
		if n == 1 {
			s.LoadLatencyStdDevMs = 0
		}
	}
	return s
}
