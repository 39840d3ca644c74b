package conversion

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/splatseq/internal/framestore"
	"github.com/banshee-data/splatseq/internal/fsutil"
	"github.com/banshee-data/splatseq/internal/monitoring"
	"github.com/banshee-data/splatseq/internal/timeutil"
)

// ErrClosed is returned by Start once the runner has stopped.
var ErrClosed = errors.New("conversion runner closed")

var logf = monitoring.Tagged("Job")

// Progress milestones for the stages around inference.
const (
	fractionPreparing  = 0.01
	fractionInferStart = 0.05
	fractionInferSpan  = 0.85
	fractionCommitting = 0.92
	fractionIndexing   = 0.97
)

// Options configures a Runner.
type Options struct {
	FS        fsutil.FileSystem // nil uses the OS
	Inference Inference
	History   History // optional
	Clock     timeutil.Clock

	// QueueSize bounds the number of jobs waiting to run. Default 4.
	QueueSize int
	// Retain is how many finished jobs stay visible through Get and Jobs.
	// Default 64.
	Retain int

	// DefaultPolicy applies to requests that leave Policy unset. Unset
	// here means PolicyError.
	DefaultPolicy Policy

	// OnSuccess runs after a job succeeds, on the goroutine that finished it.
	OnSuccess func(id string, res Result)
}

// Runner executes conversion jobs one at a time.
type Runner struct {
	fs        fsutil.FileSystem
	store     *framestore.Store
	inference Inference
	history   History
	clock     timeutil.Clock
	onSuccess func(string, Result)
	retain    int
	policy    Policy

	queue chan *Handle

	mu       sync.Mutex
	jobs     map[string]*Handle
	order    []string          // submission order
	claims   map[string]string // output dir -> active job ID
	finished int
	closed   bool
}

// NewRunner validates opts and returns an idle runner. Call Run to start
// processing the queue.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Inference == nil {
		return nil, errors.New("conversion: Inference is required")
	}
	if opts.QueueSize < 0 || opts.Retain < 0 {
		return nil, fmt.Errorf("conversion: invalid queue size %d or retain %d", opts.QueueSize, opts.Retain)
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = 4
	}
	if opts.Retain == 0 {
		opts.Retain = 64
	}
	switch opts.DefaultPolicy {
	case PolicyDefault:
		opts.DefaultPolicy = PolicyError
	case PolicyError, PolicyOverwrite:
	default:
		return nil, fmt.Errorf("conversion: invalid default policy %v", opts.DefaultPolicy)
	}
	return &Runner{
		fs:        opts.FS,
		store:     framestore.NewStore(opts.FS),
		inference: opts.Inference,
		history:   opts.History,
		clock:     opts.Clock,
		onSuccess: opts.OnSuccess,
		retain:    opts.Retain,
		policy:    opts.DefaultPolicy,
		queue:     make(chan *Handle, opts.QueueSize),
		jobs:      make(map[string]*Handle),
		claims:    make(map[string]string),
	}, nil
}

// Start validates req and queues it. It never blocks: a full queue returns
// ErrQueueFull.
func (r *Runner) Start(req Request) (*Handle, error) {
	if req.VideoPath == "" {
		return nil, fmt.Errorf("%w: empty video path", ErrNotFound)
	}
	req.VideoPath = filepath.Clean(req.VideoPath)
	info, err := r.fs.Stat(req.VideoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, req.VideoPath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, req.VideoPath)
	}
	if req.OutputDir == "" {
		req.OutputDir = DefaultOutputDir(req.VideoPath)
	}
	req.OutputDir = filepath.Clean(req.OutputDir)
	switch req.Policy {
	case PolicyDefault:
		req.Policy = r.policy
	case PolicyError, PolicyOverwrite:
	default:
		return nil, fmt.Errorf("unknown overwrite policy %v", req.Policy)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if id, ok := r.claims[req.OutputDir]; ok {
		return nil, fmt.Errorf("%w: %s is the target of job %s", ErrOutputExists, req.OutputDir, id)
	}
	if req.Policy != PolicyOverwrite && r.fs.Exists(req.OutputDir) {
		return nil, fmt.Errorf("%w: %s", ErrOutputExists, req.OutputDir)
	}

	h := newHandle(uuid.New().String(), req, r.clock.Now)
	h.onRelease = r.release
	h.onFinish = r.report
	select {
	case r.queue <- h:
	default:
		return nil, fmt.Errorf("%w (%d waiting)", ErrQueueFull, cap(r.queue))
	}
	r.claims[req.OutputDir] = h.ID
	r.jobs[h.ID] = h
	r.order = append(r.order, h.ID)
	logf("job %s queued: %s -> %s (%s)", h.ID, req.VideoPath, req.OutputDir, req.Policy)
	return h, nil
}

// Run processes queued jobs until ctx is cancelled. The running job is
// cancelled with ctx and every job still queued is cancelled without
// touching the filesystem.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()
		case h := <-r.queue:
			if ctx.Err() != nil {
				r.shutdown()
				r.drop(h)
				return ctx.Err()
			}
			r.execute(ctx, h)
		}
	}
}

func (r *Runner) shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	for {
		select {
		case h := <-r.queue:
			r.drop(h)
		default:
			return
		}
	}
}

// Get returns the job with the given ID.
func (r *Runner) Get(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return h, nil
}

// Cancel cancels the job with the given ID.
func (r *Runner) Cancel(id string) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	h.Cancel()
	return nil
}

// Jobs lists known jobs in submission order.
func (r *Runner) Jobs() []Info {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.order))
	for _, id := range r.order {
		handles = append(handles, r.jobs[id])
	}
	r.mu.Unlock()

	out := make([]Info, len(handles))
	for i, h := range handles {
		out[i] = h.Info()
	}
	return out
}

func (r *Runner) execute(parent context.Context, h *Handle) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if !h.begin(cancel, r.clock.Now()) {
		if h.takeUnreported() {
			r.report(h)
		}
		return
	}
	req := h.Request
	out := req.OutputDir
	logf("job %s running", h.ID)
	h.report(Progress{Fraction: fractionPreparing, Stage: StagePreparing})

	if req.Policy != PolicyOverwrite && r.fs.Exists(out) {
		h.finish(Result{Status: StatusFailed, Err: fmt.Errorf("%w: %s", ErrOutputExists, out)})
		return
	}

	staging := siblingDir(out, "partial", h.ID)
	if err := r.fs.MkdirAll(staging, 0755); err != nil {
		h.finish(Result{Status: StatusFailed, Err: fmt.Errorf("creating staging directory: %w", err)})
		return
	}

	fps, err := r.inference.Run(ctx, req.VideoPath, staging, func(done, total int, message string) {
		frac := fractionInferStart
		if total > 0 {
			frac += fractionInferSpan * float64(min(done, total)) / float64(total)
		}
		h.report(Progress{Fraction: frac, Stage: StageInference, Message: message, Frame: done, Frames: total})
	})
	if h.cancelRequested() || ctx.Err() != nil {
		r.abandon(h, staging, Result{Status: StatusCancelled, Err: ErrCancelled})
		return
	}
	if err != nil {
		r.abandon(h, staging, Result{Status: StatusFailed, Err: fmt.Errorf("%w: %v", ErrInferenceFailure, err)})
		return
	}

	h.report(Progress{Fraction: fractionCommitting, Stage: StageCommitting})
	staged, err := r.store.Discover(staging)
	if err != nil {
		r.abandon(h, staging, Result{Status: StatusFailed, Err: fmt.Errorf("%w: no frames produced: %v", ErrInferenceFailure, err)})
		return
	}
	if !h.beginCommit() {
		r.abandon(h, staging, Result{Status: StatusCancelled, Err: ErrCancelled})
		return
	}

	md := framestore.Metadata{
		FPS:       fps,
		Source:    req.VideoPath,
		Frames:    staged.Len(),
		JobID:     h.ID,
		CreatedAt: r.clock.Now().UTC(),
	}
	if err := framestore.WriteMetadata(r.fs, staging, md); err != nil {
		logf("job %s: writing metadata: %v", h.ID, err)
	}
	if err := r.commit(staging, out, req.Policy, h.ID); err != nil {
		r.abandon(h, staging, Result{Status: StatusFailed, Err: err})
		return
	}

	h.report(Progress{Fraction: fractionIndexing, Stage: StageIndexing})
	seq, err := r.store.Discover(out)
	if err != nil {
		h.finish(Result{Status: StatusFailed, OutputDir: out, Err: fmt.Errorf("indexing %s: %w", out, err)})
		return
	}
	h.finish(Result{Status: StatusSucceeded, OutputDir: out, Sequence: seq, FPS: fps})
}

// abandon removes the staging directory and settles the job.
func (r *Runner) abandon(h *Handle, staging string, res Result) {
	if err := r.fs.RemoveAll(staging); err != nil {
		logf("job %s: removing %s: %v", h.ID, staging, err)
	}
	h.finish(res)
}

// commit moves the staged sequence to out. Under PolicyOverwrite an
// existing output is set aside first and restored if the move fails.
func (r *Runner) commit(staging, out string, policy Policy, id string) error {
	if !r.fs.Exists(out) {
		if err := r.fs.MkdirAll(filepath.Dir(out), 0755); err != nil {
			return fmt.Errorf("creating parent of %s: %w", out, err)
		}
		if err := r.fs.Rename(staging, out); err != nil {
			return fmt.Errorf("committing %s: %w", out, err)
		}
		return nil
	}
	if policy != PolicyOverwrite {
		return fmt.Errorf("%w: %s", ErrOutputExists, out)
	}

	old := siblingDir(out, "old", id)
	if err := r.fs.Rename(out, old); err != nil {
		return fmt.Errorf("moving aside %s: %w", out, err)
	}
	if err := r.fs.Rename(staging, out); err != nil {
		if rerr := r.fs.Rename(old, out); rerr != nil {
			logf("restoring %s from %s failed: %v", out, old, rerr)
		}
		return fmt.Errorf("committing %s: %w", out, err)
	}
	if err := r.fs.RemoveAll(old); err != nil {
		logf("removing replaced output %s: %v", old, err)
	}
	return nil
}

// drop cancels a job taken off the queue without running it.
func (r *Runner) drop(h *Handle) {
	h.Cancel()
	if h.takeUnreported() {
		r.report(h)
	}
}

// release is the handle's onRelease hook. It frees the output claim so
// the directory can be requested again as soon as the job settles.
func (r *Runner) release(h *Handle) {
	r.mu.Lock()
	if r.claims[h.Request.OutputDir] == h.ID {
		delete(r.claims, h.Request.OutputDir)
	}
	r.finished++
	r.pruneLocked()
	r.mu.Unlock()
}

// report is the handle's onFinish hook. It may block on History, so it
// only runs on the worker goroutine.
func (r *Runner) report(h *Handle) {
	res, _ := h.Result()
	if res.Err != nil {
		logf("job %s %s: %v", h.ID, res.Status, res.Err)
	} else {
		logf("job %s %s: %s", h.ID, res.Status, res.OutputDir)
	}

	if r.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.history.RecordJob(ctx, h.Record()); err != nil {
			logf("job %s: recording history: %v", h.ID, err)
		}
		cancel()
	}
	if res.Status == StatusSucceeded && r.onSuccess != nil {
		r.onSuccess(h.ID, res)
	}
}

// pruneLocked drops the oldest finished jobs beyond the retention limit.
func (r *Runner) pruneLocked() {
	if r.finished <= r.retain {
		return
	}
	kept := r.order[:0]
	for _, id := range r.order {
		h := r.jobs[id]
		if r.finished > r.retain && h.Status().Terminal() {
			delete(r.jobs, id)
			r.finished--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

// siblingDir names a hidden working directory next to out.
func siblingDir(out, kind, id string) string {
	return filepath.Join(filepath.Dir(out), fmt.Sprintf(".%s.%s-%s", filepath.Base(out), kind, id))
}
