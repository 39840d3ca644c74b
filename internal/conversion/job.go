// Package conversion turns a video into a numbered point-cloud sequence by
// driving an external inference capability in the background.
//
// Jobs are queued and executed one at a time. Inference writes into a hidden
// staging directory beside the requested output; the staging directory is
// renamed into place only when inference succeeds, so discovery never sees a
// partially written sequence.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/splatseq/internal/framestore"
)

var (
	// ErrNotFound reports a missing input video. It is the same sentinel as
	// framestore.ErrNotFound.
	ErrNotFound = framestore.ErrNotFound
	// ErrOutputExists reports an existing output directory under PolicyError,
	// or an output already claimed by another active job.
	ErrOutputExists = errors.New("output directory already exists")
	// ErrQueueFull is returned when the job queue has no free slot.
	ErrQueueFull = errors.New("conversion queue full")
	// ErrInferenceFailure wraps every failure of the external model.
	ErrInferenceFailure = errors.New("inference failed")
	// ErrCancelled is the error of a job that was cancelled.
	ErrCancelled = errors.New("conversion cancelled")
	// ErrUnknownJob is returned for an ID the runner has never issued.
	ErrUnknownJob = errors.New("unknown job")
)

// OutputSuffix is appended to the video stem to name the default output.
const OutputSuffix = "_gaussians"

// DefaultOutputDir returns <dir>/<stem>_gaussians for videoPath.
func DefaultOutputDir(videoPath string) string {
	base := filepath.Base(videoPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(videoPath), stem+OutputSuffix)
}

// Policy decides what happens when the output directory already exists.
type Policy int

const (
	// PolicyDefault defers to the runner's configured default.
	PolicyDefault Policy = iota
	// PolicyError rejects the request.
	PolicyError
	// PolicyOverwrite replaces the existing directory once the new sequence
	// is complete.
	PolicyOverwrite
)

func (p Policy) String() string {
	switch p {
	case PolicyDefault:
		return "default"
	case PolicyError:
		return "error"
	case PolicyOverwrite:
		return "overwrite"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "error", "overwrite" or "default". The empty string
// is PolicyDefault.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return PolicyDefault, nil
	case "error":
		return PolicyError, nil
	case "overwrite":
		return PolicyOverwrite, nil
	default:
		return PolicyDefault, fmt.Errorf("unknown overwrite policy %q (want error or overwrite)", s)
	}
}

// MarshalText encodes the policy by name.
func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText decodes a policy name.
func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Request describes one conversion.
type Request struct {
	VideoPath string `json:"video_path"`
	OutputDir string `json:"output_dir,omitempty"` // defaults to DefaultOutputDir(VideoPath)
	Policy    Policy `json:"policy,omitempty"` // PolicyDefault uses Options.DefaultPolicy
}

// Status is the lifecycle state of a job.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for c := StatusQueued; c <= StatusCancelled; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown job status %q", b)
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Stage labels.
const (
	StageQueued     = "queued"
	StagePreparing  = "preparing"
	StageInference  = "inference"
	StageCommitting = "committing"
	StageIndexing   = "indexing"
	StageDone       = "done"
)

// Progress is a point-in-time view of a job. Fraction never decreases.
type Progress struct {
	Fraction float64 `json:"fraction"`
	Stage    string  `json:"stage"`
	Message  string  `json:"message,omitempty"`
	Frame    int     `json:"frame"`
	Frames   int     `json:"frames"`
}

// Result is the terminal outcome of a job.
type Result struct {
	Status    Status               `json:"status"`
	OutputDir string               `json:"output_dir,omitempty"`
	Sequence  *framestore.Sequence `json:"-"`
	FPS       float64              `json:"fps,omitempty"`
	Err       error                `json:"-"`
}

// ProgressFunc receives inference progress: done of total frames computed.
type ProgressFunc func(done, total int, message string)

// Inference is the external model capability. Run must write numbered .ply
// frames into outDir, call progress as frames complete, and return promptly
// with ctx's error once ctx is cancelled (after finishing at most the frame
// in flight). It returns the source frame rate when known, or 0.
type Inference interface {
	Run(ctx context.Context, videoPath, outDir string, progress ProgressFunc) (fps float64, err error)
}

// Record is the durable summary of a finished job.
type Record struct {
	ID         string    `json:"id"`
	VideoPath  string    `json:"video_path"`
	OutputDir  string    `json:"output_dir"`
	Policy     string    `json:"policy"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Frames     int       `json:"frames"`
	FPS        float64   `json:"fps"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// History persists finished jobs.
type History interface {
	RecordJob(ctx context.Context, rec Record) error
}

// Handle tracks one submitted job. All methods are safe for concurrent use.
type Handle struct {
	ID        string
	Request   Request
	CreatedAt time.Time

	mu         sync.Mutex
	status     Status
	progress   Progress
	result     Result
	startedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc
	cancelReq  bool
	committing bool
	done       chan struct{}
	updates    chan Progress
	onRelease  func(h *Handle) // bookkeeping; runs before done closes
	onFinish   func(h *Handle) // reporting; runs on the worker goroutine
	unreported bool            // cancelled while queued, onFinish still owed
	now        func() time.Time
}

func newHandle(id string, req Request, now func() time.Time) *Handle {
	return &Handle{
		ID:        id,
		Request:   req,
		CreatedAt: now(),
		now:       now,
		status:    StatusQueued,
		progress:  Progress{Stage: StageQueued},
		done:      make(chan struct{}),
		updates:   make(chan Progress, 16),
	}
}

// Status returns the current status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Progress returns the latest progress.
func (h *Handle) Progress() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

// Updates delivers progress changes and is closed when the job finishes.
// A slow reader misses intermediate updates, never the latest one.
func (h *Handle) Updates() <-chan Progress {
	return h.updates
}

// Done is closed when the job reaches a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the outcome once the job is terminal.
func (h *Handle) Result() (Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.status.Terminal()
}

// Wait blocks until the job finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		r, _ := h.Result()
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel requests cancellation. A queued job is cancelled immediately
// without touching the filesystem, and its history is written later by the
// worker that dequeues it. A running job is cancelled cooperatively, and
// once its output is being committed it runs to completion. Cancelling a
// finished job does nothing.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.status.Terminal() || h.cancelReq {
		h.mu.Unlock()
		return
	}
	h.cancelReq = true
	if h.status == StatusQueued {
		h.settleLocked(Result{Status: StatusCancelled, Err: ErrCancelled})
		h.unreported = true
		h.mu.Unlock()
		h.closeOut(false)
		return
	}
	if h.cancel != nil && !h.committing {
		h.cancel()
	}
	h.mu.Unlock()
}

// takeUnreported reports whether the job was cancelled while queued and
// still owes its finish hook. It returns true at most once.
func (h *Handle) takeUnreported() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	owed := h.unreported
	h.unreported = false
	return owed
}

// cancelRequested reports whether Cancel has been called.
func (h *Handle) cancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelReq
}

// begin moves a queued job to running. It returns false if the job was
// cancelled while queued.
func (h *Handle) begin(cancel context.CancelFunc, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusQueued {
		return false
	}
	h.status = StatusRunning
	h.startedAt = now
	h.cancel = cancel
	return true
}

// beginCommit marks the point after which cancellation is ignored. It
// returns false when cancellation was already requested.
func (h *Handle) beginCommit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelReq {
		return false
	}
	h.committing = true
	return true
}

// report updates progress, keeping the fraction monotonic.
func (h *Handle) report(p Progress) {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	if p.Fraction < h.progress.Fraction {
		p.Fraction = h.progress.Fraction
	}
	if p.Fraction > 1 {
		p.Fraction = 1
	}
	h.progress = p
	h.push(p)
	h.mu.Unlock()
}

// push delivers p to Updates. Callers hold h.mu.
func (h *Handle) push(p Progress) {
	for {
		select {
		case h.updates <- p:
			return
		default:
		}
		// Drop the oldest update to make room for the newest.
		select {
		case <-h.updates:
		default:
		}
	}
}

// finish records the terminal result exactly once.
func (h *Handle) finish(r Result) bool {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return false
	}
	h.settleLocked(r)
	h.mu.Unlock()
	h.closeOut(true)
	return true
}

func (h *Handle) settleLocked(r Result) {
	h.status = r.Status
	h.result = r
	h.finishedAt = h.now()
	if r.Status == StatusSucceeded {
		h.progress.Fraction = 1
		h.progress.Stage = StageDone
		h.progress.Message = ""
	}
	h.push(h.progress)
	close(h.updates)
}

// closeOut runs the hooks and then releases waiters. Only the goroutine
// that settled the handle calls it.
func (h *Handle) closeOut(report bool) {
	if h.onRelease != nil {
		h.onRelease(h)
	}
	if report && h.onFinish != nil {
		h.onFinish(h)
	}
	close(h.done)
}

// Record summarises the handle for History.
func (h *Handle) Record() Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := Record{
		ID:         h.ID,
		VideoPath:  h.Request.VideoPath,
		OutputDir:  h.Request.OutputDir,
		Policy:     h.Request.Policy.String(),
		Status:     h.status.String(),
		FPS:        h.result.FPS,
		CreatedAt:  h.CreatedAt,
		StartedAt:  h.startedAt,
		FinishedAt: h.finishedAt,
	}
	if h.result.Err != nil {
		rec.Error = h.result.Err.Error()
	}
	if h.result.Sequence != nil {
		rec.Frames = h.result.Sequence.Len()
	}
	return rec
}

// Info is the JSON view of a handle.
type Info struct {
	ID        string    `json:"id"`
	Request   Request   `json:"request"`
	Status    Status    `json:"status"`
	Progress  Progress  `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
	Frames    int       `json:"frames,omitempty"`
	FPS       float64   `json:"fps,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Info returns a JSON-friendly snapshot.
func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := Info{
		ID:        h.ID,
		Request:   h.Request,
		Status:    h.status,
		Progress:  h.progress,
		CreatedAt: h.CreatedAt,
		FPS:       h.result.FPS,
	}
	if h.result.Sequence != nil {
		info.Frames = h.result.Sequence.Len()
	}
	if h.result.Err != nil {
		info.Error = h.result.Err.Error()
	}
	return info
}
