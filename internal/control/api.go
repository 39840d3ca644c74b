// Package control exposes a running player and conversion runner over
// HTTP and gRPC.
package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/splatseq/internal/conversion"
	"github.com/banshee-data/splatseq/internal/framecache"
	"github.com/banshee-data/splatseq/internal/framestore"
	"github.com/banshee-data/splatseq/internal/httputil"
	"github.com/banshee-data/splatseq/internal/monitoring"
	"github.com/banshee-data/splatseq/internal/playback"
	"github.com/banshee-data/splatseq/internal/report"
	"github.com/banshee-data/splatseq/internal/security"
	"github.com/banshee-data/splatseq/internal/version"
)

var logf = monitoring.Tagged("HTTP")

// Player is the part of *playback.Player the control surface drives.
type Player interface {
	Snapshot() playback.Snapshot
	LoadDir(ctx context.Context, dir string) (*framestore.Sequence, error)
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, index int) error
	Step(ctx context.Context, delta int) error
	SetRate(ctx context.Context, fps float64) error
	SetLoop(ctx context.Context, enabled bool) error
	Unload(ctx context.Context) error
	Refresh(ctx context.Context) (int, error)
	Subscribe() (string, <-chan playback.Event)
	Unsubscribe(id string)
}

// Jobs is the part of *conversion.Runner the control surface drives.
type Jobs interface {
	Start(req conversion.Request) (*conversion.Handle, error)
	Get(id string) (*conversion.Handle, error)
	Cancel(id string) error
	Jobs() []conversion.Info
}

// CacheStats reports frame cache activity.
type CacheStats interface {
	Stats() framecache.Stats
}

// History lists persisted jobs. *jobdb.DB satisfies it.
type History interface {
	ListJobs(ctx context.Context, limit int) ([]conversion.Record, error)
}

// Options configures a Server. Player is required; the rest are optional
// and their routes answer 404 when unset.
type Options struct {
	Player  Player
	Jobs    Jobs
	Cache   CacheStats
	History History
	// Roots confines directories and videos named by clients. Empty allows
	// any path.
	Roots security.Roots
	// CommandTimeout bounds each player command. Default 5s.
	CommandTimeout time.Duration
}

// Server serves the control API.
type Server struct {
	player  Player
	jobs    Jobs
	cache   CacheStats
	history History
	roots   security.Roots
	timeout time.Duration
}

// NewServer returns a Server for opts.
func NewServer(opts Options) (*Server, error) {
	if opts.Player == nil {
		return nil, errors.New("control: player is required")
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	return &Server{
		player:  opts.Player,
		jobs:    opts.Jobs,
		cache:   opts.Cache,
		history: opts.History,
		roots:   opts.Roots,
		timeout: opts.CommandTimeout,
	}, nil
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	mux.HandleFunc("POST /api/play", s.command(func(ctx context.Context, r *http.Request) error {
		return s.player.Play(ctx)
	}))
	mux.HandleFunc("POST /api/pause", s.command(func(ctx context.Context, r *http.Request) error {
		return s.player.Pause(ctx)
	}))
	mux.HandleFunc("POST /api/unload", s.command(func(ctx context.Context, r *http.Request) error {
		return s.player.Unload(ctx)
	}))
	mux.HandleFunc("POST /api/seek", s.command(func(ctx context.Context, r *http.Request) error {
		index, err := intParam(r, "index")
		if err != nil {
			return err
		}
		return s.player.Seek(ctx, index)
	}))
	mux.HandleFunc("POST /api/step", s.command(func(ctx context.Context, r *http.Request) error {
		delta := 1
		if r.URL.Query().Has("delta") {
			var err error
			if delta, err = intParam(r, "delta"); err != nil {
				return err
			}
		}
		return s.player.Step(ctx, delta)
	}))
	mux.HandleFunc("POST /api/rate", s.command(func(ctx context.Context, r *http.Request) error {
		fps, err := strconv.ParseFloat(r.URL.Query().Get("fps"), 64)
		if err != nil {
			return badRequest("invalid fps %q", r.URL.Query().Get("fps"))
		}
		return s.player.SetRate(ctx, fps)
	}))
	mux.HandleFunc("POST /api/loop", s.command(func(ctx context.Context, r *http.Request) error {
		enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
		if err != nil {
			return badRequest("invalid enabled %q", r.URL.Query().Get("enabled"))
		}
		return s.player.SetLoop(ctx, enabled)
	}))
	mux.HandleFunc("POST /api/load", s.handleLoad)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)

	mux.HandleFunc("POST /api/convert", s.handleConvert)
	mux.HandleFunc("GET /api/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/history", s.handleHistory)

	mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	mux.HandleFunc("GET /debug/charts/cache", s.handleCacheChart)
}

// requestError is a client mistake detected before reaching a component.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...interface{}) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("invalid %s %q", name, raw)
	}
	return v, nil
}

// writeError maps component errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, playback.ErrInvalidRate):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, security.ErrOutsideRoots):
		httputil.WriteJSONError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, framestore.ErrNotFound), errors.Is(err, conversion.ErrUnknownJob):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, playback.ErrNoSequence), errors.Is(err, conversion.ErrOutputExists):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, conversion.ErrQueueFull):
		httputil.TooManyRequests(w, err.Error())
	case errors.Is(err, playback.ErrStopped), errors.Is(err, conversion.ErrClosed):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteJSONError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		logf("internal error: %v", err)
		httputil.InternalServerError(w, err.Error())
	}
}

// command runs fn with a bounded context and answers with the resulting
// snapshot.
func (s *Server) command(fn func(ctx context.Context, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		if err := fn(ctx, r); err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, s.player.Snapshot())
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.player.Snapshot())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, version.Get())
}

// LoadResponse is returned by POST /api/load.
type LoadResponse struct {
	Dir    string            `json:"dir"`
	Frames int               `json:"frames"`
	FPS    float64           `json:"fps,omitempty"`
	State  playback.Snapshot `json:"state"`
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("dir")
	if dir == "" {
		httputil.BadRequest(w, "missing dir")
		return
	}
	dir, err := s.resolve(dir)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	seq, err := s.player.LoadDir(ctx, dir)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, LoadResponse{Dir: seq.Dir, Frames: seq.Len(), FPS: seq.FPS, State: s.player.Snapshot()})
}

// RefreshResponse is returned by POST /api/refresh.
type RefreshResponse struct {
	Added int               `json:"added"`
	State playback.Snapshot `json:"state"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	added, err := s.player.Refresh(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, RefreshResponse{Added: added, State: s.player.Snapshot()})
}

// resolve applies the media roots to a client-supplied path.
func (s *Server) resolve(path string) (string, error) {
	if len(s.roots) == 0 {
		return path, nil
	}
	return s.roots.Resolve(path)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		httputil.NotFound(w, "conversion is not enabled")
		return
	}
	var req conversion.Request
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.VideoPath == "" {
		httputil.BadRequest(w, "missing video_path")
		return
	}
	var err error
	if req.VideoPath, err = s.resolve(req.VideoPath); err != nil {
		writeError(w, err)
		return
	}
	if req.OutputDir != "" {
		if req.OutputDir, err = s.resolve(req.OutputDir); err != nil {
			writeError(w, err)
			return
		}
	}
	h, err := s.jobs.Start(req)
	if err != nil {
		writeError(w, err)
		return
	}
	logf("queued job %s for %s", h.ID, req.VideoPath)
	httputil.WriteJSON(w, http.StatusAccepted, h.Info())
}

// JobsResponse wraps job listings.
type JobsResponse struct {
	Jobs []conversion.Info `json:"jobs"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		httputil.NotFound(w, "conversion is not enabled")
		return
	}
	jobs := s.jobs.Jobs()
	if jobs == nil {
		jobs = []conversion.Info{}
	}
	httputil.WriteJSONOK(w, JobsResponse{Jobs: jobs})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		httputil.NotFound(w, "conversion is not enabled")
		return
	}
	h, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, h.Info())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		httputil.NotFound(w, "conversion is not enabled")
		return
	}
	id := r.PathValue("id")
	if err := s.jobs.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	h, err := s.jobs.Get(id)
	if err != nil {
		// Pruned between the two calls.
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"id": id})
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, h.Info())
}

// HistoryResponse wraps persisted job records.
type HistoryResponse struct {
	Jobs []conversion.Record `json:"jobs"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		httputil.NotFound(w, "job history is not enabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 1000 {
			httputil.BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}
	recs, err := s.history.ListJobs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []conversion.Record{}
	}
	httputil.WriteJSONOK(w, HistoryResponse{Jobs: recs})
}

// CacheStatsResponse is framecache.Stats plus derived values.
type CacheStatsResponse struct {
	framecache.Stats
	HitRate float64        `json:"hit_rate"`
	Latency report.Summary `json:"latency"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		httputil.NotFound(w, "cache stats are not available")
		return
	}
	st := s.cache.Stats()
	httputil.WriteJSONOK(w, CacheStatsResponse{Stats: st, HitRate: st.HitRate(), Latency: report.LatencySummary(st.LoadLatenciesMs)})
}
