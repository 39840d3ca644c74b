package control

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/splatseq/internal/conversion"
	"github.com/banshee-data/splatseq/internal/httputil"
	"github.com/banshee-data/splatseq/internal/playback"
)

// Client calls a control Server over HTTP.
type Client struct {
	BaseURL string
	HTTP    httputil.HTTPClient
}

// NewClient returns a client for baseURL, e.g. "http://localhost:8080".
func NewClient(baseURL string, c httputil.HTTPClient) *Client {
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: c}
}

func (c *Client) url(path string, query url.Values) string {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) snapshotCall(ctx context.Context, path string, query url.Values) (playback.Snapshot, error) {
	var snap playback.Snapshot
	err := httputil.DoJSON(ctx, c.HTTP, http.MethodPost, c.url(path, query), nil, &snap)
	return snap, err
}

// State returns the player snapshot.
func (c *Client) State(ctx context.Context) (playback.Snapshot, error) {
	var snap playback.Snapshot
	err := httputil.DoJSON(ctx, c.HTTP, http.MethodGet, c.url("/api/state", nil), nil, &snap)
	return snap, err
}

func (c *Client) Play(ctx context.Context) (playback.Snapshot, error) {
	return c.snapshotCall(ctx, "/api/play", nil)
}

func (c *Client) Pause(ctx context.Context) (playback.Snapshot, error) {
	return c.snapshotCall(ctx, "/api/pause", nil)
}

func (c *Client) Unload(ctx context.Context) (playback.Snapshot, error) {
	return c.snapshotCall(ctx, "/api/unload", nil)
}

func (c *Client) Seek(ctx context.Context, index int) (playback.Snapshot, error) {
	return c.snapshotCall(ctx, "/api/seek", url.Values{"index": {strconv.Itoa(index)}})
}

func (c *Client) Step(ctx context.Context, delta int) (playback.Snapshot, error) {
	return c.snapshotCall(ctx, "/api/step", url.Values{"delta": {strconv.Itoa(delta)}})
}

func (c *Client) SetRate(ctx context.Context, fps float64) (playback.Snapshot, error) {
	return c.snapshotCall(ctx, "/api/rate", url.Values{"fps": {strconv.FormatFloat(fps, 'g', -1, 64)}})
}

func (c *Client) SetLoop(ctx context.Context, enabled bool) (playback.Snapshot, error) {
	return c.snapshotCall(ctx, "/api/loop", url.Values{"enabled": {strconv.FormatBool(enabled)}})
}

// Load asks the server to discover and load dir.
func (c *Client) Load(ctx context.Context, dir string) (LoadResponse, error) {
	var resp LoadResponse
	err := httputil.DoJSON(ctx, c.HTTP, http.MethodPost, c.url("/api/load", url.Values{"dir": {dir}}), nil, &resp)
	return resp, err
}

// Convert submits a conversion job.
func (c *Client) Convert(ctx context.Context, req conversion.Request) (conversion.Info, error) {
	var info conversion.Info
	err := httputil.DoJSON(ctx, c.HTTP, http.MethodPost, c.url("/api/convert", nil), req, &info)
	return info, err
}

// Job returns one job by ID.
func (c *Client) Job(ctx context.Context, id string) (conversion.Info, error) {
	var info conversion.Info
	err := httputil.DoJSON(ctx, c.HTTP, http.MethodGet, c.url("/api/jobs/"+url.PathEscape(id), nil), nil, &info)
	return info, err
}

// Jobs lists the runner's recent jobs.
func (c *Client) Jobs(ctx context.Context) ([]conversion.Info, error) {
	var resp JobsResponse
	err := httputil.DoJSON(ctx, c.HTTP, http.MethodGet, c.url("/api/jobs", nil), nil, &resp)
	return resp.Jobs, err
}

// CancelJob requests cancellation of a job.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	return httputil.DoJSON(ctx, c.HTTP, http.MethodPost, c.url("/api/jobs/"+url.PathEscape(id)+"/cancel", nil), nil, nil)
}

// History lists persisted jobs, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]conversion.Record, error) {
	var resp HistoryResponse
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	err := httputil.DoJSON(ctx, c.HTTP, http.MethodGet, c.url("/api/history", q), nil, &resp)
	return resp.Jobs, err
}
