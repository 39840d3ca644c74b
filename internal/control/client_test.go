package control

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/splatseq/internal/conversion"
	"github.com/banshee-data/splatseq/internal/httputil"
	"github.com/banshee-data/splatseq/internal/playback"
)

func TestClient_BuildsRequests(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	c := NewClient("http://player.local:8080/", mock)
	ctx := context.Background()

	mock.AddResponse(http.StatusOK, `{"state":"paused","index":3,"total":5,"rate":24,"loop":true}`)
	snap, err := c.Seek(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, playback.StatePaused, snap.State)
	assert.Equal(t, 3, snap.Index)
	req, _ := mock.LastRequest()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://player.local:8080/api/seek?index=3", req.URL.String())

	_, err = c.SetRate(ctx, 12.5)
	require.NoError(t, err)
	req, _ = mock.LastRequest()
	assert.Equal(t, "fps=12.5", req.URL.RawQuery)

	_, err = c.SetLoop(ctx, false)
	require.NoError(t, err)
	req, _ = mock.LastRequest()
	assert.Equal(t, "enabled=false", req.URL.RawQuery)

	mock.AddResponse(http.StatusAccepted, `{"id":"job-1","status":"queued","request":{"video_path":"/v/a.mp4","policy":"overwrite"}}`)
	info, err := c.Convert(ctx, conversion.Request{VideoPath: "/v/a.mp4", Policy: conversion.PolicyOverwrite})
	require.NoError(t, err)
	assert.Equal(t, "job-1", info.ID)
	assert.Equal(t, conversion.StatusQueued, info.Status)
	req, body := mock.LastRequest()
	assert.Equal(t, "/api/convert", req.URL.Path)
	assert.JSONEq(t, `{"video_path":"/v/a.mp4","policy":"overwrite"}`, body)

	require.NoError(t, c.CancelJob(ctx, "job 1"))
	req, _ = mock.LastRequest()
	assert.Equal(t, "/api/jobs/job%201/cancel", req.URL.EscapedPath())

	_, err = c.History(ctx, 10)
	require.NoError(t, err)
	req, _ = mock.LastRequest()
	assert.Equal(t, "limit=10", req.URL.RawQuery)
	assert.Equal(t, http.MethodGet, req.Method)
}

func TestClient_Errors(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	c := NewClient("http://player.local", mock)

	mock.AddResponse(http.StatusConflict, `{"error":"no sequence loaded","code":"conflict"}`)
	_, err := c.Play(context.Background())
	var se *httputil.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.StatusCode)
	assert.Equal(t, "conflict", se.Body.Code)

	boom := errors.New("connection refused")
	mock.AddErrorResponse(boom)
	_, err = c.State(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestClient_AgainstServer(t *testing.T) {
	e := newEnv(t, nil)
	ts := httptest.NewServer(e.handler)
	defer ts.Close()
	c := NewClient(ts.URL, ts.Client())
	ctx := context.Background()

	load, err := c.Load(ctx, "/media/clip_gaussians")
	require.NoError(t, err)
	assert.Equal(t, 5, load.Frames)

	snap, err := c.Play(ctx)
	require.NoError(t, err)
	assert.Equal(t, playback.StatePlaying, snap.State)

	snap, err = c.Step(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Index)

	snap, err = c.Pause(ctx)
	require.NoError(t, err)
	assert.Equal(t, playback.StatePaused, snap.State)

	snap, err = c.Unload(ctx)
	require.NoError(t, err)
	assert.Equal(t, playback.StateEmpty, snap.State)

	info, err := c.Convert(ctx, conversion.Request{VideoPath: "/media/walk.mp4"})
	require.NoError(t, err)
	got, err := c.Job(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)

	jobs, err := c.Jobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = c.Job(ctx, "missing")
	var se *httputil.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}
