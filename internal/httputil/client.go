// Package httputil holds the JSON response helpers shared by HTTP handlers
// and a small client abstraction for calling them.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// HTTPClient abstracts http.Client for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned by DoJSON for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       ErrorBody
}

func (e *StatusError) Error() string {
	if e.Body.Error == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body.Error)
}

// DoJSON sends in (if non-nil) as a JSON body and decodes a 2xx response
// into out (if non-nil). Error responses are decoded into a *StatusError.
func DoJSON(ctx context.Context, c HTTPClient, method, url string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, MaxBodyBytes)).Decode(&se.Body)
		return se
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, url, err)
	}
	return nil
}

// MockHTTPClient replays canned responses and records requests.
type MockHTTPClient struct {
	mu        sync.Mutex
	DoFunc    func(req *http.Request) (*http.Response, error)
	Requests  []*http.Request
	Bodies    []string // request bodies, parallel to Requests
	responses []mockResponse
}

type mockResponse struct {
	status int
	body   string
	err    error
}

// NewMockHTTPClient returns an empty mock. Unqueued requests get 200 with
// an empty JSON object.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// AddResponse queues a response.
func (m *MockHTTPClient) AddResponse(status int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockResponse{status: status, body: body})
	return m
}

// AddErrorResponse queues a transport error.
func (m *MockHTTPClient) AddErrorResponse(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockResponse{err: err})
	return m
}

// Do records req and returns the next queued response.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}

	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.Bodies = append(m.Bodies, string(body))
	doFunc := m.DoFunc
	next := mockResponse{status: http.StatusOK, body: "{}"}
	if doFunc == nil && len(m.responses) > 0 {
		next = m.responses[0]
		m.responses = m.responses[1:]
	}
	m.mu.Unlock()

	if doFunc != nil {
		return doFunc(req)
	}
	if next.err != nil {
		return nil, next.err
	}
	return &http.Response{
		StatusCode: next.status,
		Body:       io.NopCloser(bytes.NewBufferString(next.body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    req,
	}, nil
}

// RequestCount returns the number of recorded requests.
func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// LastRequest returns the most recent request and its body.
func (m *MockHTTPClient) LastRequest() (*http.Request, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return nil, ""
	}
	return m.Requests[len(m.Requests)-1], m.Bodies[len(m.Bodies)-1]
}
