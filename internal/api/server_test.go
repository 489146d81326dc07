package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-parser/internal/crawler"
)

const listingURL = "https://news.example.com/category/latest/"

type fakeScanner struct {
	mu    sync.Mutex
	urls  []string
	count int
	err   error
}

func (f *fakeScanner) Scan(_ context.Context, u string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, u)
	return f.count, f.err
}

func (f *fakeScanner) scanned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

func newTestServer(scanner Scanner, checks map[string]Check) *Server {
	return NewServer(scanner, Options{DefaultListingURL: listingURL, Checks: checks}, zap.NewNop())
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, newTestServer(nil, nil), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_RequestIDIsEchoed(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	newTestServer(nil, nil).Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name     string
		checks   map[string]Check
		wantCode int
		wantBody string
	}{
		{name: "no checks", wantCode: http.StatusOK, wantBody: "ready"},
		{name: "all pass", checks: map[string]Check{"postgres": ok, "redis": ok}, wantCode: http.StatusOK, wantBody: "ready"},
		{
			name:     "one fails",
			checks:   map[string]Check{"postgres": ok, "redis": down},
			wantCode: http.StatusServiceUnavailable,
			wantBody: "connection refused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := doRequest(t, newTestServer(nil, tt.checks), http.MethodGet, "/readyz", "")
			require.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestServer_ReadyzNamesFailingCheck(t *testing.T) {
	t.Parallel()

	checks := map[string]Check{"broker": func(context.Context) error { return errors.New("closed") }}
	rec := doRequest(t, newTestServer(nil, checks), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status   string            `json:"status"`
		Failures map[string]string `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, map[string]string{"broker": "closed"}, body.Failures)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(nil, nil)
	doRequest(t, s, http.MethodGet, "/healthz", "")
	rec := doRequest(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_SubmitScan_UsesDefaultListing(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{count: 3}
	rec := doRequest(t, newTestServer(scanner, nil), http.MethodPost, "/v1/scans", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp scanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, scanResponse{URL: listingURL, Published: 3}, resp)
	assert.Equal(t, []string{listingURL}, scanner.scanned())
}

func TestServer_SubmitScan_ExplicitURL(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{count: 1}
	rec := doRequest(t, newTestServer(scanner, nil), http.MethodPost, "/v1/scans", `{"url":"https://other.example.com/news"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"https://other.example.com/news"}, scanner.scanned())
}

func TestServer_SubmitScan_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		scanner  Scanner
		body     string
		wantCode int
	}{
		{name: "invalid json", scanner: &fakeScanner{}, body: "{", wantCode: http.StatusBadRequest},
		{name: "relative url", scanner: &fakeScanner{}, body: `{"url":"/news"}`, wantCode: http.StatusBadRequest},
		{name: "non http scheme", scanner: &fakeScanner{}, body: `{"url":"ftp://example.com/"}`, wantCode: http.StatusBadRequest},
		{
			name:     "listing fetch failed",
			scanner:  &fakeScanner{err: &crawler.FetchError{URL: listingURL, StatusCode: http.StatusBadGateway}},
			wantCode: http.StatusBadGateway,
		},
		{
			name:     "listing unparseable",
			scanner:  &fakeScanner{err: &crawler.ExtractionError{Field: "listing", Reason: "no items"}},
			wantCode: http.StatusBadGateway,
		},
		{name: "deadline", scanner: &fakeScanner{err: context.DeadlineExceeded}, wantCode: http.StatusGatewayTimeout},
		{name: "other failure", scanner: &fakeScanner{err: errors.New("boom")}, wantCode: http.StatusInternalServerError},
		{name: "scanning disabled", scanner: nil, wantCode: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := doRequest(t, newTestServer(tt.scanner, nil), http.MethodPost, "/v1/scans", tt.body)
			require.Equal(t, tt.wantCode, rec.Code)
			assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestServer_UnknownRoute(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, newTestServer(nil, nil), http.MethodGet, "/v1/jobs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, newTestServer(panicScanner{}, nil), http.MethodPost, "/v1/scans", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicScanner struct{}

func (panicScanner) Scan(context.Context, string) (int, error) {
	panic("scanner exploded")
}
