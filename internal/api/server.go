package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-parser/internal/crawler"
	"github.com/JakeFAU/news-parser/internal/metrics"
)

const (
	defaultScanTimeout  = 2 * time.Minute
	readinessTimeout    = 3 * time.Second
	maxScanRequestBytes = 4 << 10
)

// Scanner runs one listing scan.
type Scanner interface {
	Scan(ctx context.Context, listingURL string) (int, error)
}

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Options configures the Server.
type Options struct {
	// DefaultListingURL is scanned when a scan request names no url.
	DefaultListingURL string
	ScanTimeout       time.Duration
	// Checks are run by /readyz, keyed by dependency name.
	Checks map[string]Check
}

// Server wires HTTP handlers to the scanner and readiness checks.
type Server struct {
	router  chi.Router
	scanner Scanner
	opts    Options
	logger  *zap.Logger
}

type scanRequest struct {
	URL string `json:"url"`
}

type scanResponse struct {
	URL       string `json:"url"`
	Published int    `json:"published"`
}

// NewServer constructs a Server with middleware and routes. scanner may be nil,
// in which case POST /v1/scans answers 503.
func NewServer(scanner Scanner, opts Options, logger *zap.Logger) *Server {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = defaultScanTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{scanner: scanner, opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/scans", s.submitScan)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(s.opts.Checks))
	for name := range s.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failures := map[string]string{}
	for _, name := range names {
		if err := s.opts.Checks[name](ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scanning is not enabled")
		return
	}
	var req scanRequest
	err := json.NewDecoder(io.LimitReader(r.Body, maxScanRequestBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		req.URL = s.opts.DefaultListingURL
	}
	if !crawler.IsAbsoluteURL(req.URL) {
		s.writeError(w, http.StatusBadRequest, "url must be an absolute http(s) url")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ScanTimeout)
	defer cancel()
	n, err := s.scanner.Scan(ctx, req.URL)
	if err != nil {
		s.writeError(w, scanErrorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, scanResponse{URL: req.URL, Published: n})
}

// scanErrorStatus maps upstream listing failures to 502 and everything else
// to 500.
func scanErrorStatus(err error) int {
	var fetchErr *crawler.FetchError
	var extractErr *crawler.ExtractionError
	switch {
	case errors.As(err, &fetchErr), errors.As(err, &extractErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("dur", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
