// Package api serves zone management, statistics and session control over
// HTTP.
package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/zonecount/internal/config"
	"github.com/banshee-data/zonecount/internal/db"
	"github.com/banshee-data/zonecount/internal/httputil"
	"github.com/banshee-data/zonecount/internal/monitoring"
	"github.com/banshee-data/zonecount/internal/session"
	"github.com/banshee-data/zonecount/internal/source"
	"github.com/banshee-data/zonecount/internal/version"
)

var logf = monitoring.Component("api")

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// pushBuffer is how many pushed frames may queue ahead of the engine.
const pushBuffer = 64

type Server struct {
	db         *db.DB
	sessions   *session.Manager
	metrics    *monitoring.Metrics
	cfg        *config.Config
	replayDirs []string

	mu     sync.Mutex
	push   *source.ChannelSource
	pushID string
}

type Option func(*Server)

// WithMetrics serves m on /metrics.
func WithMetrics(m *monitoring.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithConfig sets geometry validation for new zones.
func WithConfig(cfg *config.Config) Option { return func(s *Server) { s.cfg = cfg } }

// WithReplayDirs allows sessions to replay files from these directories.
// Without it only pushed sessions can be started over HTTP.
func WithReplayDirs(dirs ...string) Option {
	return func(s *Server) { s.replayDirs = append(s.replayDirs, dirs...) }
}

func NewServer(database *db.DB, sessions *session.Manager, opts ...Option) *Server {
	s := &Server{
		db:       database,
		sessions: sessions,
		cfg:      config.Defaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/zones", s.createZone)
	mux.HandleFunc("GET /api/zones", s.listZones)
	mux.HandleFunc("GET /api/zones/{id}", s.getZone)
	mux.HandleFunc("DELETE /api/zones/{id}", s.deleteZone)
	mux.HandleFunc("GET /api/zones/{id}/preview.png", s.zonePreview)

	mux.HandleFunc("GET /api/stats/{id}", s.zoneStats)
	mux.HandleFunc("GET /api/stats/live/{id}", s.liveStats)
	mux.HandleFunc("GET /api/charts/{id}", s.hourlyChart)

	mux.HandleFunc("POST /api/sessions", s.startSession)
	mux.HandleFunc("GET /api/sessions/current", s.currentSession)
	mux.HandleFunc("POST /api/sessions/stop", s.stopSession)
	mux.HandleFunc("POST /api/sessions/frames", s.pushFrames)

	mux.HandleFunc("GET /api/version", s.showVersion)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, version.Get())
}

// zoneID parses the {id} path value, writing a 400 on failure.
func zoneID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid zone id")
		return 0, false
	}
	return id, true
}
