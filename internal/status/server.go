// Package status serves the scheduler's state over local HTTP:
//
//	GET /healthz    liveness
//	GET /status     snapshot as JSON
//	GET /intervals  selectable intervals
//	PUT /interval   change the selection ({"interval": "daily"})
//	GET /metrics    Prometheus exposition
//
// With a token configured, PUT /interval and the optional /debug/pprof tree
// require "Authorization: Bearer <token>" (or ?token=).
package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wallsched/internal/interval"
	"wallsched/internal/scheduler"
	"wallsched/internal/task"
	logx "wallsched/pkg/logx"
)

const maxBody = 4 << 10

// Source is the scheduler surface the server needs.
type Source interface {
	Snapshot() scheduler.Snapshot
	OnIntervalChange(d time.Duration) error
}

type Option func(*Server)

// WithRuns exposes recent task runs in /status.
func WithRuns(fn func() []task.Run) Option { return func(s *Server) { s.runs = fn } }

func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

func WithLogger(log logx.Logger) Option { return func(s *Server) { s.log = log } }

// WithToken guards mutating and profiling routes.
func WithToken(token string) Option {
	return func(s *Server) { s.token = strings.TrimSpace(token) }
}

// WithProfiling mounts net/http/pprof under /debug/pprof.
func WithProfiling(enabled bool) Option { return func(s *Server) { s.profiling = enabled } }

type Server struct {
	addr     string
	src      Source
	gatherer prometheus.Gatherer
	runs     func() []task.Run
	log      logx.Logger

	token     string
	profiling bool

	mu    sync.Mutex
	bound string
}

func New(addr string, src Source, opts ...Option) *Server {
	s := &Server{addr: strings.TrimSpace(addr), src: src, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/intervals", s.handleIntervals)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Put("/interval", s.handleSetInterval)
		if s.profiling {
			r.Mount("/debug/pprof", profilingRoutes())
		}
	})
	return r
}

// BoundAddr is the listen address once Serve is running.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Serve listens and serves until ctx is done. It returns context.Canceled on
// a clean stop so supervisors do not restart it.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.addr
	if addr == "" {
		addr = "127.0.0.1:7788"
	}
	if !isLoopbackAddr(addr) && s.token == "" {
		s.log.Warn("status server bound to non-loopback address without a token; PUT /interval is unauthenticated", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.bound = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.bound = ""
		s.mu.Unlock()
	}()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("status server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.token != ""),
		logx.Bool("profiling", s.profiling),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		<-stopped
		s.log.Info("status server stopped")
		return context.Canceled
	}
	_ = srv.Close()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("status server exited unexpectedly")
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.src.Snapshot().State == scheduler.StateClosed {
		http.Error(w, "closed", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	v := NewView(s.src.Snapshot(), time.Now())
	if s.runs != nil {
		v.Runs = s.runs()
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleIntervals(w http.ResponseWriter, _ *http.Request) {
	type item struct {
		Name    string  `json:"name"`
		Label   string  `json:"label"`
		Seconds float64 `json:"seconds"`
		Default bool    `json:"default,omitempty"`
	}
	out := make([]item, 0, 3)
	for _, i := range interval.All() {
		out = append(out, item{Name: i.String(), Label: i.Name(), Seconds: i.Duration().Seconds(), Default: i == interval.Default})
	}
	writeJSON(w, http.StatusOK, out)
}

type setIntervalRequest struct {
	Interval string `json:"interval"`
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("interval")
	if raw == "" {
		var req setIntervalRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
		raw = req.Interval
	}

	iv, err := interval.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.src.OnIntervalChange(iv.Duration())
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrInvalidTimeInterval):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		// ErrSchedulingFailed or ErrClosed: the selection may be persisted but
		// nothing is armed.
		s.log.Warn("interval change via status failed", logx.String("interval", iv.String()), logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.log.Info("interval changed via status", logx.String("interval", iv.String()), logx.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, NewView(s.src.Snapshot(), time.Now()))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
