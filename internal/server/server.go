// Package server exposes the HTTP API: log intake, search, alarms,
// redaction config and operational endpoints. Authorization for the
// reveal path lives in outer middleware; the core only reads a flag
// from the request context.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"grepwise/internal/alarm"
	"grepwise/internal/config"
	"grepwise/internal/engine"
	"grepwise/internal/logging"
	"grepwise/internal/redact"
)

type revealKey struct{}

// WithReveal marks a request context as authorized (or not) for the
// redaction bypass. Installed by the deployment's auth middleware.
func WithReveal(ctx context.Context, allowed bool) context.Context {
	return context.WithValue(ctx, revealKey{}, allowed)
}

// RevealAllowed reports whether the context carries reveal
// authorization.
func RevealAllowed(ctx context.Context) bool {
	allowed, _ := ctx.Value(revealKey{}).(bool)
	return allowed
}

// Options wires the server to the engine and stores.
type Options struct {
	Addr      string
	Engine    *engine.Service
	Alarms    *alarm.Store
	Scheduler *alarm.Scheduler
	Redactor  *redact.Redactor
	Redaction *redact.Store
	Sources   *config.Store

	// StartSource, when set, is called after a source is created so
	// the runtime can spin its listener up without a restart.
	StartSource func(src config.Source) error

	// Registry backs GET /metrics. Nil disables the endpoint.
	Registry *prometheus.Registry

	// IngestRate limits POST /logs per client IP. Zero disables.
	IngestRate  rate.Limit
	IngestBurst int

	Logger *slog.Logger
}

// Server is the HTTP front of the pipeline.
type Server struct {
	opts    Options
	logger  *slog.Logger
	limiter *rateLimiter
	httpSrv *http.Server
}

func New(opts Options) *Server {
	s := &Server{
		opts:   opts,
		logger: logging.Default(opts.Logger).With("component", "server"),
	}
	if opts.IngestRate > 0 {
		s.limiter = newRateLimiter(opts.IngestRate, max(opts.IngestBurst, 1))
	}
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed separately so tests can
// drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	ingest := s.handleIngest
	if s.limiter != nil {
		ingest = s.limiter.wrap(ingest)
	}
	mux.HandleFunc("POST /logs", ingest)
	mux.HandleFunc("GET /logs/search", s.handleSearch)
	mux.HandleFunc("POST /logs/spl", s.handleSPL)
	mux.HandleFunc("GET /logs/count", s.handleCount)
	mux.HandleFunc("GET /logs/{id}", s.handleLogByID)

	mux.HandleFunc("POST /sources", s.handleCreateSource)
	mux.HandleFunc("GET /sources", s.handleListSources)
	mux.HandleFunc("DELETE /sources/{id}", s.handleDeleteSource)

	mux.HandleFunc("GET /alarms", s.handleListAlarms)
	mux.HandleFunc("POST /alarms", s.handleCreateAlarm)
	mux.HandleFunc("GET /alarms/{id}", s.handleGetAlarm)
	mux.HandleFunc("PUT /alarms/{id}", s.handleUpdateAlarm)
	mux.HandleFunc("DELETE /alarms/{id}", s.handleDeleteAlarm)
	mux.HandleFunc("POST /alarms/{id}/evaluate", s.handleEvaluateAlarm)

	mux.HandleFunc("GET /redaction/config", s.handleGetRedaction)
	mux.HandleFunc("POST /redaction/config", s.handleSetRedaction)
	mux.HandleFunc("POST /redaction/reload", s.handleReloadRedaction)

	if s.opts.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /ready", s.handleReady)
	return mux
}

// Run serves until ctx is done, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", "addr", s.httpSrv.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	if s.limiter != nil {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.limiter.cleanup(10 * time.Minute)
				}
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"partitions": len(s.opts.Engine.Metas()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Code: code, Error: msg})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := mapError(err)
	if status >= 500 {
		s.logger.Error("request failed", "code", code, "error", err)
	}
	writeError(w, status, code, err.Error())
}
