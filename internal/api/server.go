package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-noise-meter/internal/export"
	"sleepywoodpecker/rp-noise-meter/internal/meter"
	"sleepywoodpecker/rp-noise-meter/internal/results"
)

const SHUTDOWN_TIMEOUT = 10 * time.Second

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})
)

// Meter is the part of a metering session the HTTP surface drives.
type Meter interface {
	Snapshot() meter.Snapshot
	Export(format string) (meter.Artifact, error)
	Reset()
	Start(ctx context.Context) error
	Stop()
}

type ExportLister interface {
	List(limit int) ([]results.Entry, error)
}

type Server struct {
	router  *mux.Router
	meter   Meter
	exports ExportLister
	live    http.Handler
	logger  *zap.Logger

	// sensors started over HTTP outlive the request
	baseCtx context.Context
}

// NewServer wires the routes. exports and live may be nil, their routes then
// answer 404.
func NewServer(baseCtx context.Context, m Meter, exports ExportLister, live http.Handler, logger *zap.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		meter:   m,
		exports: exports,
		live:    live,
		logger:  logger,
		baseCtx: baseCtx,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/snapshot", s.snapshotHandler).Methods("GET")
	v1.HandleFunc("/export", s.exportHandler).Methods("GET")
	v1.HandleFunc("/reset", s.resetHandler).Methods("POST")
	v1.HandleFunc("/start", s.startHandler).Methods("POST")
	v1.HandleFunc("/stop", s.stopHandler).Methods("POST")
	if s.exports != nil {
		v1.HandleFunc("/exports", s.listExportsHandler).Methods("GET")
	}

	if s.live != nil {
		s.router.Handle("/ws", s.live).Methods("GET")
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		requestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.meter.Snapshot())
}

func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = string(export.FormatCSV)
	}

	art, err := s.meter.Export(format)
	var formatErr *export.ExportFormatError
	if errors.As(err, &formatErr) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("[api] export failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Filename))
	w.WriteHeader(http.StatusOK)
	w.Write(art.Body)
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	s.meter.Reset()
	writeJSON(w, http.StatusOK, s.meter.Snapshot())
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	err := s.meter.Start(s.baseCtx)
	if errors.Is(err, meter.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.meter.Snapshot())
}

func (s *Server) stopHandler(w http.ResponseWriter, r *http.Request) {
	s.meter.Stop()
	writeJSON(w, http.StatusOK, s.meter.Snapshot())
}

func (s *Server) listExportsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.exports.List(limit)
	if err != nil {
		s.logger.Error("[api] listing exports failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list exports")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, readHeaderTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("[api] listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("could not listen on %s: %w", addr, err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("[api] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
	defer cancel()
	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
