package httpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/auth"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/config"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/kiosk"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/metrics"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/session"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Controller is the kiosk facade the local API drives.
type Controller interface {
	Status() kiosk.Status
	StartSession(target string) (session.Snapshot, error)
	EndSession() error
	Current() (session.Snapshot, bool)
	RelayState(ctx context.Context, port int) (bool, error)
	Subscribe() (<-chan kiosk.Event, func())
}

type Server struct {
	log      *slog.Logger
	cfg      config.Config
	build    BuildInfo
	ctrl     Controller
	metrics  *metrics.Metrics
	verifier auth.Verifier
	upgrader websocket.Upgrader

	ready    atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, ctrl Controller, m *metrics.Metrics) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	s := &Server{
		log:      logger,
		cfg:      cfg,
		build:    build,
		ctrl:     ctrl,
		metrics:  m,
		verifier: verifier,
		stop:     make(chan struct{}),
		mux:      http.NewServeMux(),
	}
	s.upgrader.CheckOrigin = s.checkOrigin

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// /v1/events holds upgraded connections open, so no write timeout.
	}

	return s, nil
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

// Shutdown also ends open /v1/events streams, which http.Server does not
// track once hijacked.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.stopOnce.Do(func() { close(s.stop) })
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if !s.ctrl.Status().Started {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": "kiosk not started"})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.metrics,
		metrics.Gauge{
			Name:  "invictus_kiosk_session_running",
			Help:  "1 while a call session is in progress.",
			Value: func() float64 { return boolGauge(s.ctrl.Status().SessionRunning) },
		},
		metrics.Gauge{
			Name:  "invictus_kiosk_relay_ready",
			Help:  "1 once the relay board is initialized.",
			Value: func() float64 { return boolGauge(s.ctrl.Status().RelayReady) },
		},
	))

	s.mux.HandleFunc("GET /v1/status", s.api(s.handleStatus))
	s.mux.HandleFunc("GET /v1/session", s.api(s.handleGetSession))
	s.mux.HandleFunc("POST /v1/session", s.api(s.handleStartSession))
	s.mux.HandleFunc("DELETE /v1/session", s.api(s.handleEndSession))
	s.mux.HandleFunc("GET /v1/relay", s.api(s.handleRelayState))
	s.mux.HandleFunc("GET /v1/events", s.api(s.handleEvents))
	s.mux.HandleFunc("OPTIONS /v1/", s.withOrigin(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func (s *Server) api(h http.HandlerFunc) http.HandlerFunc {
	return s.withOrigin(s.withAuth(h))
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := auth.Check(s.verifier, s.cfg.AuthMode, r); err != nil {
			s.metrics.Inc(metrics.AuthFailure)
			status := http.StatusUnauthorized
			if !errors.Is(err, auth.ErrMissingCredentials) && !errors.Is(err, auth.ErrInvalidCredentials) {
				status = http.StatusInternalServerError
			}
			WriteJSON(w, status, errorBody{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack passes through so /v1/events can upgrade behind the logger.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	s.stopOnce.Do(func() { close(s.stop) })
	return s.srv.Close()
}
