package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/kv"
	"github.com/stratumlabs/stratum/internal/metrics"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// Deps bundles what the server serves from. Breaker and Injuries are
// optional.
type Deps struct {
	Store    *persistence.Store
	KV       *kv.Store
	DB       persistence.HealthChecker
	Breaker  BreakerStatus
	Injuries InjuryFeed
	Metrics  *metrics.Registry
}

// Server is the read-only HTTP surface plus the websocket stream hub.
type Server struct {
	cfg    config.APIConfig
	router *mux.Router
	server *http.Server
	h      *Handlers
	hub    *Hub

	signalChan string
}

// NewServer wires routes and middleware. Run starts it.
func NewServer(cfg *config.Config, deps Deps) *Server {
	h := &Handlers{
		store:    deps.Store,
		kv:       deps.KV,
		cfg:      cfg,
		metrics:  deps.Metrics,
		db:       deps.DB,
		breaker:  deps.Breaker,
		injuries: deps.Injuries,
	}

	s := &Server{
		cfg:        cfg.API,
		router:     mux.NewRouter(),
		h:          h,
		hub:        newHub(deps.Metrics),
		signalChan: cfg.Redis.SignalChan,
	}
	s.routes()

	s.server = &http.Server{
		Addr:         cfg.API.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.API.ReadTimeout(),
		WriteTimeout: cfg.API.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/healthz", s.h.Health).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.h.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics/snapshot", s.h.MetricsSnapshot).Methods(http.MethodGet)

	// The stream upgrades the connection, so it stays off the JSON
	// subrouter and the timeout middleware skips it by path.
	s.router.HandleFunc("/api/v1/intel/stream", s.serveStream).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/intel/consensus", s.h.Consensus).Methods(http.MethodGet)
	api.HandleFunc("/intel/consensus/latest", s.h.ConsensusLatest).Methods(http.MethodGet)

	api.HandleFunc("/intel/clv", s.h.requirePro(s.h.ClvList)).Methods(http.MethodGet)
	api.HandleFunc("/intel/clv/summary", s.h.requirePro(s.h.ClvSummary)).Methods(http.MethodGet)
	api.HandleFunc("/intel/clv/recap", s.h.requirePro(s.h.ClvRecap)).Methods(http.MethodGet)
	api.HandleFunc("/intel/clv/scorecards", s.h.requirePro(s.h.ClvScorecards)).Methods(http.MethodGet)
	api.HandleFunc("/intel/clv/teaser", s.h.ClvTeaser).Methods(http.MethodGet)

	api.HandleFunc("/intel/signals/quality", s.h.SignalQuality).Methods(http.MethodGet)
	api.HandleFunc("/intel/signals/weekly-summary", s.h.SignalWeeklySummary).Methods(http.MethodGet)
	api.HandleFunc("/intel/signals/lifecycle", s.h.SignalLifecycle).Methods(http.MethodGet)

	api.HandleFunc("/intel/books/actionable", s.h.ActionableBook).Methods(http.MethodGet)
	api.HandleFunc("/intel/books/actionable/batch", s.h.requirePro(s.h.ActionableBatch)).Methods(http.MethodGet)

	api.HandleFunc("/intel/opportunities", s.h.Opportunities).Methods(http.MethodGet)
	api.HandleFunc("/intel/opportunities/teaser", s.h.OpportunitiesTeaser).Methods(http.MethodGet)

	api.HandleFunc("/public/teaser/opportunities", s.h.PublicOpportunities).Methods(http.MethodGet)
	api.HandleFunc("/public/teaser/kpis", s.h.PublicKpis).Methods(http.MethodGet)
	api.HandleFunc("/intel/teaser/events", s.h.TeaserEvent).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(s.h.NotFound)
}

// Run serves until ctx cancels, then shuts down gracefully. The stream
// hub and its KV bridge share the server's lifetime.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.hub.Bridge(ctx, s.h.kv, s.signalChan)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("read api listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("read api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout())
	defer cancel()
	log.Info().Msg("read api shutting down")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID, _ := r.Context().Value(requestIDKey).(string)

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		duration := time.Since(start)
		route := routeTemplate(r)

		if s.h.metrics != nil {
			s.h.metrics.HTTPRequests.WithLabelValues(route, r.Method, statusClass(wrapper.statusCode)).Inc()
			s.h.metrics.HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())
		}

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// timeoutMiddleware bounds handler time. The websocket stream is exempt;
// its deadlines are per-message.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/stream") {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.h.cfg.API.RequestTimeout())
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// routeTemplate labels metrics by the mux route pattern, not the raw
// path, to keep series cardinality bounded.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the underlying writer; the websocket upgrade runs
// inside the logging middleware and needs the raw connection.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (rw *responseWrapper) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
