// Package server exposes the escrow coordinator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"escrowhub/internal/config"
	"escrowhub/internal/coordinator"
	"escrowhub/internal/idempotency"
	"escrowhub/internal/metrics"
	"escrowhub/internal/notify"
	"escrowhub/internal/reqauth"
)


// Deps are the collaborators served by the API.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Store       idempotency.Store
	// Notifications backs the notification endpoints; nil disables them.
	Notifications notify.Store
	Emitter       *notify.Emitter
	Metrics       *metrics.Registry
	Logger        logrus.FieldLogger
	RPCHealth     func(context.Context) error
	DBHealth      func(context.Context) error
}

type Server struct {
	cfg           *config.AppConfig
	coord         *coordinator.Coordinator
	store         idempotency.Store
	notifications notify.Store
	emitter       *notify.Emitter
	auth          *reqauth.Verifier
	metrics       *metrics.Registry
	log           logrus.FieldLogger
	rpcHealthFn   func(context.Context) error
	dbHealthFn    func(context.Context) error
	now           func() time.Time

	router     http.Handler
	httpServer *http.Server
}

func NewServer(cfg *config.AppConfig, d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	store := d.Store
	if store == nil {
		store = idempotency.NewMemoryStore()
	}
	s := &Server{
		cfg:           cfg,
		coord:         d.Coordinator,
		store:         store,
		notifications: d.Notifications,
		emitter:       d.Emitter,
		auth: &reqauth.Verifier{
			MaxSkew:  cfg.Auth.ClockSkew,
			MaxBody:  maxBodyBytes,
			Insecure: cfg.Auth.Insecure,
		},
		metrics:     d.Metrics,
		log:         log.WithField("component", "server"),
		rpcHealthFn: d.RPCHealth,
		dbHealthFn:  d.DBHealth,
		now:         time.Now,
	}
	if s.dbHealthFn == nil {
		if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
			s.dbHealthFn = checker.Ping
		}
	}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(echoRequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.accessLog)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Handle("/metrics", s.metrics.Handler())

		api.Group(func(authed chi.Router) {
			authed.Use(s.auth.Middleware)

			authed.Post("/escrows", s.handleCreateEscrow)
			authed.Get("/escrows", s.handleListEscrows)
			authed.Get("/escrows/{id}", s.handleGetEscrow)
			authed.Post("/escrows/{id}/{action}", s.handleUpdateEscrow)
			authed.Post("/escrows/{id}/milestones/{mid}/{action}", s.handleMilestone)

			authed.Get("/notifications", s.handleListNotifications)
			authed.Post("/notifications/{id}/read", s.handleMarkRead)
		})
	})
	return r
}

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = false
		rpcInfo.Error = "chain client not configured"
		overallHealthy = false
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	queueDepth := 0
	if s.emitter != nil {
		queueDepth = s.emitter.QueueDepth()
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string `json:"status"`
		Network    string `json:"network"`
		RPC        any    `json:"rpc"`
		Database   any    `json:"database"`
		QueueDepth int    `json:"queue_depth"`
	}{
		Status:     status,
		Network:    s.cfg.Network,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: queueDepth,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			w.Header().Set(chimw.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog records one line and one counter per request, keyed by the
// matched route pattern.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.IncHTTP(route, strconv.Itoa(status))
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"route":      route,
			"status":     status,
			"duration":   time.Since(start).String(),
			"request_id": chimw.GetReqID(r.Context()),
		}).Debug("request")
	})
}
