package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"gorm.io/gorm"

	"modernvpn/pkg/auth"
	"modernvpn/pkg/engine"
	"modernvpn/pkg/log"
	"modernvpn/pkg/metrics"
)

type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// TLS enables HTTPS when set; see ServerTLSConfig.
	TLS *tls.Config
	// EdgeToken guards the edge routes. Empty disables them.
	EdgeToken  string
	AdminEmail string
}

type Deps struct {
	Engine  Assigner
	Catalog engine.Catalog
	Issuer  *auth.Issuer
	// DB backs registration and login; nil leaves those routes unmounted.
	DB      *gorm.DB
	Hub     *WSHub
	Metrics *metrics.Metrics
}

type Server struct {
	cfg     Config
	deps    Deps
	isReady atomic.Bool
	srv     *http.Server
}

func New(cfg Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	s.isReady.Store(true)
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TLSConfig:    cfg.TLS,
	}
	return s
}

func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	mux.Get("/healthz", s.handleHealth)
	mux.Get("/readyz", s.handleReady)
	mux.Handle("/metrics", s.deps.Metrics.Handler())

	ctrl := &Controller{Engine: s.deps.Engine, Catalog: s.deps.Catalog}
	mux.Route("/api/v1", func(r chi.Router) {
		if s.deps.DB != nil {
			ah := &AuthHandler{DB: s.deps.DB, Issuer: s.deps.Issuer, AdminEmail: s.cfg.AdminEmail}
			r.Post("/auth/register", ah.handleRegister)
			r.Post("/auth/login", ah.handleLogin)
			r.With(requireUser(s.deps.Issuer)).Get("/users/me", ah.handleMe)
		}
		r.Group(func(r chi.Router) {
			r.Use(requireUser(s.deps.Issuer))
			ctrl.RegisterUserRoutes(r)
			r.Route("/admin", func(r chi.Router) {
				r.Use(requireAdmin)
				ctrl.RegisterAdminRoutes(r)
			})
		})
		if s.cfg.EdgeToken != "" {
			r.Route("/edge", func(r chi.Router) {
				r.Use(requireEdgeToken(s.cfg.EdgeToken))
				ctrl.RegisterEdgeRoutes(r, s.deps.Hub)
			})
		}
	})
	return mux
}

// SetReady flips the readiness probe, e.g. while draining.
func (s *Server) SetReady(ready bool) {
	s.isReady.Store(ready)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	if err := s.deps.Engine.Ping(r.Context()); err != nil {
		log.G(r.Context()).WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := log.G(ctx).WithField("addr", ln.Addr().String())
	errc := make(chan error, 1)
	go func() {
		if s.cfg.TLS != nil {
			logger.Info("starting HTTPS server")
			errc <- s.srv.ServeTLS(ln, "", "")
			return
		}
		logger.Info("starting HTTP server")
		errc <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.SetReady(false)
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		logger.WithError(err).Error("graceful HTTP server shutdown failed")
		return err
	}
	logger.Info("HTTP server gracefully stopped")
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := log.WithLogger(r.Context(), log.G(r.Context()).WithField("request_id", middleware.GetReqID(r.Context())))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		entry := log.G(ctx).WithFields(loggerFields(r)).WithFields(logrus.Fields{
			"status":   ww.Status(),
			"duration": time.Since(start),
		})
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics" {
			entry.Debug("request")
			return
		}
		entry.Info("request")
	})
}
