// Package server assembles the HTTP service: routing, middleware, and the
// listener lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/3leaps/stanwasm/internal/errors"
	"github.com/3leaps/stanwasm/internal/server/handlers"
	"github.com/3leaps/stanwasm/internal/server/middleware"
)

type options struct {
	service      handlers.CompileService
	passcode     string
	restartToken string
	restart      func()
	origins      []string
	compileRate  float64
	compileBurst int
	version      handlers.VersionInfo
	health       *handlers.HealthManager
	logger       *zap.Logger

	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*options)

// WithService registers the compile routes, guarded by passcode.
func WithService(svc handlers.CompileService, passcode string) Option {
	return func(o *options) {
		o.service = svc
		o.passcode = passcode
	}
}

// WithRestart registers POST /restart, guarded by token. trigger runs after
// the response is written. An empty token leaves the route unregistered.
func WithRestart(token string, trigger func()) Option {
	return func(o *options) {
		o.restartToken = token
		o.restart = trigger
	}
}

func WithAllowedOrigins(origins []string) Option {
	return func(o *options) { o.origins = origins }
}

// WithCompileRateLimit bounds compile-class routes to r per second with the
// given burst. r <= 0 disables limiting.
func WithCompileRateLimit(r float64, burst int) Option {
	return func(o *options) {
		o.compileRate = r
		o.compileBurst = burst
	}
}

func WithVersion(info handlers.VersionInfo) Option {
	return func(o *options) { o.version = info }
}

func WithHealthManager(m *handlers.HealthManager) Option {
	return func(o *options) { o.health = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithTimeouts(read, write, idle, shutdown time.Duration) Option {
	return func(o *options) {
		o.readTimeout = read
		o.writeTimeout = write
		o.idleTimeout = idle
		o.shutdownTimeout = shutdown
	}
}

// Server is the HTTP front of the compile service.
type Server struct {
	host   string
	port   int
	opts   options
	router chi.Router

	httpServer *http.Server
}

// New builds a server listening on host:port once started.
func New(host string, port int, opts ...Option) *Server {
	o := options{
		logger:          zap.NewNop(),
		version:         handlers.VersionInfo{Version: "dev"},
		readTimeout:     30 * time.Second,
		writeTimeout:    10 * time.Minute,
		idleTimeout:     120 * time.Second,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{host: host, port: port, opts: o}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       o.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      o.writeTimeout,
		IdleTimeout:       o.idleTimeout,
		ErrorLog:          zap.NewStdLog(o.logger),
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.AccessLog(s.opts.logger))
	if len(s.opts.origins) > 0 {
		r.Use(middleware.CORS(s.opts.origins))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, r, http.StatusNotFound, apperrors.CodeNotFound,
			fmt.Sprintf("no route for %s", r.URL.Path), nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, r, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed,
			fmt.Sprintf("method %s not allowed for %s", r.Method, r.URL.Path), nil)
	})

	r.Get("/probe", handlers.ProbeHandler)
	r.Get("/version", handlers.VersionHandler(s.opts.version))

	if m := s.opts.health; m != nil {
		r.Get("/health", m.HealthHandler)
		r.Get("/health/live", m.LivenessHandler)
		r.Get("/health/ready", m.ReadinessHandler)
		r.Get("/health/startup", m.StartupHandler)
	} else {
		r.Get("/health", handlers.HealthHandler)
		r.Get("/health/live", handlers.LivenessHandler)
		r.Get("/health/ready", handlers.ReadinessHandler)
		r.Get("/health/startup", handlers.StartupHandler)
	}

	if s.opts.service != nil {
		jobs := handlers.NewJobs(s.opts.service, s.opts.logger)

		var limiter *rate.Limiter
		if s.opts.compileRate > 0 {
			burst := s.opts.compileBurst
			if burst < 1 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(s.opts.compileRate), burst)
		}
		limited := middleware.RateLimit(limiter)

		r.Group(func(r chi.Router) {
			r.Use(middleware.BodyLimit(handlers.MaxBodyBytes))
			r.Use(middleware.BearerAuth(s.opts.passcode))

			r.With(limited).Post("/compile", jobs.Compile)
			r.Post("/job/initiate", jobs.Initiate)
			r.Post("/job/{job_id}/upload", jobs.Upload)
			r.Post("/job/{job_id}/upload/{filename}", jobs.Upload)
			r.With(limited).Post("/job/{job_id}/run", jobs.Run)
		})

		r.Get("/download/{model_id}/{filename}", jobs.Download)
		r.Head("/download/{model_id}/{filename}", jobs.Download)
	}

	if s.opts.restartToken != "" && s.opts.restart != nil {
		r.With(middleware.BearerAuth(s.opts.restartToken)).
			Post("/restart", handlers.RestartHandler(s.opts.restart, s.opts.logger))
	}

	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully within the shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.opts.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.shutdownTimeout)
	defer cancel()
	s.opts.logger.Info("HTTP server shutting down", zap.Duration("timeout", s.opts.shutdownTimeout))
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on Addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}
