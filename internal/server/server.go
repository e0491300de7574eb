// Package server exposes the authorization gateway over HTTP.
//
// Routes:
//
//	POST /v1/authorize                 JSON check, decision in the body
//	ANY  /v1/forward-auth[/{realm}]    reverse-proxy subrequest, decision in headers
//	GET  /v1/policy                    permission tables, staff tokens only
//	GET  /healthz                      liveness
//	GET  /readyz                       readiness of the service and its dependencies
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/StricklySoft/realmgate/pkg/auth"
	sserr "github.com/StricklySoft/realmgate/pkg/errors"
	"github.com/StricklySoft/realmgate/pkg/lifecycle"
	"github.com/StricklySoft/realmgate/pkg/logging"
	"github.com/StricklySoft/realmgate/pkg/policy"
)

// HealthChecker is satisfied by every storage client and by
// *lifecycle.Service.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Lifecycle is the part of *lifecycle.Service the server reports on.
type Lifecycle interface {
	HealthChecker
	Info() lifecycle.Info
}

type namedCheck struct {
	name  string
	check HealthChecker
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = logging.Component(l, "server") }
}

// WithLifecycle gates readiness on the service state and reports its
// info on /healthz.
func WithLifecycle(lc Lifecycle) Option {
	return func(s *Server) { s.lifecycle = lc }
}

// WithReadinessCheck adds a dependency probed by /readyz.
func WithReadinessCheck(name string, c HealthChecker) Option {
	return func(s *Server) {
		if c != nil {
			s.checks = append(s.checks, namedCheck{name: name, check: c})
		}
	}
}

// WithPolicy publishes p on /v1/policy.
func WithPolicy(p *policy.Policy) Option {
	return func(s *Server) { s.policy = p }
}

// Server is the gateway's HTTP front end.
type Server struct {
	cfg       Config
	checker   auth.Checker
	logger    zerolog.Logger
	lifecycle Lifecycle
	checks    []namedCheck
	policy    *policy.Policy

	router chi.Router
	http   *http.Server

	mu   sync.Mutex
	addr net.Addr
	errc chan error
}

// New builds the router. checker is normally an *auth.Authorizer.
func New(cfg Config, checker auth.Checker, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if checker == nil {
		return nil, sserr.New(sserr.CodeConfigRequired, "server: a checker is required")
	}
	s := &Server{
		cfg:     cfg,
		checker: checker,
		logger:  logging.Component(logging.Nop(), "server"),
		errc:    make(chan error, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.router = s.routes()
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	if s.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(requestID)
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/authorize", s.handleAuthorize)
		r.HandleFunc("/forward-auth", s.handleForwardAuth)
		r.HandleFunc("/forward-auth/{realm}", s.handleForwardAuth)
		r.With(
			s.checkTimeout,
			auth.Middleware(s.checker, func(*http.Request) string { return "staff/policy" }),
		).Get("/policy", s.handlePolicy)
	})
	return r
}

// Handler returns the router, for tests and for embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in the background.
// Serve failures after Start returns are delivered on Err.
func (s *Server) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeConfigInvalid, "server: listen on %s", s.cfg.Addr)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.WithError(s.logger.Error(), err).Msg("serve failed")
			s.errc <- err
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Err delivers a serve failure.
func (s *Server) Err() <-chan error { return s.errc }

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return sserr.Wrap(err, sserr.CodeDependencyTimeout, "server: shutdown did not complete")
	}
	return nil
}

// checkTimeout bounds the checks run by the wrapped handler.
func (s *Server) checkTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CheckTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

const readinessTimeout = 2 * time.Second
