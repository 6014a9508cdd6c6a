package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"htlcswap/core/events"
	"htlcswap/core/types"
	"htlcswap/native/coordinator"
	"htlcswap/native/htlc"
	"htlcswap/observability"
)

// Engine is the per-chain escrow surface exposed over HTTP. *htlc.Engine
// implements it.
type Engine interface {
	coordinator.Escrows
	Reconcile(ctx context.Context, caller string, id htlc.EscrowID, confirmed bool, reference string) (*htlc.Escrow, error)
	List(filter htlc.Filter) ([]htlc.View, error)
}

// Sessions is the coordinator surface. *coordinator.Coordinator implements it.
type Sessions interface {
	Announce(ctx context.Context, req coordinator.AnnounceRequest) (*coordinator.Session, error)
	Get(ctx context.Context, id string) (*coordinator.Session, error)
	List(ctx context.Context, active bool) ([]*coordinator.Session, error)
	Deposit(ctx context.Context, id string) (*coordinator.Session, error)
	SubmitSecret(ctx context.Context, id string, secret []byte) error
	Withdraw(ctx context.Context, id string) (*coordinator.Session, error)
	Recover(ctx context.Context, id string) (*coordinator.Session, error)
	Step(ctx context.Context, id string) (*coordinator.Session, error)
}

// Subscriber hands out live event streams. *events.Broker implements it.
type Subscriber interface {
	Subscribe(opts ...events.SubscribeOption) (<-chan *types.Event, func())
}

var _ Subscriber = (*events.Broker)(nil)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	TLS           TLSConfig
	RateLimit     RateLimit
}

// TLSConfig describes optional TLS settings. TLS is off unless both files
// are set.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	Config   *tls.Config
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithSessions exposes the coordinator endpoints.
func WithSessions(s Sessions) Option { return func(srv *Server) { srv.sessions = s } }

// WithEvents exposes the websocket event stream.
func WithEvents(sub Subscriber) Option { return func(srv *Server) { srv.events = sub } }

// WithHealthCheck registers a named readiness check for /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(srv *Server) {
		if check != nil {
			srv.checks[name] = check
		}
	}
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.logger = l
		}
	}
}

// Server hosts the escrow, session and event endpoints for swapd.
type Server struct {
	cfg      Config
	engines  map[string]Engine
	sessions Sessions
	events   Subscriber
	auth     *Authenticator
	limiter  *RateLimiter
	checks   map[string]HealthCheck
	logger   *slog.Logger
}

// New constructs a new HTTP server.
func New(cfg Config, engines []Engine, auth *Authenticator, opts ...Option) (*Server, error) {
	if auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if len(engines) == 0 {
		return nil, fmt.Errorf("at least one escrow engine required")
	}
	srv := &Server{
		cfg:     cfg,
		engines: make(map[string]Engine, len(engines)),
		auth:    auth,
		limiter: NewRateLimiter(cfg.RateLimit),
		checks:  make(map[string]HealthCheck),
		logger:  slog.Default(),
	}
	for _, e := range engines {
		if e == nil {
			return nil, fmt.Errorf("nil escrow engine")
		}
		srv.engines[e.Chain()] = e
	}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}
	return srv, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observeRequests)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(s.limiter.Middleware("v1"))

		api.Route("/chains/{chain}/escrows", func(er chi.Router) {
			er.Post("/", s.handleCreateEscrow)
			er.Get("/", s.handleListEscrows)
			er.Get("/{id}", s.handleGetEscrow)
			er.Post("/{id}/deposit", s.handleDeposit)
			er.Post("/{id}/claim", s.handleClaim)
			er.Post("/{id}/refund", s.handleRefund)
			er.Post("/{id}/reconcile", s.handleReconcile)
		})

		if s.sessions != nil {
			api.Route("/sessions", func(sr chi.Router) {
				sr.Post("/", s.handleAnnounce)
				sr.Get("/", s.handleListSessions)
				sr.Get("/{id}", s.handleGetSession)
				sr.Post("/{id}/deposit", s.sessionAction(s.sessions.Deposit))
				sr.Post("/{id}/withdraw", s.sessionAction(s.sessions.Withdraw))
				sr.Post("/{id}/recover", s.sessionAction(s.sessions.Recover))
				sr.Post("/{id}/step", s.sessionAction(s.sessions.Step))
				sr.Post("/{id}/secret", s.handleSubmitSecret)
			})
		}

		if s.events != nil {
			api.Get("/events", s.handleEvents)
		}
	})
	return r
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(s.Handler(), "swapd"),
		TLSConfig:         s.cfg.TLS.Config,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("swapd: http server listening", "addr", s.cfg.ListenAddress)
	var err error
	certFile := strings.TrimSpace(s.cfg.TLS.CertFile)
	keyFile := strings.TrimSpace(s.cfg.TLS.KeyFile)
	if certFile != "" && keyFile != "" {
		err = srv.ListenAndServeTLS(certFile, keyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			status[name] = err.Error()
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, status)
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (Engine, bool) {
	chain := chi.URLParam(r, "chain")
	e, ok := s.engines[chain]
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", coordinator.ErrUnknownChain, chain))
		return nil, false
	}
	return e, true
}

func callerOn(r *http.Request, chain string) string {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		return ""
	}
	return p.On(chain)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes the websocket upgrade through to the underlying writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		observability.Server().Observe(route, rec.status, time.Since(start))
	})
}
