package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/amitsajwan/trading-ai-sub002/internal/broker"
	"github.com/amitsajwan/trading-ai-sub002/internal/clock"
)

// Authenticator resolves a bearer token to a Role, or rejects the connection.
// Out of scope collaborator per spec §4.7/§6; callers wire their own token
// store.
type Authenticator interface {
	Authenticate(token string) (Role, bool)
}

// HealthChecker is consulted by the /health route, if one is supplied to
// NewServer. *database.DB satisfies this by its own HealthCheck method.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StaticAuthenticator maps a fixed set of tokens to roles, useful for tests
// and single-operator deployments.
type StaticAuthenticator map[string]Role

func (a StaticAuthenticator) Authenticate(token string) (Role, bool) {
	role, ok := a[token]
	return role, ok
}

// Server is the gateway's HTTP/WebSocket surface: connect, health, and
// nothing else — no business routes, per spec §4.7 "gateway MUST be dumb".
type Server struct {
	router *chi.Mux
	b      *broker.Broker
	clk    clock.Clock
	limits Limits
	auth   Authenticator
	health HealthChecker
	log    zerolog.Logger

	httpServer *http.Server
}

// NewServer builds a Server ready to mount. health may be nil, in which case
// /health reports ok as soon as the process is up.
func NewServer(b *broker.Broker, clk clock.Clock, limits Limits, auth Authenticator, health HealthChecker, log zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		b:      b,
		clk:    clk,
		limits: limits,
		auth:   auth,
		health: health,
		log:    log.With().Str("component", "gateway").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Listen wraps Handler() in an *http.Server bound to port and blocks until it
// exits. Returns http.ErrServerClosed on a clean Shutdown.
func (s *Server) Listen(port int) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info().Int("port", port).Msg("starting gateway http server")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server from accepting new connections and waits,
// within ctx's deadline, for in-flight plain HTTP requests. WebSocket
// connections are hijacked from the HTTP server, so Shutdown neither waits
// for nor closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/connect", s.handleConnect)
}

// Handler returns the http.Handler to mount under an *http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.HealthCheck(r.Context()); err != nil {
			s.log.Error().Err(err).Msg("health check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	role, ok := s.auth.Authenticate(token)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	if !ok {
		_ = ws.Close(websocket.StatusCode(unauthorizedCloseCode), "unauthorized")
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	c := newConn(ws, role, s.b, s.clk, s.limits, s.log)
	c.serve(r.Context())
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// unauthorizedCloseCode is the close code sent to a client whose bearer token
// fails authentication, per spec §4.7.
const unauthorizedCloseCode = 4401
