// Package server hosts hubs over WebSocket: one primary route per hub plus an
// anonymous auth route for hubs that issue their own bearer tokens.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/duplex/internal/auth"
	"github.com/koltyakov/duplex/internal/config"
	"github.com/koltyakov/duplex/internal/debughttp"
	"github.com/koltyakov/duplex/internal/dispatch"
	"github.com/koltyakov/duplex/internal/domain"
	"github.com/koltyakov/duplex/internal/handshake"
	"github.com/koltyakov/duplex/internal/metrics"
	"github.com/koltyakov/duplex/internal/session"
)

const (
	wsWriteTimeout      = 10 * time.Second
	wsControlQueueSize  = 32
	wsDataQueueSize     = 256
	serverShutdownGrace = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server hosts mounted hubs.
type Server struct {
	cfg      config.ServerConfig
	log      *slog.Logger
	registry *handshake.Registry
	metrics  *metrics.Collectors
	pool     *ants.Pool
	ownsPool bool
	now      func() time.Time

	mu        sync.RWMutex
	endpoints map[string]*endpoint
	order     []string

	conns  sync.WaitGroup
	closed atomic.Bool
}

// endpoint is one served route: a hub's primary route or its auth route.
type endpoint struct {
	srv        *Server
	route      string
	hub        Hub
	table      *dispatch.Table
	dispatcher *dispatch.Dispatcher
	sessions   *session.Store
	params     *auth.ValidationParameters
	conns      sync.Map // conn id -> *Conn
	clients    *Clients
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry shares an authorization registry with the server.
func WithRegistry(r *handshake.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithMetrics records server activity on m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Server) { s.metrics = m }
}

// WithPool runs hub handlers on p. The caller keeps ownership of p.
func WithPool(p *ants.Pool) Option {
	return func(s *Server) { s.pool = p }
}

// WithClock overrides the time source used for heartbeats.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New returns a server without any hub mounted.
func New(cfg config.ServerConfig, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       withServerDefaults(cfg),
		log:       logger,
		now:       time.Now,
		endpoints: make(map[string]*endpoint),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = handshake.NewRegistry(logger)
	}
	if s.pool == nil {
		pool, err := dispatch.NewPool(s.cfg.DispatchWorkers)
		if err != nil {
			return nil, fmt.Errorf("create handler pool: %w", err)
		}
		s.pool = pool
		s.ownsPool = true
	}
	return s, nil
}

func withServerDefaults(cfg config.ServerConfig) config.ServerConfig {
	if cfg.ClientPingTimeout <= 0 {
		cfg.ClientPingTimeout = 60 * time.Second
	}
	if cfg.HeartbeatCheckInterval <= 0 {
		cfg.HeartbeatCheckInterval = 10 * time.Second
	}
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = 30 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	return cfg
}

// Mount installs h on its route, plus its auth route when h is an AuthHub.
func (s *Server) Mount(h Hub) error {
	route, err := cleanRoute(h.Route())
	if err != nil {
		return err
	}
	ep := s.newEndpoint(route, h)
	if err := h.Bind(&Binder{table: ep.table, clients: ep.clients}); err != nil {
		return &domain.HubError{Route: route, Op: "bind", Err: err}
	}

	if sh, ok := h.(SessionHub); ok {
		ep.sessions = session.NewStore(
			session.WithClock(s.now),
			session.WithEvictHook(func(sess session.Session) {
				s.log.Debug("hub session ended", "route", route, "identity", sess.Identity)
			}),
		)
		sh.AttachSessions(ep.sessions)
	}

	var authEp *endpoint
	var validator handshake.Validator
	if ah, ok := h.(AuthHub); ok {
		ep.params = ah.ValidationParameters()
		if ep.params == nil {
			return &domain.HubError{Route: route, Op: "mount", Err: errors.New("auth hub without validation parameters")}
		}
		authRoute, err := cleanRoute(ah.AuthRoute())
		if err != nil {
			return &domain.HubError{Route: route, Op: "mount", Err: err}
		}
		if authRoute == route {
			return &domain.HubError{Route: route, Op: "mount", Err: errors.New("auth route equals hub route")}
		}
		validator = ah.Authorize
		authEp = s.newEndpoint(authRoute, nil)
		b, err := dispatch.NewRawBinding(domain.MethodAuthorize, s.authorizeHandler(authRoute))
		if err != nil {
			return err
		}
		if err := authEp.table.Add(b); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ne := range []*endpoint{ep, authEp} {
		if ne == nil {
			continue
		}
		if _, exists := s.endpoints[ne.route]; exists {
			return &domain.HubError{Route: ne.route, Op: "mount", Err: errors.New("route already mounted")}
		}
	}
	if authEp != nil {
		if err := s.registry.Register(authEp.route, validator); err != nil {
			return err
		}
	}
	s.endpoints[ep.route] = ep
	s.order = append(s.order, ep.route)
	if authEp != nil {
		s.endpoints[authEp.route] = authEp
		s.order = append(s.order, authEp.route)
	}
	s.log.Info("hub mounted", "route", route, "auth", authEp != nil, "sessions", ep.sessions != nil, "methods", ep.table.Names())
	return nil
}

func (s *Server) newEndpoint(route string, h Hub) *endpoint {
	ep := &endpoint{srv: s, route: route, hub: h, table: dispatch.NewTable()}
	ep.clients = &Clients{ep: ep}
	ep.dispatcher = dispatch.NewDispatcher(ep.table,
		dispatch.WithLogger(s.log.With("route", route)),
		dispatch.WithPool(s.pool),
		dispatch.WithInvokeHook(func(string) { s.metrics.Invoked(route, metrics.Inbound) }),
		dispatch.WithDropHook(func(string) { s.metrics.Dropped(route) }),
	)
	return ep
}

// authorizeHandler answers Authorize(credential) on an auth route with
// AuthorizeResult(result) sent back to the caller only.
func (s *Server) authorizeHandler(route string) dispatch.Handler {
	return func(ctx context.Context, inv *dispatch.Invocation) error {
		conn, ok := Caller(inv)
		if !ok {
			return domain.ErrConnectionClosed
		}
		var credential dispatch.RawMessage
		if len(inv.Raw) > 0 {
			credential = inv.Raw[0]
		}
		result := s.registry.Authorize(ctx, route, credential, conn)
		s.metrics.Authorized(route, result.Accepted)
		s.log.Info("authorize attempt", "route", route, "conn_id", conn.id, "remote_addr", conn.remoteAddr, "accepted", result.Accepted)
		return conn.Send(ctx, domain.MethodAuthorizeResult, result)
	}
}

// Handler returns the HTTP handler serving every mounted route plus
// /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.mu.RLock()
	for _, route := range s.order {
		mux.HandleFunc(route, s.handleConnect(s.endpoints[route]))
	}
	s.mu.RUnlock()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Run serves mounted hubs until ctx is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	setup, err := s.buildTLS()
	if err != nil {
		return err
	}

	mainServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         setup.config,
	}
	if setup.config != nil {
		mainServer.ErrorLog = httpsErrorLog(s.log, setup.manager != nil)
	}
	servers := []*http.Server{mainServer}

	var challengeServer *http.Server
	if setup.manager != nil {
		challengeServer = &http.Server{
			Addr:              s.cfg.ChallengeListen,
			Handler:           setup.manager.HTTPHandler(http.NotFoundHandler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		servers = append(servers, challengeServer)
	}

	g, gctx := errgroup.WithContext(ctx)
	if _, err := debughttp.Start(gctx, s.cfg.DebugListen, s.log, s.Stats); err != nil {
		return fmt.Errorf("debug listener: %w", err)
	}
	g.Go(func() error {
		s.runJanitor(gctx)
		return nil
	})
	g.Go(func() error {
		s.log.Info("hub server listening", "addr", mainServer.Addr, "tls_mode", normalizeTLSMode(s.cfg.TLSMode))
		var err error
		if setup.config != nil {
			err = mainServer.ListenAndServeTLS("", "")
		} else {
			err = mainServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("hub server: %w", err)
		}
		return nil
	})
	if challengeServer != nil {
		g.Go(func() error {
			s.log.Info("ACME challenge server listening", "addr", challengeServer.Addr)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("challenge server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("hub server shutting down")
		var errs []error
		for _, srv := range servers {
			if err := shutdownServer(srv, serverShutdownGrace); err != nil {
				errs = append(errs, err)
			}
		}
		s.Close()
		return errors.Join(errs...)
	})
	return g.Wait()
}

// Sessions returns the session store of the hub mounted on route.
func (s *Server) Sessions(route string) (*session.Store, bool) {
	ep, ok := s.endpoint(route)
	if !ok || ep.sessions == nil {
		return nil, false
	}
	return ep.sessions, true
}

// Clients returns the connections of route.
func (s *Server) Clients(route string) (*Clients, bool) {
	ep, ok := s.endpoint(route)
	if !ok {
		return nil, false
	}
	return ep.clients, true
}

// Stats snapshots every mounted route for the debug listener.
func (s *Server) Stats() []debughttp.HubStats {
	eps := s.allEndpoints()
	out := make([]debughttp.HubStats, 0, len(eps))
	for _, ep := range eps {
		st := debughttp.HubStats{
			Route:       ep.route,
			Auth:        ep.hub == nil,
			Connections: ep.clients.Len(),
		}
		if ep.sessions != nil {
			ep.sessions.Range(func(sess session.Session) bool {
				st.Sessions = append(st.Sessions, sess)
				return true
			})
		}
		out = append(out, st)
	}
	return out
}

// Registry returns the authorization registry shared by auth routes.
func (s *Server) Registry() *handshake.Registry { return s.registry }

func (s *Server) endpoint(route string) (*endpoint, bool) {
	route, err := cleanRoute(route)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	ep, ok := s.endpoints[route]
	s.mu.RUnlock()
	return ep, ok
}

func (s *Server) allEndpoints() []*endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*endpoint, 0, len(s.order))
	for _, route := range s.order {
		out = append(out, s.endpoints[route])
	}
	return out
}

// Close disconnects every client and releases the handler pool. It is safe
// to call more than once.
func (s *Server) Close() {
	if s.closed.Swap(true) {
		return
	}
	for _, ep := range s.allEndpoints() {
		for _, c := range ep.clients.All() {
			c.Close("server shutting down")
		}
	}
	if !waitGroupWait(&s.conns, serverShutdownGrace) {
		s.log.Warn("hub connections still draining after shutdown grace period")
	}
	if s.ownsPool {
		s.pool.Release()
	}
}

func cleanRoute(route string) (string, error) {
	route = strings.TrimSpace(route)
	if route == "" {
		return "", domain.ErrRouteNotFound
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	if trimmed := strings.TrimRight(route, "/"); trimmed != "" {
		route = trimmed
	}
	return route, nil
}
