package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SkynetNext/ws-gateway/internal/auth"
	"github.com/SkynetNext/ws-gateway/internal/config"
	"github.com/SkynetNext/ws-gateway/internal/directory"
	"github.com/SkynetNext/ws-gateway/internal/logger"
	"github.com/SkynetNext/ws-gateway/internal/metrics"
	"github.com/SkynetNext/ws-gateway/internal/middleware"
	"github.com/SkynetNext/ws-gateway/internal/peer"
	"github.com/SkynetNext/ws-gateway/internal/ratelimit"
	"github.com/SkynetNext/ws-gateway/internal/redis"
	"github.com/SkynetNext/ws-gateway/internal/registry"
	"github.com/SkynetNext/ws-gateway/internal/router"
	"github.com/SkynetNext/ws-gateway/internal/store"
)

// Gateway represents the WebSocket gateway node
type Gateway struct {
	cfg *config.Store
	log *zap.Logger

	// Node identity inside session records, fixed at startup
	selfIP   string
	selfPort int

	// Components
	registry   *registry.Registry
	directory  *directory.Directory
	router     *router.Router
	forwarder  *peer.Forwarder
	callback   *auth.Callback
	gate       *auth.Gate
	redis      *redis.Client
	tokenRedis *redis.Client

	// Application lookup: the database behind a cache, or the config file
	db         *store.DB
	apps       store.Applications
	appCache   *store.CachedApplications
	staticApps atomic.Pointer[store.StaticApplications]

	// Connection admission
	connLimiter *ratelimit.Limiter
	ipLimiter   *ratelimit.IPLimiter
	upgrader    websocket.Upgrader

	// Network
	server       *http.Server
	healthServer *http.Server
	listener     net.Listener
	healthLn     net.Listener

	// Connections
	connCtx    context.Context
	connCancel context.CancelFunc
	conns      sync.WaitGroup

	// State
	draining atomic.Bool
}

// New creates a gateway from cfg. db may be nil, in which case applications
// come from the config file and the user API is not served.
func New(cfg *config.Config, db *store.DB) (*Gateway, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	g := &Gateway{
		log:         logger.Named("gateway"),
		selfIP:      cfg.Server.AdvertiseIP,
		selfPort:    cfg.Server.AdvertisePort,
		registry:    registry.New(),
		redis:       redis.NewClient(&cfg.Redis),
		tokenRedis:  redis.NewClient(&cfg.TokenRedis),
		db:          db,
		connLimiter: ratelimit.NewLimiter(int64(cfg.Security.MaxConnections)),
		ipLimiter:   ratelimit.NewIPLimiter(cfg.Security.MaxConnectionsPerIP, cfg.Security.ConnectionRateLimit),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are authenticated by the app callback, not by origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	g.cfg = config.NewStore(cfg, g.onConfigReload)
	g.connCtx, g.connCancel = context.WithCancel(context.Background())

	if db != nil {
		g.apps = db
		if cfg.Auth.AppCacheTTL > 0 {
			g.appCache = store.NewCachedApplications(db, cfg.Auth.AppCacheTTL)
			g.apps = g.appCache
		}
	} else {
		g.staticApps.Store(store.NewStaticApplications(cfg.Applications))
		g.apps = staticSource{g}
	}

	g.directory = directory.New(g.redis, cfg.Directory.RecordTTL)
	g.forwarder = peer.NewForwarder(g.cfg)
	g.router = router.New(g.registry, g.directory, g.forwarder, g.selfIP, g.selfPort)
	g.callback = auth.NewCallback(func() time.Duration { return g.cfg.Current().Auth.CallbackTimeout })
	g.gate = auth.NewGate(
		func() string { return g.cfg.Current().Node.Token },
		g.tokenRedis,
		"/ws", "/api/login",
	)

	return g, nil
}

// staticSource serves applications from the latest config snapshot
type staticSource struct {
	g *Gateway
}

func (s staticSource) Application(ctx context.Context, appID string) (*store.Application, error) {
	return s.g.staticApps.Load().Application(ctx, appID)
}

// Config returns the configuration store
func (g *Gateway) Config() *config.Store {
	return g.cfg
}

// CheckDependencies pings the stores the gateway cannot work without
func (g *Gateway) CheckDependencies(ctx context.Context) error {
	if err := g.redis.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if err := g.tokenRedis.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to token Redis: %w", err)
	}
	if g.db != nil {
		if err := g.db.Ping(ctx); err != nil {
			return fmt.Errorf("failed to connect to the database: %w", err)
		}
	}
	return nil
}

// Handler returns the HTTP handler serving the WebSocket endpoint and the API
func (g *Gateway) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.AccessLog, g.gate.Middleware)

	r.HandleFunc("/ws", g.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/api/message/push", g.handleMessagePush).Methods(http.MethodPost)
	r.HandleFunc("/api/push", g.handlePush).Methods(http.MethodPost)
	r.HandleFunc(peer.PushPath, g.handleNodePush).Methods(http.MethodPost)

	if g.db != nil {
		r.HandleFunc("/api/login", g.handleLogin).Methods(http.MethodPost)
		r.HandleFunc("/api/user/page", g.handleUserPage).Methods(http.MethodGet)
		r.HandleFunc("/api/user", g.handleCreateUser).Methods(http.MethodPost)
		r.HandleFunc("/api/user", g.handleUpdateUser).Methods(http.MethodPut)
		r.HandleFunc("/api/user/{id:[0-9]+}", g.handleDeleteUser).Methods(http.MethodDelete)
	}
	return r
}

// HealthHandler returns the handler of the health, readiness and metrics server
func (g *Gateway) HealthHandler() http.Handler {
	sm := http.NewServeMux()
	sm.HandleFunc("/health", g.healthHandler)
	sm.HandleFunc("/ready", g.readyHandler)
	sm.Handle("/metrics", promhttp.Handler())
	return sm
}

// Start binds the listeners. Serving begins in Run.
func (g *Gateway) Start() error {
	cfg := g.cfg.Current()

	var err error
	g.listener, err = net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.ListenAddr, err)
	}
	g.healthLn, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.HealthCheckPort))
	if err != nil {
		g.listener.Close()
		return fmt.Errorf("failed to listen on health port %d: %w", cfg.Server.HealthCheckPort, err)
	}

	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.healthServer = &http.Server{
		Handler:           g.HealthHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	middleware.InitAccessLogger(100, 5*time.Second)
	return nil
}

// Run starts the gateway and serves until ctx is cancelled or a server
// fails, then shuts down gracefully
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(); err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.log.Info("gateway listening",
			zap.String("addr", g.listener.Addr().String()),
			zap.String("advertise", g.cfg.Current().AdvertiseAddr()))
		return serve(g.server, g.listener)
	})
	eg.Go(func() error {
		g.log.Info("health server listening", zap.String("addr", g.healthLn.Addr().String()))
		return serve(g.healthServer, g.healthLn)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.Current().GracefulShutdownTimeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the gateway
func (g *Gateway) Shutdown(ctx context.Context) error {
	// 1. Enter drain mode
	g.draining.Store(true)

	// 2. Stop accepting requests
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.log.Warn("server shutdown incomplete", zap.Error(err))
		}
	}

	// 3. Close every connection with Going Away and wait for them to detach
	g.connCancel()
	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		g.router.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.log.Warn("shutdown timed out waiting for connections",
			zap.Int("remaining", g.registry.Count()))
	}

	// 4. Release clients
	g.forwarder.Close()
	if err := g.redis.Close(); err != nil {
		g.log.Warn("failed to close Redis connection", zap.Error(err))
	}
	if err := g.tokenRedis.Close(); err != nil {
		g.log.Warn("failed to close token Redis connection", zap.Error(err))
	}

	// 5. Shutdown health server
	if g.healthServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.healthServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown health server: %w", err)
		}
	}

	// 6. Shutdown access logger
	middleware.ShutdownAccessLogger()
	return nil
}

// handleWebSocket admits, upgrades and runs one client connection
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	appID, token, userID := q.Get("app_id"), q.Get("token"), q.Get("user_id")
	if appID == "" || token == "" {
		metrics.IncConnectionRejected("missing_params")
		http.Error(w, "app_id and token are required", http.StatusForbidden)
		return
	}

	if g.draining.Load() {
		metrics.IncConnectionRejected("draining")
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	if !g.connLimiter.Allow() {
		metrics.IncConnectionRejected("max_connections")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer g.connLimiter.Release()

	ip := extractIP(r.RemoteAddr)
	if ok, reason := g.ipLimiter.Allow(ip); !ok {
		metrics.IncConnectionRejected(reason)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer g.ipLimiter.Release(ip)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied
		metrics.IncConnectionRejected("upgrade_failed")
		g.log.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	metrics.TotalConnections.Inc()

	g.conns.Add(1)
	defer g.conns.Done()

	c := newConn(g, ws, uuid.NewString(), appID, token, userID, r.RemoteAddr)
	c.run(g.connCtx)
}

func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// healthHandler handles health check requests
func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler handles readiness probe requests
func (g *Gateway) readyHandler(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
