// ABOUTME: Gateway composition root wiring every subsystem together
// ABOUTME: Manages HTTP/WebSocket listeners (TCP or tsnet), reload loop, and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/Afee2019/openclaw/internal/auth"
	"github.com/Afee2019/openclaw/internal/config"
	"github.com/Afee2019/openclaw/internal/connection"
	"github.com/Afee2019/openclaw/internal/dedupe"
	"github.com/Afee2019/openclaw/internal/dispatch"
	"github.com/Afee2019/openclaw/internal/events"
	"github.com/Afee2019/openclaw/internal/failover"
	"github.com/Afee2019/openclaw/internal/protocol"
	"github.com/Afee2019/openclaw/internal/routing"
	"github.com/Afee2019/openclaw/internal/session"
	"github.com/Afee2019/openclaw/internal/store"
)

const dedupeTTL = 5 * time.Minute

// Gateway owns the control plane: configuration, routing, sessions, failover
// state, the dispatch pipeline, and the protocol surface.
type Gateway struct {
	config      *config.Config
	configPath  string // empty disables hot reload
	store       *store.SQLiteStore
	sessions    *session.Store
	router      *routing.Router
	profiles    *failover.Orchestrator
	broadcaster *events.Broadcaster
	dispatcher  *dispatch.Dispatcher
	connections *connection.Manager
	drivers     *dispatch.Registry
	dupes       *dedupe.Cache
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	serverID string
}

// Options carries the external collaborators and wiring knobs.
type Options struct {
	Config     *config.Config
	ConfigPath string           // enables hot reload when set
	Invoker    dispatch.Invoker // required
	Drivers    []dispatch.ChannelDriver
	Logger     *slog.Logger
}

// New builds a fully wired gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Invoker == nil {
		return nil, errors.New("an invoker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	snap, err := config.BuildSnapshot(cfg)
	if err != nil {
		return nil, fmt.Errorf("building configuration snapshot: %w", err)
	}

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:      cfg,
		configPath:  opts.ConfigPath,
		store:       sqlStore,
		broadcaster: events.NewBroadcaster(logger),
		drivers:     dispatch.NewRegistry(),
		dupes:       dedupe.New(dedupeTTL, 100_000),
		logger:      logger.With("component", "gateway"),
		serverID:    generateServerID(),
	}

	for _, d := range opts.Drivers {
		if err := g.drivers.Register(d); err != nil {
			sqlStore.Close()
			return nil, err
		}
	}

	g.sessions = session.NewStore(cfg.Sessions.IdleWindow, logger)
	g.profiles = failover.NewOrchestrator(snap, g.onProfileTransition, logger)
	g.router = routing.NewRouter(snap, sqlStore, logger)

	g.dispatcher = dispatch.NewDispatcher(dispatch.Options{
		Router:        g.router,
		Sessions:      g.sessions,
		Profiles:      g.profiles,
		Dedupe:        g.dupes,
		Drivers:       g.drivers,
		Invoker:       opts.Invoker,
		Events:        g.broadcaster,
		Ledger:        sqlStore,
		MaxAttempts:   cfg.Failover.MaxAttempts,
		InvokeTimeout: cfg.Failover.InvokeTimeout,
		Logger:        logger,
	})

	verifier, err := buildVerifier(cfg)
	if err != nil {
		sqlStore.Close()
		return nil, err
	}

	g.connections = connection.NewManager(connection.Options{
		Verifier:    verifier,
		Broadcaster: g.broadcaster,
		Handler:     &methodHandler{gateway: g},
		ServerID:    g.serverID,
		QueueSize:   cfg.Protocol.QueueSize,
		DrainGrace:  cfg.Protocol.DrainGrace,
		IdleTimeout: cfg.Protocol.IdleTimeout,
		OnClose:     g.onConnectionClosed,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.HandleFunc("/ws", g.connections.HandleWS)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// buildVerifier assembles the handshake verifier chain from configuration:
// JWT when a secret is set, static tokens when configured.
func buildVerifier(cfg *config.Config) (auth.Verifier, error) {
	var chain auth.Chain

	if cfg.Auth.JWTSecret != "" {
		jwtVerifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		chain = append(chain, jwtVerifier)
	}

	if len(cfg.Auth.StaticTokens) > 0 {
		tokens := make([]auth.StaticToken, len(cfg.Auth.StaticTokens))
		for i, st := range cfg.Auth.StaticTokens {
			tokens[i] = auth.StaticToken{Identity: st.Identity, Hash: st.TokenHash}
		}
		chain = append(chain, auth.NewStaticVerifier(tokens))
	}

	if len(chain) == 0 {
		return nil, errors.New("no authentication configured: set auth.jwt_secret or auth.static_tokens")
	}
	return chain, nil
}

// Handler exposes the HTTP mux, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Dispatcher exposes the dispatch pipeline for channel drivers to feed.
func (g *Gateway) Dispatcher() *dispatch.Dispatcher {
	return g.dispatcher
}

// Run starts the gateway and blocks until ctx is canceled or a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.sessions.Run(runCtx, g.config.Sessions.SweepInterval, g.onSessionEvicted)
	go g.connections.Run(runCtx)

	if g.configPath != "" {
		watcher := config.NewWatcher(g.configPath, g.logger)
		if err := watcher.Start(runCtx, g.config); err != nil {
			g.logger.Warn("config hot reload disabled", "error", err)
		} else {
			go g.reloadLoop(runCtx, watcher)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// reloadLoop applies rebuilt snapshots to the router and failover pools.
func (g *Gateway) reloadLoop(ctx context.Context, watcher *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-watcher.Snapshots():
			if !ok {
				return
			}
			g.router.Reload(snap)
			g.profiles.Reload(snap)
			g.logger.Info("applied configuration snapshot",
				"agents", len(snap.Agents), "bindings", len(snap.Bindings))
		}
	}
}

// setupListener returns a TCP listener or a tsnet listener per configuration.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir := tsCfg.StateDir
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory for tailscale state: %w", err)
		}
		stateDir = filepath.Join(homeDir, ".local", "share", "openclaw", "tailscale")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	if tsCfg.AuthKey == "" {
		return nil, errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   tsCfg.AuthKey,
	}

	g.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if len(status.TailscaleIPs) > 0 {
		g.logger.Info("tailscale node ready", "tailscale_ip", status.TailscaleIPs[0].String())
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, nil
}

// Shutdown drains connections and stops everything.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.connections.Shutdown(ctx)

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	g.broadcaster.Close()
	g.dupes.Close()
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// onProfileTransition publishes health changes and records them durably.
func (g *Gateway) onProfileTransition(tr failover.Transition) {
	if err := g.broadcaster.Publish(protocol.TopicProfile, protocol.ProfileEvent{
		AgentID:   tr.AgentID,
		ProfileID: tr.ProfileID,
		From:      tr.From.String(),
		To:        tr.To.String(),
	}); err != nil {
		g.logger.Warn("publishing profile event", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.RecordNotification(ctx, &store.Notification{
		Kind:      store.KindProfileHealthChanged,
		AgentID:   tr.AgentID,
		ProfileID: tr.ProfileID,
		Detail:    tr.From.String() + " -> " + tr.To.String(),
	}); err != nil {
		g.logger.Warn("recording profile transition", "error", err)
	}
}

// onSessionEvicted publishes the eviction and records it durably.
func (g *Gateway) onSessionEvicted(s *session.Session) {
	if err := g.broadcaster.Publish(protocol.TopicSession, protocol.SessionEvent{
		SessionKey: s.Key,
		AgentID:    s.AgentID,
		State:      "evicted",
	}); err != nil {
		g.logger.Warn("publishing session event", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.RecordNotification(ctx, &store.Notification{
		Kind:         store.KindSessionEvicted,
		Channel:      s.Channel,
		Conversation: s.Conversation,
		SessionKey:   s.Key,
		AgentID:      s.AgentID,
	}); err != nil {
		g.logger.Warn("recording session eviction", "error", err)
	}
}

// onConnectionClosed logs the departure with the identity and remaining
// connection count for the operator's audit trail.
func (g *Gateway) onConnectionClosed(c *connection.Conn) {
	g.logger.Info("client disconnected",
		"connection_id", c.ID,
		"identity", c.Identity,
		"connections", g.connections.Len(),
	)
}

// handleHealth returns 200 OK while the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness once at least one agent is configured.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	snap := g.router.Snapshot()
	if len(snap.Agents) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents configured"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(snap.Agents))
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("openclaw-gateway-%d", time.Now().UnixNano()%1000000)
}
