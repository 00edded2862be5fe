package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/n8n-gateway/internal/auth"
	"github.com/alexjbarnes/n8n-gateway/internal/cache"
	"github.com/alexjbarnes/n8n-gateway/internal/config"
	"github.com/alexjbarnes/n8n-gateway/internal/mcpserver"
	"github.com/alexjbarnes/n8n-gateway/internal/metrics"
	"github.com/alexjbarnes/n8n-gateway/internal/models"
	"github.com/alexjbarnes/n8n-gateway/internal/n8n"
	"github.com/alexjbarnes/n8n-gateway/internal/session"
	"github.com/alexjbarnes/n8n-gateway/internal/store"
	"golang.org/x/sync/errgroup"
)

const instructions = "Tools operate on the n8n instance the operator signed in with. " +
	"If a tool reports missing credentials, ask the operator to complete the sign-in flow again."

// App is a fully wired gateway.
type App struct {
	Handler http.Handler
	Store   *store.AuthStore
	Metrics *metrics.Metrics
	// Cache is nil unless CACHE_PATH is set.
	Cache *cache.Cache

	sweepInterval time.Duration
	logger        *slog.Logger
}

// New wires every component from cfg. api may be nil, in which case a
// real n8n client with the configured timeout is used.
func New(cfg *config.Config, api n8n.API, version string, logger *slog.Logger) (*App, error) {
	var defaults models.Credentials

	if cfg.HasDefaultBackend() {
		host, err := n8n.NormalizeHost(cfg.DefaultN8NHost)
		if err != nil {
			return nil, fmt.Errorf("N8N_DEFAULT_HOST: %w", err)
		}

		defaults = models.Credentials{Host: host, APIKey: cfg.DefaultN8NAPIKey}
	}

	if api == nil {
		api = n8n.NewClient(nil, cfg.BackendTimeout)
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	catalog, err := mcpserver.LoadCatalog()
	if err != nil {
		return nil, fmt.Errorf("loading tool catalog: %w", err)
	}

	app := &App{
		Store:         store.NewMemory(),
		Metrics:       m,
		sweepInterval: cfg.SweepInterval,
		logger:        logger,
	}

	// A typed nil *cache.Cache must not reach the dispatcher.
	var results mcpserver.ResultCache

	if cfg.CachePath != "" {
		c, err := cache.Open(cfg.CachePath, cfg.CacheTTL)
		if err != nil {
			return nil, err
		}

		app.Cache = c
		results = c
	}

	st := app.Store
	authLogger := logger.With(slog.String("service", "oauth"))
	mcpLogger := logger.With(slog.String("service", "mcp"))

	registry := auth.NewClientRegistry(st.Clients, auth.RegistryPolicy{
		AutoRegister: cfg.AutoRegisterClients,
		MaxClients:   cfg.MaxClients,
	}, authLogger)

	admin := auth.NewAdminAuthenticator(auth.AdminConfig{
		Username:     cfg.AdminUsername,
		Password:     cfg.AdminPassword,
		SessionTTL:   cfg.AdminSessionTTL,
		ProbeTimeout: cfg.BackendTimeout,
	}, st.AdminSessions, api, authLogger)

	issuer := auth.NewCodeIssuer(auth.IssuerConfig{
		ServerURL:   cfg.ServerURL,
		CodeTTL:     cfg.AuthCodeTTL,
		RequirePKCE: cfg.RequirePKCE,
	}, registry, admin, st.Codes, authLogger)

	tokens := auth.NewTokenService(auth.TokenPolicy{
		AccessTokenTTL:     cfg.AccessTokenTTL,
		StandaloneTokenTTL: cfg.StandaloneTokenTTL,
		Resource:           cfg.ServerURL,
	}, st.Codes, st.Tokens, authLogger)

	endpoints := auth.NewEndpoints(auth.EndpointsConfig{
		ServerURL:    cfg.ServerURL,
		CookieTTL:    cfg.AdminCookieTTL,
		SecureCookie: cfg.SecureCookies(),
	}, registry, admin, issuer, tokens, auth.NewCSRFGuard(st.CSRF), m, authLogger)

	resolver := session.NewResolver(session.ResolverConfig{
		Defaults:                 defaults,
		StandaloneAllowMutations: cfg.StandaloneAllowMutations,
	}, admin)

	dispatcher := mcpserver.NewDispatcher(mcpserver.DispatcherConfig{
		Name:                 ServerName,
		Version:              version,
		Instructions:         instructions,
		CompatPromptsAsTools: cfg.CompatPromptsAsTools,
	}, catalog, api, resolver, results, m, mcpLogger)

	mcpHandler := mcpserver.NewHandler(mcpserver.HandlerConfig{
		ServerURL:                     cfg.ServerURL,
		Version:                       version,
		HeartbeatInterval:             cfg.HeartbeatInterval,
		AllowUnauthenticatedDiscovery: cfg.AllowUnauthenticatedDiscovery,
	},
		session.NewGate(tokens, st.Sessions, admin),
		session.NewLinker(st.Sessions, admin, cfg.ProtocolSessionTTL, mcpLogger),
		dispatcher, m, mcpLogger)

	app.Handler = NewMux(MuxConfig{
		ServerURL:   cfg.ServerURL,
		Version:     version,
		Endpoints:   endpoints,
		MCPHandler:  mcpHandler,
		Store:       st,
		Metrics:     m,
		CORSOrigins: cfg.CORSAllowedOrigins,
		Logger:      logger,
	})

	logger.Info("gateway wired",
		slog.Bool("default_backend", defaults.Valid()),
		slog.Bool("cache", app.Cache != nil),
		slog.Bool("metrics", m != nil),
		slog.Bool("auto_register", cfg.AutoRegisterClients),
		slog.Bool("require_pkce", cfg.RequirePKCE),
	)

	return app, nil
}

// RunMaintenance sweeps expired records, and purges the result cache
// when one is open, until ctx is cancelled.
func (a *App) RunMaintenance(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	interval := a.sweepInterval

	g.Go(func() error {
		return a.Store.RunSweeper(gctx, interval, a.logger)
	})

	if a.Cache != nil {
		g.Go(func() error {
			return a.Cache.RunPurger(gctx, interval, a.logger)
		})
	}

	return g.Wait()
}

// Close releases the result cache.
func (a *App) Close() error {
	if a.Cache == nil {
		return nil
	}

	return a.Cache.Close()
}
