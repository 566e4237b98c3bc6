// Package proxy is the BeigeBox HTTP surface: an OpenAI-compatible
// chat-completion endpoint backed by the hybrid router and backend
// dispatcher, plus the operational and agent APIs.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RALaBarge/beigebox/pkg/backends"
	"github.com/RALaBarge/beigebox/pkg/config"
	"github.com/RALaBarge/beigebox/pkg/ensemble"
	"github.com/RALaBarge/beigebox/pkg/harness"
	"github.com/RALaBarge/beigebox/pkg/hooks"
	"github.com/RALaBarge/beigebox/pkg/operator"
	"github.com/RALaBarge/beigebox/pkg/replay"
	"github.com/RALaBarge/beigebox/pkg/routing"
	"github.com/RALaBarge/beigebox/pkg/store"
	"github.com/RALaBarge/beigebox/pkg/tools"
	"github.com/RALaBarge/beigebox/pkg/vector"
	"github.com/RALaBarge/beigebox/pkg/wirelog"
)

// forwarder is the dispatcher slice shared by proxy internals.
type forwarder interface {
	Forward(ctx context.Context, model string, body map[string]any) *backends.Response
}

// Proxy wires every subsystem behind one HTTP server.
type Proxy struct {
	cfg        *config.Config
	overlay    *config.Overlay
	dispatcher *backends.Dispatcher
	router     *routing.Router
	store      *store.Store
	index      *vector.Index
	wire       *wirelog.Logger
	hooks      *hooks.Pipeline
	registry   *tools.Registry
	shaper     *shaper
	recorder   *FlightRecorder
	harness    *harness.Harness
	ensemble   *ensemble.Ensemble
	operator   *operator.Operator
	replay     replay.Replay

	hookPlugins *hooks.PluginManager
	toolPlugins *tools.PluginManager
	mcpSources  []*tools.MCPSource

	srv *http.Server
}

// New assembles the proxy from a validated config. Optional subsystems
// (vector index, wire log, plugins) degrade to nil on failure; the
// message store and dispatcher are required.
func New(cfg *config.Config) (*Proxy, error) {
	dispatcher, err := backends.NewDispatcher(cfg.Backends)
	if err != nil {
		return nil, fmt.Errorf("failed to build dispatcher: %w", err)
	}

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}

	wire, err := wirelog.Open(cfg.WireLogPath)
	if err != nil {
		slog.Warn("Wire log unavailable", "path", cfg.WireLogPath, "error", err)
		wire = nil
	}

	embedder := vector.NewOllamaEmbedder(cfg.Embedding)
	var index *vector.Index
	if provider, err := vector.NewProvider(cfg.Vector); err != nil {
		slog.Warn("Vector index unavailable, semantic features disabled", "error", err)
	} else {
		index = vector.NewIndex(provider, embedder)
	}

	p := &Proxy{
		cfg:        cfg,
		overlay:    config.NewOverlay(cfg.OverlayPath),
		dispatcher: dispatcher,
		store:      st,
		index:      index,
		wire:       wire,
		recorder:   NewFlightRecorder(),
	}

	p.registry = tools.NewRegistry(tools.NewNotifier(cfg.Tools.WebhookURL))
	p.registry.Register(tools.EchoTool{})
	if index != nil {
		p.registry.Register(tools.NewMemoryTool(index))
	}
	if cfg.Tools.PluginsDir != "" {
		mgr, err := tools.LoadDir(cfg.Tools.PluginsDir, p.registry)
		if err != nil {
			slog.Warn("Tool plugin discovery failed", "dir", cfg.Tools.PluginsDir, "error", err)
		}
		p.toolPlugins = mgr
	}
	for _, mcpCfg := range cfg.Tools.MCPServers {
		src, err := tools.ConnectMCP(context.Background(), mcpCfg, p.registry)
		if err != nil {
			slog.Warn("MCP server unavailable", "server", mcpCfg.Name, "error", err)
			continue
		}
		p.mcpSources = append(p.mcpSources, src)
	}

	p.hooks = hooks.NewPipeline()
	for _, name := range cfg.Hooks.Builtin {
		if h, ok := hooks.NewBuiltin(name, cfg.Hooks); ok {
			p.hooks.Register(h)
		} else {
			slog.Warn("Unknown builtin hook", "hook", name)
		}
	}
	if cfg.Hooks.Dir != "" {
		loaded, mgr, err := hooks.LoadDir(cfg.Hooks.Dir)
		if err != nil {
			slog.Warn("Hook plugin discovery failed", "dir", cfg.Hooks.Dir, "error", err)
		}
		for _, h := range loaded {
			p.hooks.Register(h)
		}
		p.hookPlugins = mgr
	}

	p.router = routing.NewRouter(cfg, dispatcher, embedder, wire, p.registry.Names)
	p.shaper = newShaper(cfg, p.overlay, dispatcher)

	driver := cfg.Harness.DriverModel
	if driver == "" {
		driver = cfg.DefaultModel()
	}
	p.operator = operator.New(dispatcher, p.registry, driver, 0)
	p.ensemble = ensemble.New(dispatcher, driver)
	p.harness = harness.New(cfg.Harness, dispatcher, &loopbackRunner{port: cfg.Server.Port}, st)
	p.replay = replay.New(st, cfg.WireLogPath, index)

	return p, nil
}

// Routes builds the chi handler tree.
func (p *Proxy) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/v1/chat/completions", p.handleChatCompletions)
	r.Get("/v1/models", p.handleModels)

	r.Get("/health", p.handleHealth)
	r.Get("/stats", p.handleStats)
	r.Get("/search", p.handleSearch)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/config", p.handleConfigGet)
		r.Post("/config", p.handleConfigSet)
		r.Post("/web-ui/toggle-vi-mode", p.handleToggleViMode)
		r.Post("/harness", p.handleHarness)
		r.Post("/ensemble", p.handleEnsemble)
		r.Post("/operator", p.handleOperator)
		r.Get("/replay/{conversationID}", p.handleReplay)
		r.Get("/semantic-map", p.handleSemanticMap)
	})

	return r
}

// Start serves until the context is canceled, then shuts down cleanly.
func (p *Proxy) Start(ctx context.Context) error {
	p.srv = &http.Server{
		Addr:              p.cfg.Server.Address(),
		Handler:           p.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		preloadCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		p.dispatcher.PreloadAll(preloadCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("BeigeBox listening", "addr", p.srv.Addr)
		errCh <- p.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := p.srv.Shutdown(shutdownCtx)
		p.Close()
		return err
	}
}

// Close releases every subsystem.
func (p *Proxy) Close() {
	p.router.Close()
	if p.wire != nil {
		if err := p.wire.Close(); err != nil {
			slog.Warn("Wire log close failed", "error", err)
		}
	}
	if p.index != nil {
		if err := p.index.Close(); err != nil {
			slog.Warn("Vector index close failed", "error", err)
		}
	}
	if err := p.store.Close(); err != nil {
		slog.Warn("Store close failed", "error", err)
	}
	if p.hookPlugins != nil {
		p.hookPlugins.Close()
	}
	if p.toolPlugins != nil {
		p.toolPlugins.Close()
	}
	for _, src := range p.mcpSources {
		src.Close()
	}
}
