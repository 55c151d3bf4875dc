// Package app assembles agentgate from its configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"agentgate/internal/api"
	"agentgate/internal/approval"
	"agentgate/internal/audit"
	"agentgate/internal/auth"
	"agentgate/internal/budget"
	"agentgate/internal/config"
	"agentgate/internal/janitor"
	"agentgate/internal/mcp"
	"agentgate/internal/metrics"
	"agentgate/internal/provider"
	"agentgate/internal/resilience"
	"agentgate/internal/scheduler"
	"agentgate/internal/store"
	"agentgate/internal/stream"
	"agentgate/internal/telemetry"
)

type App struct {
	cfg config.Config
	log zerolog.Logger

	Store     store.Store
	Governor  *budget.Governor
	Scheduler *scheduler.Scheduler
	Gateway   *mcp.Server
	API       *api.Server
	Janitor   *janitor.Janitor

	closers []func()
	tracing telemetry.Shutdown
	handler http.Handler
}

// New connects every backend named by cfg. On error, whatever was already
// opened is closed.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.tracing, err = telemetry.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint, log)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	m := metrics.New()

	var pg *store.Postgres
	if cfg.Store.DSN != "" {
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pg, err = store.Open(openCtx, cfg.Store.DSN)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.Store = pg
	} else {
		a.Store = store.NewMemory()
	}
	a.closers = append(a.closers, a.Store.Close)

	ledger, err := a.openLedger(ctx, pg)
	if err != nil {
		return nil, err
	}
	a.Governor = budget.NewGovernor(ledger, budget.Options{Logger: log, Metrics: m})
	for _, l := range cfg.Budget.Limits {
		if err := a.Governor.SetLimit(ctx, l.OrgID, budget.Period(l.Period), l.Limit); err != nil {
			return nil, fmt.Errorf("budget limit for %s: %w", l.OrgID, err)
		}
	}

	providers, pricing, err := BuildProviders(cfg.Providers)
	if err != nil {
		return nil, err
	}
	layer := resilience.New(providers, resilience.Options{
		Policy: resilience.Policy{
			MaxAttempts:  cfg.Resilience.MaxAttempts,
			InitialDelay: cfg.Resilience.InitialDelay,
			MaxDelay:     cfg.Resilience.MaxDelay,
			Jitter:       cfg.Resilience.Jitter,
		},
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			Cooldown:         cfg.Resilience.Cooldown,
		},
		CallTimeout: cfg.Resilience.CallTimeout,
		Logger:      log,
		Metrics:     m,
	})

	streamOpts := stream.Options{Buffer: cfg.Stream.Buffer, Logger: log, Metrics: m}
	if cfg.Stream.NATSURL != "" {
		mirror, err := stream.ConnectNATS(cfg.Stream.NATSURL, log)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.closers = append(a.closers, mirror.Close)
		streamOpts.Mirror = mirror
	}
	hub := stream.NewHub(streamOpts)

	rec := audit.NewRecorder(a.Store, log)
	gate := approval.NewGate(a.Store, approval.Options{Audit: rec, Logger: log, Metrics: m})
	a.Scheduler = scheduler.New(scheduler.Deps{
		Runs:      a.Store,
		Providers: providers,
		Pricing:   pricing,
		Layer:     layer,
		Governor:  a.Governor,
		Gate:      gate,
		Audit:     rec,
		Hub:       hub,
	}, scheduler.Options{
		Workers:   cfg.Scheduler.Workers,
		QueueSize: cfg.Scheduler.QueueSize,
		Logger:    log,
		Metrics:   m,
	})

	resolver := BuildResolver(cfg.Gateway)
	if len(cfg.Gateway.APIKeys) == 0 && cfg.Gateway.JWTSecret == "" {
		log.Warn().Msg("no api keys or jwt secret configured; every request will be rejected")
	}

	registry, err := mcp.NewRegistry(mcp.DefaultTools(mcp.ToolDeps{Catalog: a.Store, Runs: a.Scheduler, Audit: rec})...)
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}
	a.Gateway = mcp.NewServer(mcp.ServerOptions{
		Registry:          registry,
		Sessions:          mcp.NewSessionStore(m, nil),
		Resolver:          resolver,
		Audit:             rec,
		ProtocolVersion:   cfg.Gateway.ProtocolVersion,
		SessionBudget:     cfg.Gateway.SessionBudget,
		RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
		Burst:             cfg.Gateway.Burst,
		Logger:            log,
		Metrics:           m,
	})

	a.API = api.New(api.Options{
		Scheduler: a.Scheduler,
		Gate:      gate,
		Governor:  a.Governor,
		Breakers:  layer.Breakers(),
		Audit:     rec,
		Hub:       hub,
		Resolver:  resolver,
		Logger:    log,
	})

	a.Janitor, err = janitor.New(a.Gateway, layer.Breakers(), a.Governor, janitor.Options{
		SessionTTL:      cfg.Gateway.SessionIdleTTL,
		BreakerIdle:     cfg.Resilience.BreakerIdleTTL,
		DailyRollover:   cfg.Budget.DailyRollover,
		MonthlyRollover: cfg.Budget.MonthlyRollover,
		Logger:          log,
	})
	if err != nil {
		return nil, fmt.Errorf("janitor: %w", err)
	}

	mux := http.NewServeMux()
	a.API.Routes(mux)
	mux.Handle("/mcp", a.Gateway)
	a.handler = mux
	return a, nil
}

func (a *App) openLedger(ctx context.Context, pg *store.Postgres) (budget.Ledger, error) {
	switch a.cfg.Budget.Backend {
	case "postgres":
		if pg == nil {
			return nil, errors.New("budget.backend=postgres requires store.dsn")
		}
		return budget.NewPostgresLedger(pg.Pool()), nil
	case "redis":
		l, err := budget.OpenRedisLedger(ctx, a.cfg.Budget.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = l.Close() })
		return l, nil
	default:
		return budget.NewMemoryLedger(), nil
	}
}

// Handler serves the HTTP API and the tool gateway on /mcp.
func (a *App) Handler() http.Handler { return a.handler }

// Run recovers runs left by a previous process, starts the workers and the
// janitor and serves HTTP until ctx ends, then drains in reverse order.
func (a *App) Run(ctx context.Context) error {
	if _, _, err := a.Scheduler.Recover(ctx); err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	a.Scheduler.Start(ctx)
	a.Janitor.Start()

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("http shutdown")
	}
	if err := a.Janitor.Stop(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("janitor stop")
	}
	if err := a.Scheduler.Stop(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("scheduler stop")
	}
	return serveErr
}

// Close releases backends. Safe to call more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.tracing != nil {
		if err := a.tracing(context.Background()); err != nil {
			a.log.Warn().Err(err).Msg("tracing shutdown")
		}
		a.tracing = nil
	}
}

// BuildProviders registers one adapter per configured provider and loads
// its model prices.
func BuildProviders(cfgs []config.ProviderConfig) (*provider.Registry, *provider.Pricing, error) {
	reg := provider.NewRegistry()
	pricing := provider.NewPricing()
	for _, pc := range cfgs {
		var a provider.Adapter
		switch pc.Kind {
		case "openai":
			a = provider.NewOpenAIAdapter(pc.ID, pc.APIKey, pc.BaseURL)
		case "anthropic":
			a = provider.NewAnthropicAdapter(pc.ID, pc.APIKey, pc.BaseURL)
		case "scripted":
			a = provider.NewScripted(pc.ID)
		default:
			return nil, nil, fmt.Errorf("provider %s: unknown kind %q", pc.ID, pc.Kind)
		}
		if err := reg.Register(a); err != nil {
			return nil, nil, err
		}
		for _, mp := range pc.Models {
			pricing.Set(pc.ID, mp.ID, provider.ModelPrice{
				InputPer1K:   mp.InputPer1K,
				OutputPer1K:  mp.OutputPer1K,
				StepEstimate: mp.StepEstimate,
			})
		}
	}
	return reg, pricing, nil
}

// BuildResolver accepts configured API keys first and signed tokens second.
func BuildResolver(gc config.GatewayConfig) auth.Chain {
	keys := make([]auth.StaticKey, 0, len(gc.APIKeys))
	for _, k := range gc.APIKeys {
		id := k.Principal
		if id == "" {
			id = k.OrgID
		}
		keys = append(keys, auth.StaticKey{Key: k.Key, Principal: auth.Principal{
			ID: id, OrgID: k.OrgID, Roles: k.Roles, Budget: k.Budget,
		}})
	}
	chain := auth.Chain{auth.NewStaticKeys(keys...)}
	if gc.JWTSecret != "" {
		chain = append(chain, auth.NewJWTVerifier(gc.JWTSecret))
	}
	return chain
}
