package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/deskpilot/internal/agent"
	"github.com/nugget/deskpilot/internal/airtable"
	"github.com/nugget/deskpilot/internal/checkpoint"
	"github.com/nugget/deskpilot/internal/config"
	"github.com/nugget/deskpilot/internal/connwatch"
	"github.com/nugget/deskpilot/internal/events"
	"github.com/nugget/deskpilot/internal/fetch"
	"github.com/nugget/deskpilot/internal/httpkit"
	"github.com/nugget/deskpilot/internal/llm"
	"github.com/nugget/deskpilot/internal/search"
	"github.com/nugget/deskpilot/internal/session"
	"github.com/nugget/deskpilot/internal/tools"
)

// app holds the long-lived components shared by serve and ask.
type app struct {
	loop    *agent.Loop
	store   session.Store
	staging *checkpoint.Store
	bus     *events.Bus
	webhook *http.Client
}

// Close releases the stores.
func (a *app) Close() {
	if a.staging != nil {
		a.staging.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// buildApp wires the model client, session store, base tools, and
// agent loop from cfg. With review set, runs whose tool calls match
// agent.require_review are staged for approval.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, review bool) (*app, error) {
	client, err := createLLMClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := session.Open(cfg.Session.Backend, cfg.Session.Path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	logger.Info("session store ready", "backend", cfg.Session.Backend)

	base, err := buildTools(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	logger.Info("base tools registered", "tools", base.Names())

	executor := &tools.Executor{
		MaxConcurrency: cfg.Agent.ToolConcurrency,
		Dedup:          cfg.Agent.Dedup(),
		Logger:         logger,
	}

	policy := agent.ToolFailuresFatal
	if cfg.Agent.ToolFailures == string(agent.ToolFailuresFeedback) {
		policy = agent.ToolFailuresFeedback
	}

	a := &app{
		store:   store,
		bus:     events.New(),
		webhook: httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithLogger(logger)),
	}

	loopCfg := agent.Config{
		SystemPrompt:  cfg.Agent.SystemPrompt,
		Model:         cfg.Models.Default,
		MaxIterations: cfg.Agent.MaxIterations,
		ToolFailures:  policy,
	}
	if review && len(cfg.Agent.RequireReview) > 0 {
		staging, err := openStaging(cfg.Staging, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.staging = staging
		loopCfg.Review = agent.PatternReview(cfg.Agent.RequireReview)
		logger.Info("tool review enabled", "patterns", cfg.Agent.RequireReview, "staging", cfg.Staging.Path)
	}

	a.loop = agent.NewLoop(logger, client, store, base, executor, loopCfg)
	a.loop.SetEventBus(a.bus)
	if a.staging != nil {
		a.loop.SetStaging(a.staging)
	}
	return a, nil
}

// openStaging opens the staged-run store and prunes runs older than the
// configured retention.
func openStaging(cfg config.StagingConfig, logger *slog.Logger) (*checkpoint.Store, error) {
	staging, err := checkpoint.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open staging store: %w", err)
	}
	if cfg.Retention > 0 {
		n, err := staging.Prune(cfg.Retention)
		if err != nil {
			logger.Warn("staging prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned expired staged runs", "count", n)
		}
	}
	return staging, nil
}

// createLLMClient builds the provider router. The first configured of
// openai, ollama, gemini is the fallback for models not listed under
// models.available. The router is wrapped with retry and rate limiting.
func createLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	providers := make(map[string]llm.Client)
	var order []string

	if cfg.Models.OpenAI.Configured() {
		providers["openai"] = llm.NewOpenAIClient(cfg.Models.OpenAI.APIKey, cfg.Models.OpenAI.BaseURL, cfg.Models.Temperature, logger)
		order = append(order, "openai")
	}
	if cfg.Models.Ollama.Configured() {
		c, err := llm.NewOllamaClient(cfg.Models.Ollama.URL, cfg.Models.Temperature, logger)
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
		providers["ollama"] = c
		order = append(order, "ollama")
	}
	if cfg.Models.Gemini.Configured() {
		c, err := llm.NewGeminiClient(ctx, cfg.Models.Gemini.APIKey, cfg.Models.Temperature, logger)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		providers["gemini"] = c
		order = append(order, "gemini")
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("no model provider configured (set models.openai, models.ollama, or models.gemini)")
	}

	multi := llm.NewMultiClient(providers[order[0]])
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		if _, ok := providers[m.Provider]; !ok {
			logger.Warn("model provider not configured", "model", m.Name, "provider", m.Provider)
			continue
		}
		multi.AddModel(m.Name, m.Provider)
	}
	logger.Info("model providers ready", "providers", multi.Providers(), "fallback", order[0])

	opts := []llm.RetryOption{
		llm.WithAttempts(cfg.Models.Retry.Attempts),
		llm.WithBackoff(cfg.Models.Retry.Backoff),
		llm.WithRetryLogger(logger),
	}
	if cfg.Models.RateLimit > 0 {
		burst := int(cfg.Models.RateLimit)
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, llm.WithRateLimit(cfg.Models.RateLimit, burst))
	}
	return llm.NewRetryClient(multi, opts...), nil
}

// buildTools registers the tools available to every run.
func buildTools(cfg *config.Config, logger *slog.Logger) (*tools.Registry, error) {
	reg, err := tools.NewRegistry(tools.WeatherTool())
	if err != nil {
		return nil, err
	}

	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(30*time.Second),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	)

	mgr := search.NewManager(cfg.Search.Default)
	if cfg.Search.Tavily.Configured() {
		mgr.Register(search.NewTavily(cfg.Search.Tavily.APIKey, cfg.Search.Tavily.MaxResults, httpClient))
	}
	if cfg.Search.Brave.Configured() {
		mgr.Register(search.NewBrave(cfg.Search.Brave.APIKey, httpClient))
	}
	if mgr.Configured() {
		if err := reg.Register(search.Tool(mgr)); err != nil {
			return nil, err
		}
	}

	if cfg.Fetch.Enabled {
		if err := reg.Register(fetch.Tool(fetch.New(httpClient, cfg.Fetch.MaxChars))); err != nil {
			return nil, err
		}
	}

	if cfg.Airtable.Configured() {
		at := airtable.NewClient(cfg.Airtable.BaseURL, cfg.Airtable.APIKey, cfg.Airtable.BaseID, logger)
		for _, t := range airtable.Tools(at) {
			if err := reg.Register(t); err != nil {
				return nil, err
			}
		}
	}

	return reg, nil
}

// pinger is implemented by the SQLite-backed stores.
type pinger interface {
	Ping(ctx context.Context) error
}

// watchDependencies starts health watchers for the local model server
// and the SQLite stores. Cloud model providers are not probed.
func watchDependencies(ctx context.Context, mgr *connwatch.Manager, cfg *config.Config, a *app) error {
	schedule := connwatch.DefaultSchedule()

	if cfg.Models.Ollama.Configured() {
		probe := connwatch.HTTPProbe(httpkit.NewClient(httpkit.WithTimeout(schedule.ProbeTimeout)), cfg.Models.Ollama.URL)
		if _, err := mgr.Watch(ctx, "ollama", probe, schedule); err != nil {
			return err
		}
	}
	if p, ok := a.store.(pinger); ok {
		if _, err := mgr.Watch(ctx, "session_store", p.Ping, schedule); err != nil {
			return err
		}
	}
	if a.staging != nil {
		if _, err := mgr.Watch(ctx, "staging_store", a.staging.Ping, schedule); err != nil {
			return err
		}
	}
	return nil
}
