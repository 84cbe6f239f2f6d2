// Package gateway assembles the routing engine from configuration: key pools,
// circuit breakers, the category router, protocol handlers and the pipeline
// executor, plus the background health loops that keep them current.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/config"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/diag"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/keypool"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/pipeline"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/protocols"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/routing"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/transform"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/upstream"
)

const (
	healthCheckInterval = 30 * time.Second
	monitorInterval     = 60 * time.Second
)

// Result pairs the routing decision with the pipeline outcome so callers can
// log and shape the client response from one value.
type Result struct {
	Decision  *routing.Decision
	Provider  string
	Execution *pipeline.ExecutionResult
}

// Gateway is the composed engine behind the HTTP surface.
type Gateway struct {
	cfg      *config.Config
	logger   *slog.Logger
	sink     diag.Sink
	registry *protocols.Registry
	router   *routing.Router
	pools    map[string]*keypool.Pool
	breakers map[string]*routing.Breaker
	executor *pipeline.Executor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the full engine from a validated config.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sink := diag.NewSlogSink(logger)

	registry := protocols.NewRegistry()
	registry.Initialize(transform.NewEngine(sink))

	invoker := upstream.NewClient()
	executor := pipeline.NewExecutor()

	pools := make(map[string]*keypool.Pool, len(cfg.Providers))
	breakers := make(map[string]*routing.Breaker, len(cfg.Providers))

	for i := range cfg.Providers {
		p := &cfg.Providers[i]

		pool, err := keypool.New(keypool.Config{
			Provider:               p.Name,
			Keys:                   p.APIKeys,
			HealthURL:              p.HealthURL,
			Strategy:               p.KeyStrategy,
			MaxConsecutiveFailures: p.MaxConsecutiveFailures,
			RateLimitCooldown:      time.Duration(p.RateLimitCooldownSecs) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.Name, err)
		}
		pools[p.Name] = pool
		breakers[p.Name] = routing.NewBreaker(p.Name, cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout())

		handler, err := registry.Resolve(p.Protocol, "")
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.Name, err)
		}

		models := p.Models
		if len(models) == 0 {
			models = []string{""}
		}
		for _, model := range models {
			pipe := pipeline.New(pipeline.Config{
				ID:       pipelineID(p.Name, model),
				Provider: p.Name,
				Protocol: p.Protocol,
				Model:    model,
				Endpoint: p.Endpoint,
				Timeout:  p.Timeout(),
			}, handler, invoker)
			if err := executor.Add(pipe); err != nil {
				return nil, fmt.Errorf("provider %q: %w", p.Name, err)
			}
		}
	}

	router := routing.NewRouter(routerConfig(cfg), pools, breakers, sink)

	return &Gateway{
		cfg:      cfg,
		logger:   logger,
		sink:     sink,
		registry: registry,
		router:   router,
		pools:    pools,
		breakers: breakers,
		executor: executor,
	}, nil
}

func pipelineID(provider, model string) string {
	if model == "" {
		return provider
	}
	return provider + "." + model
}

func routerConfig(cfg *config.Config) routing.Config {
	categories := make(map[string]routing.CategoryConfig, len(cfg.Router.Categories))
	for name, cat := range cfg.Router.Categories {
		refs := make([]routing.ProviderRef, len(cat.Providers))
		for i, ref := range cat.Providers {
			refs[i] = routing.ProviderRef{Provider: ref.Provider, Model: ref.Model, Weight: ref.Weight}
		}
		categories[name] = routing.CategoryConfig{
			Providers:       refs,
			Strategy:        cat.Strategy,
			FallbackEnabled: cat.Fallback,
		}
	}
	return routing.Config{
		Categories:           categories,
		ModelMappings:        cfg.Router.ModelMappings,
		LongContextThreshold: cfg.Router.LongContextThreshold,
		SearchKeywords:       cfg.Router.SearchKeywords,
	}
}

func (g *Gateway) Router() *routing.Router      { return g.router }
func (g *Gateway) Executor() *pipeline.Executor { return g.executor }
func (g *Gateway) Config() *config.Config       { return g.cfg }

// Process routes one canonical request and drives it through a pipeline,
// trying the routed provider first and then each backup in preference order.
// Per-call outcomes feed the key pool and the circuit breaker of the provider
// that served the attempt.
func (g *Gateway) Process(ctx context.Context, req *canonical.Request) (*Result, error) {
	decision, err := g.router.Route(req)
	if err != nil {
		return nil, err
	}

	attempts := []routing.Backup{{Provider: decision.ProviderID, Model: decision.TargetModel}}
	attempts = append(attempts, decision.Backups...)

	var lastErr error
	for i, attempt := range attempts {
		if i > 0 {
			g.logger.Warn("Retrying on backup provider",
				"request_id", req.ID,
				"provider", attempt.Provider,
				"attempt", i+1,
			)
		}

		result, err := g.attempt(ctx, req, attempt.Provider, attempt.Model)
		if err == nil {
			return &Result{Decision: decision, Provider: attempt.Provider, Execution: result}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return nil, lastErr
}

func (g *Gateway) attempt(ctx context.Context, req *canonical.Request, provider, model string) (*pipeline.ExecutionResult, error) {
	pool, ok := g.pools[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", provider)
	}

	sel, err := pool.GetAvailableInstance()
	if err != nil {
		g.sink.HandleError(err)
		return nil, err
	}

	pipe, err := g.pipelineFor(provider, model)
	if err != nil {
		return nil, err
	}

	// Claim passage through the breaker last, so a claimed half-open trial is
	// always followed by a provider call whose outcome resolves it.
	if br := g.breakers[provider]; br != nil && !br.Allow() {
		err := br.OpenError()
		g.sink.HandleError(err)
		return nil, err
	}

	pool.Acquire()
	start := time.Now()
	result, err := g.executor.Run(ctx, pipe, req, model, sel.APIKey)
	elapsed := time.Since(start)
	pool.Release()

	if err != nil {
		// Only failures of the provider call itself feed the pool and the
		// breaker; a transform failure says nothing about provider health.
		if isProviderFailure(err) {
			pool.RecordFailure(sel.InstanceID, err)
			g.router.ReportProviderFailure(provider)
		}
		g.logger.Error("Provider call failed",
			"request_id", req.ID,
			"provider", provider,
			"instance", sel.InstanceID,
			"error", err,
		)
		return nil, err
	}

	pool.RecordSuccess(sel.InstanceID, elapsed)
	g.router.ReportProviderSuccess(provider)
	return result, nil
}

// isProviderFailure reports whether the error came out of the provider call
// rather than a local transform stage.
func isProviderFailure(err error) bool {
	var (
		rateLimit *upstream.RateLimitedError
		timeout   *upstream.TimeoutError
		call      *upstream.ProviderCallError
	)
	return errors.As(err, &rateLimit) || errors.As(err, &timeout) || errors.As(err, &call)
}

// pipelineFor picks the provider's pipeline that best fits the target model:
// an exact model binding wins, then the unbound catch-all, then any healthy
// pipeline.
func (g *Gateway) pipelineFor(provider, model string) (*pipeline.Pipeline, error) {
	candidates := g.executor.PipelinesFor(provider)

	var catchAll, anyHealthy *pipeline.Pipeline
	for _, p := range candidates {
		if !p.Healthy() {
			continue
		}
		switch {
		case p.Model() == model:
			return p, nil
		case p.Model() == "" && catchAll == nil:
			catchAll = p
		case anyHealthy == nil:
			anyHealthy = p
		}
	}
	if catchAll != nil {
		return catchAll, nil
	}
	if anyHealthy != nil {
		return anyHealthy, nil
	}
	return nil, &pipeline.NoPipelineFoundError{Protocol: provider, Model: model}
}

// Start launches the background health-check and monitor loops.
func (g *Gateway) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	g.cancel = cancel

	g.wg.Add(2)
	go g.healthLoop(ctx)
	go g.monitorLoop(ctx)
}

// Stop cancels the background loops and shuts the pipelines down.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	g.executor.Shutdown()
}

func (g *Gateway) healthLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, pool := range g.pools {
				// nil prober: the pool builds one from its configured
				// health URL, or skips the pass when there is none.
				pool.PerformHealthChecks(ctx, nil)
				g.logger.Debug("Health check pass complete", "provider", name)
			}
		}
	}
}

// monitorLoop periodically logs pool and pipeline stats so operators can see
// key rotation and breaker behavior without scraping anything.
func (g *Gateway) monitorLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, pool := range g.pools {
				healthy := 0
				stats := pool.Stats()
				for _, s := range stats {
					if s.Healthy {
						healthy++
					}
				}
				g.logger.Info("Provider pool status",
					"provider", name,
					"instances", len(stats),
					"healthy", healthy,
					"in_flight", pool.InFlight(),
					"breaker_open", g.breakers[name].IsOpen(),
				)
			}
		}
	}
}
