// Package engine assembles the runtime: storage, bus, registry, tool
// runtime, LLM providers, coordinators, and the router, plus the metrics
// endpoint and the periodic status heartbeat. One Runtime per process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/hive/internal/bus"
	"github.com/haasonsaas/hive/internal/config"
	"github.com/haasonsaas/hive/internal/delegate"
	"github.com/haasonsaas/hive/internal/llm"
	"github.com/haasonsaas/hive/internal/observability"
	"github.com/haasonsaas/hive/internal/phase"
	"github.com/haasonsaas/hive/internal/ral"
	"github.com/haasonsaas/hive/internal/registry"
	"github.com/haasonsaas/hive/internal/router"
	"github.com/haasonsaas/hive/internal/store"
	"github.com/haasonsaas/hive/internal/toolrt"
	"github.com/haasonsaas/hive/pkg/models"
)

// Runtime owns every engine subsystem and their shutdown order.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics  *observability.Metrics
	registry prometheus.Gatherer

	store       store.Store
	bus         bus.Bus
	agents      *registry.Registry
	phases      *phase.Machine
	tools       *toolrt.Runtime
	delegations *delegate.Coordinator
	coordinator *ral.Coordinator
	runner      *ral.Runner
	router      *router.Router

	cron       *cron.Cron
	metricsSrv *http.Server
}

// New wires a runtime from cfg. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	logger := observability.NewLogger(cfg.Log)

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	st, err := store.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	eventBus, err := bus.NewRelayPool(ctx, bus.RelayPoolConfig{
		Relays: cfg.Relays,
		Seen:   st,
		Logger: logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("engine: connect bus: %w", err)
	}

	agents := registry.New(registry.Config{
		Dir:                  cfg.AgentsDir,
		HomeBase:             cfg.HomeBasePath,
		ToolDeniesByCategory: cfg.ToolDeniesByCategory,
		Logger:               logger,
	})

	phases := phase.NewMachine(st, logger)

	tools := toolrt.New(logger, metrics)
	toolrt.RegisterBuiltins(tools)

	providers, err := buildProviders(cfg)
	if err != nil {
		eventBus.Close()
		st.Close()
		return nil, err
	}
	llmRouter := llm.NewRouter(providers, cfg.LLM.Defaults, cfg.LLM.Fallback)

	delegations := delegate.NewCoordinator(eventBus, st, agents, logger, metrics)
	coordinator := ral.NewCoordinator()

	runner, err := ral.NewRunner(ral.Config{
		Bus:          eventBus,
		Store:        st,
		Registry:     agents,
		Phases:       phases,
		Tools:        tools,
		Delegations:  delegations,
		LLM:          llmRouter,
		Coordinator:  coordinator,
		Logger:       logger,
		Metrics:      metrics,
		GlobalPrompt: cfg.GlobalPrompt,
		Debug:        cfg.Debug,
		WorkBase:     cfg.WorkBasePath,
	})
	if err != nil {
		eventBus.Close()
		st.Close()
		return nil, err
	}

	rt := &Runtime{
		cfg:         cfg,
		logger:      logger.With("component", "engine"),
		metrics:     metrics,
		registry:    promReg,
		store:       st,
		bus:         eventBus,
		agents:      agents,
		phases:      phases,
		tools:       tools,
		delegations: delegations,
		coordinator: coordinator,
		runner:      runner,
	}
	tools.OnStatus = rt.publishToolStatus

	rt.router, err = router.New(router.Config{
		Bus:         eventBus,
		Store:       st,
		Registry:    agents,
		Phases:      phases,
		Delegations: delegations,
		Coordinator: coordinator,
		Runner:      runner,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		eventBus.Close()
		st.Close()
		return nil, err
	}
	return rt, nil
}

func buildProviders(cfg *config.Config) ([]llm.Service, error) {
	var providers []llm.Service
	if cfg.LLM.Anthropic.APIKey != "" {
		p, err := llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:       cfg.LLM.Anthropic.APIKey,
			BaseURL:      cfg.LLM.Anthropic.BaseURL,
			DefaultModel: cfg.LLM.Anthropic.Model,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if cfg.LLM.OpenAI.APIKey != "" {
		p, err := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:       cfg.LLM.OpenAI.APIKey,
			BaseURL:      cfg.LLM.OpenAI.BaseURL,
			DefaultModel: cfg.LLM.OpenAI.Model,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, errors.New("engine: no LLM providers available")
	}
	return providers, nil
}

// Run loads agents and drives the router until ctx is cancelled, then
// shuts everything down in order.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.agents.Load(ctx); err != nil {
		return err
	}
	go func() {
		if err := rt.agents.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Warn("agent watcher stopped", "error", err)
		}
	}()

	rt.startHeartbeat(ctx)
	rt.startMetrics()

	rt.logger.Info("engine running",
		"relays", len(rt.cfg.Relays),
		"agents", len(rt.agents.All()))

	err := rt.router.Run(ctx)

	rt.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startHeartbeat publishes a periodic agent-alive status event per agent.
func (rt *Runtime) startHeartbeat(ctx context.Context) {
	c := cron.New()
	_, err := c.AddFunc(rt.cfg.StatusSchedule, func() {
		for _, agent := range rt.agents.All() {
			ev := &nostr.Event{
				Kind:      models.KindAgentStatus,
				CreatedAt: nostr.Now(),
				Content:   "alive",
				Tags:      nostr.Tags{{"slug", agent.Slug}},
			}
			if err := agent.Sign(ev); err != nil {
				rt.logger.Error("signing status event", "agent", agent.Slug, "error", err)
				continue
			}
			if err := rt.bus.Publish(ctx, ev); err != nil {
				rt.logger.Warn("publishing status event", "agent", agent.Slug, "error", err)
			}
		}
	})
	if err != nil {
		rt.logger.Warn("invalid status schedule", "schedule", rt.cfg.StatusSchedule, "error", err)
		return
	}
	c.Start()
	rt.cron = c
}

func (rt *Runtime) startMetrics() {
	if !rt.cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	rt.metricsSrv = &http.Server{Addr: rt.cfg.Metrics.Listen, Handler: mux}
	go func() {
		if err := rt.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("metrics server", "error", err)
		}
	}()
	rt.logger.Info("metrics listening", "addr", rt.cfg.Metrics.Listen)
}

// publishToolStatus emits the tool-status telemetry event for one call.
func (rt *Runtime) publishToolStatus(ctx context.Context, ec *toolrt.ExecContext, toolName, status string, d time.Duration) {
	ev := &nostr.Event{
		Kind:      models.KindToolStatus,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{models.TagConversation, ec.ConversationID},
			{models.TagTool, toolName},
			{models.TagToolStatus, status},
			{models.TagToolDuration, fmt.Sprint(d.Milliseconds())},
		},
	}
	if err := ec.Agent.Sign(ev); err != nil {
		rt.logger.Error("signing tool status", "error", err)
		return
	}
	if err := rt.bus.Publish(ctx, ev); err != nil {
		rt.logger.Debug("publishing tool status", "error", err)
	}
}

// shutdown stops subsystems in dependency order: heartbeat, metrics, bus,
// then storage.
func (rt *Runtime) shutdown() {
	rt.logger.Info("engine shutting down")
	if rt.cron != nil {
		<-rt.cron.Stop().Done()
	}
	if rt.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := rt.bus.Close(); err != nil {
		rt.logger.Warn("closing bus", "error", err)
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("closing store", "error", err)
	}
}
