// Package router binds incoming events to conversations, resolves target
// agents, and spawns or resumes reasoning loops. One router per process;
// it owns the subscription drain.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/haasonsaas/hive/internal/bus"
	"github.com/haasonsaas/hive/internal/delegate"
	"github.com/haasonsaas/hive/internal/observability"
	"github.com/haasonsaas/hive/internal/phase"
	"github.com/haasonsaas/hive/internal/ral"
	"github.com/haasonsaas/hive/internal/registry"
	"github.com/haasonsaas/hive/internal/store"
	"github.com/haasonsaas/hive/pkg/models"
)

// preemptWait bounds how long a preempting spawn waits for the cancelled
// loop to vacate its slot.
const preemptWait = 5 * time.Second

// Config wires a Router.
type Config struct {
	Bus         bus.Bus
	Store       store.Store
	Registry    *registry.Registry
	Phases      *phase.Machine
	Delegations *delegate.Coordinator
	Coordinator *ral.Coordinator
	Runner      *ral.Runner

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Router is the event dispatch core.
type Router struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	orphans map[string][]*nostr.Event // parent event id -> waiting children
}

// New creates a router.
func New(cfg Config) (*Router, error) {
	if cfg.Bus == nil || cfg.Store == nil || cfg.Registry == nil ||
		cfg.Runner == nil || cfg.Coordinator == nil || cfg.Delegations == nil || cfg.Phases == nil {
		return nil, errors.New("router: incomplete config")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "router"),
		orphans: make(map[string][]*nostr.Event),
	}, nil
}

// Run subscribes to the engine's event kinds and routes until ctx ends.
func (r *Router) Run(ctx context.Context) error {
	filters := nostr.Filters{{
		Kinds: []int{
			models.KindConversationNote,
			models.KindMetadata,
			models.KindLesson,
			models.KindAgentDef,
			models.KindProjectDef,
		},
	}}
	events, err := r.cfg.Bus.Subscribe(ctx, filters)
	if err != nil {
		return err
	}
	for ev := range events {
		if err := r.Route(ctx, ev); err != nil {
			r.logger.Error("routing event", "event", ev.ID, "error", err)
		}
	}
	return ctx.Err()
}

// Route processes one incoming event end to end.
func (r *Router) Route(ctx context.Context, ev *nostr.Event) error {
	// Partial streaming events are telemetry, never history.
	if models.TagValue(ev, ral.TagStreaming) != "" {
		return nil
	}

	seen, err := r.cfg.Bus.HasSeen(ctx, ev.ID)
	if err != nil {
		return err
	}
	if seen {
		r.count("duplicate")
		return nil
	}

	if ev.Kind == models.KindAgentDef {
		r.count("routed")
		r.handleAgentDef(ev)
		return r.cfg.Bus.MarkSeen(ctx, ev.ID)
	}

	// Delegation replies wake their parent through the coordinator; they
	// must not also fan out to targets.
	if r.cfg.Delegations.HandleEvent(ctx, ev) {
		r.count("routed")
		return r.cfg.Bus.MarkSeen(ctx, ev.ID)
	}

	convID, orphaned, err := r.bindConversation(ctx, ev)
	if err != nil {
		return err
	}
	if orphaned {
		// Held events stay unseen so the re-entrant Route after the parent
		// arrives passes the dedup check.
		r.count("orphan")
		return nil
	}

	if _, err := r.cfg.Store.LoadOrCreate(ctx, convID); err != nil {
		return err
	}
	if err := r.cfg.Store.AppendEvent(ctx, convID, ev); err != nil {
		return err
	}
	if err := r.cfg.Bus.MarkSeen(ctx, ev.ID); err != nil {
		return err
	}
	r.count("routed")

	r.applyMetadata(ctx, convID, ev)
	r.applyPhaseTag(ctx, convID, ev)
	r.dispatch(ctx, convID, ev)

	// Children that arrived before this event can route now.
	for _, child := range r.takeOrphans(ev.ID) {
		if err := r.Route(ctx, child); err != nil {
			r.logger.Error("routing orphan", "event", child.ID, "error", err)
		}
	}
	return nil
}

// bindConversation resolves which conversation ev belongs to. An event
// whose parent is unknown is held until the parent arrives; an event with
// no parent at all becomes a new root.
func (r *Router) bindConversation(ctx context.Context, ev *nostr.Event) (string, bool, error) {
	if root := models.RootEventID(ev); root != "" {
		return root, false, nil
	}

	parent := models.ParentEventID(ev)
	if parent == "" {
		return ev.ID, false, nil // new root
	}

	convID, err := r.cfg.Store.FindConversationByEvent(ctx, parent)
	if err == nil {
		return convID, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", false, err
	}

	r.mu.Lock()
	for _, held := range r.orphans[parent] {
		if held.ID == ev.ID {
			r.mu.Unlock()
			return "", true, nil
		}
	}
	r.orphans[parent] = append(r.orphans[parent], ev)
	r.mu.Unlock()
	r.logger.Debug("holding orphan event", "event", ev.ID, "parent", parent)
	return "", true, nil
}

func (r *Router) takeOrphans(parentID string) []*nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	children := r.orphans[parentID]
	delete(r.orphans, parentID)
	return children
}

// dispatch resolves target agents and spawns or resumes their loops.
func (r *Router) dispatch(ctx context.Context, convID string, ev *nostr.Event) {
	var targets []*registry.Agent
	for _, pk := range models.PTags(ev) {
		if agent, ok := r.cfg.Registry.ByPubkey(pk); ok {
			targets = append(targets, agent)
		}
	}

	authorIsAgent := r.cfg.Registry.IsAgent(ev.PubKey)
	if len(targets) == 0 {
		if authorIsAgent {
			return // agent output addressed to no agent needs no loop
		}
		if orch, ok := r.cfg.Registry.Orchestrator(); ok {
			targets = append(targets, orch)
		} else {
			r.logger.Warn("no target for event and no orchestrator", "event", ev.ID)
			return
		}
	}

	for _, agent := range targets {
		if agent.Pubkey == ev.PubKey {
			continue // never route an agent's event back to itself
		}
		r.deliver(ctx, convID, agent, ev)
	}
}

// deliver hands ev to the agent's live loop or spawns one. Orchestrators
// preempt their running loop so coordination reflects the latest input;
// everyone else resumes.
func (r *Router) deliver(ctx context.Context, convID string, agent *registry.Agent, ev *nostr.Event) {
	live, ok := r.cfg.Coordinator.LiveFor(convID, agent.Slug)
	if ok {
		if agent.RoleOrDefault() == models.RoleOrchestrator {
			live.Cancel()
			go r.spawnAfterPreempt(ctx, convID, agent, ev)
			return
		}
		if live.Resume(ev) {
			r.logger.Debug("resumed loop", "agent", agent.Slug, "loop", live.Number, "event", ev.ID)
			return
		}
		// The loop terminated between lookup and delivery; fall through.
	}
	if _, err := r.cfg.Runner.Spawn(ctx, agent, convID, ev); err != nil {
		r.logger.Error("spawning loop", "agent", agent.Slug, "error", err)
	}
}

// spawnAfterPreempt waits for the cancelled loop to release its slot.
func (r *Router) spawnAfterPreempt(ctx context.Context, convID string, agent *registry.Agent, ev *nostr.Event) {
	deadline := time.Now().Add(preemptWait)
	for time.Now().Before(deadline) {
		if _, live := r.cfg.Coordinator.LiveFor(convID, agent.Slug); !live {
			if _, err := r.cfg.Runner.Spawn(ctx, agent, convID, ev); err != nil {
				r.logger.Error("spawning after preempt", "agent", agent.Slug, "error", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	r.logger.Warn("preempted loop did not stop in time", "agent", agent.Slug, "conversation", convID)
}

// applyMetadata picks up conversation titles from metadata events.
func (r *Router) applyMetadata(ctx context.Context, convID string, ev *nostr.Event) {
	if ev.Kind != models.KindMetadata {
		return
	}
	if title := models.TagValue(ev, models.TagTitle); title != "" {
		if err := r.cfg.Store.SetTitle(ctx, convID, title); err != nil {
			r.logger.Error("setting title", "error", err)
		}
	}
}

// applyPhaseTag applies a phase tag carried on an agent-authored event.
// Invalid transitions are logged and dropped; routing continues.
func (r *Router) applyPhaseTag(ctx context.Context, convID string, ev *nostr.Event) {
	name := models.TagValue(ev, models.TagPhase)
	if name == "" {
		return
	}
	agent, ok := r.cfg.Registry.ByPubkey(ev.PubKey)
	if !ok {
		return
	}
	if _, err := r.cfg.Phases.Transition(ctx, convID, name, agent.RoleOrDefault(), agent.Pubkey, ev.Content); err != nil {
		var invalid *phase.InvalidTransitionError
		if errors.As(err, &invalid) {
			r.logger.Debug("phase tag rejected", "event", ev.ID, "error", invalid)
			return
		}
		r.logger.Error("applying phase tag", "error", err)
	}
}

// handleAgentDef applies an agent-definition control event. An existing
// slug keeps its signer; a new slug gets a fresh one.
func (r *Router) handleAgentDef(ev *nostr.Event) {
	var def registry.Definition
	if err := json.Unmarshal([]byte(ev.Content), &def); err != nil {
		r.logger.Warn("invalid agent definition event", "event", ev.ID, "error", err)
		return
	}
	if def.Slug == "" {
		return
	}
	signer, err := registry.NewSigner(nostr.GeneratePrivateKey())
	if err != nil {
		r.logger.Error("creating signer for agent definition", "error", err)
		return
	}
	if err := r.cfg.Registry.Register(def, signer); err != nil {
		r.logger.Error("registering agent from event", "slug", def.Slug, "error", err)
		return
	}
	r.logger.Info("agent definition applied", "slug", def.Slug)
}

func (r *Router) count(outcome string) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.EventsRouted.WithLabelValues(outcome).Inc()
	}
}
