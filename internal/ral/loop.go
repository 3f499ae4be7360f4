package ral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/haasonsaas/hive/internal/bus"
	"github.com/haasonsaas/hive/internal/delegate"
	"github.com/haasonsaas/hive/internal/llm"
	"github.com/haasonsaas/hive/internal/observability"
	"github.com/haasonsaas/hive/internal/phase"
	"github.com/haasonsaas/hive/internal/prompt"
	"github.com/haasonsaas/hive/internal/registry"
	"github.com/haasonsaas/hive/internal/store"
	"github.com/haasonsaas/hive/internal/toolrt"
	"github.com/haasonsaas/hive/pkg/models"
)

const (
	// defaultStreamTimeout bounds one LLM stream.
	defaultStreamTimeout = 10 * time.Minute

	// defaultMaxSteps bounds tool calls per loop when the agent definition
	// does not set max_agent_steps.
	defaultMaxSteps = 10
)

// Config wires a Runner.
type Config struct {
	Bus         bus.Bus
	Store       store.Store
	Registry    *registry.Registry
	Phases      *phase.Machine
	Tools       *toolrt.Runtime
	Delegations *delegate.Coordinator
	LLM         *llm.Router
	Coordinator *Coordinator
	Composer    *prompt.Composer

	Logger  *slog.Logger
	Metrics *observability.Metrics

	// GlobalPrompt is the optional project-wide system fragment.
	GlobalPrompt string

	// Debug asks agents to narrate reasoning and tool decisions.
	Debug bool

	// WorkBase is the root for per-conversation working directories.
	WorkBase string

	FlushInterval time.Duration
	StreamTimeout time.Duration
}

// Validate applies defaults and checks required collaborators.
func (c *Config) Validate() error {
	if c.Bus == nil || c.Store == nil || c.Registry == nil || c.Tools == nil ||
		c.Delegations == nil || c.LLM == nil || c.Coordinator == nil || c.Phases == nil {
		return errors.New("ral: incomplete config")
	}
	if c.Composer == nil {
		c.Composer = &prompt.Composer{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = defaultStreamTimeout
	}
	return nil
}

// Runner spawns and drives reasoning loops.
type Runner struct {
	cfg    Config
	pub    *publisher
	logger *slog.Logger
}

// NewRunner creates a runner from cfg.
func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		cfg: cfg,
		pub: &publisher{
			bus:     cfg.Bus,
			store:   cfg.Store,
			logger:  cfg.Logger.With("component", "ral"),
			metrics: cfg.Metrics,
		},
		logger: cfg.Logger.With("component", "ral"),
	}, nil
}

type wakePayload struct {
	replies       []models.DelegationReply
	othersPending bool
}

type turnResult int

const (
	turnCompleted turnResult = iota
	turnParked
	turnCancelled
	turnErrored
)

// Spawn starts one loop for agent in convID, triggered by trigger. Returns
// the handle; the loop runs on its own goroutine.
func (r *Runner) Spawn(ctx context.Context, agent *registry.Agent, convID string, trigger *nostr.Event) (*Handle, error) {
	loopCtx, cancel := context.WithCancel(ctx)
	h, err := r.cfg.Coordinator.Register(convID, agent.Slug, trigger.ID, cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ActiveRALs.Inc()
	}
	r.logger.Info("loop started",
		"conversation", convID,
		"agent", agent.Slug,
		"loop", h.Number,
		"trigger", trigger.ID)

	go r.run(loopCtx, h, agent, convID, trigger)
	return h, nil
}

func (r *Runner) run(ctx context.Context, h *Handle, agent *registry.Agent, convID string, trigger *nostr.Event) {
	status := models.RALErrored
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("loop panicked", "agent", agent.Slug, "loop", h.Number, "panic", rec)
			status = models.RALErrored
		}
		if status != models.RALCompleted {
			r.cfg.Delegations.CancelOwned(convID, agent.Slug)
		}
		undelivered := r.cfg.Coordinator.Terminate(h, status)
		for _, ev := range undelivered {
			if status != models.RALCompleted {
				r.logger.Warn("dropping event buffered by a cancelled loop",
					"agent", agent.Slug, "loop", h.Number, "event", ev.ID)
				continue
			}
			// The event raced the loop's completion; a fresh loop picks it up.
			if _, err := r.Spawn(context.WithoutCancel(ctx), agent, convID, ev); err != nil {
				r.logger.Error("respawning for buffered event",
					"agent", agent.Slug, "event", ev.ID, "error", err)
			}
		}
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.ActiveRALs.Dec()
			r.cfg.Metrics.RALCompleted.WithLabelValues(string(status)).Inc()
		}
		r.logger.Info("loop finished",
			"conversation", convID,
			"agent", agent.Slug,
			"loop", h.Number,
			"status", status,
			"elapsed", time.Since(h.StartedAt).Round(time.Millisecond))
	}()

	wakeCh := make(chan wakePayload, 1)
	var delegCtx *prompt.DelegationContext
	cur := trigger

	for {
		result := r.turn(ctx, h, agent, convID, cur, delegCtx, wakeCh)
		delegCtx = nil

		switch result {
		case turnCompleted:
			// A queued triggering event continues the loop (resume policy).
			select {
			case ev := <-h.resume:
				cur = ev
				continue
			default:
				status = models.RALCompleted
				return
			}

		case turnParked:
			h.setStatus(models.RALAwaitingDelegation)
			select {
			case <-ctx.Done():
				// Cancellation while parked still leaves an execution-time
				// record, same as the mid-stream cancel path.
				_, _ = r.pub.metadata(context.WithoutCancel(ctx), agent, convID, cur, nostr.Tags{
					{models.TagExecTime, execTime(h.StartedAt)},
				})
				status = models.RALCancelled
				return
			case w := <-wakeCh:
				h.setStatus(models.RALRunning)
				delegCtx = &prompt.DelegationContext{
					Replies:       w.replies,
					OthersPending: w.othersPending,
				}
				continue
			case ev := <-h.resume:
				// A fresh triggering event outranks the parked delegation.
				h.setStatus(models.RALRunning)
				cur = ev
				continue
			}

		case turnCancelled:
			status = models.RALCancelled
			return

		default:
			status = models.RALErrored
			return
		}
	}
}

// turn runs one reasoning cycle: compose, stream, execute tools, repeat
// until the model stops calling tools or the loop parks.
func (r *Runner) turn(ctx context.Context, h *Handle, agent *registry.Agent, convID string, trigger *nostr.Event, delegCtx *prompt.DelegationContext, wakeCh chan wakePayload) turnResult {
	turnStart := time.Now()
	termCtx := context.WithoutCancel(ctx)

	conv, err := r.cfg.Store.Get(ctx, convID)
	if err != nil {
		r.publishError(termCtx, agent, convID, "", trigger, "store", err)
		return turnErrored
	}
	history, err := r.cfg.Store.History(ctx, convID)
	if err != nil {
		r.publishError(termCtx, agent, convID, conv.Phase, trigger, "store", err)
		return turnErrored
	}

	siblings := r.siblingLoops(convID, h.Number)
	composed, err := r.cfg.Composer.Compose(prompt.Input{
		Agent:        agent,
		Phase:        conv.Phase,
		History:      history,
		Trigger:      trigger,
		GlobalPrompt: r.cfg.GlobalPrompt,
		VoiceMode:    models.TagValue(trigger, models.TagVoiceMode) != "",
		DebugMode:    r.cfg.Debug,
		Delegation:   delegCtx,
		Siblings:     siblings,
		SelfNumber:   h.Number,
		NameFor:      r.nameFor,
	})
	if err != nil {
		r.publishError(termCtx, agent, convID, conv.Phase, trigger, "prompt", err)
		return turnErrored
	}

	messages := composed.Messages
	if delegCtx != nil && len(delegCtx.Replies) > 0 {
		messages = append(messages, models.CompletionMessage{
			Role:    "user",
			Content: delegationRepliesMessage(delegCtx.Replies, r.nameFor),
		})
	}

	provider, llmCfg, err := r.cfg.LLM.Resolve(agent.LLMConfig)
	if err != nil {
		r.publishError(termCtx, agent, convID, conv.Phase, trigger, "llm", err)
		return turnErrored
	}

	workDir := r.workDir(convID)
	maxSteps := agent.MaxAgentSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	defs := r.cfg.Tools.Defs(agent)
	executed := 0

	for {
		st := newStreamer(r.pub, agent, convID, conv.Phase, trigger, r.cfg.FlushInterval)
		streamCtx, cancelStream := context.WithTimeout(ctx, r.cfg.StreamTimeout)

		req := &llm.Request{
			Model:            llmCfg.Model,
			System:           composed.System,
			Messages:         messages,
			Tools:            defs,
			MaxTokens:        llmCfg.MaxTokens,
			Temperature:      llmCfg.Temperature,
			SessionID:        fmt.Sprintf("%s#%d", shortID(convID), h.Number),
			ConversationID:   convID,
			WorkingDirectory: workDir,
		}

		streamStart := time.Now()
		chunks, err := provider.Stream(streamCtx, req)
		if err != nil {
			cancelStream()
			r.publishError(termCtx, agent, convID, conv.Phase, trigger, "llm", err)
			return turnErrored
		}

		var calls []*models.ToolCall
		var streamErr error
		for chunk := range chunks {
			if chunk.Error != nil {
				streamErr = chunk.Error
				break
			}
			if chunk.Text != "" {
				st.write(streamCtx, chunk.Text)
			}
			if chunk.ToolCall != nil {
				st.flush(streamCtx)
				calls = append(calls, chunk.ToolCall)
			}
		}
		cancelStream()
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.LLMRequestDuration.
				WithLabelValues(provider.Name(), llmCfg.Model).
				Observe(time.Since(streamStart).Seconds())
		}

		if ctx.Err() != nil {
			// Terminal flush: buffered content goes out once, with an
			// execution-time record.
			st.flush(termCtx)
			_, _ = r.pub.metadata(termCtx, agent, convID, trigger, nostr.Tags{
				{models.TagExecTime, execTime(turnStart)},
			})
			return turnCancelled
		}
		if streamErr != nil {
			r.publishError(termCtx, agent, convID, conv.Phase, trigger, "llm", streamErr)
			return turnErrored
		}

		if len(calls) == 0 {
			final, err := st.final(ctx, nostr.Tags{{models.TagExecTime, execTime(turnStart)}})
			if err != nil {
				r.publishError(termCtx, agent, convID, conv.Phase, trigger, "transport", err)
				return turnErrored
			}
			if final == nil {
				// Empty completion: a metadata record instead of an empty note.
				_, _ = r.pub.metadata(ctx, agent, convID, trigger, nostr.Tags{
					{models.TagExecTime, execTime(turnStart)},
				})
			}
			return turnCompleted
		}

		assistant := models.CompletionMessage{Role: "assistant", Content: st.text()}
		for _, call := range calls {
			assistant.ToolCalls = append(assistant.ToolCalls, *call)
		}
		messages = append(messages, assistant)

		var results []models.ToolResult
		for _, call := range calls {
			if executed >= maxSteps {
				_, _ = r.pub.metadata(ctx, agent, convID, trigger, nostr.Tags{
					{"error", "tool-budget-exhausted"},
					{models.TagExecTime, execTime(turnStart)},
				})
				r.logger.Warn("tool budget exhausted",
					"agent", agent.Slug, "loop", h.Number, "budget", maxSteps)
				return turnErrored
			}
			executed++

			ec := &toolrt.ExecContext{
				Agent:          agent,
				ConversationID: convID,
				WorkingDir:     workDir,
				RALNumber:      h.Number,
				Store:          r.cfg.Store,
				Phases:         r.cfg.Phases,
				Registry:       r.cfg.Registry,
				Lease: func(leaseCtx context.Context, key string) (func(), error) {
					return r.cfg.Coordinator.AcquireLease(leaseCtx, h, key)
				},
			}
			outcome := r.cfg.Tools.Execute(ctx, ec, call)
			if outcome.Err != nil {
				r.publishError(termCtx, agent, convID, conv.Phase, trigger, "tool", outcome.Err)
				return turnErrored
			}
			r.cfg.Coordinator.RecordAction(h, models.ActionRecord{
				Tool:    call.Name,
				Summary: actionSummary(call, outcome),
				At:      time.Now(),
			})

			if outcome.Stop != nil {
				if res := r.park(ctx, h, agent, convID, conv.Phase, trigger, outcome.Stop, wakeCh); res != nil {
					res.ToolCallID = call.ID
					results = append(results, *res)
					continue // delegation failed softly, keep the cycle going
				}
				return turnParked
			}
			results = append(results, outcome.Result)
		}
		messages = append(messages, models.CompletionMessage{Role: "tool", ToolResults: results})
	}
}

// park registers the delegation and parks the loop. Returns a soft tool
// result instead when registration fails in a way the LLM can react to.
func (r *Runner) park(ctx context.Context, h *Handle, agent *registry.Agent, convID string, current models.Phase, trigger *nostr.Event, stop *toolrt.StopSignal, wakeCh chan wakePayload) *models.ToolResult {
	spec := stop.Delegation
	if spec == nil {
		return &models.ToolResult{Content: "delegation carried no spec", IsError: true}
	}

	// Delegating into a new phase moves the conversation first.
	if spec.Phase != "" && spec.Phase != current {
		if _, err := r.cfg.Phases.Transition(ctx, convID, string(spec.Phase),
			agent.RoleOrDefault(), agent.Pubkey, "delegation"); err != nil {
			var invalid *phase.InvalidTransitionError
			if errors.As(err, &invalid) {
				return &models.ToolResult{Content: invalid.Error(), IsError: true}
			}
			return &models.ToolResult{Content: err.Error(), IsError: true}
		}
	}

	_, err := r.cfg.Delegations.Register(ctx, delegate.Request{
		ConversationID: convID,
		Agent:          agent,
		Parent:         trigger,
		Phase:          current,
		Spec:           spec,
		Wake: func(replies []models.DelegationReply, othersPending bool) {
			select {
			case wakeCh <- wakePayload{replies: replies, othersPending: othersPending}:
			default:
			}
		},
	})
	if err != nil {
		return &models.ToolResult{Content: "delegation failed: " + err.Error(), IsError: true}
	}
	return nil
}

func (r *Runner) siblingLoops(convID string, selfNumber int) []prompt.SiblingLoop {
	others := r.cfg.Coordinator.Others(convID, selfNumber)
	out := make([]prompt.SiblingLoop, 0, len(others))
	for _, s := range others {
		out = append(out, prompt.SiblingLoop{
			Number:    s.Number,
			AgentSlug: s.AgentSlug,
			Status:    s.Status,
			Actions:   s.Actions,
		})
	}
	return out
}

func (r *Runner) nameFor(pubkey string) string {
	if agent, ok := r.cfg.Registry.ByPubkey(pubkey); ok {
		if agent.Name != "" {
			return agent.Name
		}
		return agent.Slug
	}
	return shortID(pubkey)
}

func (r *Runner) workDir(convID string) string {
	if r.cfg.WorkBase == "" {
		return ""
	}
	dir := filepath.Join(r.cfg.WorkBase, "conversations", shortID(convID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.logger.Warn("creating working directory", "error", err)
		return ""
	}
	return dir
}

// publishError emits the terminal signed error event human observers see.
func (r *Runner) publishError(ctx context.Context, agent *registry.Agent, convID string, phase models.Phase, trigger *nostr.Event, kind string, cause error) {
	r.logger.Error("loop error", "agent", agent.Slug, "kind", kind, "error", cause)
	ev, err := r.pub.note(agent, convID, phase, trigger,
		fmt.Sprintf("error (%s): %v", kind, cause),
		nostr.Tags{{"error", kind}})
	if err != nil {
		r.logger.Error("building error event", "error", err)
		return
	}
	if err := r.pub.send(ctx, convID, ev); err != nil {
		r.logger.Error("publishing error event", "error", err)
	}
}

func delegationRepliesMessage(replies []models.DelegationReply, nameFor func(string) string) string {
	var b strings.Builder
	b.WriteString("Your delegation completed. Replies in order received:")
	for _, reply := range replies {
		name := reply.Recipient
		if nameFor != nil {
			if n := nameFor(reply.Recipient); n != "" {
				name = n
			}
		}
		fmt.Fprintf(&b, "\n\n[%s]\n%s", name, reply.Content)
	}
	return b.String()
}

func actionSummary(call *models.ToolCall, outcome *toolrt.Outcome) string {
	in := string(call.Input)
	if len(in) > 120 {
		in = in[:120] + "…"
	}
	out := outcome.Result.Content
	if len(out) > 120 {
		out = out[:120] + "…"
	}
	if outcome.Result.IsError {
		return fmt.Sprintf("%s failed: %s", in, out)
	}
	return fmt.Sprintf("%s -> %s", in, out)
}

func execTime(start time.Time) string {
	return fmt.Sprint(time.Since(start).Milliseconds())
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
