package toolrt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/hive/internal/phase"
	"github.com/haasonsaas/hive/internal/store"
	"github.com/haasonsaas/hive/pkg/models"
)

// Delegate hands work to other agents and parks the calling loop until
// every recipient replies.
type Delegate struct{}

func (Delegate) Name() string        { return "delegate" }
func (Delegate) Description() string { return "Delegate a request to one or more agents and wait for their replies." }

func (Delegate) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"recipients": {
				"type": "array",
				"items": {"type": "string"},
				"minItems": 1,
				"description": "Agent slugs or names to delegate to."
			},
			"request": {"type": "string", "description": "What you need from them."},
			"phase": {"type": "string", "description": "Optional phase for the delegated work."},
			"timeout_seconds": {"type": "integer", "description": "Optional deadline; unbounded when omitted."}
		},
		"required": ["recipients", "request"]
	}`)
}

func (Delegate) Execute(_ context.Context, ec *ExecContext, args json.RawMessage) (*Result, error) {
	var a struct {
		Recipients     []string `json:"recipients"`
		Request        string   `json:"request"`
		Phase          string   `json:"phase"`
		TimeoutSeconds int      `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.Request) == "" {
		return &Result{ErrorText: "request is empty"}, nil
	}

	var pubkeys []string
	for _, name := range a.Recipients {
		agent, ok := ec.Registry.BySlug(name)
		if !ok {
			agent, ok = ec.Registry.ByName(name)
		}
		if !ok {
			return &Result{ErrorText: fmt.Sprintf(
				"unknown recipient %q; known agents: %s", name, knownAgents(ec))}, nil
		}
		if ec.Agent != nil && agent.Pubkey == ec.Agent.Pubkey {
			return &Result{ErrorText: "you cannot delegate to yourself"}, nil
		}
		pubkeys = append(pubkeys, agent.Pubkey)
	}

	spec := &DelegationSpec{
		Recipients: pubkeys,
		Request:    a.Request,
	}
	if a.Phase != "" {
		p, ok := models.ValidPhase(a.Phase)
		if !ok {
			return &Result{ErrorText: fmt.Sprintf("unknown phase %q", a.Phase)}, nil
		}
		spec.Phase = p
	}
	if a.TimeoutSeconds > 0 {
		spec.Deadline = time.Now().Add(time.Duration(a.TimeoutSeconds) * time.Second)
	}
	return &Result{Stop: &StopSignal{Delegation: spec}}, nil
}

// Ask poses a question to a human and parks the loop until anyone who is
// not an agent replies.
type Ask struct{}

func (Ask) Name() string        { return "ask" }
func (Ask) Description() string { return "Ask the human a question and wait for their answer." }

func (Ask) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"question": {"type": "string", "description": "The question to ask."}
		},
		"required": ["question"]
	}`)
}

func (Ask) Execute(_ context.Context, _ *ExecContext, args json.RawMessage) (*Result, error) {
	var a struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.Question) == "" {
		return &Result{ErrorText: "question is empty"}, nil
	}
	return &Result{Stop: &StopSignal{Delegation: &DelegationSpec{
		Request: a.Question,
		IsAsk:   true,
	}}}, nil
}

// PhaseMove transitions the conversation phase, subject to the role policy.
type PhaseMove struct{}

func (PhaseMove) Name() string        { return "phase_move" }
func (PhaseMove) Description() string { return "Move the conversation to another phase." }

func (PhaseMove) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"phase": {"type": "string", "description": "Target phase: chat, brainstorm, plan, execute, verification, chores, or reflection."},
			"reason": {"type": "string", "description": "Why the phase should change."}
		},
		"required": ["phase"]
	}`)
}

func (PhaseMove) Execute(ctx context.Context, ec *ExecContext, args json.RawMessage) (*Result, error) {
	var a struct {
		Phase  string `json:"phase"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}

	to, err := ec.Phases.Transition(ctx, ec.ConversationID, a.Phase,
		ec.Agent.RoleOrDefault(), ec.Agent.Pubkey, a.Reason)
	if err != nil {
		var invalid *phase.InvalidTransitionError
		if errors.As(err, &invalid) {
			return &Result{ErrorText: invalid.Error()}, nil
		}
		return nil, err
	}
	return &Result{Value: fmt.Sprintf("conversation is now in the %s phase", to)}, nil
}

// LessonLearn persists a learned-knowledge record for the agent.
type LessonLearn struct{}

func (LessonLearn) Name() string        { return "lesson_learn" }
func (LessonLearn) Description() string { return "Record a lesson you learned so future turns can use it." }

func (LessonLearn) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"lesson": {"type": "string", "description": "The lesson, stated concisely."}
		},
		"required": ["lesson"]
	}`)
}

func (LessonLearn) Execute(ctx context.Context, ec *ExecContext, args json.RawMessage) (*Result, error) {
	var a struct {
		Lesson string `json:"lesson"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.Lesson) == "" {
		return &Result{ErrorText: "lesson is empty"}, nil
	}

	lesson := &store.Lesson{
		ID:             uuid.NewString(),
		AgentSlug:      ec.Agent.Slug,
		ConversationID: ec.ConversationID,
		Content:        a.Lesson,
		At:             time.Now(),
	}
	if err := ec.Store.SaveLesson(ctx, lesson); err != nil {
		return nil, err
	}
	return &Result{Value: "lesson recorded"}, nil
}

// Remember reads and writes the agent's per-conversation scratch store.
// Only the owning agent's loop ever calls with its own slug, which keeps
// the store single-writer.
type Remember struct{}

func (Remember) Name() string        { return "remember" }
func (Remember) Description() string { return "Store or recall facts scoped to you and this conversation." }

func (Remember) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["set", "get", "list"], "description": "set stores a value, get reads one key, list returns everything."},
			"key": {"type": "string", "description": "Key; required for set and get."},
			"value": {"type": "string", "description": "Value; required for set."}
		},
		"required": ["action"]
	}`)
}

func (Remember) Execute(ctx context.Context, ec *ExecContext, args json.RawMessage) (*Result, error) {
	var a struct {
		Action string `json:"action"`
		Key    string `json:"key"`
		Value  string `json:"value"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}

	switch a.Action {
	case "set":
		if a.Key == "" {
			return &Result{ErrorText: "set requires a key"}, nil
		}
		if err := ec.Store.KVSet(ctx, ec.ConversationID, ec.Agent.Slug, a.Key, a.Value); err != nil {
			return nil, err
		}
		return &Result{Value: "remembered"}, nil

	case "get":
		if a.Key == "" {
			return &Result{ErrorText: "get requires a key"}, nil
		}
		value, ok, err := ec.Store.KVGet(ctx, ec.ConversationID, ec.Agent.Slug, a.Key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &Result{ErrorText: fmt.Sprintf("nothing remembered under %q", a.Key)}, nil
		}
		return &Result{Value: value}, nil

	case "list":
		all, err := ec.Store.KVList(ctx, ec.ConversationID, ec.Agent.Slug)
		if err != nil {
			return nil, err
		}
		if len(all) == 0 {
			return &Result{Value: "nothing remembered yet"}, nil
		}
		return &Result{Value: all}, nil

	default:
		return &Result{ErrorText: fmt.Sprintf("unknown action %q", a.Action)}, nil
	}
}

// RegisterBuiltins adds every builtin tool to the runtime.
func RegisterBuiltins(r *Runtime) {
	r.Register(FSRead{})
	r.Register(FSWrite{})
	r.Register(Shell{})
	r.Register(Delegate{})
	r.Register(Ask{})
	r.Register(PhaseMove{})
	r.Register(LessonLearn{})
	r.Register(Remember{})
}

func knownAgents(ec *ExecContext) string {
	var slugs []string
	for _, a := range ec.Registry.All() {
		slugs = append(slugs, a.Slug)
	}
	return strings.Join(sortedCopy(slugs), ", ")
}
