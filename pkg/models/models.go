// Package models defines the shared types of the hive orchestration engine:
// event kinds and tags, conversation phases, agent roles, tool call plumbing,
// and the streaming chunk variants produced by a reasoning loop.
package models

import (
	"encoding/json"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds the engine consumes and produces. The integers are
// project-scoped; the core treats them as opaque labels.
const (
	KindConversationNote = 1111
	KindMetadata         = 513
	KindLesson           = 4129
	KindToolStatus       = 7000
	KindProjectDef       = 31333
	KindAgentDef         = 31337
	KindAgentStatus      = 24010
)

// Tag names used by the core.
const (
	TagEvent        = "e"
	TagPubkey       = "p"
	TagAddress      = "a"
	TagConversation = "E"
	TagPhase        = "phase"
	TagDelegation   = "delegation"
	TagAsk          = "ask"
	TagTitle        = "title"
	TagSummary      = "tldr"
	TagTool         = "tool"
	TagToolStatus   = "tool-status"
	TagToolDuration = "tool-duration"
	TagExecTime     = "execution-time"
	TagVoiceMode    = "voice-mode"
	TagBranch       = "branch"
)

// Phase is a named segment of a conversation's lifecycle.
type Phase string

const (
	PhaseChat         Phase = "chat"
	PhaseBrainstorm   Phase = "brainstorm"
	PhasePlan         Phase = "plan"
	PhaseExecute      Phase = "execute"
	PhaseVerification Phase = "verification"
	PhaseChores       Phase = "chores"
	PhaseReflection   Phase = "reflection"
)

// Phases lists all phases in lifecycle order.
var Phases = []Phase{
	PhaseChat,
	PhaseBrainstorm,
	PhasePlan,
	PhaseExecute,
	PhaseVerification,
	PhaseChores,
	PhaseReflection,
}

// ValidPhase reports whether name (case-insensitive) is a known phase.
func ValidPhase(name string) (Phase, bool) {
	for _, p := range Phases {
		if string(p) == normalizePhase(name) {
			return p, true
		}
	}
	return "", false
}

// PhaseIndex returns the position of p in the lifecycle order, or -1.
func PhaseIndex(p Phase) int {
	for i, c := range Phases {
		if c == p {
			return i
		}
	}
	return -1
}

func normalizePhase(name string) string {
	b := []byte(name)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// Role classifies an agent's authority within a project.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleWorker       Role = "worker"
	RoleAdvisor      Role = "advisor"
	RoleAuditor      Role = "auditor"
)

// ToolCall is a tool invocation requested by the LLM.
type ToolCall struct {
	// ID correlates the call with its result.
	ID string `json:"id"`

	// Name is the tool to invoke.
	Name string `json:"name"`

	// Input is the raw JSON arguments.
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a tool call fed back to the LLM.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// CompletionMessage is one message in an LLM conversation.
type CompletionMessage struct {
	// Role is "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	Content string `json:"content,omitempty"`

	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// RALStatus is the lifecycle status of a reasoning-and-action loop.
type RALStatus string

const (
	RALRunning            RALStatus = "running"
	RALAwaitingDelegation RALStatus = "awaiting-delegation"
	RALCompleted          RALStatus = "completed"
	RALCancelled          RALStatus = "cancelled"
	RALErrored            RALStatus = "errored"
)

// Live reports whether a RAL in this status still occupies its
// (conversation, agent) slot.
func (s RALStatus) Live() bool {
	return s == RALRunning || s == RALAwaitingDelegation
}

// ActionRecord summarizes one tool invocation for sibling-loop visibility.
type ActionRecord struct {
	Tool    string    `json:"tool"`
	Summary string    `json:"summary"`
	At      time.Time `json:"at"`
}

// DelegationStatus is the lifecycle status of a delegation record.
type DelegationStatus string

const (
	DelegationPending   DelegationStatus = "pending"
	DelegationCompleted DelegationStatus = "completed"
	DelegationCancelled DelegationStatus = "cancelled"
)

// DelegationReply is one recipient's answer to a delegation request.
type DelegationReply struct {
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	EventID   string `json:"event_id"`
	At        int64  `json:"at"`
}

// DelegationRecord tracks one outstanding delegation from a parent loop.
type DelegationRecord struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	RequestEventID string            `json:"request_event_id"`
	Recipients     []string          `json:"recipients"`
	Replies        []DelegationReply `json:"replies"`
	PhaseAtStart   Phase             `json:"phase_at_start"`
	IsAsk          bool              `json:"is_ask"`
	Deadline       time.Time         `json:"deadline,omitzero"`
	Status         DelegationStatus  `json:"status"`
}

// Complete reports whether every recipient has replied.
func (d *DelegationRecord) Complete() bool {
	return len(d.Replies) >= len(d.Recipients)
}

// ParentEventID returns the id of the event ev replies to, following the
// marked "reply" tag when present and the last "e" tag otherwise.
func ParentEventID(ev *nostr.Event) string {
	var last string
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != TagEvent {
			continue
		}
		if len(tag) >= 4 && tag[3] == "reply" {
			return tag[1]
		}
		if len(tag) >= 4 && tag[3] == "root" && last == "" {
			last = tag[1]
			continue
		}
		last = tag[1]
	}
	return last
}

// RootEventID returns the conversation root carried on ev, checking the
// explicit conversation tag first and the marked root "e" tag second.
func RootEventID(ev *nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && (tag[0] == TagConversation || tag[0] == "conversation") {
			return tag[1]
		}
	}
	for _, tag := range ev.Tags {
		if len(tag) >= 4 && tag[0] == TagEvent && tag[3] == "root" {
			return tag[1]
		}
	}
	return ""
}

// TagValue returns the first value of the named tag on ev, or "".
func TagValue(ev *nostr.Event, name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// PTags returns every pubkey addressed by a "p" tag on ev.
func PTags(ev *nostr.Event) []string {
	var keys []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == TagPubkey {
			keys = append(keys, tag[1])
		}
	}
	return keys
}
