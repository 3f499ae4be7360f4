// Package toolrt executes tools on behalf of a reasoning loop: argument
// validation against each tool's JSON schema, allow-list and filesystem
// scope enforcement, result formatting, and tool-status telemetry.
package toolrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/hive/internal/llm"
	"github.com/haasonsaas/hive/internal/observability"
	"github.com/haasonsaas/hive/internal/phase"
	"github.com/haasonsaas/hive/internal/registry"
	"github.com/haasonsaas/hive/internal/store"
	"github.com/haasonsaas/hive/pkg/models"
)

// defaultToolTimeout bounds one tool execution.
const defaultToolTimeout = 5 * time.Minute

// DelegationSpec is the payload of a delegation-class tool.
type DelegationSpec struct {
	Recipients []string
	Request    string
	IsAsk      bool
	Phase      models.Phase
	Deadline   time.Time
}

// StopSignal parks the calling loop instead of continuing the tool cycle.
type StopSignal struct {
	Delegation *DelegationSpec
}

// Result is what a tool returns on success or soft failure. Exactly one of
// Value, ErrorText, or Stop should be meaningful.
type Result struct {
	// Value is the success payload: a string passes through, []byte
	// becomes a binary descriptor, anything else is JSON-encoded.
	Value any

	// Mime annotates binary values.
	Mime string

	// ErrorText is a soft failure the LLM sees; the loop continues.
	ErrorText string

	// Stop parks the loop (delegation-class tools).
	Stop *StopSignal
}

// ExecContext is the per-call environment handed to tools.
type ExecContext struct {
	Agent          *registry.Agent
	ConversationID string
	WorkingDir     string
	RALNumber      int

	Store    store.Store
	Phases   *phase.Machine
	Registry *registry.Registry

	// Lease acquires an advisory lease on a shared resource key; released
	// automatically when the loop terminates. Nil outside a loop.
	Lease func(ctx context.Context, resourceKey string) (func(), error)
}

// Tool is one named, schema-validated action.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, ec *ExecContext, args json.RawMessage) (*Result, error)
}

// Outcome is the runtime's verdict on one tool call.
type Outcome struct {
	// Result feeds back to the LLM.
	Result models.ToolResult

	// Stop is set when the tool parked the loop.
	Stop *StopSignal

	// Err is a hard failure that terminates the loop.
	Err error
}

// StatusFunc publishes tool-status telemetry. Status is one of starting,
// running, completed, failed.
type StatusFunc func(ctx context.Context, ec *ExecContext, toolName, status string, d time.Duration)

// Runtime validates and dispatches tool calls.
type Runtime struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	// OnStatus, when set, receives tool-status transitions.
	OnStatus StatusFunc

	// Timeout bounds each execution; zero means the default.
	Timeout time.Duration

	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

// New creates an empty runtime.
func New(logger *slog.Logger, metrics *observability.Metrics) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		logger:   logger.With("component", "toolrt"),
		metrics:  metrics,
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Runtime) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	delete(r.compiled, t.Name())
}

// Defs returns the tool definitions visible to agent, in allow-list order.
func (r *Runtime) Defs(agent *registry.Agent) []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []llm.ToolDef
	for _, name := range agent.Tools {
		if t, ok := r.tools[name]; ok {
			defs = append(defs, llm.ToolDef{
				Name:        t.Name(),
				Description: t.Description(),
				Schema:      t.Schema(),
			})
		}
	}
	return defs
}

// Execute runs one tool call for the given agent. Denials, validation
// failures, and tool soft errors come back as LLM-visible error results;
// only a tool returning an error yields Outcome.Err.
func (r *Runtime) Execute(ctx context.Context, ec *ExecContext, call *models.ToolCall) *Outcome {
	start := time.Now()
	status := func(s string) {
		if r.OnStatus != nil {
			r.OnStatus(ctx, ec, call.Name, s, time.Since(start))
		}
	}

	if !ec.Agent.AllowsTool(call.Name) {
		status("failed")
		r.count(call.Name, "denied")
		return softError(call, fmt.Sprintf(
			"tool %q is not available to you; your tools are: %s",
			call.Name, strings.Join(sortedCopy(ec.Agent.Tools), ", ")))
	}

	r.mu.RLock()
	tool := r.tools[call.Name]
	r.mu.RUnlock()
	if tool == nil {
		status("failed")
		r.count(call.Name, "unknown")
		return softError(call, fmt.Sprintf("tool %q is not registered", call.Name))
	}

	if err := r.validate(tool, call.Input); err != nil {
		status("failed")
		r.count(call.Name, "invalid")
		return softError(call, fmt.Sprintf("invalid arguments for %q: %v", call.Name, err))
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status("starting")
	result, err := tool.Execute(execCtx, ec, call.Input)
	elapsed := time.Since(start)
	if r.metrics != nil {
		r.metrics.ToolDuration.WithLabelValues(call.Name).Observe(elapsed.Seconds())
	}

	switch {
	case err != nil:
		status("failed")
		r.count(call.Name, "error")
		r.logger.Error("tool execution failed", "tool", call.Name, "error", err)
		return &Outcome{Err: fmt.Errorf("tool %s: %w", call.Name, err)}

	case result == nil:
		status("completed")
		r.count(call.Name, "ok")
		return &Outcome{Result: models.ToolResult{ToolCallID: call.ID, Content: ""}}

	case result.ErrorText != "":
		status("failed")
		r.count(call.Name, "soft-error")
		return softError(call, result.ErrorText)

	case result.Stop != nil:
		status("completed")
		r.count(call.Name, "stop")
		return &Outcome{
			Result: models.ToolResult{ToolCallID: call.ID, Content: "delegation issued; awaiting replies"},
			Stop:   result.Stop,
		}

	default:
		status("completed")
		r.count(call.Name, "ok")
		return &Outcome{Result: models.ToolResult{
			ToolCallID: call.ID,
			Content:    FormatValue(result.Value, result.Mime),
		}}
	}
}

// validate checks args against the tool's schema, compiling it on first use.
func (r *Runtime) validate(tool Tool, args json.RawMessage) error {
	r.mu.Lock()
	sch := r.compiled[tool.Name()]
	if sch == nil {
		compiler := jsonschema.NewCompiler()
		url := "tool://" + tool.Name() + "/schema.json"
		if err := compiler.AddResource(url, strings.NewReader(string(tool.Schema()))); err != nil {
			r.mu.Unlock()
			return fmt.Errorf("schema: %w", err)
		}
		var err error
		sch, err = compiler.Compile(url)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("schema: %w", err)
		}
		r.compiled[tool.Name()] = sch
	}
	r.mu.Unlock()

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return sch.Validate(value)
}

func (r *Runtime) count(tool, outcome string) {
	if r.metrics != nil {
		r.metrics.ToolExecutions.WithLabelValues(tool, outcome).Inc()
	}
}

// FormatValue renders a tool result for the LLM: strings pass through,
// binary becomes a descriptor, everything else is JSON.
func FormatValue(v any, mime string) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		if mime == "" {
			mime = "application/octet-stream"
		}
		return fmt.Sprintf("[binary, %d bytes, mime=%s]", len(val), mime)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}

func softError(call *models.ToolCall, text string) *Outcome {
	return &Outcome{Result: models.ToolResult{
		ToolCallID: call.ID,
		Content:    text,
		IsError:    true,
	}}
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
