// Package prompt builds the deterministic LLM message sequence for one
// agent turn: system block, context enhancers, thread content, and the
// triggering marker, followed by pre-send sanitization.
package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/haasonsaas/hive/internal/registry"
	"github.com/haasonsaas/hive/internal/thread"
	"github.com/haasonsaas/hive/pkg/models"
)

const (
	// maxHomeFiles bounds how many injected home files enter the prompt.
	maxHomeFiles = 10

	// maxHomeFileChars bounds each injected home file.
	maxHomeFileChars = 1500
)

// triggerMarker delimits the message the agent must respond to.
const triggerMarker = "=== The message below is the one you are responding to. ==="

// SiblingLoop describes another live reasoning loop in the conversation,
// surfaced to the model so concurrent agents stay aware of each other.
type SiblingLoop struct {
	Number    int
	AgentSlug string
	Status    models.RALStatus
	Actions   []models.ActionRecord
}

// DelegationContext marks a turn that resumes from a completed delegation.
type DelegationContext struct {
	Replies []models.DelegationReply

	// OthersPending is true when the agent still has other delegations
	// outstanding.
	OthersPending bool
}

// Input carries everything one composition needs. Identical inputs produce
// identical output.
type Input struct {
	Agent   *registry.Agent
	Phase   models.Phase
	History []*nostr.Event
	Trigger *nostr.Event

	// GlobalPrompt is the optional project-wide system fragment.
	GlobalPrompt string

	VoiceMode bool
	DebugMode bool

	Delegation *DelegationContext

	// Siblings lists other live loops; SelfNumber is this loop's number.
	Siblings   []SiblingLoop
	SelfNumber int

	// NameFor resolves a pubkey to a display name; optional.
	NameFor func(pubkey string) string
}

// Output is a composed prompt ready for the LLM.
type Output struct {
	System   string
	Messages []models.CompletionMessage

	// Stripped counts messages removed by sanitization, for diagnostics.
	Stripped int
}

// Composer builds prompts. Zero value is usable; Logger defaults to slog.
type Composer struct {
	Logger *slog.Logger
}

func (c *Composer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Compose builds the full message sequence for one turn.
func (c *Composer) Compose(in Input) (*Output, error) {
	if in.Agent == nil {
		return nil, fmt.Errorf("prompt: agent is required")
	}
	if in.Trigger == nil {
		return nil, fmt.Errorf("prompt: triggering event is required")
	}

	out := &Output{System: c.systemBlock(in)}

	events := thread.ThreadTo(in.History, in.Trigger.ID)
	if len(events) == 0 {
		events = []*nostr.Event{in.Trigger}
	}

	for i, ev := range events {
		if i == len(events)-1 {
			out.Messages = append(out.Messages, models.CompletionMessage{
				Role:    "system",
				Content: triggerMarker,
			})
		}
		out.Messages = append(out.Messages, c.eventMessage(in, ev))
	}

	out.Messages, out.Stripped = sanitize(out.Messages)
	if out.Stripped > 0 {
		c.logger().Debug("prompt sanitization stripped messages",
			"agent", in.Agent.Slug,
			"trigger", in.Trigger.ID,
			"stripped", out.Stripped)
	}
	return out, nil
}

// systemBlock assembles the system text: identity, phase instructions,
// global fragment, injected home files, MCP descriptors, then enhancers.
func (c *Composer) systemBlock(in Input) string {
	var b strings.Builder

	name := in.Agent.Name
	if name == "" {
		name = in.Agent.Slug
	}
	fmt.Fprintf(&b, "You are %s (%s), a %s agent.", name, in.Agent.Slug, in.Agent.RoleOrDefault())
	if in.Agent.Instructions != "" {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(in.Agent.Instructions))
	}

	if text, ok := in.Agent.PhaseInstructions(in.Phase); ok {
		fmt.Fprintf(&b, "\n\n## Current phase: %s\n%s", in.Phase, strings.TrimSpace(text))
	} else {
		fmt.Fprintf(&b, "\n\nThe conversation is in the %q phase.", in.Phase)
	}

	if in.GlobalPrompt != "" {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(in.GlobalPrompt))
	}

	c.appendHomeFiles(&b, in.Agent)

	if len(in.Agent.MCPServers) > 0 {
		fmt.Fprintf(&b, "\n\n## MCP servers available\n%s", strings.Join(in.Agent.MCPServers, ", "))
	}

	c.appendEnhancers(&b, in)
	return b.String()
}

// appendHomeFiles injects `+`-prefixed files from the agent's home
// directory, alphabetically, each truncated to maxHomeFileChars. Symlinks
// are rejected.
func (c *Composer) appendHomeFiles(b *strings.Builder, agent *registry.Agent) {
	if agent.HomeDir == "" {
		return
	}
	entries, err := os.ReadDir(agent.HomeDir)
	if err != nil {
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "+") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) > maxHomeFiles {
		names = names[:maxHomeFiles]
	}

	wrote := false
	for _, name := range names {
		path := filepath.Join(agent.HomeDir, name)
		info, err := os.Lstat(path)
		if err != nil || info.Mode()&os.ModeSymlink != 0 {
			c.logger().Warn("skipping home file", "file", name, "reason", "symlink or unreadable")
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		text := string(raw)
		if len(text) > maxHomeFileChars {
			text = text[:maxHomeFileChars]
		}
		if !wrote {
			b.WriteString("\n\n## Your notes")
			wrote = true
		}
		fmt.Fprintf(b, "\n\n### %s\n%s", name, strings.TrimSpace(text))
	}
}

func (c *Composer) appendEnhancers(b *strings.Builder, in Input) {
	if in.VoiceMode {
		b.WriteString("\n\nThe user is speaking by voice. Keep responses short and conversational; avoid markdown and lists.")
	}
	if in.DebugMode {
		b.WriteString("\n\nDebug mode is on. Explain your reasoning and every tool decision explicitly.")
	}

	if d := in.Delegation; d != nil && len(d.Replies) > 0 {
		b.WriteString("\n\n## Delegation completed\nYou delegated work and the replies are in. They appear below as the message you are responding to.")
		if d.OthersPending {
			b.WriteString("\nOther delegations you issued are still pending; do not wait on them here.")
		}
	}

	if len(in.Siblings) > 0 {
		fmt.Fprintf(b, "\n\n## Other active loops in this conversation (you are loop #%d)", in.SelfNumber)
		for _, s := range in.Siblings {
			fmt.Fprintf(b, "\n- loop #%d: %s (%s)", s.Number, s.AgentSlug, s.Status)
			for _, a := range s.Actions {
				fmt.Fprintf(b, "\n  - %s: %s", a.Tool, a.Summary)
			}
		}
		b.WriteString("\nCoordinate rather than duplicate their work.")
	}

	if in.Trigger != nil {
		author := in.Trigger.PubKey
		if in.NameFor != nil {
			if n := in.NameFor(author); n != "" {
				author = n
			}
		}
		fmt.Fprintf(b, "\n\nYou are responding to a message from %s.", author)
	}
}

// eventMessage converts one thread event into a completion message. Events
// signed by the acting agent become assistant messages; everything else is
// user content, prefixed with the author's name when resolvable.
func (c *Composer) eventMessage(in Input, ev *nostr.Event) models.CompletionMessage {
	if ev.PubKey == in.Agent.Pubkey {
		return models.CompletionMessage{Role: "assistant", Content: ev.Content}
	}
	content := ev.Content
	if in.NameFor != nil {
		if n := in.NameFor(ev.PubKey); n != "" && n != ev.PubKey {
			content = n + ": " + content
		}
	}
	return models.CompletionMessage{Role: "user", Content: content}
}

// sanitize strips empty user/assistant messages and any trailing assistant
// messages, so the last message is never from the assistant.
func sanitize(messages []models.CompletionMessage) ([]models.CompletionMessage, int) {
	stripped := 0
	kept := messages[:0]
	for _, m := range messages {
		empty := strings.TrimSpace(m.Content) == "" &&
			len(m.ToolCalls) == 0 && len(m.ToolResults) == 0
		if empty && (m.Role == "user" || m.Role == "assistant") {
			stripped++
			continue
		}
		kept = append(kept, m)
	}
	for len(kept) > 0 && kept[len(kept)-1].Role == "assistant" {
		kept = kept[:len(kept)-1]
		stripped++
	}
	return kept, stripped
}
