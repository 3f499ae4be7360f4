// Package registry loads agent definitions, owns their signing identities,
// and resolves agents by slug, pubkey, or name. Definitions live as YAML
// files in a directory; signer material lives next to them and never
// changes for a given slug.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/hive/pkg/models"
)

// ErrUnknownAgent is returned when no agent matches a lookup.
var ErrUnknownAgent = errors.New("registry: unknown agent")

// Signer signs events for exactly one agent identity.
type Signer interface {
	// Pubkey returns the hex public key derived from the signing material.
	Pubkey() string

	// Sign computes the event id and signature in place.
	Sign(ev *nostr.Event) error
}

type nostrSigner struct {
	sk string
	pk string
}

// NewSigner wraps a hex private key as a Signer.
func NewSigner(privateKey string) (Signer, error) {
	pk, err := nostr.GetPublicKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &nostrSigner{sk: privateKey, pk: pk}, nil
}

func (s *nostrSigner) Pubkey() string { return s.pk }

func (s *nostrSigner) Sign(ev *nostr.Event) error {
	ev.PubKey = s.pk
	return ev.Sign(s.sk)
}

// Definition is the on-disk shape of one agent.
type Definition struct {
	Slug         string `yaml:"slug" json:"slug"`
	Name         string `yaml:"name" json:"name"`
	Role         string `yaml:"role" json:"role"`
	Instructions string `yaml:"instructions" json:"instructions"`

	// Tools is the ordered tool allow list.
	Tools []string `yaml:"tools" json:"tools"`

	// LLMConfig names the LLM configuration to use.
	LLMConfig string `yaml:"llm_config" json:"llm_config"`

	// Phases maps phase name to phase-specific instructions.
	Phases map[string]string `yaml:"phases,omitempty" json:"phases,omitempty"`

	// Category is advisory metadata used by tool deny policies.
	Category string `yaml:"category,omitempty" json:"category,omitempty"`

	// MaxAgentSteps bounds tool calls per reasoning loop (0 = default).
	MaxAgentSteps int `yaml:"max_agent_steps,omitempty" json:"max_agent_steps,omitempty"`

	// MCPServers lists MCP server names the agent may reach.
	MCPServers []string `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`
}

// Agent is a loaded agent: definition, exclusive signer, and home directory.
type Agent struct {
	Definition

	signer  Signer
	Pubkey  string
	HomeDir string
}

// Role returns the agent's role, defaulting to worker.
func (a *Agent) RoleOrDefault() models.Role {
	switch models.Role(strings.ToLower(a.Role)) {
	case models.RoleOrchestrator:
		return models.RoleOrchestrator
	case models.RoleAdvisor:
		return models.RoleAdvisor
	case models.RoleAuditor:
		return models.RoleAuditor
	default:
		return models.RoleWorker
	}
}

// Sign signs ev with the agent's exclusive signer.
func (a *Agent) Sign(ev *nostr.Event) error { return a.signer.Sign(ev) }

// AllowsTool reports whether name is on the agent's tool allow list.
func (a *Agent) AllowsTool(name string) bool {
	for _, t := range a.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// PhaseInstructions returns the agent's instructions for phase, if any.
func (a *Agent) PhaseInstructions(phase models.Phase) (string, bool) {
	for name, text := range a.Phases {
		if p, ok := models.ValidPhase(name); ok && p == phase {
			return text, true
		}
	}
	return "", false
}

// Config configures registry loading.
type Config struct {
	// Dir holds agent definition YAML files and signer secrets.
	Dir string

	// HomeBase is the root under which per-agent home directories are
	// created, keyed by pubkey prefix.
	HomeBase string

	// ToolDeniesByCategory removes tools from the allow list of agents
	// whose category matches.
	ToolDeniesByCategory map[string][]string

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Registry holds the loaded agents of a project.
type Registry struct {
	mu     sync.RWMutex
	cfg    Config
	logger *slog.Logger

	bySlug   map[string]*Agent
	byPubkey map[string]*Agent
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "registry"),
		bySlug:   make(map[string]*Agent),
		byPubkey: make(map[string]*Agent),
	}
}

// Load reads every *.yaml definition under cfg.Dir and registers the
// agents. Missing signer secrets are generated and written next to the
// definition with 0600 permissions.
func (r *Registry) Load(ctx context.Context) error {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		return fmt.Errorf("read agents dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		if err := r.loadFile(filepath.Join(r.cfg.Dir, entry.Name())); err != nil {
			r.logger.Warn("skipping agent definition", "file", entry.Name(), "error", err)
		}
	}

	if len(r.bySlug) == 0 {
		return errors.New("registry: no agents loaded")
	}
	r.logger.Info("agents loaded", "count", len(r.bySlug))
	return nil
}

func (r *Registry) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(def.Slug) == "" {
		return fmt.Errorf("%s: slug is required", filepath.Base(path))
	}

	signer, err := r.loadOrCreateSigner(def.Slug)
	if err != nil {
		return err
	}
	return r.Register(def, signer)
}

// Register adds an agent. An existing slug keeps its original signer and
// pubkey; only the definition is replaced.
func (r *Registry) Register(def Definition, signer Signer) error {
	def.Tools = r.applyDenies(def)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bySlug[def.Slug]; ok {
		// Signer and pubkey of a slug never change.
		existing.Definition = def
		return nil
	}

	home, err := r.homeDir(signer.Pubkey())
	if err != nil {
		return err
	}
	agent := &Agent{
		Definition: def,
		signer:     signer,
		Pubkey:     signer.Pubkey(),
		HomeDir:    home,
	}
	r.bySlug[def.Slug] = agent
	r.byPubkey[agent.Pubkey] = agent
	r.logger.Debug("agent registered", "slug", def.Slug, "role", def.Role, "pubkey", shortKey(agent.Pubkey))
	return nil
}

// Remove drops an agent by slug.
func (r *Registry) Remove(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.bySlug[slug]; ok {
		delete(r.byPubkey, agent.Pubkey)
		delete(r.bySlug, slug)
	}
}

// BySlug resolves an agent by slug.
func (r *Registry) BySlug(slug string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.bySlug[slug]
	return a, ok
}

// ByPubkey resolves an agent by hex pubkey.
func (r *Registry) ByPubkey(pubkey string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byPubkey[pubkey]
	return a, ok
}

// ByName resolves an agent by display name, falling back to slug.
func (r *Registry) ByName(name string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.bySlug {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	a, ok := r.bySlug[name]
	return a, ok
}

// All returns every agent, in no particular order.
func (r *Registry) All() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.bySlug))
	for _, a := range r.bySlug {
		out = append(out, a)
	}
	return out
}

// Orchestrator returns the project's orchestrator agent, if one exists.
func (r *Registry) Orchestrator() (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.bySlug {
		if a.RoleOrDefault() == models.RoleOrchestrator {
			return a, true
		}
	}
	return nil, false
}

// IsAgent reports whether pubkey belongs to a registered agent. Used to
// tell human reply authors apart from agents.
func (r *Registry) IsAgent(pubkey string) bool {
	_, ok := r.ByPubkey(pubkey)
	return ok
}

func (r *Registry) applyDenies(def Definition) []string {
	denied := r.cfg.ToolDeniesByCategory[def.Category]
	if len(denied) == 0 {
		return def.Tools
	}
	deniedSet := make(map[string]bool, len(denied))
	for _, d := range denied {
		deniedSet[d] = true
	}
	var allowed []string
	for _, t := range def.Tools {
		if !deniedSet[t] {
			allowed = append(allowed, t)
		}
	}
	return allowed
}

// homeDir ensures the agent's home directory exists under HomeBase,
// derived from the pubkey prefix.
func (r *Registry) homeDir(pubkey string) (string, error) {
	if r.cfg.HomeBase == "" {
		return "", nil
	}
	dir := filepath.Join(r.cfg.HomeBase, "agents", shortKey(pubkey))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create home dir: %w", err)
	}
	return dir, nil
}

func (r *Registry) loadOrCreateSigner(slug string) (Signer, error) {
	secretPath := filepath.Join(r.cfg.Dir, slug+".secret")
	raw, err := os.ReadFile(secretPath)
	if err == nil {
		return NewSigner(strings.TrimSpace(string(raw)))
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	sk := nostr.GeneratePrivateKey()
	if err := os.WriteFile(secretPath, []byte(sk), 0o600); err != nil {
		return nil, fmt.Errorf("write signer secret: %w", err)
	}
	r.logger.Info("generated signer", "slug", slug)
	return NewSigner(sk)
}

func shortKey(pubkey string) string {
	if len(pubkey) <= 16 {
		return pubkey
	}
	return pubkey[:16]
}
