// Package llm defines the LLM service contract the reasoning loop consumes
// and provides Anthropic and OpenAI backed implementations plus a scripted
// provider for deterministic tests.
package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haasonsaas/hive/pkg/models"
)

// ErrNoProvider is returned when a request names an unknown provider.
var ErrNoProvider = errors.New("llm: no such provider")

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one streaming completion invocation.
type Request struct {
	Model    string
	System   string
	Messages []models.CompletionMessage
	Tools    []ToolDef

	MaxTokens   int
	Temperature float64

	// Correlation metadata; providers may ignore these.
	SessionID        string
	ConversationID   string
	WorkingDirectory string
}

// Chunk is one streamed item: a text delta, a complete tool call, a
// terminal error, or the end-of-stream marker.
type Chunk struct {
	Text     string
	ToolCall *models.ToolCall

	Done         bool
	InputTokens  int
	OutputTokens int

	Error error
}

// Service streams completions and generates schema-constrained objects.
type Service interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Stream starts a completion and returns a channel of chunks. The
	// channel closes when the stream ends; a chunk with Error set is
	// terminal. Cancelling ctx stops the stream at the next chunk.
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// GenerateObject runs a non-streaming completion constrained to the
	// given JSON schema and returns the raw object.
	GenerateObject(ctx context.Context, req *Request, schema json.RawMessage) (json.RawMessage, error)
}

// Config selects a provider and model per named LLM configuration.
type Config struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// Router resolves named LLM configurations to providers. The names the
// engine reads are agents, analyze, orchestrator, and summarization.
type Router struct {
	providers map[string]Service
	configs   map[string]Config
	fallback  string
}

// NewRouter builds a router over the given providers and named configs.
func NewRouter(providers []Service, configs map[string]Config, fallback string) *Router {
	byName := make(map[string]Service, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Router{providers: byName, configs: configs, fallback: fallback}
}

// Resolve returns the provider and config for the named LLM configuration,
// falling back to the router default when the name is unknown.
func (r *Router) Resolve(configName string) (Service, Config, error) {
	cfg, ok := r.configs[configName]
	if !ok {
		cfg, ok = r.configs[r.fallback]
		if !ok {
			return nil, Config{}, ErrNoProvider
		}
	}
	provider, ok := r.providers[cfg.Provider]
	if !ok {
		return nil, Config{}, ErrNoProvider
	}
	return provider, cfg, nil
}
