package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/hive/pkg/models"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the default API base URL.
	BaseURL string

	// MaxRetries bounds retry attempts for transient failures. Default: 3.
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff. Default: 1s.
	RetryDelay time.Duration

	// DefaultModel is used when the request does not specify one.
	DefaultModel string
}

// Anthropic implements Service over the Anthropic Messages API. Safe for
// concurrent use; each Stream call owns an independent SSE stream.
type Anthropic struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:       anthropic.NewClient(options...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

// Stream starts a streaming completion, retrying transient failures with
// exponential backoff.
func (p *Anthropic) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	chunks := make(chan *Chunk)

	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error

		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
			if err == nil {
				break
			}
			if !isRetryable(err) {
				chunks <- &Chunk{Error: err, Done: true}
				return
			}
			if attempt < p.maxRetries {
				backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					chunks <- &Chunk{Error: ctx.Err(), Done: true}
					return
				case <-time.After(backoff):
				}
			}
		}
		if err != nil {
			chunks <- &Chunk{Error: fmt.Errorf("anthropic: max retries exceeded: %w", err), Done: true}
			return
		}

		p.processStream(stream, chunks)
	}()

	return chunks, nil
}

// GenerateObject asks the model for a single JSON object conforming to
// schema, via a forced tool call.
func (p *Anthropic) GenerateObject(ctx context.Context, req *Request, schema json.RawMessage) (json.RawMessage, error) {
	var inputSchema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(schema, &inputSchema); err != nil {
		return nil, fmt.Errorf("anthropic: invalid object schema: %w", err)
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	toolParam := anthropic.ToolUnionParamOfTool(inputSchema, "emit_object")
	if toolParam.OfTool != nil {
		toolParam.OfTool.Description = anthropic.String("Emit the requested object.")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokens(req.MaxTokens)),
		Tools:     []anthropic.ToolUnionParam{toolParam},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: generate object: %w", err)
	}
	for _, block := range msg.Content {
		if block.Type == "tool_use" {
			return json.RawMessage(block.Input), nil
		}
	}
	return nil, errors.New("anthropic: model returned no object")
}

func (p *Anthropic) createStream(ctx context.Context, req *Request) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// maxEmptyStreamEvents bounds consecutive empty SSE events before the
// stream is treated as malformed.
const maxEmptyStreamEvents = 300

func (p *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *Chunk) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	emptyEvents := 0

	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &Chunk{Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Input = json.RawMessage(currentToolInput.String())
				chunks <- &Chunk{ToolCall: currentToolCall}
				currentToolCall = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- &Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			chunks <- &Chunk{Error: errors.New("anthropic: stream error"), Done: true}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- &Chunk{
					Error: fmt.Errorf("anthropic: malformed stream: %d consecutive empty events", emptyEvents),
					Done:  true,
				}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &Chunk{Error: err, Done: true}
	}
}

func (p *Anthropic) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func maxTokens(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}

func convertAnthropicMessages(messages []models.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, res := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(call.Input, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// Mid-list system markers travel as user blocks; the real
			// system block rides in params.System.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func convertAnthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate_limit", "too many requests", "429",
		"500", "502", "503", "504", "overloaded",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
