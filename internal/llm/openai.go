package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/hive/pkg/models"
)

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and compatible APIs.
	BaseURL string

	// DefaultModel is used when the request does not specify one.
	DefaultModel string
}

// OpenAI implements Service over the OpenAI chat completions API.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	apiReq := openai.ChatCompletionRequest{
		Model:       p.model(req.Model),
		Messages:    convertOpenAIMessages(req.Messages, req.System),
		MaxTokens:   maxTokens(req.MaxTokens),
		Temperature: float32(req.Temperature),
		Stream:      true,
	}
	if len(req.Tools) > 0 {
		apiReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}

	chunks := make(chan *Chunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAI) GenerateObject(ctx context.Context, req *Request, schema json.RawMessage) (json.RawMessage, error) {
	apiReq := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "emit_object",
				Description: "Emit the requested object.",
				Parameters:  schema,
			},
		}},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: "emit_object"},
		},
	}

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, fmt.Errorf("openai: generate object: %w", err)
	}
	if len(resp.Choices) == 0 || len(resp.Choices[0].Message.ToolCalls) == 0 {
		return nil, errors.New("openai: model returned no object")
	}
	return json.RawMessage(resp.Choices[0].Message.ToolCalls[0].Function.Arguments), nil
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *Chunk) {
	defer close(chunks)
	defer stream.Close()

	// Tool calls stream as fragments keyed by index.
	toolCalls := make(map[int]*models.ToolCall)
	var order []int

	flushToolCalls := func() {
		for _, idx := range order {
			tc := toolCalls[idx]
			if tc != nil && tc.ID != "" && tc.Name != "" {
				chunks <- &Chunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
		order = order[:0]
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &Chunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				flushToolCalls()
				chunks <- &Chunk{Done: true}
				return
			}
			chunks <- &Chunk{Error: err, Done: true}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			chunks <- &Chunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if toolCalls[idx] == nil {
				toolCalls[idx] = &models.ToolCall{}
				order = append(order, idx)
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Input = append(toolCalls[idx].Input, tc.Function.Arguments...)
			}
		}

		if resp.Choices[0].FinishReason == "tool_calls" {
			flushToolCalls()
		}
	}
}

func (p *OpenAI) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func convertOpenAIMessages(messages []models.CompletionMessage, system string) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			for _, res := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    res.Content,
					ToolCallID: res.ToolCallID,
				})
			}
		case "assistant":
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			result = append(result, out)
		case "system":
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []ToolDef) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}
	return out
}
