package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/hive/pkg/models"
)

func TestRouterResolve(t *testing.T) {
	s := NewScripted()
	r := NewRouter([]Service{s}, map[string]Config{
		"agents":       {Provider: "scripted", Model: "fast"},
		"orchestrator": {Provider: "scripted", Model: "smart"},
		"broken":       {Provider: "missing", Model: "x"},
	}, "agents")

	provider, cfg, err := r.Resolve("orchestrator")
	require.NoError(t, err)
	assert.Same(t, s, provider)
	assert.Equal(t, "smart", cfg.Model)

	// Unknown names fall back.
	_, cfg, err = r.Resolve("nonexistent")
	require.NoError(t, err)
	assert.Equal(t, "fast", cfg.Model)

	// A config naming an unregistered provider is an error.
	_, _, err = r.Resolve("broken")
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestScriptedPlaysTurnsInOrder(t *testing.T) {
	s := NewScripted(
		TextTurn("first"),
		[]*Chunk{{ToolCall: &models.ToolCall{ID: "t1", Name: "ask", Input: json.RawMessage(`{}`)}}},
	)
	ctx := context.Background()

	drain := func() []*Chunk {
		chunks, err := s.Stream(ctx, &Request{Model: "m"})
		require.NoError(t, err)
		var out []*Chunk
		for c := range chunks {
			out = append(out, c)
		}
		return out
	}

	first := drain()
	require.Len(t, first, 2)
	assert.Equal(t, "first", first[0].Text)
	assert.True(t, first[1].Done)

	second := drain()
	require.NotEmpty(t, second)
	require.NotNil(t, second[0].ToolCall)
	assert.Equal(t, "ask", second[0].ToolCall.Name)

	// Past the end of the script, the last turn repeats.
	third := drain()
	require.NotEmpty(t, third)
	require.NotNil(t, third[0].ToolCall)

	assert.Equal(t, 3, s.Calls())
	require.Len(t, s.Requests, 3)
	assert.Equal(t, "m", s.Requests[0].Model)
}
