package toolrt

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/hive/internal/registry"
	"github.com/haasonsaas/hive/pkg/models"
)

// recordingTool counts executions and returns a fixed value.
type recordingTool struct {
	name     string
	executed int
	result   *Result
	err      error
}

func (r *recordingTool) Name() string        { return r.name }
func (r *recordingTool) Description() string { return "test tool" }
func (r *recordingTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"target": {"type": "string"}},
		"required": ["target"]
	}`)
}

func (r *recordingTool) Execute(context.Context, *ExecContext, json.RawMessage) (*Result, error) {
	r.executed++
	return r.result, r.err
}

func execAgent(t *testing.T, tools ...string) *registry.Agent {
	t.Helper()
	r := registry.New(registry.Config{})
	require.NoError(t, r.Register(registry.Definition{Slug: "tester", Tools: tools}, registry.TestSigner("tester")))
	agent, ok := r.BySlug("tester")
	require.True(t, ok)
	return agent
}

func TestExecuteDeniedTool(t *testing.T) {
	rt := New(nil, nil)
	tool := &recordingTool{name: "shell"}
	rt.Register(tool)

	ec := &ExecContext{Agent: execAgent(t, "fs_read", "ask")}
	out := rt.Execute(context.Background(), ec, &models.ToolCall{ID: "c1", Name: "shell"})

	require.NoError(t, out.Err)
	assert.True(t, out.Result.IsError)
	assert.Equal(t, "c1", out.Result.ToolCallID)
	// The denial names the agent's own tools, sorted.
	assert.Contains(t, out.Result.Content, "ask, fs_read")
	assert.Zero(t, tool.executed, "denied tool must not run")
}

func TestExecuteUnknownTool(t *testing.T) {
	rt := New(nil, nil)
	ec := &ExecContext{Agent: execAgent(t, "ghost")}
	out := rt.Execute(context.Background(), ec, &models.ToolCall{ID: "c1", Name: "ghost"})

	require.NoError(t, out.Err)
	assert.True(t, out.Result.IsError)
	assert.Contains(t, out.Result.Content, "not registered")
}

func TestExecuteSchemaValidation(t *testing.T) {
	rt := New(nil, nil)
	tool := &recordingTool{name: "probe", result: &Result{Value: "ok"}}
	rt.Register(tool)
	ec := &ExecContext{Agent: execAgent(t, "probe")}

	out := rt.Execute(context.Background(), ec, &models.ToolCall{
		ID: "c1", Name: "probe", Input: json.RawMessage(`{"wrong": 1}`),
	})
	require.NoError(t, out.Err)
	assert.True(t, out.Result.IsError)
	assert.Contains(t, out.Result.Content, "invalid arguments")
	assert.Zero(t, tool.executed)

	out = rt.Execute(context.Background(), ec, &models.ToolCall{
		ID: "c2", Name: "probe", Input: json.RawMessage(`{"target": "x"}`),
	})
	require.NoError(t, out.Err)
	assert.False(t, out.Result.IsError)
	assert.Equal(t, "ok", out.Result.Content)
	assert.Equal(t, 1, tool.executed)
}

func TestExecuteOutcomes(t *testing.T) {
	args := json.RawMessage(`{"target": "x"}`)
	ec := &ExecContext{Agent: execAgent(t, "probe")}

	t.Run("soft error", func(t *testing.T) {
		rt := New(nil, nil)
		rt.Register(&recordingTool{name: "probe", result: &Result{ErrorText: "boom"}})
		out := rt.Execute(context.Background(), ec, &models.ToolCall{ID: "c1", Name: "probe", Input: args})
		require.NoError(t, out.Err)
		assert.True(t, out.Result.IsError)
		assert.Equal(t, "boom", out.Result.Content)
	})

	t.Run("hard error", func(t *testing.T) {
		rt := New(nil, nil)
		rt.Register(&recordingTool{name: "probe", err: os.ErrPermission})
		out := rt.Execute(context.Background(), ec, &models.ToolCall{ID: "c1", Name: "probe", Input: args})
		require.Error(t, out.Err)
		assert.ErrorIs(t, out.Err, os.ErrPermission)
	})

	t.Run("stop signal", func(t *testing.T) {
		rt := New(nil, nil)
		stop := &StopSignal{Delegation: &DelegationSpec{Request: "do it"}}
		rt.Register(&recordingTool{name: "probe", result: &Result{Stop: stop}})
		out := rt.Execute(context.Background(), ec, &models.ToolCall{ID: "c1", Name: "probe", Input: args})
		require.NoError(t, out.Err)
		assert.Same(t, stop, out.Stop)
		assert.False(t, out.Result.IsError)
	})
}

func TestExecuteEmitsStatus(t *testing.T) {
	rt := New(nil, nil)
	rt.Register(&recordingTool{name: "probe", result: &Result{Value: "ok"}})

	var statuses []string
	rt.OnStatus = func(_ context.Context, _ *ExecContext, tool, status string, _ time.Duration) {
		statuses = append(statuses, tool+":"+status)
	}

	ec := &ExecContext{Agent: execAgent(t, "probe")}
	rt.Execute(context.Background(), ec, &models.ToolCall{ID: "c1", Name: "probe", Input: json.RawMessage(`{"target": "x"}`)})

	assert.Equal(t, []string{"probe:starting", "probe:completed"}, statuses)
}

func TestDefsFollowAllowListOrder(t *testing.T) {
	rt := New(nil, nil)
	rt.Register(&recordingTool{name: "a"})
	rt.Register(&recordingTool{name: "b"})
	rt.Register(&recordingTool{name: "c"})

	defs := rt.Defs(execAgent(t, "c", "a", "missing"))
	require.Len(t, defs, 2)
	assert.Equal(t, "c", defs[0].Name)
	assert.Equal(t, "a", defs[1].Name)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "", FormatValue(nil, ""))
	assert.Equal(t, "plain text", FormatValue("plain text", ""))
	assert.Equal(t, "[binary, 4 bytes, mime=image/png]", FormatValue([]byte{1, 2, 3, 4}, "image/png"))
	assert.Equal(t, "[binary, 2 bytes, mime=application/octet-stream]", FormatValue([]byte{1, 2}, ""))
	assert.Equal(t, `{"n":3}`, FormatValue(map[string]int{"n": 3}, ""))
}

func TestCheckPathScope(t *testing.T) {
	work := t.TempDir()
	home := t.TempDir()
	outside := t.TempDir()

	r := registry.New(registry.Config{})
	require.NoError(t, r.Register(registry.Definition{Slug: "tester"}, registry.TestSigner("tester")))
	agent, _ := r.BySlug("tester")
	agent.HomeDir = home

	ec := &ExecContext{Agent: agent, WorkingDir: work}

	tests := []struct {
		name         string
		path         string
		allowOutside bool
		ok           bool
	}{
		{"relative inside work", "notes.txt", false, true},
		{"nested relative", "sub/dir/file.go", false, true},
		{"absolute inside work", filepath.Join(work, "f"), false, true},
		{"home is always allowed", filepath.Join(home, "+notes.md"), false, true},
		{"escape via dotdot", "../outside.txt", false, false},
		{"absolute outside denied", filepath.Join(outside, "f"), false, false},
		{"absolute outside with flag", filepath.Join(outside, "f"), true, true},
		{"relative never leaves work even with flag", "../outside.txt", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ec.CheckPath(tt.path, tt.allowOutside)
			if tt.ok {
				require.NoError(t, err)
				assert.True(t, filepath.IsAbs(got))
			} else {
				var scope *ScopeError
				require.ErrorAs(t, err, &scope)
			}
		})
	}
}

func TestCheckPathSymlinkedHomeParent(t *testing.T) {
	home := t.TempDir()
	elsewhere := t.TempDir()
	require.NoError(t, os.Symlink(elsewhere, filepath.Join(home, "leak")))

	r := registry.New(registry.Config{})
	require.NoError(t, r.Register(registry.Definition{Slug: "tester"}, registry.TestSigner("tester")))
	agent, _ := r.BySlug("tester")
	agent.HomeDir = home

	ec := &ExecContext{Agent: agent, WorkingDir: t.TempDir()}
	_, err := ec.CheckPath(filepath.Join(home, "leak", "secret.txt"), false)
	var scope *ScopeError
	require.ErrorAs(t, err, &scope)
	assert.Contains(t, scope.Reason, "symlink")
}

func TestFSReadWriteRoundTrip(t *testing.T) {
	work := t.TempDir()
	ec := &ExecContext{Agent: execAgent(t, "fs_read", "fs_write"), WorkingDir: work}

	res, err := FSWrite{}.Execute(context.Background(), ec, json.RawMessage(`{"path": "sub/out.txt", "content": "hello"}`))
	require.NoError(t, err)
	require.Empty(t, res.ErrorText)

	res, err = FSRead{}.Execute(context.Background(), ec, json.RawMessage(`{"path": "sub/out.txt"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Value)
}

func TestFSWriteTakesLease(t *testing.T) {
	work := t.TempDir()
	var leased []string
	released := 0

	ec := &ExecContext{
		Agent:      execAgent(t, "fs_write"),
		WorkingDir: work,
		Lease: func(_ context.Context, key string) (func(), error) {
			leased = append(leased, key)
			return func() { released++ }, nil
		},
	}

	_, err := FSWrite{}.Execute(context.Background(), ec, json.RawMessage(`{"path": "f.txt", "content": "x"}`))
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.True(t, strings.HasPrefix(leased[0], "file:"))
	assert.Equal(t, 1, released)
}

func TestFSReadBinary(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, "blob"), []byte{0xff, 0xfe, 0x00}, 0o644))

	ec := &ExecContext{Agent: execAgent(t, "fs_read"), WorkingDir: work}
	res, err := FSRead{}.Execute(context.Background(), ec, json.RawMessage(`{"path": "blob"}`))
	require.NoError(t, err)
	_, isBytes := res.Value.([]byte)
	assert.True(t, isBytes, "invalid UTF-8 stays binary")
}
