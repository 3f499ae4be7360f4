package toolrt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/hive/internal/phase"
	"github.com/haasonsaas/hive/internal/registry"
	"github.com/haasonsaas/hive/internal/store"
	"github.com/haasonsaas/hive/pkg/models"
)

func controlContext(t *testing.T) *ExecContext {
	t.Helper()
	r := registry.New(registry.Config{})
	require.NoError(t, r.Register(registry.Definition{Slug: "planner", Name: "Planner", Role: "orchestrator"}, registry.TestSigner("planner")))
	require.NoError(t, r.Register(registry.Definition{Slug: "coder", Name: "Coder"}, registry.TestSigner("coder")))

	st := store.NewMemory()
	_, err := st.LoadOrCreate(context.Background(), "conv")
	require.NoError(t, err)

	planner, _ := r.BySlug("planner")
	return &ExecContext{
		Agent:          planner,
		ConversationID: "conv",
		Store:          st,
		Phases:         phase.NewMachine(st, nil),
		Registry:       r,
	}
}

func TestDelegateResolvesRecipients(t *testing.T) {
	ec := controlContext(t)
	coder, _ := ec.Registry.BySlug("coder")

	res, err := Delegate{}.Execute(context.Background(), ec, json.RawMessage(
		`{"recipients": ["coder"], "request": "build it", "phase": "execute", "timeout_seconds": 30}`))
	require.NoError(t, err)
	require.NotNil(t, res.Stop)

	spec := res.Stop.Delegation
	require.NotNil(t, spec)
	assert.Equal(t, []string{coder.Pubkey}, spec.Recipients)
	assert.Equal(t, "build it", spec.Request)
	assert.Equal(t, models.PhaseExecute, spec.Phase)
	assert.False(t, spec.IsAsk)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), spec.Deadline, 5*time.Second)
}

func TestDelegateResolvesByDisplayName(t *testing.T) {
	ec := controlContext(t)
	coder, _ := ec.Registry.BySlug("coder")

	res, err := Delegate{}.Execute(context.Background(), ec, json.RawMessage(
		`{"recipients": ["Coder"], "request": "build it"}`))
	require.NoError(t, err)
	require.NotNil(t, res.Stop)
	assert.Equal(t, []string{coder.Pubkey}, res.Stop.Delegation.Recipients)
}

func TestDelegateRejections(t *testing.T) {
	ec := controlContext(t)

	res, err := Delegate{}.Execute(context.Background(), ec, json.RawMessage(
		`{"recipients": ["nobody"], "request": "x"}`))
	require.NoError(t, err)
	assert.Contains(t, res.ErrorText, `unknown recipient "nobody"`)
	assert.Contains(t, res.ErrorText, "coder, planner")

	res, err = Delegate{}.Execute(context.Background(), ec, json.RawMessage(
		`{"recipients": ["planner"], "request": "x"}`))
	require.NoError(t, err)
	assert.Contains(t, res.ErrorText, "yourself")

	res, err = Delegate{}.Execute(context.Background(), ec, json.RawMessage(
		`{"recipients": ["coder"], "request": "  "}`))
	require.NoError(t, err)
	assert.Contains(t, res.ErrorText, "request is empty")

	res, err = Delegate{}.Execute(context.Background(), ec, json.RawMessage(
		`{"recipients": ["coder"], "request": "x", "phase": "shipping"}`))
	require.NoError(t, err)
	assert.Contains(t, res.ErrorText, `unknown phase "shipping"`)
}

func TestAskParksForHuman(t *testing.T) {
	res, err := Ask{}.Execute(context.Background(), nil, json.RawMessage(`{"question": "which branch?"}`))
	require.NoError(t, err)
	require.NotNil(t, res.Stop)
	spec := res.Stop.Delegation
	assert.True(t, spec.IsAsk)
	assert.Empty(t, spec.Recipients)
	assert.Equal(t, "which branch?", spec.Request)
}

func TestPhaseMove(t *testing.T) {
	ec := controlContext(t)

	res, err := PhaseMove{}.Execute(context.Background(), ec, json.RawMessage(
		`{"phase": "execute", "reason": "plan approved"}`))
	require.NoError(t, err)
	assert.Contains(t, res.Value.(string), "execute")

	current, err := ec.Phases.Current(context.Background(), "conv")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseExecute, current)
}

func TestPhaseMoveInvalidTransitionIsSoft(t *testing.T) {
	ec := controlContext(t)
	coder, _ := ec.Registry.BySlug("coder")
	ec.Agent = coder

	res, err := PhaseMove{}.Execute(context.Background(), ec, json.RawMessage(`{"phase": "verification"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, res.ErrorText)
}

func TestLessonLearn(t *testing.T) {
	ec := controlContext(t)

	res, err := LessonLearn{}.Execute(context.Background(), ec, json.RawMessage(
		`{"lesson": "always run the linter"}`))
	require.NoError(t, err)
	assert.Empty(t, res.ErrorText)

	lessons, err := ec.Store.Lessons(context.Background(), "planner")
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.Equal(t, "always run the linter", lessons[0].Content)
	assert.Equal(t, "conv", lessons[0].ConversationID)
}

func TestRemember(t *testing.T) {
	ec := controlContext(t)
	ctx := context.Background()

	res, err := Remember{}.Execute(ctx, ec, json.RawMessage(`{"action": "get", "key": "target"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, res.ErrorText)

	_, err = Remember{}.Execute(ctx, ec, json.RawMessage(`{"action": "set", "key": "target", "value": "main.go"}`))
	require.NoError(t, err)

	res, err = Remember{}.Execute(ctx, ec, json.RawMessage(`{"action": "get", "key": "target"}`))
	require.NoError(t, err)
	assert.Equal(t, "main.go", res.Value)

	res, err = Remember{}.Execute(ctx, ec, json.RawMessage(`{"action": "list"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"target": "main.go"}, res.Value)

	res, err = Remember{}.Execute(ctx, ec, json.RawMessage(`{"action": "drop"}`))
	require.NoError(t, err)
	assert.Contains(t, res.ErrorText, "unknown action")
}

func TestRememberScopedToOwningAgent(t *testing.T) {
	ec := controlContext(t)
	ctx := context.Background()
	coder, _ := ec.Registry.BySlug("coder")

	// The namespace comes from the executing loop's agent; the schema
	// offers no way to name another agent's space.
	_, err := Remember{}.Execute(ctx, ec, json.RawMessage(`{"action": "set", "key": "branch", "value": "planner-wip"}`))
	require.NoError(t, err)

	asCoder := *ec
	asCoder.Agent = coder
	res, err := Remember{}.Execute(ctx, &asCoder, json.RawMessage(`{"action": "get", "key": "branch"}`))
	require.NoError(t, err)
	assert.Contains(t, res.ErrorText, "nothing remembered")

	res, err = Remember{}.Execute(ctx, &asCoder, json.RawMessage(`{"action": "list"}`))
	require.NoError(t, err)
	assert.Equal(t, "nothing remembered yet", res.Value)

	// Writing the same key from another agent never clobbers the owner's.
	_, err = Remember{}.Execute(ctx, &asCoder, json.RawMessage(`{"action": "set", "key": "branch", "value": "coder-wip"}`))
	require.NoError(t, err)
	res, err = Remember{}.Execute(ctx, ec, json.RawMessage(`{"action": "get", "key": "branch"}`))
	require.NoError(t, err)
	assert.Equal(t, "planner-wip", res.Value)
}
