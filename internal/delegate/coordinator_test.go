package delegate

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/hive/internal/bus"
	"github.com/haasonsaas/hive/internal/registry"
	"github.com/haasonsaas/hive/internal/store"
	"github.com/haasonsaas/hive/internal/toolrt"
	"github.com/haasonsaas/hive/pkg/models"
)

type harness struct {
	bus   *bus.Memory
	store store.Store
	reg   *registry.Registry
	coord *Coordinator
	wakes chan wakeCall
}

type wakeCall struct {
	replies       []models.DelegationReply
	othersPending bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	r := registry.New(registry.Config{})
	for _, slug := range []string{"planner", "coder", "reviewer"} {
		require.NoError(t, r.Register(registry.Definition{Slug: slug}, registry.TestSigner(slug)))
	}

	st := store.NewMemory()
	_, err := st.LoadOrCreate(context.Background(), "conv")
	require.NoError(t, err)

	b := bus.NewMemory()
	return &harness{
		bus:   b,
		store: st,
		reg:   r,
		coord: NewCoordinator(b, st, r, nil, nil),
		wakes: make(chan wakeCall, 4),
	}
}

func (h *harness) agent(t *testing.T, slug string) *registry.Agent {
	t.Helper()
	a, ok := h.reg.BySlug(slug)
	require.True(t, ok)
	return a
}

func (h *harness) register(t *testing.T, spec *toolrt.DelegationSpec) (string, *models.DelegationRecord) {
	t.Helper()
	id, err := h.coord.Register(context.Background(), Request{
		ConversationID: "conv",
		Agent:          h.agent(t, "planner"),
		Phase:          models.PhasePlan,
		Spec:           spec,
		Wake: func(replies []models.DelegationReply, othersPending bool) {
			h.wakes <- wakeCall{replies: replies, othersPending: othersPending}
		},
	})
	require.NoError(t, err)
	rec, err := h.store.LoadDelegation(context.Background(), id)
	require.NoError(t, err)
	return id, rec
}

// reply builds a signed delegation reply threaded under the request event.
func reply(t *testing.T, signer registry.Signer, requestID, content string, at int64) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		Kind:      models.KindConversationNote,
		CreatedAt: nostr.Timestamp(at),
		Content:   content,
		Tags: nostr.Tags{
			{models.TagDelegation, "conv"},
			{models.TagEvent, requestID, "", "reply"},
		},
	}
	require.NoError(t, signer.Sign(ev))
	return ev
}

func (h *harness) waitWake(t *testing.T) wakeCall {
	t.Helper()
	select {
	case w := <-h.wakes:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("wake never fired")
		return wakeCall{}
	}
}

func TestSingleRecipientDelegation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coder := h.agent(t, "coder")

	_, rec := h.register(t, &toolrt.DelegationSpec{
		Recipients: []string{coder.Pubkey},
		Request:    "implement the parser",
	})

	// The request event is published, p-tagged to the recipient, and
	// already in history.
	published := h.bus.Events()
	require.Len(t, published, 1)
	req := published[0]
	assert.Equal(t, rec.RequestEventID, req.ID)
	assert.Contains(t, models.PTags(req), coder.Pubkey)
	history, err := h.store.History(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, history, 1)

	consumed := h.coord.HandleEvent(ctx, reply(t, registry.TestSigner("coder"), rec.RequestEventID, "done", 100))
	assert.True(t, consumed)

	w := h.waitWake(t)
	require.Len(t, w.replies, 1)
	assert.Equal(t, "done", w.replies[0].Content)
	assert.False(t, w.othersPending)

	// Reply is in history before the wake, record is completed.
	history, err = h.store.History(ctx, "conv")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	saved, err := h.store.LoadDelegation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DelegationCompleted, saved.Status)
}

func TestMultiRecipientAggregation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coder := h.agent(t, "coder")
	reviewer := h.agent(t, "reviewer")

	_, rec := h.register(t, &toolrt.DelegationSpec{
		Recipients: []string{coder.Pubkey, reviewer.Pubkey},
		Request:    "split the work",
	})

	assert.True(t, h.coord.HandleEvent(ctx, reply(t, registry.TestSigner("reviewer"), rec.RequestEventID, "second", 20)))
	select {
	case <-h.wakes:
		t.Fatal("woke before all recipients replied")
	case <-time.After(100 * time.Millisecond):
	}

	assert.True(t, h.coord.HandleEvent(ctx, reply(t, registry.TestSigner("coder"), rec.RequestEventID, "first", 10)))

	w := h.waitWake(t)
	require.Len(t, w.replies, 2)
	// Ascending time order, not arrival order.
	assert.Equal(t, "first", w.replies[0].Content)
	assert.Equal(t, "second", w.replies[1].Content)
}

func TestNonRecipientReplyIgnored(t *testing.T) {
	h := newHarness(t)
	coder := h.agent(t, "coder")

	_, rec := h.register(t, &toolrt.DelegationSpec{
		Recipients: []string{coder.Pubkey},
		Request:    "just you",
	})

	consumed := h.coord.HandleEvent(context.Background(), reply(t, registry.TestSigner("reviewer"), rec.RequestEventID, "me too", 10))
	assert.False(t, consumed)
	assert.Equal(t, 1, h.coord.PendingFor("conv", "planner"))
}

func TestDuplicateReplyCountedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coder := h.agent(t, "coder")
	reviewer := h.agent(t, "reviewer")

	_, rec := h.register(t, &toolrt.DelegationSpec{
		Recipients: []string{coder.Pubkey, reviewer.Pubkey},
		Request:    "both of you",
	})

	assert.True(t, h.coord.HandleEvent(ctx, reply(t, registry.TestSigner("coder"), rec.RequestEventID, "v1", 10)))
	assert.True(t, h.coord.HandleEvent(ctx, reply(t, registry.TestSigner("coder"), rec.RequestEventID, "v2", 11)))

	saved, err := h.store.LoadDelegation(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, saved.Replies, 1)
	assert.Equal(t, "v1", saved.Replies[0].Content)
	assert.Equal(t, models.DelegationPending, saved.Status)
}

func TestAskCompletesOnFirstHumanReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, rec := h.register(t, &toolrt.DelegationSpec{
		Request: "which database?",
		IsAsk:   true,
	})

	// Another agent's message does not answer an ask.
	consumed := h.coord.HandleEvent(ctx, reply(t, registry.TestSigner("coder"), rec.RequestEventID, "postgres", 10))
	assert.False(t, consumed)

	consumed = h.coord.HandleEvent(ctx, reply(t, registry.TestSigner("human"), rec.RequestEventID, "sqlite", 20))
	assert.True(t, consumed)

	w := h.waitWake(t)
	require.Len(t, w.replies, 1)
	assert.Equal(t, "sqlite", w.replies[0].Content)
}

func TestDeadlineWakesWithPartialReplies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coder := h.agent(t, "coder")
	reviewer := h.agent(t, "reviewer")

	_, rec := h.register(t, &toolrt.DelegationSpec{
		Recipients: []string{coder.Pubkey, reviewer.Pubkey},
		Request:    "hurry",
		Deadline:   time.Now().Add(150 * time.Millisecond),
	})

	assert.True(t, h.coord.HandleEvent(ctx, reply(t, registry.TestSigner("coder"), rec.RequestEventID, "partial", 10)))

	w := h.waitWake(t)
	require.Len(t, w.replies, 1)
	assert.Equal(t, "partial", w.replies[0].Content)
}

func TestCancelOwnedDropsLateReplies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coder := h.agent(t, "coder")

	_, rec := h.register(t, &toolrt.DelegationSpec{
		Recipients: []string{coder.Pubkey},
		Request:    "never mind",
	})
	h.coord.CancelOwned("conv", "planner")
	assert.Zero(t, h.coord.PendingFor("conv", "planner"))

	consumed := h.coord.HandleEvent(ctx, reply(t, registry.TestSigner("coder"), rec.RequestEventID, "too late", 10))
	assert.False(t, consumed)
	select {
	case <-h.wakes:
		t.Fatal("cancelled delegation must not wake")
	case <-time.After(100 * time.Millisecond):
	}

	saved, err := h.store.LoadDelegation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DelegationCancelled, saved.Status)
}

func TestOthersPendingSpansOwnersDelegations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coder := h.agent(t, "coder")
	reviewer := h.agent(t, "reviewer")

	_, first := h.register(t, &toolrt.DelegationSpec{
		Recipients: []string{coder.Pubkey},
		Request:    "task one",
	})
	h.register(t, &toolrt.DelegationSpec{
		Recipients: []string{reviewer.Pubkey},
		Request:    "task two",
	})
	assert.Equal(t, 2, h.coord.PendingFor("conv", "planner"))

	assert.True(t, h.coord.HandleEvent(ctx, reply(t, registry.TestSigner("coder"), first.RequestEventID, "done", 10)))
	w := h.waitWake(t)
	assert.True(t, w.othersPending)
	assert.Equal(t, 1, h.coord.PendingFor("conv", "planner"))
}
