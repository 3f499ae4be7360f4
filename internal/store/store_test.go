package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/hive/pkg/models"
)

// storeUnderTest runs the same contract suite against both implementations.
func storeUnderTest(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := NewSQLite(t.TempDir() + "/hive.db")
			require.NoError(t, err)
			t.Cleanup(func() { st.Close() })
			return st
		},
	}
}

func ev(id string, at int64) *nostr.Event {
	return &nostr.Event{ID: id, CreatedAt: nostr.Timestamp(at), Content: "c-" + id}
}

func TestAppendEventIdempotent(t *testing.T) {
	for name, open := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			_, err := st.LoadOrCreate(ctx, "conv")
			require.NoError(t, err)

			e := ev("e1", 10)
			require.NoError(t, st.AppendEvent(ctx, "conv", e))
			require.NoError(t, st.AppendEvent(ctx, "conv", e))

			history, err := st.History(ctx, "conv")
			require.NoError(t, err)
			assert.Len(t, history, 1)
		})
	}
}

func TestHistoryOrdering(t *testing.T) {
	for name, open := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			_, err := st.LoadOrCreate(ctx, "conv")
			require.NoError(t, err)

			// Out of order, including a created_at tie broken by id.
			require.NoError(t, st.AppendEvent(ctx, "conv", ev("b", 20)))
			require.NoError(t, st.AppendEvent(ctx, "conv", ev("z", 10)))
			require.NoError(t, st.AppendEvent(ctx, "conv", ev("a", 20)))

			history, err := st.History(ctx, "conv")
			require.NoError(t, err)
			require.Len(t, history, 3)
			assert.Equal(t, "z", history[0].ID)
			assert.Equal(t, "a", history[1].ID)
			assert.Equal(t, "b", history[2].ID)
		})
	}
}

func TestFindConversationByEvent(t *testing.T) {
	for name, open := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			_, err := st.LoadOrCreate(ctx, "conv")
			require.NoError(t, err)
			require.NoError(t, st.AppendEvent(ctx, "conv", ev("e1", 1)))

			convID, err := st.FindConversationByEvent(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, "conv", convID)

			_, err = st.FindConversationByEvent(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestPhaseLifecycle(t *testing.T) {
	for name, open := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			conv, err := st.LoadOrCreate(ctx, "conv")
			require.NoError(t, err)
			assert.Equal(t, models.PhaseChat, conv.Phase)

			require.NoError(t, st.SetPhase(ctx, "conv", models.PhasePlan, "pk1", "planning"))
			require.NoError(t, st.SetPhase(ctx, "conv", models.PhaseExecute, "pk1", "go"))

			conv, err = st.Get(ctx, "conv")
			require.NoError(t, err)
			assert.Equal(t, models.PhaseExecute, conv.Phase)

			log, err := st.PhaseLog(ctx, "conv")
			require.NoError(t, err)
			require.Len(t, log, 2)
			assert.Equal(t, models.PhasePlan, log[0].Phase)
			assert.Equal(t, models.PhaseExecute, log[1].Phase)
			assert.Equal(t, "pk1", log[1].Author)
		})
	}
}

func TestTitleLastWriterWins(t *testing.T) {
	for name, open := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			_, err := st.LoadOrCreate(ctx, "conv")
			require.NoError(t, err)

			require.NoError(t, st.SetTitle(ctx, "conv", "first"))
			require.NoError(t, st.SetTitle(ctx, "conv", "second"))

			conv, err := st.Get(ctx, "conv")
			require.NoError(t, err)
			assert.Equal(t, "second", conv.Title)
		})
	}
}

func TestAgentKV(t *testing.T) {
	for name, open := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			_, err := st.LoadOrCreate(ctx, "conv")
			require.NoError(t, err)

			_, ok, err := st.KVGet(ctx, "conv", "alice", "target")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.KVSet(ctx, "conv", "alice", "target", "main.go"))
			require.NoError(t, st.KVSet(ctx, "conv", "bob", "target", "other.go"))

			v, ok, err := st.KVGet(ctx, "conv", "alice", "target")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "main.go", v)

			all, err := st.KVList(ctx, "conv", "alice")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"target": "main.go"}, all)
		})
	}
}

func TestDelegationRoundTrip(t *testing.T) {
	for name, open := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			rec := &models.DelegationRecord{
				ID:             "d1",
				ConversationID: "conv",
				RequestEventID: "req",
				Recipients:     []string{"pk-b"},
				Status:         models.DelegationPending,
			}
			require.NoError(t, st.SaveDelegation(ctx, rec))

			rec.Status = models.DelegationCompleted
			rec.Replies = []models.DelegationReply{{Recipient: "pk-b", Content: "done", EventID: "r1"}}
			require.NoError(t, st.SaveDelegation(ctx, rec))

			got, err := st.LoadDelegation(ctx, "d1")
			require.NoError(t, err)
			assert.Equal(t, models.DelegationCompleted, got.Status)
			require.Len(t, got.Replies, 1)
			assert.Equal(t, "done", got.Replies[0].Content)

			_, err = st.LoadDelegation(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSeenSet(t *testing.T) {
	for name, open := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			seen, err := st.HasSeen(ctx, "e1")
			require.NoError(t, err)
			assert.False(t, seen)

			require.NoError(t, st.MarkSeen(ctx, "e1"))
			require.NoError(t, st.MarkSeen(ctx, "e1"))

			seen, err = st.HasSeen(ctx, "e1")
			require.NoError(t, err)
			assert.True(t, seen)
		})
	}
}

func TestLessons(t *testing.T) {
	for name, open := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				require.NoError(t, st.SaveLesson(ctx, &Lesson{
					ID:        fmt.Sprintf("l%d", i),
					AgentSlug: "alice",
					Content:   fmt.Sprintf("lesson %d", i),
					At:        time.Now(),
				}))
			}
			require.NoError(t, st.SaveLesson(ctx, &Lesson{ID: "lx", AgentSlug: "bob", Content: "other"}))

			lessons, err := st.Lessons(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, lessons, 3)
			assert.Equal(t, "lesson 0", lessons[0].Content)
		})
	}
}

func TestConcurrentAppends(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	_, err := st.LoadOrCreate(ctx, "conv")
	require.NoError(t, err)

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 50; i++ {
				_ = st.AppendEvent(ctx, "conv", ev(fmt.Sprintf("g%d-e%d", g, i), int64(i)))
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}

	history, err := st.History(ctx, "conv")
	require.NoError(t, err)
	assert.Len(t, history, 8*50)
	for i := 1; i < len(history); i++ {
		assert.False(t, eventLess(history[i], history[i-1]), "history out of order at %d", i)
	}
}
