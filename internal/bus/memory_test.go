package bus

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan *nostr.Event, n int) []*nostr.Event {
	t.Helper()
	var out []*nostr.Event
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestMemoryPublishSubscribe(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Subscribe(ctx, nostr.Filters{{Kinds: []int{1111}}})
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, &nostr.Event{ID: "e1", Kind: 1111}))
	require.NoError(t, m.Publish(ctx, &nostr.Event{ID: "e2", Kind: 9999})) // filtered out
	require.NoError(t, m.Publish(ctx, &nostr.Event{ID: "e3", Kind: 1111}))

	got := collect(t, ch, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e3", got[1].ID)
}

func TestMemoryReplaysToLateSubscriber(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Publish(ctx, &nostr.Event{ID: "old1", Kind: 1111, CreatedAt: 10}))
	require.NoError(t, m.Publish(ctx, &nostr.Event{ID: "old2", Kind: 1111, CreatedAt: 5}))

	ch, err := m.Subscribe(ctx, nostr.Filters{{Kinds: []int{1111}}})
	require.NoError(t, err)

	got := collect(t, ch, 2)
	// Replay is time-ordered regardless of publish order.
	assert.Equal(t, "old2", got[0].ID)
	assert.Equal(t, "old1", got[1].ID)
}

func TestMemoryPublishAfterClose(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())

	err := m.Publish(context.Background(), &nostr.Event{ID: "e1"})
	var transport *TransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, "publish", transport.Op)
}

func TestMemorySeenStore(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	seen, err := m.HasSeen(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, m.MarkSeen(ctx, "e1"))
	seen, err = m.HasSeen(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, seen)
}
