package thread

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func note(id string, at int64, parent string) *nostr.Event {
	ev := &nostr.Event{ID: id, CreatedAt: nostr.Timestamp(at)}
	if parent != "" {
		ev.Tags = nostr.Tags{{"e", parent, "", "reply"}}
	}
	return ev
}

func ids(events []*nostr.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func TestThreadToTargetOnly(t *testing.T) {
	root := note("root", 1, "")
	got := ThreadTo([]*nostr.Event{root}, "root")
	assert.Equal(t, []string{"root"}, ids(got))
}

func TestThreadToUnknownTarget(t *testing.T) {
	root := note("root", 1, "")
	assert.Nil(t, ThreadTo([]*nostr.Event{root}, "missing"))
}

func TestThreadToDirectReplyFastPath(t *testing.T) {
	// Root with three first-level replies; the target is one of them, and
	// the whole level comes back in time order.
	history := []*nostr.Event{
		note("root", 1, ""),
		note("r3", 40, "root"),
		note("r1", 10, "root"),
		note("r2", 20, "root"),
	}
	got := ThreadTo(history, "r2")
	require.Equal(t, []string{"root", "r1", "r3", "r2"}, ids(got))
}

func TestThreadToDeepChainWithSiblings(t *testing.T) {
	// root -> a -> b(target). Sibling s1 replies to root before a is
	// written and is included; s2 replies to root after a and is not.
	// Sibling sa replies to a before b and is included.
	history := []*nostr.Event{
		note("root", 1, ""),
		note("s1", 5, "root"),
		note("a", 10, "root"),
		note("s2", 15, "root"),
		note("sa", 20, "a"),
		note("b", 30, "a"),
	}
	got := ThreadTo(history, "b")
	require.Equal(t, []string{"root", "s1", "a", "sa", "b"}, ids(got))
}

func TestThreadToFirstAndLast(t *testing.T) {
	history := []*nostr.Event{
		note("root", 1, ""),
		note("a", 2, "root"),
		note("b", 3, "a"),
		note("c", 4, "b"),
	}
	got := ThreadTo(history, "c")
	require.NotEmpty(t, got)
	assert.Equal(t, "root", got[0].ID)
	assert.Equal(t, "c", got[len(got)-1].ID)
}

func TestThreadToCycleTruncates(t *testing.T) {
	// a and b reference each other; the walk must terminate.
	a := note("a", 1, "b")
	b := note("b", 2, "a")
	c := note("c", 3, "b")

	got := ThreadTo([]*nostr.Event{a, b, c}, "c")
	require.NotEmpty(t, got)
	assert.Equal(t, "c", got[len(got)-1].ID)
	assert.LessOrEqual(t, len(got), 3)
}
