// Package store persists per-conversation state: event history, phase log,
// title metadata, per-agent scratch KV, delegation records, and the durable
// processed-event set. Two implementations are provided: sqlite for
// production and memory for tests. All mutations are serialized per
// conversation id.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/haasonsaas/hive/pkg/models"
)

// ErrNotFound is returned when a conversation or record does not exist.
var ErrNotFound = errors.New("store: not found")

// Conversation is the mutable head state of one event tree.
type Conversation struct {
	// ID equals the root event id.
	ID string

	Title string
	Phase models.Phase

	CreatedAt time.Time
}

// PhaseTransition is one entry in a conversation's phase log.
type PhaseTransition struct {
	Phase   models.Phase
	Author  string
	Message string
	At      time.Time
}

// Lesson is a learned-knowledge record persisted by tools.
type Lesson struct {
	ID             string
	AgentSlug      string
	ConversationID string
	Content        string
	At             time.Time
}

// Store is the conversation persistence contract. Implementations must
// serialize mutations per conversation and give readers consistent
// snapshots.
type Store interface {
	// LoadOrCreate returns the conversation rooted at rootEventID,
	// creating it in phase chat when absent.
	LoadOrCreate(ctx context.Context, rootEventID string) (*Conversation, error)

	// Get returns an existing conversation or ErrNotFound.
	Get(ctx context.Context, convID string) (*Conversation, error)

	// AppendEvent adds ev to the conversation history. Idempotent on ev.ID.
	AppendEvent(ctx context.Context, convID string, ev *nostr.Event) error

	// History returns all events of the conversation ordered by created_at,
	// ties broken by event id lex order.
	History(ctx context.Context, convID string) ([]*nostr.Event, error)

	// FindConversationByEvent returns the id of the conversation whose
	// history contains eventID, or ErrNotFound.
	FindConversationByEvent(ctx context.Context, eventID string) (string, error)

	// SetPhase records a phase transition with its author and message.
	SetPhase(ctx context.Context, convID string, phase models.Phase, author, message string) error

	// PhaseLog returns the ordered phase transitions.
	PhaseLog(ctx context.Context, convID string) ([]PhaseTransition, error)

	// SetTitle updates the conversation title, last writer wins.
	SetTitle(ctx context.Context, convID, title string) error

	// KVGet reads one key of the agent-scoped scratch store.
	KVGet(ctx context.Context, convID, agentSlug, key string) (string, bool, error)

	// KVSet writes one key of the agent-scoped scratch store. agentSlug is
	// the namespace owner; the tool runtime always passes the executing
	// loop's own agent, so no tool surface can write another agent's space.
	KVSet(ctx context.Context, convID, agentSlug, key, value string) error

	// KVList returns every key/value pair for one agent in one conversation.
	KVList(ctx context.Context, convID, agentSlug string) (map[string]string, error)

	// SaveDelegation upserts a delegation record by id.
	SaveDelegation(ctx context.Context, rec *models.DelegationRecord) error

	// LoadDelegation returns a delegation record or ErrNotFound.
	LoadDelegation(ctx context.Context, id string) (*models.DelegationRecord, error)

	// SaveLesson persists a learned-knowledge record.
	SaveLesson(ctx context.Context, lesson *Lesson) error

	// Lessons returns every lesson recorded by one agent, oldest first.
	Lessons(ctx context.Context, agentSlug string) ([]Lesson, error)

	// MarkSeen / HasSeen implement the durable routed-event dedup set.
	MarkSeen(ctx context.Context, eventID string) error
	HasSeen(ctx context.Context, eventID string) (bool, error)

	Close() error
}

// locker hands out refcounted per-conversation mutexes so mutations on one
// conversation never interleave while unrelated conversations proceed.
type locker struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

func newLocker() *locker {
	return &locker{locks: make(map[string]*convLock)}
}

// lock acquires the conversation mutex and returns its release func.
func (l *locker) lock(convID string) func() {
	if strings.TrimSpace(convID) == "" {
		return func() {}
	}

	l.mu.Lock()
	cl := l.locks[convID]
	if cl == nil {
		cl = &convLock{}
		l.locks[convID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs <= 0 {
			delete(l.locks, convID)
		}
		l.mu.Unlock()
	}
}

// sortEvents orders events by created_at, breaking ties by id lex order.
func sortEvents(events []*nostr.Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && eventLess(events[j], events[j-1]); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

func eventLess(a, b *nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}
