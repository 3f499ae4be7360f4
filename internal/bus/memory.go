package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// MemorySeen is an in-process SeenStore for tests and single-run tools.
type MemorySeen struct {
	seen sync.Map
}

// NewMemorySeen creates an empty in-memory seen store.
func NewMemorySeen() *MemorySeen { return &MemorySeen{} }

func (m *MemorySeen) MarkSeen(_ context.Context, eventID string) error {
	m.seen.Store(eventID, struct{}{})
	return nil
}

func (m *MemorySeen) HasSeen(_ context.Context, eventID string) (bool, error) {
	_, ok := m.seen.Load(eventID)
	return ok, nil
}

type memorySub struct {
	filters nostr.Filters
	ch      chan *nostr.Event
	ctx     context.Context
}

// Memory is an in-process Bus. Every published event is retained and
// delivered to all matching subscribers, including subscribers that attach
// later (replay), which mirrors how relays serve stored events.
type Memory struct {
	mu     sync.Mutex
	seen   *MemorySeen
	log    []*nostr.Event
	subs   []*memorySub
	closed bool
}

// NewMemory creates an in-memory bus.
func NewMemory() *Memory {
	return &Memory{seen: NewMemorySeen()}
}

// Publish stores ev and fans it out to matching subscribers.
func (m *Memory) Publish(_ context.Context, ev *nostr.Event) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &TransportError{Op: "publish"}
	}
	m.log = append(m.log, ev)
	subs := make([]*memorySub, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, sub := range subs {
		if !sub.filters.Match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		case <-sub.ctx.Done():
		}
	}
	return nil
}

// Subscribe replays matching stored events, then streams new ones.
func (m *Memory) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &TransportError{Op: "subscribe"}
	}
	stored := make([]*nostr.Event, 0, len(m.log))
	for _, ev := range m.log {
		if filters.Match(ev) {
			stored = append(stored, ev)
		}
	}
	sub := &memorySub{filters: filters, ch: make(chan *nostr.Event, 256), ctx: ctx}
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	sort.SliceStable(stored, func(i, j int) bool {
		return stored[i].CreatedAt < stored[j].CreatedAt
	})
	go func() {
		for _, ev := range stored {
			select {
			case sub.ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		m.dropSub(sub)
	}()

	return sub.ch, nil
}

// Events returns a snapshot of everything published, in publish order.
func (m *Memory) Events() []*nostr.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*nostr.Event, len(m.log))
	copy(out, m.log)
	return out
}

func (m *Memory) MarkSeen(ctx context.Context, eventID string) error {
	return m.seen.MarkSeen(ctx, eventID)
}

func (m *Memory) HasSeen(ctx context.Context, eventID string) (bool, error) {
	return m.seen.HasSeen(ctx, eventID)
}

// Close stops delivery. Subscriber channels stay open until their contexts
// are cancelled, which mirrors relay behavior on shutdown.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = nil
	return nil
}

func (m *Memory) dropSub(sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s == sub {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}
