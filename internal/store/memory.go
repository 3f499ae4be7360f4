package store

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/haasonsaas/hive/pkg/models"
)

// Memory is an in-process Store for tests.
type Memory struct {
	mu    sync.RWMutex
	locks *locker

	convs       map[string]*Conversation
	history     map[string][]*nostr.Event
	eventIndex  map[string]string // event id -> conversation id
	phaseLogs   map[string][]PhaseTransition
	kv          map[string]map[string]string // convID/slug -> key -> value
	delegations map[string]*models.DelegationRecord
	lessons     []Lesson
	seen        map[string]struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		locks:       newLocker(),
		convs:       make(map[string]*Conversation),
		history:     make(map[string][]*nostr.Event),
		eventIndex:  make(map[string]string),
		phaseLogs:   make(map[string][]PhaseTransition),
		kv:          make(map[string]map[string]string),
		delegations: make(map[string]*models.DelegationRecord),
		seen:        make(map[string]struct{}),
	}
}

func (m *Memory) LoadOrCreate(_ context.Context, rootEventID string) (*Conversation, error) {
	unlock := m.locks.lock(rootEventID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.convs[rootEventID]; ok {
		c := *conv
		return &c, nil
	}
	conv := &Conversation{
		ID:        rootEventID,
		Phase:     models.PhaseChat,
		CreatedAt: time.Now(),
	}
	m.convs[rootEventID] = conv
	c := *conv
	return &c, nil
}

func (m *Memory) Get(_ context.Context, convID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.convs[convID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

func (m *Memory) AppendEvent(_ context.Context, convID string, ev *nostr.Event) error {
	unlock := m.locks.lock(convID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[convID]; !ok {
		return ErrNotFound
	}
	if existing, ok := m.eventIndex[ev.ID]; ok && existing == convID {
		return nil
	}
	m.history[convID] = append(m.history[convID], ev)
	m.eventIndex[ev.ID] = convID
	sortEvents(m.history[convID])
	return nil
}

func (m *Memory) History(_ context.Context, convID string) ([]*nostr.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.convs[convID]; !ok {
		return nil, ErrNotFound
	}
	events := m.history[convID]
	out := make([]*nostr.Event, len(events))
	copy(out, events)
	return out, nil
}

func (m *Memory) FindConversationByEvent(_ context.Context, eventID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	convID, ok := m.eventIndex[eventID]
	if !ok {
		return "", ErrNotFound
	}
	return convID, nil
}

func (m *Memory) SetPhase(_ context.Context, convID string, phase models.Phase, author, message string) error {
	unlock := m.locks.lock(convID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[convID]
	if !ok {
		return ErrNotFound
	}
	conv.Phase = phase
	m.phaseLogs[convID] = append(m.phaseLogs[convID], PhaseTransition{
		Phase:   phase,
		Author:  author,
		Message: message,
		At:      time.Now(),
	})
	return nil
}

func (m *Memory) PhaseLog(_ context.Context, convID string) ([]PhaseTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.phaseLogs[convID]
	out := make([]PhaseTransition, len(log))
	copy(out, log)
	return out, nil
}

func (m *Memory) SetTitle(_ context.Context, convID, title string) error {
	unlock := m.locks.lock(convID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[convID]
	if !ok {
		return ErrNotFound
	}
	conv.Title = title
	return nil
}

func (m *Memory) KVGet(_ context.Context, convID, agentSlug, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	space, ok := m.kv[convID+"/"+agentSlug]
	if !ok {
		return "", false, nil
	}
	v, ok := space[key]
	return v, ok, nil
}

func (m *Memory) KVSet(_ context.Context, convID, agentSlug, key, value string) error {
	unlock := m.locks.lock(convID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	scope := convID + "/" + agentSlug
	if m.kv[scope] == nil {
		m.kv[scope] = make(map[string]string)
	}
	m.kv[scope][key] = value
	return nil
}

func (m *Memory) KVList(_ context.Context, convID, agentSlug string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range m.kv[convID+"/"+agentSlug] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SaveDelegation(_ context.Context, rec *models.DelegationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := *rec
	m.delegations[rec.ID] = &saved
	return nil
}

func (m *Memory) LoadDelegation(_ context.Context, id string) (*models.DelegationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.delegations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (m *Memory) SaveLesson(_ context.Context, lesson *Lesson) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lessons = append(m.lessons, *lesson)
	return nil
}

func (m *Memory) Lessons(_ context.Context, agentSlug string) ([]Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Lesson
	for _, l := range m.lessons {
		if l.AgentSlug == agentSlug {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *Memory) MarkSeen(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[eventID] = struct{}{}
	return nil
}

func (m *Memory) HasSeen(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seen[eventID]
	return ok, nil
}

func (m *Memory) Close() error { return nil }
