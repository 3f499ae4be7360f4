// Package ral implements the reasoning-and-action loop: one agent turn in
// one conversation, triggered by one event. The package also hosts the
// per-conversation coordinator that numbers concurrent loops, exposes
// sibling summaries, and arbitrates shared-resource leases.
package ral

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/haasonsaas/hive/pkg/models"
)

// ErrSlotBusy is returned when a second loop registers for a
// (conversation, agent) pair that already has a live loop.
var ErrSlotBusy = errors.New("ral: agent already has a live loop in this conversation")

// Handle identifies one live or finished loop.
type Handle struct {
	Number         int
	AgentSlug      string
	ConversationID string
	TriggerID      string
	StartedAt      time.Time

	cancel context.CancelFunc

	// resume delivers follow-up triggering events to a live loop.
	resume chan *nostr.Event

	mu      sync.Mutex
	status  models.RALStatus
	actions []models.ActionRecord
}

// Status returns the loop's current lifecycle status.
func (h *Handle) Status() models.RALStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) setStatus(s models.RALStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// Cancel signals the loop to stop at its next suspension point.
func (h *Handle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Resume delivers ev to the live loop as a resumption signal. Returns
// false when the loop already terminated or its buffer is full. The status
// check and the send happen under one lock so Terminate can drain the
// buffer without racing a concurrent delivery.
func (h *Handle) Resume(ev *nostr.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.status.Live() {
		return false
	}
	select {
	case h.resume <- ev:
		return true
	default:
		return false
	}
}

// Actions returns a copy of the loop's action history.
func (h *Handle) Actions() []models.ActionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.ActionRecord, len(h.actions))
	copy(out, h.actions)
	return out
}

func (h *Handle) recordAction(rec models.ActionRecord) {
	h.mu.Lock()
	h.actions = append(h.actions, rec)
	h.mu.Unlock()
}

// Sibling describes another live loop in the same conversation.
type Sibling struct {
	Number    int
	AgentSlug string
	Status    models.RALStatus
	Actions   []models.ActionRecord
}

// Coordinator is the per-process registry of loops, partitioned by
// conversation. Loop numbers are monotonic per conversation.
type Coordinator struct {
	mu    sync.Mutex
	convs map[string]*convState
}

type convState struct {
	nextNumber int
	handles    map[int]*Handle
	leases     map[string]*lease
}

type lease struct {
	holder int // loop number holding the lease, 0 when free
	depth  int // reentrancy depth
	queue  []*leaseWaiter
}

type leaseWaiter struct {
	number int
	ready  chan struct{}
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{convs: make(map[string]*convState)}
}

// Register creates a handle for a new loop. Enforces the single-live-loop
// invariant per (conversation, agent).
func (c *Coordinator) Register(convID, agentSlug, triggerID string, cancel context.CancelFunc) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs := c.convs[convID]
	if cs == nil {
		cs = &convState{handles: make(map[int]*Handle), leases: make(map[string]*lease)}
		c.convs[convID] = cs
	}

	for _, h := range cs.handles {
		if h.AgentSlug == agentSlug && h.Status().Live() {
			return nil, ErrSlotBusy
		}
	}

	cs.nextNumber++
	h := &Handle{
		Number:         cs.nextNumber,
		AgentSlug:      agentSlug,
		ConversationID: convID,
		TriggerID:      triggerID,
		StartedAt:      time.Now(),
		cancel:         cancel,
		resume:         make(chan *nostr.Event, 16),
		status:         models.RALRunning,
	}
	cs.handles[h.Number] = h
	return h, nil
}

// LiveFor returns the live loop for (conversation, agent), if any.
func (c *Coordinator) LiveFor(convID, agentSlug string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.convs[convID]
	if cs == nil {
		return nil, false
	}
	for _, h := range cs.handles {
		if h.AgentSlug == agentSlug && h.Status().Live() {
			return h, true
		}
	}
	return nil, false
}

// Others returns the live sibling loops of selfNumber in number order.
func (c *Coordinator) Others(convID string, selfNumber int) []Sibling {
	c.mu.Lock()
	cs := c.convs[convID]
	var handles []*Handle
	if cs != nil {
		for _, h := range cs.handles {
			if h.Number != selfNumber && h.Status().Live() {
				handles = append(handles, h)
			}
		}
	}
	c.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].Number < handles[j].Number })
	out := make([]Sibling, 0, len(handles))
	for _, h := range handles {
		out = append(out, Sibling{
			Number:    h.Number,
			AgentSlug: h.AgentSlug,
			Status:    h.Status(),
			Actions:   h.Actions(),
		})
	}
	return out
}

// RecordAction appends a tool invocation summary to the loop's history.
func (c *Coordinator) RecordAction(h *Handle, rec models.ActionRecord) {
	h.recordAction(rec)
}

// Terminate marks the loop finished, releases every lease it holds, and
// returns any resumption events that were buffered but never consumed, so
// the caller can re-dispatch them instead of dropping a turn.
func (c *Coordinator) Terminate(h *Handle, status models.RALStatus) []*nostr.Event {
	h.setStatus(status)

	c.mu.Lock()
	cs := c.convs[h.ConversationID]
	if cs == nil {
		c.mu.Unlock()
		return drainResume(h)
	}
	delete(cs.handles, h.Number)
	var wake []*leaseWaiter
	for key, l := range cs.leases {
		if l.holder == h.Number {
			l.holder = 0
			l.depth = 0
			if w := promote(l); w != nil {
				wake = append(wake, w)
			}
			if l.holder == 0 && len(l.queue) == 0 {
				delete(cs.leases, key)
			}
		} else {
			// Drop any queued waiters belonging to the dead loop.
			filtered := l.queue[:0]
			for _, w := range l.queue {
				if w.number != h.Number {
					filtered = append(filtered, w)
				}
			}
			l.queue = filtered
		}
	}
	if len(cs.handles) == 0 && len(cs.leases) == 0 {
		// Keep nextNumber: a later loop in the same conversation must not
		// reuse numbers the prompt already referenced.
		if cs.nextNumber == 0 {
			delete(c.convs, h.ConversationID)
		}
	}
	c.mu.Unlock()

	for _, w := range wake {
		close(w.ready)
	}

	// Status is flipped, so no new sends can land; everything still in the
	// buffer predates termination.
	return drainResume(h)
}

func drainResume(h *Handle) []*nostr.Event {
	var undelivered []*nostr.Event
	for {
		select {
		case ev := <-h.resume:
			undelivered = append(undelivered, ev)
		default:
			return undelivered
		}
	}
}

// AcquireLease obtains the advisory lease for resourceKey, waiting FIFO
// behind earlier requesters. Reentrant for the same loop. The returned
// release function drops one level of the lease.
func (c *Coordinator) AcquireLease(ctx context.Context, h *Handle, resourceKey string) (func(), error) {
	c.mu.Lock()
	cs := c.convs[h.ConversationID]
	if cs == nil {
		c.mu.Unlock()
		return nil, errors.New("ral: unknown conversation")
	}
	l := cs.leases[resourceKey]
	if l == nil {
		l = &lease{}
		cs.leases[resourceKey] = l
	}

	if l.holder == h.Number {
		l.depth++
		c.mu.Unlock()
		return func() { c.releaseLease(h, resourceKey) }, nil
	}
	if l.holder == 0 && len(l.queue) == 0 {
		l.holder = h.Number
		l.depth = 1
		c.mu.Unlock()
		return func() { c.releaseLease(h, resourceKey) }, nil
	}

	w := &leaseWaiter{number: h.Number, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	c.mu.Unlock()

	select {
	case <-w.ready:
		return func() { c.releaseLease(h, resourceKey) }, nil
	case <-ctx.Done():
		c.mu.Lock()
		for i, q := range l.queue {
			if q == w {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Coordinator) releaseLease(h *Handle, resourceKey string) {
	c.mu.Lock()
	cs := c.convs[h.ConversationID]
	if cs == nil {
		c.mu.Unlock()
		return
	}
	l := cs.leases[resourceKey]
	if l == nil || l.holder != h.Number {
		c.mu.Unlock()
		return
	}
	l.depth--
	var wake *leaseWaiter
	if l.depth <= 0 {
		l.holder = 0
		l.depth = 0
		wake = promote(l)
		if l.holder == 0 && len(l.queue) == 0 {
			delete(cs.leases, resourceKey)
		}
	}
	c.mu.Unlock()

	if wake != nil {
		close(wake.ready)
	}
}

// promote hands the lease to the head of the queue. Caller holds c.mu.
func promote(l *lease) *leaseWaiter {
	if len(l.queue) == 0 {
		return nil
	}
	w := l.queue[0]
	l.queue = l.queue[1:]
	l.holder = w.number
	l.depth = 1
	return w
}
