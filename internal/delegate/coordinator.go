// Package delegate tracks outstanding delegations: a parked reasoning loop
// waiting on replies from other agents or from a human. The coordinator
// publishes the request event, matches incoming replies, aggregates them,
// and wakes the parent exactly once.
package delegate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/haasonsaas/hive/internal/bus"
	"github.com/haasonsaas/hive/internal/observability"
	"github.com/haasonsaas/hive/internal/registry"
	"github.com/haasonsaas/hive/internal/store"
	"github.com/haasonsaas/hive/internal/toolrt"
	"github.com/haasonsaas/hive/pkg/models"
)

// WakeFunc resumes a parked loop with the aggregated replies, in ascending
// time order. Called at most once per delegation, never with zero replies
// unless the deadline fired.
type WakeFunc func(replies []models.DelegationReply, othersPending bool)

// Request registers one delegation.
type Request struct {
	ConversationID string
	Agent          *registry.Agent

	// Parent is the event the request threads under.
	Parent *nostr.Event

	Phase models.Phase
	Spec  *toolrt.DelegationSpec
	Wake  WakeFunc
}

type pending struct {
	rec   *models.DelegationRecord
	owner string // conversation + agent slug
	wake  WakeFunc
	timer *time.Timer
	done  bool
}

// Coordinator owns every pending delegation in the process.
type Coordinator struct {
	bus     bus.Bus
	store   store.Store
	reg     *registry.Registry
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	byRequest map[string]*pending // request event id
	byID      map[string]*pending
}

// NewCoordinator creates a coordinator over the given bus and store.
func NewCoordinator(b bus.Bus, st store.Store, reg *registry.Registry, logger *slog.Logger, metrics *observability.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		bus:       b,
		store:     st,
		reg:       reg,
		logger:    logger.With("component", "delegate"),
		metrics:   metrics,
		byRequest: make(map[string]*pending),
		byID:      make(map[string]*pending),
	}
}

// Register publishes the delegation request event and starts waiting for
// replies. Returns the delegation id. The caller's loop must already be
// parked; Wake fires from a coordinator goroutine.
func (c *Coordinator) Register(ctx context.Context, req Request) (string, error) {
	spec := req.Spec
	if spec == nil {
		return "", fmt.Errorf("delegate: nil spec")
	}

	ev := &nostr.Event{
		Kind:      models.KindConversationNote,
		CreatedAt: nostr.Now(),
		Content:   spec.Request,
		Tags: nostr.Tags{
			{models.TagConversation, req.ConversationID},
			{models.TagDelegation, req.ConversationID},
		},
	}
	if req.Parent != nil {
		ev.Tags = append(ev.Tags, nostr.Tag{models.TagEvent, req.Parent.ID, "", "reply"})
	}
	for _, pk := range spec.Recipients {
		ev.Tags = append(ev.Tags, nostr.Tag{models.TagPubkey, pk})
	}
	phase := req.Phase
	if spec.Phase != "" {
		phase = spec.Phase
	}
	if phase != "" {
		ev.Tags = append(ev.Tags, nostr.Tag{models.TagPhase, string(phase)})
	}
	if spec.IsAsk {
		ev.Tags = append(ev.Tags, nostr.Tag{models.TagAsk, spec.Request})
	}
	if err := req.Agent.Sign(ev); err != nil {
		return "", fmt.Errorf("delegate: sign request: %w", err)
	}

	rec := &models.DelegationRecord{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		RequestEventID: ev.ID,
		Recipients:     spec.Recipients,
		PhaseAtStart:   phase,
		IsAsk:          spec.IsAsk,
		Deadline:       spec.Deadline,
		Status:         models.DelegationPending,
	}

	// The request joins history before anyone can reply to it.
	if err := c.store.AppendEvent(ctx, req.ConversationID, ev); err != nil {
		return "", err
	}
	if err := c.store.SaveDelegation(ctx, rec); err != nil {
		return "", err
	}
	if err := c.bus.Publish(ctx, ev); err != nil {
		return "", err
	}

	p := &pending{
		rec:   rec,
		owner: ownerKey(req.ConversationID, req.Agent.Slug),
		wake:  req.Wake,
	}
	c.mu.Lock()
	c.byRequest[ev.ID] = p
	c.byID[rec.ID] = p
	c.mu.Unlock()

	if !spec.Deadline.IsZero() {
		p.timer = time.AfterFunc(time.Until(spec.Deadline), func() {
			c.finalize(p, "deadline")
		})
	}

	if c.metrics != nil {
		c.metrics.Delegations.WithLabelValues(string(models.DelegationPending)).Inc()
	}
	c.logger.Info("delegation registered",
		"delegation", rec.ID,
		"conversation", req.ConversationID,
		"recipients", len(spec.Recipients),
		"ask", spec.IsAsk)
	return rec.ID, nil
}

// HandleEvent inspects one routed event and, when it is a qualifying reply
// to a pending delegation, records it. Returns true when the event was a
// delegation reply.
func (c *Coordinator) HandleEvent(ctx context.Context, ev *nostr.Event) bool {
	if models.TagValue(ev, models.TagDelegation) == "" {
		return false
	}
	parent := models.ParentEventID(ev)
	if parent == "" {
		return false
	}

	c.mu.Lock()
	p := c.byRequest[parent]
	if p == nil || p.done {
		c.mu.Unlock()
		return false
	}
	if !c.qualifies(p.rec, ev) {
		c.mu.Unlock()
		return false
	}
	for _, r := range p.rec.Replies {
		if r.Recipient == ev.PubKey || r.EventID == ev.ID {
			c.mu.Unlock()
			return true // duplicate reply, already counted
		}
	}
	p.rec.Replies = append(p.rec.Replies, models.DelegationReply{
		Recipient: ev.PubKey,
		Content:   ev.Content,
		EventID:   ev.ID,
		At:        int64(ev.CreatedAt),
	})
	complete := p.rec.Complete() || (p.rec.IsAsk && len(p.rec.Replies) > 0)
	c.mu.Unlock()

	// Reply lands in history before the parent can resume.
	if err := c.store.AppendEvent(ctx, p.rec.ConversationID, ev); err != nil {
		c.logger.Error("appending delegation reply", "error", err)
	}
	if err := c.store.SaveDelegation(ctx, p.rec); err != nil {
		c.logger.Error("saving delegation record", "error", err)
	}

	if complete {
		c.finalize(p, "complete")
	}
	return true
}

// qualifies checks authorship: a named recipient, or for ask-class
// delegations any author that is not a registered agent.
func (c *Coordinator) qualifies(rec *models.DelegationRecord, ev *nostr.Event) bool {
	if rec.IsAsk && len(rec.Recipients) == 0 {
		return !c.reg.IsAgent(ev.PubKey)
	}
	for _, pk := range rec.Recipients {
		if pk == ev.PubKey {
			return true
		}
	}
	return false
}

// finalize marks the record completed and wakes the parent once.
func (c *Coordinator) finalize(p *pending, reason string) {
	c.mu.Lock()
	if p.done {
		c.mu.Unlock()
		return
	}
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.rec.Status = models.DelegationCompleted
	delete(c.byRequest, p.rec.RequestEventID)
	delete(c.byID, p.rec.ID)

	replies := make([]models.DelegationReply, len(p.rec.Replies))
	copy(replies, p.rec.Replies)
	othersPending := false
	for _, other := range c.byID {
		if other.owner == p.owner {
			othersPending = true
			break
		}
	}
	c.mu.Unlock()

	sort.Slice(replies, func(i, j int) bool {
		if replies[i].At != replies[j].At {
			return replies[i].At < replies[j].At
		}
		return replies[i].EventID < replies[j].EventID
	})

	if err := c.store.SaveDelegation(context.Background(), p.rec); err != nil {
		c.logger.Error("saving completed delegation", "error", err)
	}
	if c.metrics != nil {
		c.metrics.Delegations.WithLabelValues(string(models.DelegationCompleted)).Inc()
	}
	c.logger.Info("delegation completed",
		"delegation", p.rec.ID,
		"replies", len(replies),
		"reason", reason)

	if p.wake != nil {
		go p.wake(replies, othersPending)
	}
}

// CancelOwned abandons every pending delegation of one loop. Late replies
// for abandoned delegations are dropped silently.
func (c *Coordinator) CancelOwned(convID, agentSlug string) {
	owner := ownerKey(convID, agentSlug)

	c.mu.Lock()
	var cancelled []*pending
	for id, p := range c.byID {
		if p.owner == owner && !p.done {
			p.done = true
			if p.timer != nil {
				p.timer.Stop()
			}
			p.rec.Status = models.DelegationCancelled
			delete(c.byID, id)
			delete(c.byRequest, p.rec.RequestEventID)
			cancelled = append(cancelled, p)
		}
	}
	c.mu.Unlock()

	for _, p := range cancelled {
		if err := c.store.SaveDelegation(context.Background(), p.rec); err != nil {
			c.logger.Error("saving cancelled delegation", "error", err)
		}
		if c.metrics != nil {
			c.metrics.Delegations.WithLabelValues(string(models.DelegationCancelled)).Inc()
		}
		c.logger.Info("delegation cancelled", "delegation", p.rec.ID)
	}
}

// PendingFor reports how many delegations a loop still has outstanding.
func (c *Coordinator) PendingFor(convID, agentSlug string) int {
	owner := ownerKey(convID, agentSlug)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.byID {
		if p.owner == owner && !p.done {
			n++
		}
	}
	return n
}

func ownerKey(convID, slug string) string { return convID + "/" + slug }
