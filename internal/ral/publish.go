package ral

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/haasonsaas/hive/internal/bus"
	"github.com/haasonsaas/hive/internal/observability"
	"github.com/haasonsaas/hive/internal/registry"
	"github.com/haasonsaas/hive/internal/store"
	"github.com/haasonsaas/hive/pkg/models"
)

// TagStreaming marks partial streaming events. Partials are telemetry;
// the router never appends them to conversation history.
const TagStreaming = "streaming"

// defaultFlushInterval throttles partial-content publishes.
const defaultFlushInterval = 500 * time.Millisecond

// publisher signs and ships the events one loop produces.
type publisher struct {
	bus     bus.Bus
	store   store.Store
	logger  *slog.Logger
	metrics *observability.Metrics
}

// note builds a signed conversation note threading under parent.
func (p *publisher) note(agent *registry.Agent, convID string, phase models.Phase, parent *nostr.Event, content string, extra nostr.Tags) (*nostr.Event, error) {
	ev := &nostr.Event{
		Kind:      models.KindConversationNote,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags: nostr.Tags{
			{models.TagConversation, convID},
		},
	}
	if parent != nil {
		ev.Tags = append(ev.Tags, nostr.Tag{models.TagEvent, parent.ID, "", "reply"})
		if parent.PubKey != "" && parent.PubKey != agent.Pubkey {
			ev.Tags = append(ev.Tags, nostr.Tag{models.TagPubkey, parent.PubKey})
		}
		// Replies to a delegation request carry the delegation tag so the
		// coordinator can match them.
		if d := models.TagValue(parent, models.TagDelegation); d != "" {
			ev.Tags = append(ev.Tags, nostr.Tag{models.TagDelegation, d})
		}
	}
	if phase != "" {
		ev.Tags = append(ev.Tags, nostr.Tag{models.TagPhase, string(phase)})
	}
	ev.Tags = append(ev.Tags, extra...)

	if err := agent.Sign(ev); err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	return ev, nil
}

// send publishes ev and, unless it is a partial, appends it to history.
func (p *publisher) send(ctx context.Context, convID string, ev *nostr.Event) error {
	partial := models.TagValue(ev, TagStreaming) != ""
	if !partial {
		if err := p.store.AppendEvent(ctx, convID, ev); err != nil {
			return err
		}
	}
	if err := p.bus.Publish(ctx, ev); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(fmt.Sprint(ev.Kind)).Inc()
	}
	return nil
}

// metadata builds and sends a signed metadata event (empty completions,
// budget exhaustion, cancellation records).
func (p *publisher) metadata(ctx context.Context, agent *registry.Agent, convID string, parent *nostr.Event, extra nostr.Tags) (*nostr.Event, error) {
	ev := &nostr.Event{
		Kind:      models.KindMetadata,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{models.TagConversation, convID},
		},
	}
	if parent != nil {
		ev.Tags = append(ev.Tags, nostr.Tag{models.TagEvent, parent.ID, "", "reply"})
	}
	ev.Tags = append(ev.Tags, extra...)
	if err := agent.Sign(ev); err != nil {
		return nil, err
	}
	return ev, p.send(ctx, convID, ev)
}

// streamer buffers LLM text and publishes throttled partial events. The
// final event carries the turn's full concluding text.
type streamer struct {
	pub    *publisher
	agent  *registry.Agent
	convID string
	phase  models.Phase
	parent *nostr.Event

	interval  time.Duration
	buf       strings.Builder
	full      strings.Builder
	lastFlush time.Time
}

func newStreamer(pub *publisher, agent *registry.Agent, convID string, phase models.Phase, parent *nostr.Event, interval time.Duration) *streamer {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &streamer{
		pub:       pub,
		agent:     agent,
		convID:    convID,
		phase:     phase,
		parent:    parent,
		interval:  interval,
		lastFlush: time.Now(),
	}
}

// write buffers text and flushes on newline or when the flush interval
// has elapsed.
func (s *streamer) write(ctx context.Context, text string) {
	if text == "" {
		return
	}
	s.buf.WriteString(text)
	s.full.WriteString(text)
	if strings.Contains(text, "\n") || time.Since(s.lastFlush) >= s.interval {
		s.flush(ctx)
	}
}

// flush publishes buffered text as a partial streaming event.
func (s *streamer) flush(ctx context.Context) {
	if s.buf.Len() == 0 {
		return
	}
	ev, err := s.pub.note(s.agent, s.convID, s.phase, s.parent, s.buf.String(),
		nostr.Tags{{TagStreaming, "partial"}})
	if err == nil {
		err = s.pub.send(ctx, s.convID, ev)
	}
	if err != nil {
		s.pub.logger.Warn("partial flush failed", "error", err)
	}
	s.buf.Reset()
	s.lastFlush = time.Now()
}

// text returns everything streamed so far.
func (s *streamer) text() string { return s.full.String() }

// final publishes the turn's concluding event with the full text and
// returns it. An empty turn publishes nothing here.
func (s *streamer) final(ctx context.Context, extra nostr.Tags) (*nostr.Event, error) {
	content := strings.TrimSpace(s.full.String())
	if content == "" {
		return nil, nil
	}
	ev, err := s.pub.note(s.agent, s.convID, s.phase, s.parent, content, extra)
	if err != nil {
		return nil, err
	}
	return ev, s.pub.send(ctx, s.convID, ev)
}
