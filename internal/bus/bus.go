// Package bus provides the signed-event pub/sub abstraction the engine
// runs on: a relay-backed implementation for production and an in-memory
// implementation for tests. Incoming events are verified and deduplicated;
// the durable seen set survives restarts.
package bus

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// SeenStore is the durable event-id deduplication set.
type SeenStore interface {
	MarkSeen(ctx context.Context, eventID string) error
	HasSeen(ctx context.Context, eventID string) (bool, error)
}

// Bus publishes signed events and subscribes by filter. Subscriptions are
// infinite streams with at-least-once delivery; callers dedupe via the
// seen store.
type Bus interface {
	SeenStore

	// Publish sends ev to the transport. It returns once at least one
	// relay has acknowledged, or a TransportError when none did.
	Publish(ctx context.Context, ev *nostr.Event) error

	// Subscribe returns a stream of events matching filters. The channel
	// closes when ctx is cancelled or the bus shuts down. Events that fail
	// signature verification are dropped before reaching the channel.
	Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error)

	Close() error
}

// TransportError indicates the bus could not reach any relay.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("bus: %s failed", e.Op)
	}
	return fmt.Sprintf("bus: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SignatureError indicates a received event did not verify. It is logged
// and the event dropped; it is never surfaced to routing.
type SignatureError struct {
	EventID string
}

func (e *SignatureError) Error() string {
	return "bus: event " + e.EventID + " failed signature verification"
}
