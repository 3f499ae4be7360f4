package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// RelayPoolConfig configures the relay-backed bus.
type RelayPoolConfig struct {
	// Relays is the list of relay URLs to connect to (required).
	Relays []string

	// Seen is the durable deduplication store (required).
	Seen SeenStore

	// PublishRetries is how many rounds of publishing are attempted
	// before giving up with a TransportError.
	PublishRetries int

	// ReconnectBase is the initial backoff for re-subscribing after a
	// relay connection drops.
	ReconnectBase time.Duration

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *RelayPoolConfig) Validate() error {
	if len(c.Relays) == 0 {
		return &TransportError{Op: "configure", Err: errNoRelays}
	}
	if c.Seen == nil {
		c.Seen = NewMemorySeen()
	}
	if c.PublishRetries <= 0 {
		c.PublishRetries = 3
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

var errNoRelays = errors.New("no relays configured")

// RelayPool is a Bus over a set of nostr relays. Publishing succeeds when
// any relay acknowledges; subscriptions fan in from every relay and are
// re-established with exponential backoff after a drop.
type RelayPool struct {
	cfg    RelayPoolConfig
	logger *slog.Logger

	mu     sync.Mutex
	relays map[string]*nostr.Relay
	closed bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewRelayPool connects to the configured relays. At least one connection
// must succeed.
func NewRelayPool(ctx context.Context, cfg RelayPoolConfig) (*RelayPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	p := &RelayPool{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "bus"),
		relays:     make(map[string]*nostr.Relay),
		rootCtx:    rootCtx,
		rootCancel: cancel,
	}

	for _, url := range cfg.Relays {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			p.logger.Warn("failed to connect to relay", "relay", url, "error", err)
			continue
		}
		p.relays[url] = relay
		p.logger.Debug("connected to relay", "relay", url)
	}

	if len(p.relays) == 0 {
		cancel()
		return nil, &TransportError{Op: "connect"}
	}

	p.logger.Info("relay pool ready", "connected_relays", len(p.relays))
	return p, nil
}

// Publish sends ev to every relay, returning once one acknowledges.
// Failed rounds are retried with exponential backoff.
func (p *RelayPool) Publish(ctx context.Context, ev *nostr.Event) error {
	var lastErr error
	backoff := p.cfg.ReconnectBase

	for attempt := 0; attempt < p.cfg.PublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return &TransportError{Op: "publish", Err: ctx.Err()}
			}
			backoff *= 2
		}

		for url, relay := range p.snapshot() {
			if err := relay.Publish(ctx, *ev); err != nil {
				lastErr = err
				p.logger.Warn("failed to publish to relay",
					"relay", url,
					"event_id", ev.ID,
					"error", err)
				continue
			}
			p.logger.Debug("published", "relay", url, "event_id", ev.ID, "kind", ev.Kind)
			return nil
		}
	}

	return &TransportError{Op: "publish", Err: lastErr}
}

// Subscribe opens the filter on every relay and fans events into one
// channel. Verification failures and duplicates never reach the caller.
func (p *RelayPool) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &TransportError{Op: "subscribe"}
	}
	urls := make([]string, 0, len(p.relays))
	for url := range p.relays {
		urls = append(urls, url)
	}
	p.mu.Unlock()

	out := make(chan *nostr.Event, 256)
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		p.wg.Add(1)
		go func(url string) {
			defer wg.Done()
			defer p.wg.Done()
			p.subscribeLoop(ctx, url, filters, out)
		}(url)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

// subscribeLoop keeps one relay subscription alive, reconnecting with
// exponential backoff when it drops. The original filter is replayed on
// every reconnect so missed events arrive on a best-effort basis.
func (p *RelayPool) subscribeLoop(ctx context.Context, url string, filters nostr.Filters, out chan<- *nostr.Event) {
	backoff := p.cfg.ReconnectBase

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.rootCtx.Done():
			return
		default:
		}

		relay := p.relay(url)
		if relay == nil || !relay.IsConnected() {
			fresh, err := nostr.RelayConnect(ctx, url)
			if err != nil {
				p.logger.Warn("relay reconnect failed", "relay", url, "error", err)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				if backoff < time.Minute {
					backoff *= 2
				}
				continue
			}
			p.setRelay(url, fresh)
			relay = fresh
		}

		sub, err := relay.Subscribe(ctx, filters)
		if err != nil {
			p.logger.Warn("subscribe failed", "relay", url, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < time.Minute {
				backoff *= 2
			}
			continue
		}
		backoff = p.cfg.ReconnectBase
		p.logger.Debug("subscribed", "relay", url)

		p.drain(ctx, url, sub, out)
		sub.Unsub()
	}
}

func (p *RelayPool) drain(ctx context.Context, url string, sub *nostr.Subscription, out chan<- *nostr.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.rootCtx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				p.logger.Debug("subscription closed", "relay", url)
				return
			}
			if ev == nil {
				continue
			}
			if ok, err := ev.CheckSignature(); err != nil || !ok {
				// Dropped silently per protocol; the log line is the
				// only trace a bad signature leaves.
				p.logger.Warn("invalid event signature", "event_id", ev.ID, "relay", url, "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// MarkSeen records eventID in the durable dedup set.
func (p *RelayPool) MarkSeen(ctx context.Context, eventID string) error {
	return p.cfg.Seen.MarkSeen(ctx, eventID)
}

// HasSeen reports whether eventID was already processed.
func (p *RelayPool) HasSeen(ctx context.Context, eventID string) (bool, error) {
	return p.cfg.Seen.HasSeen(ctx, eventID)
}

// Close shuts down every relay connection and waits for subscription
// goroutines to drain.
func (p *RelayPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	relays := p.relays
	p.relays = map[string]*nostr.Relay{}
	p.mu.Unlock()

	p.rootCancel()
	for url, relay := range relays {
		if err := relay.Close(); err != nil {
			p.logger.Warn("error closing relay", "relay", url, "error", err)
		}
	}
	p.wg.Wait()
	return nil
}

func (p *RelayPool) snapshot() map[string]*nostr.Relay {
	p.mu.Lock()
	defer p.mu.Unlock()
	relays := make(map[string]*nostr.Relay, len(p.relays))
	for url, r := range p.relays {
		relays[url] = r
	}
	return relays
}

func (p *RelayPool) relay(url string) *nostr.Relay {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.relays[url]
}

func (p *RelayPool) setRelay(url string, r *nostr.Relay) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.relays[url] = r
	}
}
