// Package events fans connector-internal events out to external subscribers.
//
// Delivery is best-effort by contract: a slow or dead subscriber never blocks
// the connector. Each subscriber gets a buffered channel; events that don't
// fit are dropped and counted.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fernandinhomartins40/ferraco-sub000/idgen"
)

// Type discriminates connector events.
type Type string

const (
	TypeStatus        Type = "status"         // session state changed
	TypeQR            Type = "qr"             // new pairing code issued
	TypeReady         Type = "ready"          // session reached CONNECTED
	TypeDisconnected  Type = "disconnected"   // session lost
	TypeMessageNew    Type = "message:new"    // inbound message arrived
	TypeMessageStatus Type = "message:status" // delivery status advanced
)

// Event is an immutable notification value. Payload is event-type specific
// and must be JSON-serializable for the WebSocket sink.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Subscriber receives a private stream of events.
type Subscriber struct {
	ch     chan Event
	closed atomic.Bool
	once   sync.Once
}

// C returns the subscriber's event channel. It is closed by Close or when
// the Broadcaster shuts down.
func (s *Subscriber) C() <-chan Event { return s.ch }

func (s *Subscriber) close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
}

// Broadcaster is a many-subscriber fan-out for connector events.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	buffer int
	newID  idgen.Generator
	logger *slog.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) { b.logger = l }
}

// WithBuffer sets the per-subscriber channel depth. Default: 64.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithIDGenerator sets a custom event ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(b *Broadcaster) { b.newID = gen }
}

// New creates a Broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:   make(map[*Subscriber]struct{}),
		buffer: 64,
		newID:  idgen.Prefixed("evt_", idgen.NanoID(12)),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a new subscriber. Call Unsubscribe when done.
func (b *Broadcaster) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	b.mu.Unlock()
	if ok {
		s.close()
	}
}

// Publish delivers an event to every subscriber without blocking. Events
// that don't fit a subscriber's buffer are dropped for that subscriber.
func (b *Broadcaster) Publish(typ Type, payload any) {
	ev := Event{
		ID:      b.newID(),
		Type:    typ,
		Payload: payload,
		At:      time.Now(),
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.closed.Load() {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("events: subscriber buffer full, event dropped",
				"type", typ, "event_id", ev.ID)
		}
	}
}

// Stats are point-in-time broadcast counters.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns current counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Close unsubscribes everyone and closes their channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
