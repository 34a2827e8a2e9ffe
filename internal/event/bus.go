// Package event is the tenx event bus. Subscribers are called directly with
// typed payloads; every event is also published as JSON on a watermill topic
// so that remote consumers (the SSE endpoint) can stream it.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/serp256/tenx/internal/logging"
)

// Topic is the watermill topic every event is published on.
const Topic = "tenx.events"

// Event is a published event.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data,omitempty"`
}

// Wire is an event as it arrives through Stream.
type Wire struct {
	ID   string          `json:"id"`
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Subscriber receives events.
type Subscriber func(Event)

type entry struct {
	id uint64
	fn Subscriber
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	pubsub *gochannel.GoChannel
	typed  map[Type][]entry
	global []entry
	nextID uint64
	closed bool
}

// NewBus creates a bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermill.NopLogger{}),
		typed:  make(map[Type][]entry),
	}
}

// Subscribe registers fn for one event type and returns its cancel function.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	b.typed[t] = append(b.typed[t], entry{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[t] = remove(b.typed[t], id)
	}
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	b.global = append(b.global, entry{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.global = remove(b.global, id)
	}
}

func remove(entries []entry, id uint64) []entry {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}

func (b *Bus) subscribers(t Type) ([]Subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false
	}
	subs := make([]Subscriber, 0, len(b.typed[t])+len(b.global))
	for _, e := range b.typed[t] {
		subs = append(subs, e.fn)
	}
	for _, e := range b.global {
		subs = append(subs, e.fn)
	}
	return subs, true
}

// Publish delivers ev to every subscriber in order on the calling goroutine,
// then forwards it to the watermill topic. A nil bus drops events.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	subs, ok := b.subscribers(ev.Type)
	if !ok {
		return
	}
	for _, fn := range subs {
		fn(ev)
	}
	b.forward(ev)
}

func (b *Bus) forward(ev Event) {
	id := watermill.NewUUID()
	payload, err := json.Marshal(Wire{ID: id, Type: ev.Type, Data: mustRaw(ev.Data)})
	if err != nil {
		logging.Warn().Err(err).Str("type", string(ev.Type)).Msg("event not encodable")
		return
	}
	if err := b.pubsub.Publish(Topic, message.NewMessage(id, payload)); err != nil {
		logging.Debug().Err(err).Msg("event forward failed")
	}
}

func mustRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Stream subscribes to the watermill topic. The channel closes when ctx is
// done or the bus is closed. Events published before Stream returns are not
// delivered.
func (b *Bus) Stream(ctx context.Context) (<-chan Wire, error) {
	msgs, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}
	out := make(chan Wire, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var w Wire
			if err := json.Unmarshal(msg.Payload, &w); err != nil {
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- w:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close drops all subscribers and closes the watermill channel.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.typed = make(map[Type][]entry)
	b.global = nil
	b.mu.Unlock()
	return b.pubsub.Close()
}
