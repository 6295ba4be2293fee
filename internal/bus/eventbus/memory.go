package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/marketdeck/marketdeck/errs"
	"github.com/marketdeck/marketdeck/internal/schema"
)

// MemoryBus is an in-memory implementation of Bus.
//
// Delivery is non-blocking: a subscriber that cannot keep up has events
// dropped and counted rather than stalling the publisher, so a slow
// consumer of one event kind never delays another.
type MemoryBus struct {
	cfg MemoryConfig

	mu          sync.RWMutex
	subscribers map[schema.EventType]map[SubscriptionID]*subscriber
	index       map[SubscriptionID]schema.EventType
	closed      bool
	nextID      atomic.Uint64

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
}

type subscriber struct {
	ch   chan *schema.Event
	once sync.Once
}

func (s *subscriber) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	bus := &MemoryBus{
		cfg:         cfg.normalize(),
		subscribers: make(map[schema.EventType]map[SubscriptionID]*subscriber),
		index:       make(map[SubscriptionID]schema.EventType),
	}

	meter := otel.Meter("eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.droppedCounter, _ = meter.Int64Counter("eventbus.events.dropped",
		metric.WithDescription("Number of events dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))

	return bus
}

// Publish fans the event out to all subscribers of its type.
func (b *MemoryBus) Publish(ctx context.Context, evt *schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if evt.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}

	attrs := metric.WithAttributes(attribute.String("event.type", string(evt.Type)))

	// Deliver under the read lock: channel close requires the write lock,
	// so a send can never race a close.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	dropped := int64(0)
	for _, sub := range b.subscribers[evt.Type] {
		select {
		case sub.ch <- evt:
		default:
			dropped++
		}
	}
	b.mu.RUnlock()

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, attrs)
	}
	if dropped > 0 && b.droppedCounter != nil {
		b.droppedCounter.Add(ctx, dropped, attrs)
	}
	return nil
}

// Subscribe registers interest in one event type. The subscription ends when
// ctx is cancelled, Unsubscribe is called, or the bus closes; the returned
// channel is closed in every case.
func (b *MemoryBus) Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan *schema.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !typ.Known() {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown event type %q", typ)))
	}

	sub := &subscriber{ch: make(chan *schema.Event, b.cfg.BufferSize)}
	id := SubscriptionID(fmt.Sprintf("%s-%d", typ, b.nextID.Add(1)))

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	byType, ok := b.subscribers[typ]
	if !ok {
		byType = make(map[SubscriptionID]*subscriber)
		b.subscribers[typ] = byType
	}
	byType[id] = sub
	b.index[id] = typ
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1)
	}

	go func() {
		<-ctx.Done()
		b.Unsubscribe(id)
	}()

	return id, sub.ch, nil
}

// Unsubscribe removes the subscription if present and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	typ, ok := b.index[id]
	var sub *subscriber
	if ok {
		delete(b.index, id)
		if byType := b.subscribers[typ]; byType != nil {
			sub = byType[id]
			delete(byType, id)
		}
	}
	if sub != nil {
		sub.closeChan()
	}
	b.mu.Unlock()

	if sub != nil && b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1)
	}
}

// Close tears down all subscriptions. Further publishes fail.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, byType := range b.subscribers {
		for _, sub := range byType {
			sub.closeChan()
		}
	}
	b.subscribers = make(map[schema.EventType]map[SubscriptionID]*subscriber)
	b.index = make(map[SubscriptionID]schema.EventType)
	b.mu.Unlock()
}
