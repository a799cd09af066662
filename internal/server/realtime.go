package server

import (
	"context"
	"sync"

	"github.com/tandemlabs/tandem/internal/events"
)

// RealtimeDispatcher fans bus events out to connected replica streams. Every
// subscriber receives every event; the per-connection synchronizers decide
// which events warrant a fetch. Slow subscribers drop events instead of
// blocking the bus; the next matching event triggers a catch-up fetch anyway.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int

	bus   *events.Bus
	busID events.SubscriptionID
}

type realtimeSubscriber struct {
	id     int64
	stream chan events.Event
}

// NewRealtimeDispatcher returns a dispatcher wired to the given bus.
func NewRealtimeDispatcher(bus *events.Bus) *RealtimeDispatcher {
	dispatcher := &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
		bus:         bus,
	}
	if bus != nil {
		dispatcher.busID = bus.Subscribe(dispatcher.Publish)
	}
	return dispatcher
}

// Close detaches the dispatcher from the bus.
func (d *RealtimeDispatcher) Close() {
	if d.bus != nil {
		d.bus.Unsubscribe(d.busID)
	}
}

// Subscribe registers a stream that lives until the context ends or the
// returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan events.Event, func()) {
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan events.Event, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	cleanup := func() {
		d.unregisterSubscriber(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber without blocking.
func (d *RealtimeDispatcher) Publish(event events.Event) {
	if event == nil {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
