package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/nodestore/pkg/types"
)

// EventType names the kind of change an Event reports
type EventType string

const (
	EventNodeCreated  EventType = "node.created"
	EventNodeUpdated  EventType = "node.updated"
	EventNodeDeleted  EventType = "node.deleted"
	EventNodeArchived EventType = "node.archived"
	EventNodeRestored EventType = "node.restored"
	EventNodeMoved    EventType = "node.moved"
)

// Event describes a committed change to one node
type Event struct {
	Type      EventType
	Node      types.NodeRef
	TxnID     int64
	Timestamp time.Time
}

// Subscriber receives each commit's events as one contiguous run. Commits
// publish after releasing the commit lock, so runs from concurrent commits
// may arrive in either order; use Event.TxnID to order them.
type Subscriber chan *Event

const (
	queueSize      = 64
	subscriberSize = 64
)

// filter is nil when the subscriber wants every event type
type filter []EventType

func (f filter) accepts(t EventType) bool {
	return f == nil || slices.Contains(f, t)
}

// Broker fans committed node changes out to subscribers such as indexers.
// The events of one transaction are queued as a single batch so they reach
// every subscriber contiguously. Delivery is best effort: a subscriber whose
// buffer is full misses events.
type Broker struct {
	mu      sync.RWMutex
	subs    map[Subscriber]filter
	batches chan []*Event
	stopCh  chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewBroker returns a broker; call Start before publishing
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[Subscriber]filter),
		batches: make(chan []*Event, queueSize),
		stopCh:  make(chan struct{}),
	}
}

func (b *Broker) Start() {
	go b.loop()
}

// Stop ends delivery. Subscriber channels stay open until Unsubscribe.
func (b *Broker) Stop() {
	b.once.Do(func() { close(b.stopCh) })
}

// Subscribe registers a subscriber for every event type
func (b *Broker) Subscribe() Subscriber {
	return b.SubscribeTypes()
}

// SubscribeTypes registers a subscriber that only sees the given types.
// With no arguments it sees everything.
func (b *Broker) SubscribeTypes(kinds ...EventType) Subscriber {
	var f filter
	if len(kinds) > 0 {
		f = slices.Clone(kinds)
	}

	sub := make(Subscriber, subscriberSize)
	b.mu.Lock()
	b.subs[sub] = f
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Repeated calls are no-ops.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub)
}

// Publish queues the events of one commit. It returns immediately once the
// broker has stopped.
func (b *Broker) Publish(batch ...*Event) {
	if len(batch) == 0 {
		return
	}
	now := time.Now()
	for _, ev := range batch {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
	}

	select {
	case b.batches <- batch:
	case <-b.stopCh:
	}
}

func (b *Broker) loop() {
	for {
		select {
		case batch := <-b.batches:
			b.deliver(batch)
		case <-b.stopCh:
			return
		}
	}
}

// deliver holds the read lock so Unsubscribe cannot close a channel mid-send
func (b *Broker) deliver(batch []*Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, f := range b.subs {
		for _, ev := range batch {
			if !f.accepts(ev.Type) {
				continue
			}
			select {
			case sub <- ev:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// SubscriberCount reports active subscriptions
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports deliveries skipped because a subscriber was full
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
