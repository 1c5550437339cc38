package events

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/nodestore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	node := types.NodeRef{Store: types.StoreRef{Protocol: "workspace", Identifier: "SpacesStore"}, ID: "n1"}
	b.Publish(&Event{Type: EventNodeCreated, Node: node, TxnID: 3})

	for _, sub := range []Subscriber{s1, s2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventNodeCreated, ev.Type)
			assert.Equal(t, node, ev.Node)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	b.Unsubscribe(s1)
	b.Unsubscribe(s1)
	assert.Equal(t, 1, b.SubscriberCount())
	_, open := <-s1
	assert.False(t, open)
}

func TestBrokerDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	for i := 0; i < cap(sub)+10; i++ {
		b.Publish(&Event{Type: EventNodeUpdated, TxnID: int64(i)})
	}

	require.Eventually(t, func() bool { return b.Dropped() == 10 }, time.Second, 10*time.Millisecond)
	assert.Len(t, sub, cap(sub))
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Stop()
	b.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(&Event{Type: EventNodeDeleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after stop")
	}
}

func TestSubscribeTypesFilters(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.SubscribeTypes(EventNodeDeleted, EventNodeArchived)
	all := b.Subscribe()

	b.Publish(
		&Event{Type: EventNodeUpdated, TxnID: 7},
		&Event{Type: EventNodeDeleted, TxnID: 7},
		&Event{Type: EventNodeArchived, TxnID: 7},
	)

	var got []EventType
	for len(got) < 2 {
		select {
		case ev := <-sub:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("filtered events not delivered")
		}
	}
	assert.Equal(t, []EventType{EventNodeDeleted, EventNodeArchived}, got)

	require.Eventually(t, func() bool { return len(all) == 3 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, sub)
}

func TestBatchesStayContiguous(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()
	sub := b.Subscribe()

	const commits, perCommit = 4, 5
	var wg sync.WaitGroup
	for txn := 1; txn <= commits; txn++ {
		txn := txn
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch := make([]*Event, perCommit)
			for i := range batch {
				batch[i] = &Event{Type: EventNodeUpdated, TxnID: int64(txn)}
			}
			b.Publish(batch...)
		}()
	}
	wg.Wait()

	seen := map[int64]bool{}
	var current int64
	for i := 0; i < commits*perCommit; i++ {
		select {
		case ev := <-sub:
			if ev.TxnID != current {
				assert.False(t, seen[ev.TxnID], "txn %d split across runs", ev.TxnID)
				seen[ev.TxnID] = true
				current = ev.TxnID
			}
		case <-time.After(time.Second):
			t.Fatal("events not delivered")
		}
	}
	assert.Len(t, seen, commits)
}
