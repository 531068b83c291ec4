package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("session.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicSessionCreated, SessionCreatedEvent{SessionID: "s1"})

	ev := recv(t, sub)
	assert.Equal(t, TopicSessionCreated, ev.Topic)
	assert.Equal(t, SessionCreatedEvent{SessionID: "s1"}, ev.Payload)
	assert.False(t, ev.At.IsZero())
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	autosave := b.Subscribe("autosave.")
	defer b.Unsubscribe(autosave)
	all := b.Subscribe("")
	defer b.Unsubscribe(all)

	b.Publish(TopicAutosaveFlushed, AutosaveFlushEvent{Changes: 2})
	b.Publish(TopicSchemaUpgraded, SchemaUpgradedEvent{From: 0, To: 1})

	assert.Equal(t, TopicAutosaveFlushed, recv(t, autosave).Topic)
	select {
	case ev := <-autosave.Ch():
		t.Fatalf("unexpected event on autosave subscription: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, TopicAutosaveFlushed, recv(t, all).Topic)
	assert.Equal(t, TopicSchemaUpgraded, recv(t, all).Topic)
}

func TestBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish("x", i)
	}

	assert.Len(t, sub.ch, defaultBufferSize)
	assert.Equal(t, uint64(10), b.Dropped())
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("x")
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	assert.Equal(t, 0, b.SubscriberCount())
	_, ok := <-sub.Ch()
	assert.False(t, ok, "channel should be closed")
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish("concurrent", id*100+i)
			}
		}(g)
	}
	wg.Wait()

	assert.Len(t, sub.ch, goroutines*perGoroutine)
}
