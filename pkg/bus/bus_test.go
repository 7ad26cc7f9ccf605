package bus

import (
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event := <-sub.C:
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(EventConnectivityUp)
	defer sub.Unsubscribe()

	b.Publish(EventConnectivityUp, "hello")

	event := receive(t, sub)
	if event.Type != EventConnectivityUp || event.Payload != "hello" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestBus_TypeFilter(t *testing.T) {
	b := New()
	sub := b.Subscribe(EventConnectivityDown)
	defer sub.Unsubscribe()

	b.Publish(EventConnectivityUp, nil)
	b.Publish(EventConnectivityDown, nil)

	event := receive(t, sub)
	if event.Type != EventConnectivityDown {
		t.Fatalf("filter leaked event: %+v", event)
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish(EventProducerAdded, nil)
	b.Publish(EventProducerRemoved, nil)

	first := receive(t, sub)
	second := receive(t, sub)
	if first.Type != EventProducerAdded || second.Type != EventProducerRemoved {
		t.Fatalf("unexpected order: %s, %s", first.Type, second.Type)
	}
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	b := New()
	sub := b.Subscribe(EventConnectivityUp)
	defer sub.Unsubscribe()

	// Overfill the buffered channel; publishing must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(EventConnectivityUp, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(EventConnectivityUp)

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel")
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(EventConnectivityUp, nil)
}
