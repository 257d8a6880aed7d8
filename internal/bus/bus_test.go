package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribePrefixFilter(t *testing.T) {
	b := New()

	deliveryCh, unsubDelivery := b.Subscribe("delivery.", 10)
	defer unsubDelivery()
	syncCh, unsubSync := b.Subscribe("sync.", 10)
	defer unsubSync()
	allCh, unsubAll := b.Subscribe("", 10)
	defer unsubAll()

	b.Emit(KindDeliveryStarted, DeliveryEvent{MessageID: 1})
	b.Emit(KindSyncFinished, SyncEvent{})

	select {
	case evt := <-deliveryCh:
		if evt.Kind != KindDeliveryStarted {
			t.Errorf("kind = %q, want %q", evt.Kind, KindDeliveryStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery event")
	}

	select {
	case evt := <-deliveryCh:
		t.Fatalf("delivery subscriber received unrelated event %q", evt.Kind)
	default:
	}

	select {
	case evt := <-syncCh:
		if evt.Kind != KindSyncFinished {
			t.Errorf("kind = %q, want %q", evt.Kind, KindSyncFinished)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sync event")
	}

	// Empty namespace matches everything.
	for i := 0; i < 2; i++ {
		select {
		case <-allCh:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting on catch-all subscriber")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("delivery.", 10)
	unsub()

	b.Emit(KindDeliveryQueued, nil)

	select {
	case evt := <-ch:
		t.Fatalf("received event %q after unsubscribe", evt.Kind)
	default:
	}
}

func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("delivery.", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Emit(KindDeliveryProgress, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
}
