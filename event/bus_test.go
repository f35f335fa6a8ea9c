package event

import "testing"

func TestSubscribePublishUnsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)

	b.Publish(Event{Kind: KindStarted, ServerId: "s1"})

	select {
	case ev := <-sub.Events():
		if ev.Kind != KindStarted || ev.ServerId != "s1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected event to be delivered")
	}

	sub.Unsubscribe()
	// Unsubscribe is idempotent.
	sub.Unsubscribe()

	b.Publish(Event{Kind: KindTerminated, ServerId: "s1"})
	if _, ok := <-sub.Events(); ok {
		t.Error("expected channel closed after unsubscribe, got a value")
	}
}

func TestPublishNonBlockingOnFullMailbox(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Kind: KindCrashed})
		b.Publish(Event{Kind: KindCrashed}) // mailbox full, should drop not block
		close(done)
	}()
	select {
	case <-done:
	default:
	}
	<-done
	_ = sub
}
