package bus

import (
	"testing"
	"time"
)

func TestEventBus_DeliversInOrder(t *testing.T) {
	b := NewEventBus()
	ch, cancel := b.Subscribe("sess-1")
	defer cancel()

	b.Publish(Event{Type: EventTurnStarted, SessionID: "sess-1"})
	b.Publish(Event{Type: EventAssistantDelta, SessionID: "sess-1"})
	b.Publish(Event{Type: EventTurnFinished, SessionID: "sess-1"})

	first := <-ch
	second := <-ch
	third := <-ch

	if first.Type != EventTurnStarted || second.Type != EventAssistantDelta || third.Type != EventTurnFinished {
		t.Fatalf("unexpected event order: %v %v %v", first.Type, second.Type, third.Type)
	}
	if !(first.Seq < second.Seq && second.Seq < third.Seq) {
		t.Fatalf("expected strictly increasing seq, got %d %d %d", first.Seq, second.Seq, third.Seq)
	}
}

func TestEventBus_OtherSessionsUnaffected(t *testing.T) {
	b := NewEventBus()
	chA, cancelA := b.Subscribe("sess-a")
	defer cancelA()
	chB, cancelB := b.Subscribe("sess-b")
	defer cancelB()

	b.Publish(Event{Type: EventTurnStarted, SessionID: "sess-a"})

	select {
	case ev := <-chA:
		if ev.SessionID != "sess-a" {
			t.Fatalf("expected sess-a event, got %s", ev.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for sess-a event")
	}

	select {
	case ev := <-chB:
		t.Fatalf("sess-b should not have received an event, got %v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEventBus_LaggingSubscriberGetsMarkerNotBlock(t *testing.T) {
	b := NewEventBus()
	ch, cancel := b.Subscribe("sess-full")
	defer cancel()

	for i := 0; i < subscriberBufferSize; i++ {
		b.Publish(Event{Type: EventAssistantDelta, SessionID: "sess-full"})
	}

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: EventAssistantDelta, SessionID: "sess-full"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked past its grace period for a full subscriber buffer")
	}

	_ = ch
}

func TestEventBus_CancelClosesChannel(t *testing.T) {
	b := NewEventBus()
	ch, cancel := b.Subscribe("sess-x")
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed after cancel")
	}
	if b.SubscriberCount("sess-x") != 0 {
		t.Fatalf("expected 0 subscribers after cancel")
	}
}
