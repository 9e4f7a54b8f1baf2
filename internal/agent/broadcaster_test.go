package agent

import (
	"testing"
	"time"
)

func TestBroadcaster_FiltersBySession(t *testing.T) {
	b := NewBroadcaster(16)
	defer b.Close()

	one := b.Subscribe("s1")
	all := b.Subscribe("")

	b.Publish(Event{Type: EventText, SessionID: "s2", Text: "other"})
	b.Publish(Event{Type: EventText, SessionID: "s1", Text: "mine"})

	if ev := nextEvent(t, one, EventText); ev.Text != "mine" {
		t.Errorf("session subscriber got %q", ev.Text)
	}
	first := nextEvent(t, all, EventText)
	second := nextEvent(t, all, EventText)
	if first.Text != "other" || second.Text != "mine" {
		t.Errorf("wildcard subscriber got %q then %q", first.Text, second.Text)
	}
}

func TestBroadcaster_PreservesOrder(t *testing.T) {
	b := NewBroadcaster(64)
	defer b.Close()
	sub := b.Subscribe("s")

	for i := 0; i < 20; i++ {
		b.Publish(Event{Type: EventText, SessionID: "s", Text: string(rune('a' + i))})
	}
	for i := 0; i < 20; i++ {
		ev := nextEvent(t, sub, EventText)
		if want := string(rune('a' + i)); ev.Text != want {
			t.Fatalf("event %d = %q, want %q", i, ev.Text, want)
		}
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(1)
	defer b.Close()
	_ = b.Subscribe("s") // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: EventText, SessionID: "s"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Dropped() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Dropped() == 0 {
		t.Error("expected dropped events to be counted")
	}
}

func TestBroadcaster_CloseEndsSubscriptions(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe("s")
	b.Close()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}

	if b.Publish(Event{SessionID: "s"}) {
		t.Error("Publish after Close should report false")
	}
	late := b.Subscribe("s")
	if _, ok := <-late.C; ok {
		t.Error("Subscribe after Close should return a closed channel")
	}
	sub.Close() // idempotent after broadcaster close
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	b := NewBroadcaster(4)
	defer b.Close()
	sub := b.Subscribe("s")
	sub.Close()
	sub.Close()

	b.Publish(Event{Type: EventText, SessionID: "s"})
	if _, ok := <-sub.C; ok {
		t.Error("closed subscription received an event")
	}
}
