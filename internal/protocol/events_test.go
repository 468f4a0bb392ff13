package protocol

import "testing"

func TestBroadcasterDeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcaster[int](4)
	defer b.Close()

	first, cancelFirst := b.Subscribe()
	defer cancelFirst()
	second, cancelSecond := b.Subscribe()
	defer cancelSecond()

	b.Publish(7)

	if got := <-first; got != 7 {
		t.Fatalf("first subscriber got %d, want 7", got)
	}
	if got := <-second; got != 7 {
		t.Fatalf("second subscriber got %d, want 7", got)
	}
}

func TestBroadcasterDropsOldestWhenFull(t *testing.T) {
	b := NewBroadcaster[int](2)
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(1)
	b.Publish(2)
	b.Publish(3)

	if got := <-ch; got != 2 {
		t.Fatalf("first delivered value=%d, want 2", got)
	}
	if got := <-ch; got != 3 {
		t.Fatalf("second delivered value=%d, want 3", got)
	}
}

func TestBroadcasterCancelStopsDelivery(t *testing.T) {
	b := NewBroadcaster[int](4)
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("cancelled subscriber channel still open")
	}

	// A second cancel must be harmless.
	cancel()
	b.Publish(1)
}

func TestBroadcasterCloseEndsSubscribers(t *testing.T) {
	b := NewBroadcaster[string](4)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Close()
	if _, ok := <-ch; ok {
		t.Fatal("subscriber channel open after Close")
	}

	late, _ := b.Subscribe()
	if _, ok := <-late; ok {
		t.Fatal("subscription after Close returned an open channel")
	}
}
