package eventbus

import (
	"testing"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	sent, unsubSent := b.Subscribe(4, MessageSent)
	defer unsubSent()

	b.Publish(Event{Type: GroupAdded})
	b.Publish(Event{Type: MessageSent, Data: "x"})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(sent); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	e := <-sent
	if e.Type != MessageSent || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if len(ch) != 1 {
		t.Fatalf("buffer holds %d, want 1", len(ch))
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "c"})
}
