package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubC()

	b.Publish(Event{Type: JobFailed, Data: "delivery"})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != JobFailed || e.Time.IsZero() {
				t.Fatalf("unexpected event: %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: JobStarted})
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if e := <-ch; e.Type != "a" {
		t.Fatalf("got %s, want a", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("second event should be dropped, got %+v", e)
	default:
	}
	Publish(nil, "noop", nil)
}
