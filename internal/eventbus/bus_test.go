package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: "monitor.started", Data: 1})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != "monitor.started" || e.Data != 1 {
				t.Fatalf("unexpected event %+v", e)
			}
			if e.Time.IsZero() {
				t.Fatal("Publish should stamp Time")
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a.one"})
	b.Publish(Event{Type: "a.two"})

	if got := (<-ch).Type; got != "a.one" {
		t.Fatalf("first event = %s", got)
	}
	if Dropped(b) != 1 {
		t.Fatalf("Dropped = %d, want 1", Dropped(b))
	}
}

func TestUnsubscribeConcurrentPublish(t *testing.T) {
	t.Parallel()
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		_, unsub := b.Subscribe(1)
		wg.Add(2)
		go func() { defer wg.Done(); b.Publish(Event{Type: "x.y"}) }()
		go func() { defer wg.Done(); unsub(); unsub() }()
	}
	wg.Wait()
}

func TestEventDomain(t *testing.T) {
	t.Parallel()
	if d := (Event{Type: "permission.changed"}).Domain(); d != "permission" {
		t.Fatalf("Domain = %q", d)
	}
	if d := (Event{Type: "plain"}).Domain(); d != "plain" {
		t.Fatalf("Domain = %q", d)
	}
}
