package eventbus

import "testing"

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()

	b := New()
	runs, unsubRuns := b.Subscribe(4, "run.")
	defer unsubRuns()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: "run.failed", Data: 1})
	b.Publish(Event{Type: "config.reloaded"})

	if got := len(runs); got != 1 {
		t.Fatalf("len(runs) = %d, want 1", got)
	}
	if got := len(all); got != 2 {
		t.Fatalf("len(all) = %d, want 2", got)
	}
	e := <-runs
	if e.Type != "run.failed" || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: "after"})
}
