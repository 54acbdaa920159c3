package notify

import "testing"

func TestFanOut(t *testing.T) {
	n := New[int](4)
	a, cancelA := n.Subscribe()
	b, cancelB := n.Subscribe()
	defer cancelA()
	defer cancelB()

	if got := n.Notify(7); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}
	if v := <-a; v != 7 {
		t.Fatalf("a got %d", v)
	}
	if v := <-b; v != 7 {
		t.Fatalf("b got %d", v)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	n := New[int](1)
	ch, cancel := n.Subscribe()
	defer cancel()
	n.Notify(1)
	if got := n.Notify(2); got != 0 {
		t.Fatalf("expected drop, delivered=%d", got)
	}
	if v := <-ch; v != 1 {
		t.Fatalf("got %d", v)
	}
}

func TestCancelAndClose(t *testing.T) {
	n := New[string](1)
	ch, cancel := n.Subscribe()
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after cancel")
	}

	ch2, _ := n.Subscribe()
	n.Close()
	if _, ok := <-ch2; ok {
		t.Fatalf("channel should be closed after Close")
	}
	ch3, _ := n.Subscribe()
	if _, ok := <-ch3; ok {
		t.Fatalf("subscribe after Close should yield closed channel")
	}
	if n.Notify("x") != 0 {
		t.Fatalf("notify after close should deliver nothing")
	}
}
