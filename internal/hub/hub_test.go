package hub

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSubscribePublishUnsubscribe(t *testing.T) {
	h := New(8)
	sub := h.Subscribe("sheet-1")
	if h.SubscriberCount("sheet-1") != 1 {
		t.Fatalf("subscriber count = %d, want 1", h.SubscriberCount("sheet-1"))
	}

	h.Publish("sheet-1", map[string]any{"type": "row_updated"})
	select {
	case msg := <-sub.C:
		payload, ok := msg.(map[string]any)
		if !ok || payload["type"] != "row_updated" {
			t.Fatalf("unexpected message: %#v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}

	h.Unsubscribe(sub)
	if h.SubscriberCount("sheet-1") != 0 {
		t.Fatalf("subscriber count after unsubscribe = %d, want 0", h.SubscriberCount("sheet-1"))
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestPublishTargetsOneSheetOnly(t *testing.T) {
	h := New(8)
	target := h.Subscribe("sheet-1")
	other := h.Subscribe("sheet-2")
	defer h.Unsubscribe(target)
	defer h.Unsubscribe(other)

	h.Publish("sheet-1", "hello")

	select {
	case <-target.C:
	case <-time.After(time.Second):
		t.Fatal("target subscriber missed the message")
	}
	select {
	case msg := <-other.C:
		t.Fatalf("other sheet received %#v", msg)
	default:
	}
}

func TestUnsubscribedConnectionReceivesNothing(t *testing.T) {
	h := New(8)
	gone := h.Subscribe("sheet-1")
	stays := h.Subscribe("sheet-1")
	defer h.Unsubscribe(stays)

	h.Unsubscribe(gone)
	h.Publish("sheet-1", "after-disconnect")

	select {
	case <-stays.C:
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber missed the message")
	}
	// The closed channel yields only the zero value; nothing was enqueued.
	if msg, ok := <-gone.C; ok {
		t.Fatalf("closed subscriber received %#v", msg)
	}
}

func TestSlowSubscriberNeverBlocksPublish(t *testing.T) {
	h := New(2)
	slow := h.Subscribe("sheet-1")
	defer h.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		// Far more messages than the queue holds; nobody drains slow.C.
		for i := 0; i < 100; i++ {
			h.Publish("sheet-1", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if h.Dropped() == 0 {
		t.Fatal("expected drops on the full queue")
	}
}

func TestPerRowOrderIsPreserved(t *testing.T) {
	h := New(128)
	sub := h.Subscribe("sheet-1")
	defer h.Unsubscribe(sub)

	const versions = 50
	for v := 1; v <= versions; v++ {
		h.Publish("sheet-1", map[string]any{"rowIndex": 7, "version": v})
	}

	for want := 1; want <= versions; want++ {
		select {
		case msg := <-sub.C:
			payload := msg.(map[string]any)
			if payload["version"] != want {
				t.Fatalf("out of order: got version %v, want %d", payload["version"], want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing message for version %d", want)
		}
	}
}

func TestOvertakenBroadcastIsDropped(t *testing.T) {
	h := New(8)
	sub := h.Subscribe("sheet-1")
	defer h.Unsubscribe(sub)

	h.Publish("sheet-1", map[string]any{"type": "row_updated", "rowIndex": int64(7), "version": int64(3)})
	// A writer that committed version 2 but was overtaken before its
	// publish ran delivers late; admitting it would invert commit order.
	h.Publish("sheet-1", map[string]any{"type": "row_updated", "rowIndex": int64(7), "version": int64(2)})

	select {
	case msg := <-sub.C:
		if v := msg.(map[string]any)["version"]; v != int64(3) {
			t.Fatalf("first delivery version = %v, want 3", v)
		}
	case <-time.After(time.Second):
		t.Fatal("current version never delivered")
	}
	select {
	case msg := <-sub.C:
		t.Fatalf("stale version delivered: %#v", msg)
	default:
	}
	if h.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", h.Dropped())
	}
}

func TestStaleDropIsScopedToItsRow(t *testing.T) {
	h := New(8)
	sub := h.Subscribe("sheet-1")
	defer h.Unsubscribe(sub)

	h.Publish("sheet-1", map[string]any{"type": "row_updated", "rowIndex": int64(7), "version": int64(5)})
	h.Publish("sheet-1", map[string]any{"type": "row_updated", "rowIndex": int64(8), "version": int64(2)})

	for _, want := range []int64{5, 2} {
		select {
		case msg := <-sub.C:
			if v := msg.(map[string]any)["version"]; v != want {
				t.Fatalf("version = %v, want %d", v, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("message for version %d never delivered", want)
		}
	}
}

func TestConcurrentPublishersNeverInvertPerRowOrder(t *testing.T) {
	h := New(128)
	sub := h.Subscribe("sheet-1")
	defer h.Unsubscribe(sub)

	const writers = 32
	var wg sync.WaitGroup
	for v := 1; v <= writers; v++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			h.Publish("sheet-1", map[string]any{"type": "row_updated", "rowIndex": int64(7), "version": v})
		}(int64(v))
	}
	wg.Wait()

	// Whatever subset was admitted must be strictly increasing, and the
	// highest version can never have been dropped.
	last := int64(0)
	sawHighest := false
	for {
		select {
		case msg := <-sub.C:
			v := msg.(map[string]any)["version"].(int64)
			if v <= last {
				t.Fatalf("version %d delivered after %d", v, last)
			}
			last = v
			if v == writers {
				sawHighest = true
			}
		default:
			if !sawHighest {
				t.Fatalf("highest version missing; last seen %d", last)
			}
			return
		}
	}
}

func TestRecreatedRowRestartsTheBroadcastSequence(t *testing.T) {
	h := New(8)
	sub := h.Subscribe("sheet-1")
	defer h.Unsubscribe(sub)

	h.Publish("sheet-1", map[string]any{"type": "row_updated", "rowIndex": int64(7), "version": int64(2)})
	// The row was emptied and recreated: a fresh document starts at one.
	h.Publish("sheet-1", map[string]any{"type": "row_inserted", "rowIndex": int64(7), "version": int64(1)})
	h.Publish("sheet-1", map[string]any{"type": "row_updated", "rowIndex": int64(7), "version": int64(2)})

	for _, want := range []int64{2, 1, 2} {
		select {
		case msg := <-sub.C:
			if v := msg.(map[string]any)["version"]; v != want {
				t.Fatalf("version = %v, want %d", v, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("message for version %d never delivered", want)
		}
	}
}

func TestDrainClosesEverySubscriber(t *testing.T) {
	h := New(8)
	subs := make([]*Subscriber, 0, 5)
	for i := 0; i < 5; i++ {
		subs = append(subs, h.Subscribe(fmt.Sprintf("sheet-%d", i%2)))
	}

	h.Drain()
	for _, sub := range subs {
		if _, ok := <-sub.C; ok {
			t.Fatal("subscriber channel still open after drain")
		}
	}
	if h.SubscriberCount("sheet-0") != 0 || h.SubscriberCount("sheet-1") != 0 {
		t.Fatal("registry not empty after drain")
	}
}
