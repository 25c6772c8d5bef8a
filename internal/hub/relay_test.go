package hub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupRelayPair(t *testing.T) (*Relay, *Hub, *Relay, *Hub) {
	t.Helper()
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()

	hubA := New(8)
	relayA, err := NewRelay(url, hubA)
	if err != nil {
		t.Fatalf("relay A: %v", err)
	}
	t.Cleanup(func() { _ = relayA.Close() })

	hubB := New(8)
	relayB, err := NewRelay(url, hubB)
	if err != nil {
		t.Fatalf("relay B: %v", err)
	}
	t.Cleanup(func() { _ = relayB.Close() })

	// Pattern subscriptions register asynchronously.
	time.Sleep(50 * time.Millisecond)
	return relayA, hubA, relayB, hubB
}

func TestRelayBridgesInstances(t *testing.T) {
	relayA, _, _, hubB := setupRelayPair(t)

	remote := hubB.Subscribe("sheet-1")
	defer hubB.Unsubscribe(remote)

	relayA.Publish("sheet-1", map[string]any{"type": "row_updated", "version": float64(2)})

	select {
	case msg := <-remote.C:
		payload, ok := msg.(map[string]any)
		if !ok || payload["type"] != "row_updated" {
			t.Fatalf("unexpected relayed message: %#v", msg)
		}
		if payload["version"] != float64(2) {
			t.Fatalf("relayed version = %v, want 2", payload["version"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remote subscriber never received the relayed message")
	}
}

func TestRelaySkipsItsOwnMessages(t *testing.T) {
	relayA, hubA, _, _ := setupRelayPair(t)

	local := hubA.Subscribe("sheet-1")
	defer hubA.Unsubscribe(local)

	relayA.Publish("sheet-1", map[string]any{"type": "row_inserted"})

	select {
	case <-local.C:
	case <-time.After(2 * time.Second):
		t.Fatal("local subscriber missed the publish")
	}

	// Wait long enough for a wrongly-echoed copy to arrive.
	select {
	case msg := <-local.C:
		t.Fatalf("local subscriber received a duplicate via the relay: %#v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRelayPing(t *testing.T) {
	relayA, _, _, _ := setupRelayPair(t)
	if err := relayA.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}
