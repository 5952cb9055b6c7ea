package subscribe

import (
	"testing"
	"time"

	"gossipkv/internal/store"
)

func TestSubscribeMatchesPrefix(t *testing.T) {
	m := New()
	var got []string
	m.Subscribe("users", func(ev Event) {
		got = append(got, ev.Path)
	})

	m.Notify("users/1", store.Record{})
	m.Notify("orders/1", store.Record{})
	m.Notify("users/2", store.Record{})

	if len(got) != 2 || got[0] != "users/1" || got[1] != "users/2" {
		t.Fatalf("expected only users/ paths delivered, got %v", got)
	}
}

func TestEmptyPrefixMatchesEverything(t *testing.T) {
	m := New()
	count := 0
	m.Subscribe("", func(Event) { count++ })

	m.Notify("a", store.Record{})
	m.Notify("b/c", store.Record{})

	if count != 2 {
		t.Fatalf("expected 2 deliveries for catch-all subscription, got %d", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := New()
	count := 0
	id := m.Subscribe("x", func(Event) { count++ })
	m.Notify("x/1", store.Record{})
	m.Unsubscribe(id)
	m.Notify("x/2", store.Record{})

	if count != 1 {
		t.Fatalf("expected exactly 1 delivery before unsubscribe, got %d", count)
	}
}

func TestUnsubscribeUnknownIDIsNoop(t *testing.T) {
	m := New()
	m.Subscribe("x", func(Event) {})
	m.Unsubscribe(ID(9999))
	if m.Count() != 1 {
		t.Fatalf("expected the unknown unsubscribe to be a no-op, count=%d", m.Count())
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	m := New()
	secondCalled := false
	m.Subscribe("x", func(Event) { panic("boom") })
	m.Subscribe("x", func(Event) { secondCalled = true })

	m.Notify("x/1", store.Record{})

	if !secondCalled {
		t.Fatal("expected the second subscriber to run despite the first panicking")
	}
}

func TestNotifyOutsideLockAllowsResubscribeInHandler(t *testing.T) {
	m := New()
	done := make(chan struct{})
	m.Subscribe("x", func(Event) {
		go func() {
			m.Subscribe("y", func(Event) {})
			close(done)
		}()
	})
	m.Notify("x/1", store.Record{})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("re-subscribing from within a handler deadlocked")
	}
}

func TestCountReflectsSubscriptions(t *testing.T) {
	m := New()
	if m.Count() != 0 {
		t.Fatalf("expected 0, got %d", m.Count())
	}
	id1 := m.Subscribe("a", func(Event) {})
	m.Subscribe("b", func(Event) {})
	if m.Count() != 2 {
		t.Fatalf("expected 2, got %d", m.Count())
	}
	m.Unsubscribe(id1)
	if m.Count() != 1 {
		t.Fatalf("expected 1 after unsubscribe, got %d", m.Count())
	}
}
