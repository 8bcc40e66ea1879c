package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	// A second unsubscribe of the same channel must not panic on double close.
	b.Unsubscribe(ch1)

	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: EventFileDeleted, Subject: "IMG_0001.jpg", Size: 2048})

	select {
	case got := <-ch:
		if got.Type != EventFileDeleted {
			t.Errorf("expected type %s, got %s", EventFileDeleted, got.Type)
		}
		if got.Subject != "IMG_0001.jpg" {
			t.Errorf("expected subject IMG_0001.jpg, got %s", got.Subject)
		}
		if got.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(Event{Type: EventWifiAdded, Subject: "HomeNet"})

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Subject != "HomeNet" {
				t.Errorf("subscriber %d: expected HomeNet, got %s", i, got.Subject)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventUpdateStaged})
	}

	count := 0
	for len(ch) > 0 {
		<-ch
		count++
	}
	if count != subscriberBuffer {
		t.Errorf("expected %d buffered events, got %d", subscriberBuffer, count)
	}
}

func TestMarshalEventOmitsEmptyFields(t *testing.T) {
	data, err := MarshalEvent(Event{Type: EventWifiCleared, Timestamp: 1234567890})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["subject"]; ok {
		t.Errorf("expected subject to be omitted, got %s", data)
	}
	if m["type"] != EventWifiCleared {
		t.Errorf("unexpected type in %s", data)
	}
}
