package bus

import (
	"encoding/json"
	"testing"
	"time"
)

func mustEnvelope(t *testing.T, eventType string, payload any) Envelope {
	t.Helper()
	evt, err := NewEnvelope(eventType, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return evt
}

func TestPublishFanOut(t *testing.T) {
	hub := NewHub()
	ch1, cancel1 := hub.Subscribe("sandbox_sb-1")
	defer cancel1()
	ch2, cancel2 := hub.Subscribe("sandbox_sb-1")
	defer cancel2()
	other, cancelOther := hub.Subscribe("sandbox_sb-2")
	defer cancelOther()

	evt := mustEnvelope(t, TypeLog, map[string]string{"content": "hello"})
	if got := hub.Publish("sandbox_sb-1", evt); got != 2 {
		t.Fatalf("Publish delivered to %d subscribers, want 2", got)
	}

	for _, ch := range []<-chan Envelope{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Type != TypeLog {
				t.Fatalf("got type %q, want %q", got.Type, TypeLog)
			}
		default:
			t.Fatal("subscriber did not receive event")
		}
	}
	select {
	case <-other:
		t.Fatal("event leaked to a different channel")
	default:
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	hub := NewHub()
	evt := mustEnvelope(t, TypeStatusUpdate, map[string]string{"status": "running"})
	if got := hub.Publish("sandbox_none", evt); got != 0 {
		t.Fatalf("Publish to empty channel delivered %d, want 0", got)
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("sandbox_sb-1")
	defer cancel()

	evt := mustEnvelope(t, TypeLog, map[string]string{"content": "x"})
	// Fill the subscriber buffer without draining.
	for i := 0; i < hub.bufferSize; i++ {
		if got := hub.Publish("sandbox_sb-1", evt); got != 1 {
			t.Fatalf("publish %d delivered %d, want 1", i, got)
		}
	}
	// Buffer is full now; the publisher must not block and must report the drop.
	if got := hub.Publish("sandbox_sb-1", evt); got != 0 {
		t.Fatalf("overflow publish delivered %d, want 0 (dropped)", got)
	}

	// Drain one and confirm delivery resumes.
	<-ch
	if got := hub.Publish("sandbox_sb-1", evt); got != 1 {
		t.Fatalf("post-drain publish delivered %d, want 1", got)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("task_t-1")
	if got := hub.SubscriberCount("task_t-1"); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}
	cancel()
	cancel() // second call must be a no-op, not a double close
	if got := hub.SubscriberCount("task_t-1"); got != 0 {
		t.Fatalf("SubscriberCount after cancel = %d, want 0", got)
	}
	if names := hub.Channels(); len(names) != 0 {
		t.Fatalf("Channels after cancel = %v, want empty", names)
	}
}

func TestPublishStampsMissingTimestamp(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("test_sess-1")
	defer cancel()

	raw, _ := json.Marshal(map[string]string{"status": "passed"})
	hub.Publish("test_sess-1", Envelope{Type: TypeTestUpdate, Payload: raw})
	got := <-ch
	if got.Timestamp == 0 {
		t.Fatal("Publish did not stamp envelope timestamp")
	}
	now := Stamp(time.Now())
	if got.Timestamp > now || now-got.Timestamp > 5 {
		t.Fatalf("timestamp %f too far from now %f", got.Timestamp, now)
	}
}
