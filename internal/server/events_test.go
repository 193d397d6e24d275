package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sjawhar/ghost-recorder/internal/recorder"
	"github.com/sjawhar/ghost-recorder/internal/session"
)

func TestEventSerialization(t *testing.T) {
	snap := session.Snapshot{State: recorder.Paused, Elapsed: time.Second, Bookmarks: []time.Duration{time.Second}}
	events := []any{
		StateChangedEvent{Event: newEvent("state_changed", time.Unix(1, 0)), Snapshot: snap},
		TickEvent{Event: newEvent("tick", time.Unix(1, 0)), ElapsedMS: 1000},
		BookmarksChangedEvent{Event: newEvent("bookmarks_changed", time.Unix(1, 0)), OffsetsMS: millis(snap.Bookmarks)},
		WaveformEvent{Event: newEvent("waveform", time.Unix(1, 0)), Samples: []float64{0, 1}},
		ConnectionEvent{Event: newEvent("connection", time.Unix(1, 0)), Connected: true},
	}

	for _, event := range events {
		b, err := json.Marshal(event)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}

		var payload map[string]any
		if err := json.Unmarshal(b, &payload); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}

		if payload["type"] == nil {
			t.Fatalf("missing type in payload: %s", string(b))
		}
		if payload["version"] == nil {
			t.Fatalf("missing version in payload: %s", string(b))
		}
		if payload["timestamp"] != "1970-01-01T00:00:01Z" {
			t.Fatalf("unexpected timestamp in payload: %s", string(b))
		}
	}
}

func TestHubDropsWhenClientIsSlow(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		hub.OnTick(session.Snapshot{Elapsed: time.Duration(i) * time.Millisecond})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("expected buffer full at %d, got %d", cap(ch), len(ch))
	}
}

func TestHubStateChangedShape(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	hub.OnStateChanged(session.Snapshot{State: recorder.Cancelled})

	select {
	case msg := <-ch:
		var payload struct {
			Type     string `json:"type"`
			Snapshot struct {
				State string `json:"state"`
			} `json:"snapshot"`
		}
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if payload.Type != "state_changed" || payload.Snapshot.State != "cancelled" {
			t.Fatalf("unexpected payload: %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
}
