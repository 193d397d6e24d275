package server

import (
	"time"

	"github.com/sjawhar/ghost-recorder/internal/session"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type StateChangedEvent struct {
	Event
	Snapshot session.Snapshot `json:"snapshot"`
}

type TickEvent struct {
	Event
	ElapsedMS int64 `json:"elapsed_ms"`
}

type BookmarksChangedEvent struct {
	Event
	OffsetsMS []int64 `json:"offsets_ms"`
}

type WaveformEvent struct {
	Event
	Samples []float64 `json:"samples"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

func millis(ds []time.Duration) []int64 {
	out := make([]int64, len(ds))
	for i, d := range ds {
		out[i] = d.Milliseconds()
	}
	return out
}
