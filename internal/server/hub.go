package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/ghost-recorder/internal/session"
)

// Hub fans session events out to websocket clients. It is a session.Observer;
// broadcasting never blocks, so slow clients drop messages instead of
// stalling the session.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

var _ session.Observer = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) OnStateChanged(s session.Snapshot) {
	h.broadcastEvent(StateChangedEvent{
		Event:    newEvent("state_changed", time.Now().UTC()),
		Snapshot: s,
	})
}

func (h *Hub) OnTick(s session.Snapshot) {
	h.broadcastEvent(TickEvent{
		Event:     newEvent("tick", time.Now().UTC()),
		ElapsedMS: s.Elapsed.Milliseconds(),
	})
}

// Relay broadcasts bookmark and waveform updates until ctx is done.
func (h *Hub) Relay(ctx context.Context, marks <-chan []time.Duration, waveform <-chan []float64) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-marks:
			if !ok {
				marks = nil
				continue
			}
			h.broadcastEvent(BookmarksChangedEvent{
				Event:     newEvent("bookmarks_changed", time.Now().UTC()),
				OffsetsMS: millis(m),
			})
		case w, ok := <-waveform:
			if !ok {
				waveform = nil
				continue
			}
			h.broadcastEvent(WaveformEvent{
				Event:   newEvent("waveform", time.Now().UTC()),
				Samples: w,
			})
		}
	}
}

func (h *Hub) broadcastEvent(event any) {
	if h.Clients() == 0 {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("event marshal", "error", err)
		return
	}
	h.Broadcast(payload)
}
