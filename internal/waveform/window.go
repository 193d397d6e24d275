package waveform

import "sync"

const (
	DefaultCapacity = 100

	// Sentinel pads a window that has not yet received Capacity samples.
	Sentinel = 0.0
)

// Window keeps the most recent samples in arrival order. Producers never
// block: once full, every Push drops the oldest sample.
type Window struct {
	mu    sync.Mutex
	buf   []float64
	start int
	n     int
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{buf: make([]float64, capacity)}
}

func (w *Window) Push(sample float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	c := len(w.buf)
	if w.n < c {
		w.buf[(w.start+w.n)%c] = sample
		w.n++
		return
	}
	w.buf[w.start] = sample
	w.start = (w.start + 1) % c
}

// Snapshot returns a fresh slice of exactly Capacity elements: the held
// samples oldest first, right-padded with Sentinel.
func (w *Window) Snapshot() []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	c := len(w.buf)
	out := make([]float64, c)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.start+i)%c]
	}
	for i := w.n; i < c; i++ {
		out[i] = Sentinel
	}
	return out
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

func (w *Window) Capacity() int {
	return len(w.buf)
}

func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.start = 0
	w.n = 0
}
