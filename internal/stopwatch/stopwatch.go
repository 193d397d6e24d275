package stopwatch

import (
	"sync"
	"time"

	"github.com/sjawhar/ghost-recorder/internal/observe"
)

const DefaultTickInterval = 50 * time.Millisecond

type State int

const (
	Idle State = iota
	Running
	Paused
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StopWatch measures time spent in the Running state only. Elapsed time is
// accumulated from successive clock samples taken on a fixed tick, so time
// spent paused or stopped never counts.
type StopWatch struct {
	interval time.Duration
	clock    func() time.Time

	mu      sync.Mutex
	state   State
	total   time.Duration
	last    time.Time
	ticking  *ticker
	elapsed  *observe.Value[time.Duration]
	onChange func(time.Duration)
}

type Option func(*StopWatch)

func WithTickInterval(d time.Duration) Option {
	return func(sw *StopWatch) {
		if d < time.Millisecond {
			d = time.Millisecond
		}
		sw.interval = d
	}
}

// WithClock replaces time.Now. The default clock carries a monotonic reading,
// so wall-clock adjustments do not leak into elapsed time.
func WithClock(clock func() time.Time) Option {
	return func(sw *StopWatch) {
		if clock != nil {
			sw.clock = clock
		}
	}
}

func New(opts ...Option) *StopWatch {
	sw := &StopWatch{
		interval: DefaultTickInterval,
		clock:    time.Now,
		elapsed:  observe.NewValue(time.Duration(0)),
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

func (sw *StopWatch) StartOrResume() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.state == Running {
		return
	}
	if sw.state == Completed || sw.state == Cancelled {
		sw.total = 0
	}
	sw.state = Running
	sw.last = sw.clock()

	t := &ticker{done: make(chan struct{}), exited: make(chan struct{})}
	sw.ticking = t
	go sw.loop(t)
}

func (sw *StopWatch) Pause() {
	sw.mu.Lock()
	if sw.state != Running {
		sw.mu.Unlock()
		return
	}
	sw.sampleLocked()
	sw.state = Paused
	t := sw.detachLocked()
	sw.mu.Unlock()

	sw.join(t)
}

// Stop reports the final elapsed time and then resets it to zero.
func (sw *StopWatch) Stop() time.Duration {
	sw.mu.Lock()
	if sw.state == Running {
		sw.sampleLocked()
	}
	final := sw.total
	sw.total = 0
	sw.state = Completed
	t := sw.detachLocked()
	sw.publishLocked(0)
	sw.mu.Unlock()

	sw.join(t)
	return final
}

func (sw *StopWatch) Cancel() {
	sw.halt(Cancelled)
}

func (sw *StopWatch) Reset() {
	sw.halt(Idle)
}

func (sw *StopWatch) Elapsed() time.Duration {
	return sw.elapsed.Get()
}

func (sw *StopWatch) State() State {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.state
}

// Subscribe delivers the current elapsed time and the latest later change.
// A slow reader skips intermediate values. Unsubscribing does not affect
// ticking.
func (sw *StopWatch) Subscribe() (<-chan time.Duration, func()) {
	return sw.elapsed.Subscribe()
}

// OnChange registers fn to receive every change of the elapsed time, in
// order, with nothing skipped. fn runs with the stopwatch locked and must not
// call back into it.
func (sw *StopWatch) OnChange(fn func(time.Duration)) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.onChange = fn
}

func (sw *StopWatch) halt(next State) {
	sw.mu.Lock()
	sw.total = 0
	sw.state = next
	t := sw.detachLocked()
	sw.publishLocked(0)
	sw.mu.Unlock()

	sw.join(t)
}

// ticker is one run of the tick goroutine.
type ticker struct {
	done   chan struct{}
	exited chan struct{}
}

func (sw *StopWatch) loop(t *ticker) {
	defer close(t.exited)

	tick := time.NewTicker(sw.interval)
	defer tick.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-tick.C:
			sw.mu.Lock()
			if sw.state == Running {
				sw.sampleLocked()
			}
			sw.mu.Unlock()
		}
	}
}

// sampleLocked folds the delta since the last sample into total. Scheduler
// jitter or a coarse clock can yield a non-positive delta; those are dropped
// and the reference point is kept.
func (sw *StopWatch) sampleLocked() {
	now := sw.clock()
	delta := now.Sub(sw.last)
	if delta <= 0 {
		return
	}
	sw.last = now
	sw.total += delta
	sw.publishLocked(sw.total)
}

func (sw *StopWatch) publishLocked(d time.Duration) {
	prev := sw.elapsed.Get()
	sw.elapsed.Set(d)
	if d != prev && sw.onChange != nil {
		sw.onChange(d)
	}
}

func (sw *StopWatch) detachLocked() *ticker {
	t := sw.ticking
	sw.ticking = nil
	return t
}

// join stops a detached tick goroutine and waits for it to exit. It must be
// called without holding mu.
func (sw *StopWatch) join(t *ticker) {
	if t == nil {
		return
	}
	close(t.done)
	<-t.exited
}
