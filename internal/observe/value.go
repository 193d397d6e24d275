package observe

import "sync"

// Value holds the latest value of a single-writer stream and fans it out to
// any number of readers. Subscribers receive the current value immediately;
// a slow subscriber only ever misses intermediate values, never the latest.
type Value[T any] struct {
	mu   sync.RWMutex
	cur  T
	subs map[chan T]struct{}
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{cur: initial, subs: make(map[chan T]struct{})}
}

func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cur
}

// Set stores x and offers it to every subscriber without blocking.
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.cur = x
	for ch := range v.subs {
		offer(ch, x)
	}
}

// Subscribe returns a channel primed with the current value and a cancel
// func that closes it.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)

	v.mu.Lock()
	ch <- v.cur
	v.subs[ch] = struct{}{}
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, ch)
			v.mu.Unlock()
			close(ch)
		})
	}
}

func (v *Value[T]) Subscribers() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.subs)
}

// offer replaces a pending stale value so the channel always ends up holding
// the newest one. Callers hold the write lock, so there is one sender.
func offer[T any](ch chan T, x T) {
	select {
	case ch <- x:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- x:
	default:
	}
}
