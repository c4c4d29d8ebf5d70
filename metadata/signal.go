package metadata

import (
	"sync"
	"time"
)

// timeSignal fans out the last backup time to watchers. Publishing the value
// already held is a no-op, and a slow watcher only ever sees the latest value.
type timeSignal struct {
	mu       sync.Mutex
	value    time.Time
	set      bool
	watchers map[chan time.Time]struct{}
}

func newTimeSignal() *timeSignal {
	return &timeSignal{watchers: make(map[chan time.Time]struct{})}
}

// publish stores t and notifies watchers if it differs from the held value.
// It reports whether watchers were notified.
func (s *timeSignal) publish(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.set && s.value.Equal(t) {
		return false
	}
	s.value, s.set = t, true
	for ch := range s.watchers {
		offer(ch, t)
	}
	return true
}

// watch registers a watcher. The current value, if any, is delivered first.
func (s *timeSignal) watch() (<-chan time.Time, func()) {
	ch := make(chan time.Time, 1)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	if s.set {
		ch <- s.value
	}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, ch)
			s.mu.Unlock()
		})
	}
}

// offer replaces any undelivered value in ch with t.
func offer(ch chan time.Time, t time.Time) {
	for {
		select {
		case ch <- t:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
