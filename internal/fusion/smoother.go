// v0
// internal/fusion/smoother.go
package fusion

import (
	"math"
	"sync"
)

// DefaultWindowSize is the number of recent RSSI values averaged per key.
const DefaultWindowSize = 5

// ring is a fixed-capacity FIFO that overwrites its oldest element.
type ring struct {
	buf   []int
	head  int
	count int
	sum   int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]int, capacity)}
}

func (r *ring) push(v int) {
	if r.count == len(r.buf) {
		r.sum -= r.buf[r.head]
	} else {
		r.count++
	}
	r.buf[r.head] = v
	r.sum += v
	r.head = (r.head + 1) % len(r.buf)
}

// mean rounds half away from zero.
func (r *ring) mean() int {
	if r.count == 0 {
		return 0
	}
	return int(math.Round(float64(r.sum) / float64(r.count)))
}

// Smoother keeps a bounded RSSI history per key and returns the rounded
// moving average. It is safe for concurrent use.
type Smoother struct {
	mu      sync.Mutex
	size    int
	windows map[string]*ring
}

// NewSmoother returns a Smoother with the given window capacity. Values
// below one select DefaultWindowSize.
func NewSmoother(size int) *Smoother {
	if size < 1 {
		size = DefaultWindowSize
	}
	return &Smoother{size: size, windows: make(map[string]*ring)}
}

// Smooth appends rssi to the window for key, evicting the oldest value when
// full, and returns the rounded mean of the window.
func (s *Smoother) Smooth(key string, rssi int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok {
		w = newRing(s.size)
		s.windows[key] = w
	}
	w.push(rssi)
	return w.mean()
}

// Forget drops the history for key.
func (s *Smoother) Forget(key string) {
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
}
