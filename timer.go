package coloop

import (
	"container/heap"
	"sync"
	"time"
)

// TimerManager stores deadline based callbacks for the loop.
//
// Schedule and Cancel may be called from any goroutine. The remaining
// methods are called by the loop thread only.
type TimerManager interface {
	// NextTimeout returns the time left until the earliest deadline, or
	// false if no timer is pending.
	NextTimeout(now time.Time) (time.Duration, bool)

	// PopExpired removes every timer whose deadline is not after now,
	// appending them to dst in deadline order.
	PopExpired(now time.Time, dst []*Timer) []*Timer

	// Schedule registers fn to run once, after delay.
	Schedule(delay time.Duration, fn func()) *Timer

	// Cancel prevents a pending timer from firing, reporting whether it was
	// still pending. Cancelling a timer that was already popped is a no-op.
	Cancel(t *Timer) bool

	// Remove releases a popped timer after its callback ran.
	Remove(t *Timer)

	// Len returns the number of pending timers.
	Len() int
}

// Timer is a handle to a scheduled callback.
type Timer struct {
	when  time.Time
	fn    func()
	seq   uint64
	index int // heap index, -1 once popped or cancelled
}

// When returns the deadline of the timer.
func (t *Timer) When() time.Time { return t.when }

// run executes the callback, which is cleared by Remove.
func (t *Timer) run() {
	if fn := t.fn; fn != nil {
		fn()
	}
}

// timerHeap is a min-heap of timers, FIFO among equal deadlines.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// heapTimers is the default TimerManager.
type heapTimers struct {
	now    func() time.Time
	timers timerHeap
	seq    uint64
	mu     sync.Mutex
}

// NewTimerManager returns the default, heap based, TimerManager.
func NewTimerManager() TimerManager {
	return newHeapTimers(time.Now)
}

func newHeapTimers(now func() time.Time) *heapTimers {
	return &heapTimers{now: now}
}

func (m *heapTimers) NextTimeout(now time.Time) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return 0, false
	}
	return max(m.timers[0].when.Sub(now), 0), true
}

func (m *heapTimers) PopExpired(now time.Time, dst []*Timer) []*Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.timers) > 0 && !m.timers[0].when.After(now) {
		dst = append(dst, heap.Pop(&m.timers).(*Timer))
	}
	return dst
}

func (m *heapTimers) Schedule(delay time.Duration, fn func()) *Timer {
	t := &Timer{when: m.now().Add(delay), fn: fn}
	m.mu.Lock()
	m.seq++
	t.seq = m.seq
	heap.Push(&m.timers, t)
	m.mu.Unlock()
	return t
}

func (m *heapTimers) Cancel(t *Timer) bool {
	if t == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.index < 0 || t.index >= len(m.timers) || m.timers[t.index] != t {
		return false
	}
	heap.Remove(&m.timers, t.index)
	t.fn = nil
	return true
}

func (m *heapTimers) Remove(t *Timer) {
	t.fn = nil
}

func (m *heapTimers) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
