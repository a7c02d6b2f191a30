package coloop

import (
	"sync"

	"github.com/eapache/queue"
)

// statelessThreshold is the number of stateful coroutines that, when moved
// in one promotion, defer the stateless queue to a later promotion.
const statelessThreshold = 5

// readyQueues holds coroutines submitted to the loop but not yet promoted to
// the running list.
//
// Thread Safety: all methods take mu, the queues may be appended to from any
// goroutine.
type readyQueues struct {
	stateful  *queue.Queue
	stateless *queue.Queue
	mu        sync.Mutex
}

func newReadyQueues() *readyQueues {
	return &readyQueues{
		stateful:  queue.New(),
		stateless: queue.New(),
	}
}

// push appends co to the queue selected by stateful. The caller must hold mu.
func (q *readyQueues) push(co *Coroutine, stateful bool) {
	if stateful {
		q.stateful.Add(co)
		co.queue = queueStateful
	} else {
		q.stateless.Add(co)
		co.queue = queueStateless
	}
}

// len returns the combined length of both queues.
func (q *readyQueues) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stateful.Length() + q.stateless.Length()
}

// drain moves coroutines into dst, in FIFO order. The stateful queue is
// always drained in full, the stateless queue only if fewer than
// statelessThreshold stateful coroutines were moved.
func (q *readyQueues) drain(dst []*Coroutine) (out []*Coroutine, stateful, stateless int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out = dst
	for q.stateful.Length() > 0 {
		out = append(out, q.stateful.Remove().(*Coroutine))
		stateful++
	}
	if stateful < statelessThreshold {
		for q.stateless.Length() > 0 {
			out = append(out, q.stateless.Remove().(*Coroutine))
			stateless++
		}
	}
	return out, stateful, stateless
}

// drainAllLocked empties both queues regardless of the threshold, used by
// shutdown. The caller must hold mu.
func (q *readyQueues) drainAllLocked(dst []*Coroutine) []*Coroutine {
	for q.stateful.Length() > 0 {
		dst = append(dst, q.stateful.Remove().(*Coroutine))
	}
	for q.stateless.Length() > 0 {
		dst = append(dst, q.stateless.Remove().(*Coroutine))
	}
	return dst
}
