package coloop

import (
	"container/list"
)

// runSet is the loop-thread-only bookkeeping of admitted coroutines: the
// running list, walked round-robin by the scheduler, and the holding list of
// coroutines suspended on I/O or timers.
type runSet struct {
	running *list.List
	holding *list.List
}

func newRunSet() *runSet {
	return &runSet{
		running: list.New(),
		holding: list.New(),
	}
}

func (s *runSet) pushRunning(co *Coroutine) {
	co.elem = s.running.PushBack(co)
	co.queue = queueRunning
}

func (s *runSet) pushHolding(co *Coroutine) {
	co.elem = s.holding.PushBack(co)
	co.queue = queueHolding
}

// detach removes co from whichever list it is on.
func (s *runSet) detach(co *Coroutine) {
	switch co.queue {
	case queueRunning:
		s.running.Remove(co.elem)
	case queueHolding:
		s.holding.Remove(co.elem)
	}
	co.elem = nil
	co.queue = queueNone
}

// hold moves co from the running list to the holding list.
func (s *runSet) hold(co *Coroutine) {
	s.detach(co)
	s.pushHolding(co)
}

// release moves co from the holding list back to the running list.
func (s *runSet) release(co *Coroutine) {
	s.detach(co)
	s.pushRunning(co)
}

// snapshot returns every coroutine on either list, running first.
func (s *runSet) snapshot() []*Coroutine {
	out := make([]*Coroutine, 0, s.running.Len()+s.holding.Len())
	for e := s.running.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Coroutine))
	}
	for e := s.holding.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Coroutine))
	}
	return out
}
