package coloop

import (
	"sync/atomic"
)

// Stats is a point in time snapshot of loop counters, see [EventLoop.Stats].
type Stats struct {
	// CoroutinesCreated counts coroutines admitted to the loop.
	CoroutinesCreated uint64
	// CoroutinesDestroyed counts coroutines destroyed by the loop.
	CoroutinesDestroyed uint64
	// Promotions counts transfers from the ready queues to the running list.
	Promotions uint64
	// StatefulPromoted counts coroutines promoted from the stateful queue.
	StatefulPromoted uint64
	// StatelessPromoted counts coroutines promoted from the stateless queue.
	StatelessPromoted uint64
	// Switches counts switches from the loop into a coroutine.
	Switches uint64
	// Polls counts calls to Poller.Poll.
	Polls uint64
	// Wakeups counts poller wakeups issued by submitters.
	Wakeups uint64
	// TimersFired counts expired timers handed to coroutines.
	TimersFired uint64
	// Panics counts recovered task panics.
	Panics uint64
	// Running is the length of the running list.
	Running int
	// Holding is the number of suspended coroutines.
	Holding int
	// Ready is the combined length of the ready queues.
	Ready int
}

type loopStats struct {
	created           atomic.Uint64
	destroyed         atomic.Uint64
	promotions        atomic.Uint64
	statefulPromoted  atomic.Uint64
	statelessPromoted atomic.Uint64
	switches          atomic.Uint64
	polls             atomic.Uint64
	wakeups           atomic.Uint64
	timersFired       atomic.Uint64
	panics            atomic.Uint64
	running           atomic.Int64
	holding           atomic.Int64
}

func (s *loopStats) snapshot() Stats {
	return Stats{
		CoroutinesCreated:   s.created.Load(),
		CoroutinesDestroyed: s.destroyed.Load(),
		Promotions:          s.promotions.Load(),
		StatefulPromoted:    s.statefulPromoted.Load(),
		StatelessPromoted:   s.statelessPromoted.Load(),
		Switches:            s.switches.Load(),
		Polls:               s.polls.Load(),
		Wakeups:             s.wakeups.Load(),
		TimersFired:         s.timersFired.Load(),
		Panics:              s.panics.Load(),
		Running:             int(s.running.Load()),
		Holding:             int(s.holding.Load()),
	}
}
