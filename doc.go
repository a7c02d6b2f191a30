// Package coloop provides a cooperative, stackful coroutine runtime fused
// with a readiness driven I/O event loop.
//
// Code running in a [Coroutine] is written in plain sequential style over
// non-blocking descriptors. When an operation would block, the hook
// performing it ([EventLoop.Read], [EventLoop.Write], [EventLoop.Accept])
// registers the coroutine as the waiter of the descriptor's
// [DescriptorEvent] and suspends it. The loop resumes the coroutine once
// the poller reports the descriptor ready.
//
// # Architecture
//
// An [EventLoop] owns two ready queues, a running list and a holding list:
//   - Submitted coroutines wait in the stateful or stateless ready queue.
//     Both queues are safe to append to from any goroutine.
//   - Promotion moves ready coroutines onto the running list. The stateful
//     queue is always drained in full, the stateless queue only when fewer
//     than five stateful coroutines were promoted, so that background work
//     never delays latency sensitive work.
//   - The loop switches into each coroutine of the running list in turn.
//     A coroutine that yields stays on the list, one that suspends moves to
//     the holding list, one that returns is destroyed.
//   - Readiness reported by the [Poller] is dispatched to DescriptorEvents,
//     which wake their waiters, or spawn coroutines running their callbacks.
//
// Timers ([EventLoop.ScheduleTimer], [EventLoop.Sleep]) are kept by a
// [TimerManager]; each expired timer runs in a coroutine of its own.
//
// # Execution Contexts
//
// Each coroutine runs on its own execution context, see package
// internal/execctx. A context is backed by a parked goroutine, and switching
// hands the loop from one goroutine to the next, so that at any moment
// exactly one goroutine of the loop is running. Loop-thread-only methods
// are therefore callable from the loop itself and from any of its
// coroutines.
//
// # Thread Safety
//
//   - [EventLoop.AddTask], [EventLoop.AddTasks], [EventLoop.AddTaskWithState],
//     [EventLoop.AddCoroutineWithState], [EventLoop.ScheduleTimer],
//     [EventLoop.CancelTimer], [EventLoop.Shutdown] and [EventLoop.Close]
//     are safe to call from any goroutine, and wake a sleeping poller.
//   - [EventLoop.NotifyCoroutineReady], [EventLoop.UpdateEvent],
//     [EventLoop.RemoveEvent], [EventLoop.Event], [EventLoop.EventFor] and
//     all DescriptorEvent methods must be called from the loop thread.
//   - Hooks must be called from a coroutine of the loop.
//
// # Platform Support
//
// The default poller is epoll based, and the hooks are Linux only. On other
// platforms a Poller must be provided with [WithPoller].
//
// # Usage
//
//	loop, err := coloop.New(coloop.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	_ = loop.AddTask(func() {
//	    n, err := loop.Read(fd, buf)
//	    // ...
//	})
//
//	if err := loop.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package coloop
