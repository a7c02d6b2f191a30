package coloop

import (
	"container/list"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/joeycumines/go-coloop/internal/execctx"
)

// Task is a unit of work run by a Coroutine.
type Task func()

// CoroutineObserver receives coroutine lifecycle notifications, always on
// the loop thread.
type CoroutineObserver interface {
	// OnTransition is called for every state change.
	OnTransition(co *Coroutine, from, to CoroutineState)
	// OnDestroy is called once per coroutine, after it reached StateTerm
	// (or was discarded by shutdown before it ever ran).
	OnDestroy(co *Coroutine)
}

// queueKind names the single container a coroutine belongs to.
type queueKind uint8

const (
	queueNone queueKind = iota
	queueStateful
	queueStateless
	queueRunning
	queueHolding
)

func (q queueKind) String() string {
	switch q {
	case queueNone:
		return "none"
	case queueStateful:
		return "stateful"
	case queueStateless:
		return "stateless"
	case queueRunning:
		return "running"
	case queueHolding:
		return "holding"
	default:
		return "unknown"
	}
}

var coroutineIDCounter atomic.Uint64

// Coroutine is a cooperatively scheduled task with its own execution
// context. It is created by NewCoroutine (or implicitly by AddTask), and is
// destroyed by its loop, exactly once, after its task returns.
//
// Apart from ID and Loop, the methods of a Coroutine must be called from the
// thread of its loop.
type Coroutine struct {
	_ [0]func() // no copy

	task Task
	loop *EventLoop
	ctx  *execctx.Context
	elem *list.Element // position in the running or holding list

	id  uint64 // zeroed on destroy, invalidating waiter handles
	gid uint64 // goroutine backing ctx, set on first entry

	state     CoroutineState
	queue     queueKind
	killed    bool
	destroyed bool
	main      bool
}

// NewCoroutine wraps task in a new coroutine, ready to be submitted with
// [EventLoop.AddCoroutineWithState]. Its execution context is allocated on
// first run.
func NewCoroutine(task Task) *Coroutine {
	return &Coroutine{
		task:  task,
		id:    coroutineIDCounter.Add(1),
		state: StateReady,
	}
}

// ID returns the coroutine's unique identifier, or 0 once destroyed.
func (co *Coroutine) ID() uint64 { return co.id }

// State returns the scheduling state.
func (co *Coroutine) State() CoroutineState { return co.state }

// Loop returns the loop the coroutine was submitted to, if any.
func (co *Coroutine) Loop() *EventLoop { return co.loop }

// IsMain reports whether this is the loop's main coroutine, i.e. the
// scheduling loop itself.
func (co *Coroutine) IsMain() bool { return co.main }

// MarkReady moves a suspended coroutine back to the runnable set. See
// [EventLoop.NotifyCoroutineReady].
func (co *Coroutine) MarkReady() error {
	if co.loop == nil {
		return ErrLoopNotRunning
	}
	return co.loop.NotifyCoroutineReady(co)
}

func (co *Coroutine) setState(state CoroutineState) {
	from := co.state
	if from == state {
		return
	}
	co.state = state
	if co.loop != nil && co.loop.observer != nil && !co.main {
		co.loop.observer.OnTransition(co, from, state)
	}
}

// checkMembership verifies that state and queue membership agree.
func (co *Coroutine) checkMembership() bool {
	switch co.queue {
	case queueStateful, queueStateless:
		return co.state == StateReady && co.elem == nil
	case queueRunning:
		return (co.state == StateReady || co.state == StateExec) && co.elem != nil
	case queueHolding:
		return co.state == StateHold && co.elem != nil
	case queueNone:
		return co.elem == nil
	default:
		return false
	}
}

// coroutineEntry is the entry point of every coroutine's execution context.
func coroutineEntry(arg any) {
	co := arg.(*Coroutine)
	co.gid = getGoroutineID()
	co.loop.claim(co.gid)
	registerGoroutine(co.gid, co.loop)
	defer co.finish()
	if co.killed {
		runtime.Goexit()
	}
	if co.task != nil {
		co.task()
	}
}

// finish is the task boundary: it converts a panic into a logged
// PanicError, marks the coroutine terminated and hands control back to the
// loop. Nothing may touch loop state after the final switch.
func (co *Coroutine) finish() {
	r := recover()
	l := co.loop
	unregisterGoroutine(co.gid)
	if r != nil {
		l.handlePanic(co, &PanicError{Value: r, Stack: debug.Stack()})
	}
	co.setState(StateTerm)
	if co.ctx.Destroyed() {
		return
	}
	execctx.Exit(co.ctx, l.main.ctx)
}

// switchOut returns control to the loop's main context, leaving the
// coroutine's state as set by the caller. It returns once the loop switches
// back in, unless the loop is shutting down, in which case the coroutine
// unwinds.
func (co *Coroutine) switchOut() {
	execctx.Switch(co.ctx, co.loop.main.ctx)
	co.loop.claim(co.gid)
	if co.killed {
		runtime.Goexit()
	}
}
