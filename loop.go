package coloop

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-coloop/internal/execctx"
	"github.com/joeycumines/logiface"
)

// EventLoop schedules coroutines over a readiness poller.
//
// A loop is driven by exactly one goroutine, the one calling Run. The loop
// and its coroutines form a single logical thread: at any moment exactly
// one of them holds the loop, and only that goroutine may touch
// loop-thread state (the running and holding lists, the descriptor table,
// DescriptorEvents). Any goroutine may submit work, schedule timers and
// stop the loop.
type EventLoop struct {
	_ [0]func() // no copy

	logger   *logiface.Logger[logiface.Event]
	poller   Poller
	timers   TimerManager
	observer CoroutineObserver
	onPanic  func(co *Coroutine, err *PanicError)
	buffers  *BufferPool
	ready    *readyQueues
	runs     *runSet
	events   map[int]*DescriptorEvent
	main     *Coroutine
	current  *Coroutine
	loopDone chan struct{}

	// scratch buffers, reused between iterations
	active   []*DescriptorEvent
	expired  []*Timer
	promoted []*Coroutine

	stats loopStats
	state loopState

	// owner is the ID of the goroutine currently holding the loop
	owner           atomic.Uint64
	loopGoroutineID atomic.Uint64
	wakePending     atomic.Uint32

	stackSize int
}

// New creates a new event loop with the given options. The loop does
// nothing until Run is called.
func New(opts ...LoopOption) (*EventLoop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	poller := cfg.poller
	if poller == nil {
		poller, err = newDefaultPoller(cfg.maxEvents)
		if err != nil {
			return nil, WrapError("coloop: failed to create poller", err)
		}
	}

	timers := cfg.timers
	if timers == nil {
		timers = NewTimerManager()
	}

	l := &EventLoop{
		logger:    cfg.logger,
		poller:    poller,
		timers:    timers,
		observer:  cfg.observer,
		onPanic:   cfg.onPanic,
		buffers:   NewBufferPool(cfg.bufferSize),
		ready:     newReadyQueues(),
		runs:      newRunSet(),
		events:    make(map[int]*DescriptorEvent),
		loopDone:  make(chan struct{}),
		stackSize: cfg.stackSize,
	}
	l.main = &Coroutine{
		loop:  l,
		ctx:   execctx.Main(),
		id:    coroutineIDCounter.Add(1),
		state: StateExec,
		main:  true,
	}
	l.current = l.main
	return l, nil
}

// Run runs the event loop on the calling goroutine, until it is stopped
// with Shutdown or Close, ctx is cancelled, or the poller fails.
//
// Run returns nil after Shutdown or Close, ctx.Err() after cancellation,
// and a *PollError after a poller failure.
func (l *EventLoop) Run(ctx context.Context) error {
	if l.inLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		switch l.state.Load() {
		case StateTerminating, StateTerminated:
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	return l.run(ctx)
}

func (l *EventLoop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	gid := getGoroutineID()
	l.loopGoroutineID.Store(gid)
	l.claim(gid)
	registerGoroutine(gid, l)

	// wake the loop on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if _, ok := l.state.terminate(); ok {
				l.wake()
			}
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.logger.Info().Uint64("goroutine", gid).Log("coloop: loop started")

	var err error
	for {
		if state := l.state.Load(); state == StateTerminating || state == StateTerminated {
			break
		}
		if err = l.tick(); err != nil {
			break
		}
	}

	l.shutdown()

	if err == nil {
		err = ctx.Err()
	}
	return err
}

// tick runs one iteration: poll, dispatch readiness, fire timers, then
// schedule coroutines until the running list is exhausted.
func (l *EventLoop) tick() error {
	l.state.TryTransition(StateRunning, StateSleeping)
	timeout := l.pollTimeout()

	now, active, err := l.poller.Poll(timeout, l.active[:0])
	l.wakePending.Store(0)
	l.state.TryTransition(StateSleeping, StateRunning)
	l.stats.polls.Add(1)

	if err != nil {
		l.logger.Err().Err(err).Log("coloop: poll failed, terminating loop")
		l.state.terminate()
		return &PollError{Err: err}
	}

	for i, ev := range active {
		active[i] = nil
		// skip events removed by an earlier callback in this batch
		if l.events[ev.fd] != ev {
			continue
		}
		ev.handleEvent(now)
	}
	l.active = active[:0]

	l.fireTimers(now)
	l.schedule()

	l.stats.running.Store(int64(l.runs.running.Len()))
	l.stats.holding.Store(int64(l.runs.holding.Len()))
	return nil
}

// pollTimeout returns the poll timeout in milliseconds: 0 when there is
// runnable work or the loop is stopping, -1 when there is nothing to wait
// for but I/O, otherwise the time until the next timer, rounded up.
//
// It must be called after the transition to StateSleeping, so that
// submitters racing with it either see StateSleeping and wake the poller,
// or have their work observed here.
func (l *EventLoop) pollTimeout() int {
	if l.state.Load() != StateSleeping || l.runs.running.Len() > 0 || l.ready.len() > 0 {
		return 0
	}
	d, ok := l.timers.NextTimeout(time.Now())
	if !ok {
		return -1
	}
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		ms = math.MaxInt32
	}
	return int(ms)
}

// fireTimers turns every expired timer into a stateful coroutine that runs
// its callback.
func (l *EventLoop) fireTimers(now time.Time) {
	l.expired = l.timers.PopExpired(now, l.expired[:0])
	for i, t := range l.expired {
		l.expired[i] = nil
		l.stats.timersFired.Add(1)
		co := l.newCoroutine(func() {
			defer l.timers.Remove(t)
			t.run()
		})
		if err := l.AddCoroutineWithState(co, true); err != nil {
			l.logger.Debug().Err(err).Log("coloop: dropped timer")
		}
	}
	l.expired = l.expired[:0]
}

// schedule walks the running list round-robin, switching into each
// coroutine in turn, until it reaches the end with nothing left to promote.
func (l *EventLoop) schedule() {
	if l.runs.running.Len() == 0 {
		l.promote()
	}

	e := l.runs.running.Front()
	for e != nil {
		if l.state.Load() == StateTerminating {
			return
		}

		co := e.Value.(*Coroutine)
		l.resume(co)

		next := e.Next()
		if next == nil && l.promote() > 0 {
			next = e.Next()
		}

		switch co.state {
		case StateExec, StateReady:
			// yielded, or readied before it got to suspend
		case StateHold:
			l.runs.hold(co)
		default:
			l.runs.detach(co)
			l.destroy(co)
		}

		e = next
	}
}

// promote moves ready coroutines to the back of the running list. The
// stateful queue is drained fully, the stateless queue only when fewer
// than statelessThreshold stateful coroutines were moved.
func (l *EventLoop) promote() int {
	var stateful, stateless int
	l.promoted, stateful, stateless = l.ready.drain(l.promoted[:0])
	for i, co := range l.promoted {
		l.promoted[i] = nil
		co.queue = queueNone
		l.runs.pushRunning(co)
	}
	l.promoted = l.promoted[:0]

	n := stateful + stateless
	if n > 0 {
		l.stats.promotions.Add(1)
		l.stats.statefulPromoted.Add(uint64(stateful))
		l.stats.statelessPromoted.Add(uint64(stateless))
		if stateless > 0 {
			l.logger.Trace().Int("stateful", stateful).Int("stateless", stateless).Log("coloop: promoted stateless work")
		}
	}
	return n
}

// resume switches from the main context into co, returning when co yields,
// suspends or terminates.
func (l *EventLoop) resume(co *Coroutine) {
	if co.state == StateTerm || co.destroyed {
		panic("coloop: resume of terminated coroutine")
	}
	if co.ctx == nil {
		ctx, err := execctx.New(l.stackSize, coroutineEntry, co)
		if err != nil {
			panic(err)
		}
		co.ctx = ctx
	}
	co.setState(StateExec)
	l.current = co
	l.stats.switches.Add(1)
	execctx.Switch(l.main.ctx, co.ctx)
	l.claim(l.loopGoroutineID.Load())
	l.current = l.main
}

// kill unwinds a started coroutine, running its deferred calls.
func (l *EventLoop) kill(co *Coroutine) {
	co.killed = true
	if co.ctx == nil || co.ctx.Destroyed() || co.state == StateTerm {
		return
	}
	l.current = co
	execctx.Switch(l.main.ctx, co.ctx)
	l.claim(l.loopGoroutineID.Load())
	l.current = l.main
}

// destroy releases co, exactly once.
func (l *EventLoop) destroy(co *Coroutine) {
	if co.destroyed {
		return
	}
	co.destroyed = true
	l.runs.detach(co)
	if l.observer != nil {
		l.observer.OnDestroy(co)
	}
	co.id = 0
	if co.ctx != nil {
		co.ctx.Destroy()
	}
	co.task = nil
	l.stats.destroyed.Add(1)
}

func (l *EventLoop) newCoroutine(task Task) *Coroutine {
	co := NewCoroutine(task)
	co.loop = l
	return co
}

func (l *EventLoop) handlePanic(co *Coroutine, err *PanicError) {
	l.stats.panics.Add(1)
	l.logger.Err().
		Uint64("coroutine", co.id).
		Any("panic", err.Value).
		Str("stack", string(err.Stack)).
		Log("coloop: task panicked")
	if l.onPanic == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().Any("panic", r).Log("coloop: panic handler panicked")
		}
	}()
	l.onPanic(co, err)
}

// shutdown releases every coroutine and the poller. Coroutines that never
// ran are discarded, started ones are unwound.
func (l *EventLoop) shutdown() {
	l.ready.mu.Lock()
	l.state.Store(StateTerminated)
	pending := l.ready.drainAllLocked(nil)
	l.ready.mu.Unlock()

	for _, co := range pending {
		co.queue = queueNone
		l.destroy(co)
	}

	for _, co := range l.runs.snapshot() {
		if co.destroyed {
			continue
		}
		l.kill(co)
		l.destroy(co)
	}

	clear(l.events)

	if err := l.poller.Close(); err != nil {
		l.logger.Err().Err(err).Log("coloop: failed to close poller")
	}

	gid := l.loopGoroutineID.Load()
	unregisterGoroutine(gid)
	l.owner.Store(0)
	l.loopGoroutineID.Store(0)

	l.logger.Info().Uint64("goroutine", gid).Log("coloop: loop stopped")
}

// closeAwake releases a loop that was stopped before Run.
func (l *EventLoop) closeAwake() {
	l.ready.mu.Lock()
	l.state.Store(StateTerminated)
	pending := l.ready.drainAllLocked(nil)
	l.ready.mu.Unlock()
	for _, co := range pending {
		co.queue = queueNone
		l.destroy(co)
	}
	if err := l.poller.Close(); err != nil {
		l.logger.Err().Err(err).Log("coloop: failed to close poller")
	}
	close(l.loopDone)
}

// Shutdown stops the loop and waits, until ctx is done, for Run to return.
// Coroutines still suspended are unwound, submitted coroutines that never
// ran are discarded.
//
// Called from within the loop, Shutdown only requests termination, which
// takes effect once control returns to the loop.
func (l *EventLoop) Shutdown(ctx context.Context) error {
	prev, ok := l.state.terminate()
	switch {
	case ok && prev == StateAwake:
		l.closeAwake()
		return nil
	case ok:
		l.wake()
	case prev == StateTerminated:
		return ErrLoopTerminated
	}

	if l.inLoopThread() {
		return nil
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop without waiting for Run to return.
func (l *EventLoop) Close() error {
	prev, ok := l.state.terminate()
	if !ok {
		if prev == StateTerminated {
			return ErrLoopTerminated
		}
		return nil
	}
	if prev == StateAwake {
		l.closeAwake()
		return nil
	}
	l.wake()
	return nil
}

// Done returns a channel closed once the loop has terminated.
func (l *EventLoop) Done() <-chan struct{} { return l.loopDone }

// State returns the current state of the loop.
func (l *EventLoop) State() LoopState { return l.state.Load() }

// Stats returns a snapshot of the loop's counters.
func (l *EventLoop) Stats() Stats {
	s := l.stats.snapshot()
	s.Ready = l.ready.len()
	return s
}

// Buffers returns the loop's buffer pool.
func (l *EventLoop) Buffers() *BufferPool { return l.buffers }

// MainCoroutine returns the coroutine representing the scheduling loop.
func (l *EventLoop) MainCoroutine() *Coroutine { return l.main }

// CurrentCoroutine returns the coroutine holding the loop, which is the
// main coroutine while the loop itself runs. It returns nil when called
// from any other goroutine.
func (l *EventLoop) CurrentCoroutine() *Coroutine {
	if !l.inLoopThread() {
		return nil
	}
	return l.current
}

// AddTask submits task as a stateful coroutine.
func (l *EventLoop) AddTask(task Task) error {
	return l.AddTaskWithState(task, true)
}

// AddTasks submits every task as a stateful coroutine, atomically: either
// all are queued or none is.
func (l *EventLoop) AddTasks(tasks []Task) error {
	for _, task := range tasks {
		if task == nil {
			return ErrNilTask
		}
	}
	cos := make([]*Coroutine, len(tasks))
	for i, task := range tasks {
		cos[i] = l.newCoroutine(task)
	}

	l.ready.mu.Lock()
	if l.state.Load() == StateTerminated {
		l.ready.mu.Unlock()
		return ErrLoopTerminated
	}
	for _, co := range cos {
		l.ready.push(co, true)
	}
	l.ready.mu.Unlock()

	l.stats.created.Add(uint64(len(cos)))
	l.wakeIfSleeping()
	return nil
}

// AddTaskWithState submits task to the stateful or stateless ready queue.
// Stateless work is deferred while the loop is busy with stateful work.
func (l *EventLoop) AddTaskWithState(task Task, stateful bool) error {
	if task == nil {
		return ErrNilTask
	}
	return l.AddCoroutineWithState(l.newCoroutine(task), stateful)
}

// AddCoroutineWithState submits a coroutine created by NewCoroutine. A
// coroutine may only be submitted once.
func (l *EventLoop) AddCoroutineWithState(co *Coroutine, stateful bool) error {
	if co == nil {
		return ErrNilTask
	}

	l.ready.mu.Lock()
	if l.state.Load() == StateTerminated {
		l.ready.mu.Unlock()
		return ErrLoopTerminated
	}
	if co.loop != nil && co.loop != l {
		l.ready.mu.Unlock()
		return ErrForeignCoroutine
	}
	if co.main || co.destroyed || co.ctx != nil || co.queue != queueNone || co.state != StateReady {
		l.ready.mu.Unlock()
		return ErrCoroutineBusy
	}
	co.loop = l
	l.ready.push(co, stateful)
	l.ready.mu.Unlock()

	l.stats.created.Add(1)
	l.wakeIfSleeping()
	return nil
}

// NotifyCoroutineReady moves a suspended (StateHold) coroutine back to the
// running list. It is a no-op for coroutines in any other state, including
// terminated ones. It must be called from the loop thread.
func (l *EventLoop) NotifyCoroutineReady(co *Coroutine) error {
	if co == nil {
		return ErrNilTask
	}
	if !l.inLoopThread() {
		return ErrNotLoopThread
	}
	if co.loop != l {
		return ErrForeignCoroutine
	}
	if co.state != StateHold || co.destroyed {
		return nil
	}
	co.setState(StateReady)
	if co.queue == queueHolding {
		l.runs.release(co)
	}
	return nil
}

// Suspend parks the calling coroutine in StateHold until another party
// calls NotifyCoroutineReady for it.
func (l *EventLoop) Suspend() error {
	co := l.currentCoroutine()
	if co == nil {
		return ErrNotInCoroutine
	}
	if co.killed {
		return ErrLoopTerminated
	}
	co.setState(StateHold)
	co.switchOut()
	return nil
}

// Yield hands control back to the loop, keeping the calling coroutine
// runnable. It resumes after the rest of the running list had its turn.
func (l *EventLoop) Yield() error {
	co := l.currentCoroutine()
	if co == nil {
		return ErrNotInCoroutine
	}
	if co.killed {
		return ErrLoopTerminated
	}
	co.switchOut()
	return nil
}

// currentCoroutine returns the coroutine backed by the calling goroutine,
// or nil when called from outside a coroutine of this loop.
func (l *EventLoop) currentCoroutine() *Coroutine {
	gid := getGoroutineID()
	if l.owner.Load() != gid {
		return nil
	}
	if co := l.current; co != nil && !co.main && co.gid == gid {
		return co
	}
	return nil
}

// ScheduleTimer arranges for fn to run in a new coroutine after delay.
func (l *EventLoop) ScheduleTimer(delay time.Duration, fn func()) (*Timer, error) {
	if fn == nil {
		return nil, ErrNilTask
	}
	if l.state.Load() == StateTerminated {
		return nil, ErrLoopTerminated
	}
	t := l.timers.Schedule(delay, fn)
	l.wakeIfSleeping()
	return t, nil
}

// CancelTimer prevents a pending timer from firing. It reports false if the
// timer already fired or was cancelled.
func (l *EventLoop) CancelTimer(t *Timer) bool {
	return l.timers.Cancel(t)
}

// UpdateEvent registers, or updates, the interest of ev with the poller and
// records it in the loop's descriptor table. It must be called from the
// loop thread, or before Run.
func (l *EventLoop) UpdateEvent(ev *DescriptorEvent) error {
	if err := l.checkEvent(ev); err != nil {
		return err
	}
	if err := l.poller.UpdateEvent(ev); err != nil {
		return err
	}
	l.events[ev.fd] = ev
	return nil
}

// RemoveEvent deregisters ev from the poller and drops it from the
// descriptor table. Coroutines waiting on it are woken, to observe the
// state of the descriptor through their own I/O call.
func (l *EventLoop) RemoveEvent(ev *DescriptorEvent) error {
	if err := l.checkEvent(ev); err != nil {
		return err
	}
	err := l.poller.RemoveEvent(ev)
	if l.events[ev.fd] == ev {
		delete(l.events, ev.fd)
	}
	ev.events = 0
	ev.revents = 0
	for _, slot := range [...]*waiter{&ev.readWaiter, &ev.writeWaiter} {
		if co := slot.live(); co != nil {
			_ = l.NotifyCoroutineReady(co)
		}
		*slot = waiter{}
	}
	return err
}

func (l *EventLoop) checkEvent(ev *DescriptorEvent) error {
	if ev == nil || ev.fd < 0 {
		return ErrFDOutOfRange
	}
	if ev.loop != l {
		return ErrForeignEvent
	}
	return l.checkEventTable()
}

// checkEventTable reports whether the descriptor table may be accessed by
// the calling goroutine.
func (l *EventLoop) checkEventTable() error {
	switch l.state.Load() {
	case StateAwake:
		return nil
	case StateTerminated:
		return ErrLoopTerminated
	}
	if !l.inLoopThread() {
		return ErrNotLoopThread
	}
	return nil
}

// Event returns the DescriptorEvent of fd, or nil if fd has none. Off the
// loop thread of a running loop it always returns nil.
func (l *EventLoop) Event(fd int) *DescriptorEvent {
	if l.checkEventTable() != nil {
		return nil
	}
	return l.events[fd]
}

// EventFor returns the DescriptorEvent of fd, creating it if necessary. A
// new event is recorded without interest, see [DescriptorEvent.EnableReading].
// It must be called from the loop thread, or before Run.
func (l *EventLoop) EventFor(fd int) (*DescriptorEvent, error) {
	if fd < 0 {
		return nil, ErrFDOutOfRange
	}
	if err := l.checkEventTable(); err != nil {
		return nil, err
	}
	if ev := l.events[fd]; ev != nil {
		return ev, nil
	}
	ev := NewDescriptorEvent(l, fd)
	l.events[fd] = ev
	return ev, nil
}

// claim records gid as the goroutine holding the loop.
func (l *EventLoop) claim(gid uint64) {
	l.owner.Store(gid)
}

// inLoopThread reports whether the calling goroutine holds the loop.
func (l *EventLoop) inLoopThread() bool {
	owner := l.owner.Load()
	return owner != 0 && owner == getGoroutineID()
}

func (l *EventLoop) wakeIfSleeping() {
	if l.state.Load() == StateSleeping && !l.inLoopThread() {
		l.wake()
	}
}

// wake interrupts a blocking poll. Concurrent wakeups collapse into one
// until the poll returns.
func (l *EventLoop) wake() {
	if !l.wakePending.CompareAndSwap(0, 1) {
		return
	}
	if err := l.poller.Wakeup(); err != nil {
		l.wakePending.Store(0)
		if !errors.Is(err, ErrPollerClosed) {
			l.logger.Debug().Err(err).Log("coloop: wakeup failed")
		}
		return
	}
	l.stats.wakeups.Add(1)
}
