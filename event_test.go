package coloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIOEvents_String(t *testing.T) {
	assert.Equal(t, "NONE", IOEvents(0).String())
	assert.Equal(t, "READ", EventRead.String())
	assert.Equal(t, "READ|HUP", (EventRead | EventHangup).String())
	assert.Equal(t, "READ|WRITE|ERR|HUP", (EventRead | EventWrite | EventError | EventHangup).String())
}

func TestDescriptorEvent_HangupWakesBothWaiters(t *testing.T) {
	const fd = 100
	poller := newFakePoller()
	loop, err := New(WithPoller(poller))
	require.NoError(t, err)

	var (
		waiting  atomic.Int32
		ready    = make(chan struct{})
		resumed  = make(chan string, 2)
		interest = make(chan IOEvents, 1)
	)
	wait := func(name string, register func(ev *DescriptorEvent, co *Coroutine) error) Task {
		return func() {
			co := loop.CurrentCoroutine()
			ev, err := loop.EventFor(fd)
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, register(ev, co))
			if waiting.Add(1) == 2 {
				close(ready)
			}
			assert.NoError(t, loop.Suspend())
			resumed <- name
			if name == "writer" {
				interest <- ev.Interest()
			}
		}
	}
	require.NoError(t, loop.AddTask(wait("reader", func(ev *DescriptorEvent, co *Coroutine) error {
		assert.True(t, ev.SetReadWaiter(co))
		return ev.EnableReading()
	})))
	require.NoError(t, loop.AddTask(wait("writer", func(ev *DescriptorEvent, co *Coroutine) error {
		assert.True(t, ev.SetWriteWaiter(co))
		return ev.EnableWriting()
	})))

	stop := startLoop(t, loop)
	waitClosed(t, ready, 5*time.Second, "both waiters registered")
	poller.fire(fd, EventHangup)

	got := map[string]bool{}
	for range 2 {
		select {
		case name := <-resumed:
			got[name] = true
		case <-time.After(5 * time.Second):
			t.Fatal("waiter was not woken by hangup")
		}
	}
	assert.Equal(t, map[string]bool{"reader": true, "writer": true}, got)
	assert.Equal(t, IOEvents(0), <-interest, "both directions disabled")
	require.NoError(t, stop())

	assert.Equal(t, []IOEvents{
		EventRead,
		EventRead | EventWrite,
		EventWrite,
		0,
	}, poller.interestLog(fd))
}

func TestDescriptorEvent_HangupMaskedByInterest(t *testing.T) {
	const fd = 101
	poller := newFakePoller()
	loop, err := New(WithPoller(poller))
	require.NoError(t, err)

	var writes atomic.Int32
	reads := make(chan time.Time, 1)
	registered := make(chan struct{})
	require.NoError(t, loop.AddTask(func() {
		ev, err := loop.EventFor(fd)
		if !assert.NoError(t, err) {
			return
		}
		ev.SetReadCallback(func(now time.Time) { reads <- now })
		ev.SetWriteCallback(func() { writes.Add(1) })
		assert.NoError(t, ev.EnableReading())
		close(registered)
	}))

	stop := startLoop(t, loop)
	waitClosed(t, registered, 5*time.Second, "event registered")
	before := time.Now()
	poller.fire(fd, EventHangup)

	select {
	case now := <-reads:
		assert.False(t, now.Before(before), "callback receives the poll time")
	case <-time.After(5 * time.Second):
		t.Fatal("read callback not invoked")
	}
	require.NoError(t, stop())
	assert.Zero(t, writes.Load(), "no write interest, no write callback")
}

func TestDescriptorEvent_CallbackCoroutineOwnsSlot(t *testing.T) {
	const fd = 102
	poller := newFakePoller()
	loop, err := New(WithPoller(poller))
	require.NoError(t, err)

	var (
		registered = make(chan struct{})
		inCallback = make(chan bool, 1)
	)
	require.NoError(t, loop.AddTask(func() {
		ev, _ := loop.EventFor(fd)
		ev.SetReadCallback(func(time.Time) {
			co := loop.CurrentCoroutine()
			// the spawned coroutine occupies the read slot
			inCallback <- ev.ReadWaiter() == co && ev.SetReadWaiter(co)
		})
		assert.NoError(t, ev.EnableReading())
		close(registered)
	}))

	stop := startLoop(t, loop)
	waitClosed(t, registered, 5*time.Second, "event registered")
	poller.fire(fd, EventRead)

	select {
	case ok := <-inCallback:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("read callback not invoked")
	}
	require.NoError(t, stop())
}

func TestDescriptorEvent_NoWaiterNoCallbackOnlyDisables(t *testing.T) {
	const fd = 103
	poller := newFakePoller()
	loop, err := New(WithPoller(poller))
	require.NoError(t, err)

	registered := make(chan struct{})
	require.NoError(t, loop.AddTask(func() {
		ev, _ := loop.EventFor(fd)
		assert.NoError(t, ev.EnableWriting())
		close(registered)
	}))

	stop := startLoop(t, loop)
	waitClosed(t, registered, 5*time.Second, "event registered")
	created := loop.Stats().CoroutinesCreated
	poller.fire(fd, EventWrite)

	require.Eventually(t, func() bool {
		log := poller.interestLog(fd)
		return len(log) == 2 && log[1] == 0
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, created, loop.Stats().CoroutinesCreated, "no coroutine spawned")
}

func TestDescriptorEvent_WaiterExclusivity(t *testing.T) {
	const fd = 104
	loop, err := New(WithPoller(newFakePoller()))
	require.NoError(t, err)

	var (
		first  *Coroutine
		ev     *DescriptorEvent
		result = make(chan []bool, 1)
	)
	first = NewCoroutine(func() {
		ev, _ = loop.EventFor(fd)
		assert.True(t, ev.SetReadWaiter(first))
		assert.True(t, ev.SetReadWaiter(first), "re-registering the occupant succeeds")
		assert.NoError(t, loop.Yield())
	})
	second := NewCoroutine(func() {
		co := loop.CurrentCoroutine()
		var r []bool
		r = append(r, ev.SetReadWaiter(co))   // occupied
		r = append(r, ev.ReadWaiter() == first) // untouched
		ev.ClearReadWaiter(co)                  // not the occupant, no-op
		r = append(r, ev.ReadWaiter() == first)
		r = append(r, ev.SetWriteWaiter(co)) // other direction is free
		ev.ClearWriteWaiter(co)
		r = append(r, ev.WriteWaiter() == nil)
		assert.NoError(t, loop.Yield())
		assert.NoError(t, loop.Yield())
		// first has terminated, its slot resolves to empty
		r = append(r, ev.ReadWaiter() == nil)
		r = append(r, ev.SetReadWaiter(co))
		result <- r
	})
	require.NoError(t, loop.AddCoroutineWithState(first, true))
	require.NoError(t, loop.AddCoroutineWithState(second, true))

	stop := startLoop(t, loop)
	select {
	case r := <-result:
		assert.Equal(t, []bool{false, true, true, true, true, true, true}, r)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	require.NoError(t, stop())
}

func TestDescriptorEvent_EndToEnd(t *testing.T) {
	const fd = 105
	poller := newFakePoller()
	obs := newRecordingObserver()
	loop, err := New(WithPoller(poller), WithCoroutineObserver(obs))
	require.NoError(t, err)

	var (
		waiter     *Coroutine
		registered = make(chan struct{})
		resumed    = make(chan IOEvents, 1)
	)
	waiter = NewCoroutine(func() {
		ev, err := loop.EventFor(fd)
		if !assert.NoError(t, err) {
			return
		}
		assert.Same(t, ev, loop.Event(fd))
		assert.True(t, ev.SetReadWaiter(waiter))
		assert.NoError(t, ev.EnableReading())
		assert.True(t, ev.IsReading())
		assert.False(t, ev.IsWriting())
		close(registered)
		assert.NoError(t, loop.Suspend())
		ev.ClearReadWaiter(waiter)
		resumed <- ev.Active()
	})
	require.NoError(t, loop.AddCoroutineWithState(waiter, true))

	stop := startLoop(t, loop)
	waitClosed(t, registered, 5*time.Second, "waiter registered")
	poller.fire(fd, EventRead)

	select {
	case active := <-resumed:
		assert.Equal(t, EventRead, active)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not resumed")
	}
	require.NoError(t, stop())

	assert.Equal(t, []IOEvents{EventRead, 0}, poller.interestLog(fd))
	assert.Equal(t, []transition{
		{StateReady, StateExec},
		{StateExec, StateHold},
		{StateHold, StateReady},
		{StateReady, StateExec},
		{StateExec, StateTerm},
	}, obs.transitionsOf(waiter))
	assert.True(t, poller.isClosed())
}

func TestEventLoop_RemoveEventWakesWaiters(t *testing.T) {
	const fd = 106
	poller := newFakePoller()
	loop, err := New(WithPoller(poller))
	require.NoError(t, err)

	woken := make(chan struct{})
	var waiter *Coroutine
	waiter = NewCoroutine(func() {
		ev, _ := loop.EventFor(fd)
		ev.SetWriteWaiter(waiter)
		assert.NoError(t, ev.EnableWriting())
		assert.NoError(t, loop.Suspend())
		assert.Nil(t, loop.Event(fd))
		close(woken)
	})
	require.NoError(t, loop.AddCoroutineWithState(waiter, true))
	require.NoError(t, loop.AddTask(func() {
		ev := loop.Event(fd)
		if assert.NotNil(t, ev) {
			assert.NoError(t, ev.Remove())
			assert.Equal(t, IOEvents(0), ev.Interest())
			assert.Nil(t, ev.WriteWaiter())
		}
	}))

	stop := startLoop(t, loop)
	waitClosed(t, woken, 5*time.Second, "waiter woken by removal")
	require.NoError(t, stop())
}

func TestEventLoop_EventAccessChecks(t *testing.T) {
	loop, err := New(WithPoller(newFakePoller()))
	require.NoError(t, err)
	other, err := New(WithPoller(newFakePoller()))
	require.NoError(t, err)
	defer other.Close()

	_, err = loop.EventFor(-1)
	assert.ErrorIs(t, err, ErrFDOutOfRange)
	assert.ErrorIs(t, loop.UpdateEvent(nil), ErrFDOutOfRange)
	assert.ErrorIs(t, loop.UpdateEvent(NewDescriptorEvent(other, 3)), ErrForeignEvent)

	// before Run, registration is allowed from any goroutine
	ev := NewDescriptorEvent(loop, 3)
	require.NoError(t, ev.EnableReading())
	assert.Same(t, ev, loop.Event(3))

	stop := startLoop(t, loop)
	waitLoopState(t, loop, StateSleeping, 5*time.Second)
	assert.ErrorIs(t, loop.UpdateEvent(ev), ErrNotLoopThread)
	assert.Nil(t, loop.Event(3), "the table is not readable off the loop thread")
	_, err = loop.EventFor(4)
	assert.ErrorIs(t, err, ErrNotLoopThread)

	onLoop := make(chan *DescriptorEvent, 1)
	require.NoError(t, loop.AddTask(func() { onLoop <- loop.Event(3) }))
	select {
	case got := <-onLoop:
		assert.Same(t, ev, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	require.NoError(t, stop())
	assert.ErrorIs(t, loop.UpdateEvent(ev), ErrLoopTerminated)
	assert.Nil(t, loop.Event(3))
	_, err = loop.EventFor(3)
	assert.ErrorIs(t, err, ErrLoopTerminated)
}
