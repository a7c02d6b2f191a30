package coloop

import (
	"time"
)

// waiter is a generation checked reference to a coroutine waiting on one
// direction of a descriptor. It resolves to nil once the coroutine has
// terminated or been destroyed, so a stale slot is never resumed.
type waiter struct {
	co *Coroutine
	id uint64
}

func waiterFor(co *Coroutine) waiter {
	return waiter{co: co, id: co.id}
}

func (w waiter) live() *Coroutine {
	if w.co == nil || w.co.id != w.id || w.co.state == StateTerm {
		return nil
	}
	return w.co
}

// DescriptorEvent bridges readiness of one file descriptor to coroutines.
//
// It holds the registered interest, the last observed activity, at most one
// waiting coroutine per direction, and optional per-direction callbacks. A
// direction that becomes ready either wakes its waiter or, with no waiter,
// spawns a coroutine running the direction's callback.
//
// All methods except Fd must be called from the loop thread. Pollers call
// SetActive from within Poll, which also runs on the loop thread.
type DescriptorEvent struct {
	loop          *EventLoop
	readCallback  func(now time.Time)
	writeCallback func()
	readWaiter    waiter
	writeWaiter   waiter
	fd            int
	events        IOEvents // interest
	revents       IOEvents // activity
}

// NewDescriptorEvent creates an event for fd. It is not registered with the
// loop until its interest is first updated.
func NewDescriptorEvent(loop *EventLoop, fd int) *DescriptorEvent {
	return &DescriptorEvent{loop: loop, fd: fd}
}

// Fd returns the file descriptor.
func (d *DescriptorEvent) Fd() int { return d.fd }

// Loop returns the owning loop.
func (d *DescriptorEvent) Loop() *EventLoop { return d.loop }

// Interest returns the registered interest mask.
func (d *DescriptorEvent) Interest() IOEvents { return d.events }

// Active returns the conditions observed by the last poll.
func (d *DescriptorEvent) Active() IOEvents { return d.revents }

// SetActive records the conditions observed by a poller.
func (d *DescriptorEvent) SetActive(events IOEvents) { d.revents = events }

// SetReadCallback sets the callback run, in a new coroutine, when the
// descriptor becomes readable with no waiting coroutine.
func (d *DescriptorEvent) SetReadCallback(fn func(now time.Time)) { d.readCallback = fn }

// SetWriteCallback sets the callback run, in a new coroutine, when the
// descriptor becomes writable with no waiting coroutine.
func (d *DescriptorEvent) SetWriteCallback(fn func()) { d.writeCallback = fn }

// IsReading reports whether read interest is registered.
func (d *DescriptorEvent) IsReading() bool { return d.events&EventRead != 0 }

// IsWriting reports whether write interest is registered.
func (d *DescriptorEvent) IsWriting() bool { return d.events&EventWrite != 0 }

// EnableReading registers read interest.
func (d *DescriptorEvent) EnableReading() error { return d.setInterest(d.events | EventRead) }

// DisableReading removes read interest.
func (d *DescriptorEvent) DisableReading() error { return d.setInterest(d.events &^ EventRead) }

// EnableWriting registers write interest.
func (d *DescriptorEvent) EnableWriting() error { return d.setInterest(d.events | EventWrite) }

// DisableWriting removes write interest.
func (d *DescriptorEvent) DisableWriting() error { return d.setInterest(d.events &^ EventWrite) }

// DisableAll removes all interest, keeping the event in the loop's table.
func (d *DescriptorEvent) DisableAll() error { return d.setInterest(0) }

// Remove drops the event from the loop and the poller.
func (d *DescriptorEvent) Remove() error { return d.loop.RemoveEvent(d) }

func (d *DescriptorEvent) setInterest(events IOEvents) error {
	d.events = events
	return d.loop.UpdateEvent(d)
}

// ReadWaiter returns the live read waiter, if any.
func (d *DescriptorEvent) ReadWaiter() *Coroutine { return d.readWaiter.live() }

// WriteWaiter returns the live write waiter, if any.
func (d *DescriptorEvent) WriteWaiter() *Coroutine { return d.writeWaiter.live() }

// SetReadWaiter registers co as the read waiter. The first registration
// wins: an occupied slot is left untouched. It reports whether co occupies
// the slot afterwards.
func (d *DescriptorEvent) SetReadWaiter(co *Coroutine) bool {
	return setWaiter(&d.readWaiter, co)
}

// SetWriteWaiter is the write direction equivalent of SetReadWaiter.
func (d *DescriptorEvent) SetWriteWaiter(co *Coroutine) bool {
	return setWaiter(&d.writeWaiter, co)
}

// ClearReadWaiter empties the read slot if co occupies it.
func (d *DescriptorEvent) ClearReadWaiter(co *Coroutine) { clearWaiter(&d.readWaiter, co) }

// ClearWriteWaiter empties the write slot if co occupies it.
func (d *DescriptorEvent) ClearWriteWaiter(co *Coroutine) { clearWaiter(&d.writeWaiter, co) }

func setWaiter(slot *waiter, co *Coroutine) bool {
	if current := slot.live(); current != nil {
		return current == co
	}
	*slot = waiterFor(co)
	return true
}

func clearWaiter(slot *waiter, co *Coroutine) {
	if slot.co == co {
		*slot = waiter{}
	}
}

// handleEvent dispatches the activity recorded by the last poll.
//
// A hangup or error is turned into readiness of every direction with
// registered interest, so that waiters observe the failure through their
// own I/O calls. Each ready direction is disabled at the poller (it is
// re-armed by whoever next waits on it), then its live waiter is woken, or
// failing that a coroutine is spawned for its callback.
func (d *DescriptorEvent) handleEvent(now time.Time) {
	revents := d.revents
	if revents&(EventHangup|EventError) != 0 {
		revents |= (EventRead | EventWrite) & d.events
	}

	if revents&EventRead != 0 {
		if err := d.DisableReading(); err != nil {
			d.loop.logger.Err().Int("fd", d.fd).Err(err).Log("coloop: failed to disable reading")
		}
		if co := d.readWaiter.live(); co != nil {
			d.wake(co)
		} else if cb := d.readCallback; cb != nil {
			co := d.loop.newCoroutine(func() { cb(now) })
			d.readWaiter = waiterFor(co)
			d.admit(co)
		} else {
			d.readWaiter = waiter{}
		}
	}

	if revents&EventWrite != 0 {
		if err := d.DisableWriting(); err != nil {
			d.loop.logger.Err().Int("fd", d.fd).Err(err).Log("coloop: failed to disable writing")
		}
		if co := d.writeWaiter.live(); co != nil {
			d.wake(co)
		} else if cb := d.writeCallback; cb != nil {
			co := d.loop.newCoroutine(cb)
			d.writeWaiter = waiterFor(co)
			d.admit(co)
		} else {
			d.writeWaiter = waiter{}
		}
	}
}

func (d *DescriptorEvent) wake(co *Coroutine) {
	if err := d.loop.NotifyCoroutineReady(co); err != nil {
		d.loop.logger.Err().Int("fd", d.fd).Uint64("coroutine", co.id).Err(err).Log("coloop: failed to wake waiter")
	}
}

func (d *DescriptorEvent) admit(co *Coroutine) {
	if err := d.loop.AddCoroutineWithState(co, true); err != nil {
		d.loop.logger.Debug().Int("fd", d.fd).Err(err).Log("coloop: dropped event coroutine")
	}
}
