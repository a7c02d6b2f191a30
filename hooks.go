package coloop

import (
	"time"
)

// direction selects the waiter slot and interest bit a hook waits on.
type direction uint8

const (
	dirRead direction = iota
	dirWrite
)

// await parks co until fd becomes ready in the given direction. The waiter
// slot is cleared on return, whether the coroutine was woken by readiness
// or by anything else.
func (l *EventLoop) await(co *Coroutine, fd int, dir direction) error {
	ev, err := l.EventFor(fd)
	if err != nil {
		return err
	}

	if dir == dirRead {
		if !ev.SetReadWaiter(co) {
			return ErrWaiterBusy
		}
		defer ev.ClearReadWaiter(co)
		if err := ev.EnableReading(); err != nil {
			return err
		}
	} else {
		if !ev.SetWriteWaiter(co) {
			return ErrWaiterBusy
		}
		defer ev.ClearWriteWaiter(co)
		if err := ev.EnableWriting(); err != nil {
			return err
		}
	}

	return l.Suspend()
}

// Sleep suspends the calling coroutine for at least d. A non-positive d
// yields instead.
func (l *EventLoop) Sleep(d time.Duration) error {
	co := l.currentCoroutine()
	if co == nil {
		return ErrNotInCoroutine
	}
	if d <= 0 {
		return l.Yield()
	}

	deadline := time.Now().Add(d)
	for {
		id := co.id
		t := l.timers.Schedule(d, func() {
			if co.id == id {
				_ = l.NotifyCoroutineReady(co)
			}
		})
		err := l.Suspend()
		l.timers.Cancel(t)
		if err != nil {
			return err
		}
		if d = time.Until(deadline); d <= 0 {
			return nil
		}
	}
}
