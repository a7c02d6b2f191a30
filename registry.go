package coloop

import (
	"runtime"
	"sync"
)

// registry maps goroutines to the loop they currently carry: the goroutine
// running a loop, and the goroutine backing each started coroutine.
type registry struct {
	loops map[uint64]*EventLoop
	mu    sync.RWMutex
}

var goroutineLoops = &registry{loops: make(map[uint64]*EventLoop)}

func (r *registry) register(gid uint64, l *EventLoop) {
	r.mu.Lock()
	r.loops[gid] = l
	r.mu.Unlock()
}

func (r *registry) unregister(gid uint64) {
	r.mu.Lock()
	delete(r.loops, gid)
	r.mu.Unlock()
}

func (r *registry) lookup(gid uint64) (*EventLoop, bool) {
	r.mu.RLock()
	l, ok := r.loops[gid]
	r.mu.RUnlock()
	return l, ok
}

func registerGoroutine(gid uint64, l *EventLoop) { goroutineLoops.register(gid, l) }

func unregisterGoroutine(gid uint64) { goroutineLoops.unregister(gid) }

// Lookup returns the loop driving the calling goroutine, either because the
// goroutine is running [EventLoop.Run], or because it backs one of the
// loop's coroutines.
func Lookup() (*EventLoop, bool) {
	return goroutineLoops.lookup(getGoroutineID())
}

// getGoroutineID returns the current goroutine's ID, parsed from the header
// of runtime.Stack.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
