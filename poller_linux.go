//go:build linux

package coloop

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Initial size of the descriptor index, grown on demand.
const initialFDs = 1024

// MaxFDLimit is the largest descriptor value the epoll poller accepts.
const MaxFDLimit = 100000000

// fdEntry is the epoll poller's view of one descriptor.
type fdEntry struct {
	ev    *DescriptorEvent
	added bool // currently in the epoll set
}

// epollPoller implements Poller with level-triggered epoll and an eventfd
// for cross-goroutine wake-ups.
type epollPoller struct { // betteralign:ignore
	events []unix.EpollEvent // grows when a poll fills it
	fds    []fdEntry         // indexed by fd
	epfd   int
	wakeFd int
	closed atomic.Bool
	mu     sync.RWMutex // orders Wakeup against Close
}

func newDefaultPoller(maxEvents int) (Poller, error) {
	return newEpollPoller(maxEvents)
}

func newEpollPoller(maxEvents int) (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, WrapError("epoll_create1", err)
	}
	wakeFd, err := createWakeFd()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, WrapError("eventfd", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, WrapError("register wake fd", err)
	}
	return &epollPoller{
		events: make([]unix.EpollEvent, maxEvents),
		fds:    make([]fdEntry, initialFDs),
		epfd:   epfd,
		wakeFd: wakeFd,
	}, nil
}

func (p *epollPoller) entry(fd int) (*fdEntry, error) {
	if fd < 0 || fd >= MaxFDLimit {
		return nil, ErrFDOutOfRange
	}
	if fd >= len(p.fds) {
		newSize := min(fd*2+1, MaxFDLimit)
		grown := make([]fdEntry, newSize)
		copy(grown, p.fds)
		p.fds = grown
	}
	return &p.fds[fd], nil
}

// UpdateEvent adds, modifies or (for an empty interest) deletes the epoll
// registration of ev. A descriptor with no interest is kept out of the epoll
// set, as epoll reports hangups regardless of the requested events.
func (p *epollPoller) UpdateEvent(ev *DescriptorEvent) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	ent, err := p.entry(ev.Fd())
	if err != nil {
		return err
	}
	ent.ev = ev

	interest := ev.Interest()
	if interest&(EventRead|EventWrite) == 0 {
		if ent.added {
			ent.added = false
			return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, ev.Fd(), nil)
		}
		return nil
	}

	op := unix.EPOLL_CTL_ADD
	if ent.added {
		op = unix.EPOLL_CTL_MOD
	}
	e := unix.EpollEvent{
		Events: eventsToEpoll(interest),
		Fd:     int32(ev.Fd()),
	}
	err = unix.EpollCtl(p.epfd, op, ev.Fd(), &e)
	// the descriptor was closed, and possibly reused, behind our back
	switch {
	case err == unix.ENOENT && op == unix.EPOLL_CTL_MOD:
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, ev.Fd(), &e)
	case err == unix.EEXIST && op == unix.EPOLL_CTL_ADD:
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, ev.Fd(), &e)
	}
	if err != nil {
		ent.added = false
		return err
	}
	ent.added = true
	return nil
}

// RemoveEvent forgets ev, deleting any epoll registration.
func (p *epollPoller) RemoveEvent(ev *DescriptorEvent) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	fd := ev.Fd()
	if fd < 0 || fd >= len(p.fds) {
		return ErrFDOutOfRange
	}
	ent := &p.fds[fd]
	added := ent.added
	*ent = fdEntry{}
	if added {
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
			return err
		}
	}
	return nil
}

// Poll waits for readiness. EINTR is reported as an empty poll.
func (p *epollPoller) Poll(timeoutMs int, active []*DescriptorEvent) (time.Time, []*DescriptorEvent, error) {
	if p.closed.Load() {
		return time.Now(), active, ErrPollerClosed
	}

	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, active, nil
		}
		return now, active, err
	}

	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if fd == p.wakeFd {
			drainWakeFd(p.wakeFd)
			continue
		}
		if fd < 0 || fd >= len(p.fds) {
			continue
		}
		ent := &p.fds[fd]
		if ent.ev == nil || !ent.added {
			continue
		}
		ent.ev.SetActive(epollToEvents(p.events[i].Events))
		active = append(active, ent.ev)
	}

	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}

	return now, active, nil
}

// Wakeup makes a blocked Poll return. Safe for concurrent use.
func (p *epollPoller) Wakeup() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrPollerClosed
	}
	return signalWakeFd(p.wakeFd)
}

// Close closes the epoll instance and the wake fd.
func (p *epollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil
	}
	p.closed.Store(true)
	err := unix.Close(p.epfd)
	if e := unix.Close(p.wakeFd); err == nil {
		err = e
	}
	return err
}

// eventsToEpoll converts IOEvents to epoll event flags.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
