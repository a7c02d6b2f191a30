//go:build linux

package coloop

import (
	"golang.org/x/sys/unix"
)

// Read reads from the non-blocking descriptor fd into p, suspending the
// calling coroutine until fd is readable whenever the read would block.
func (l *EventLoop) Read(fd int, p []byte) (int, error) {
	co := l.currentCoroutine()
	if co == nil {
		return 0, ErrNotInCoroutine
	}
	for {
		n, err := unix.Read(fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if err := l.await(co, fd, dirRead); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
	}
}

// Write writes all of p to the non-blocking descriptor fd, suspending the
// calling coroutine until fd is writable whenever the write would block. On
// error it returns the number of bytes written so far.
func (l *EventLoop) Write(fd int, p []byte) (int, error) {
	co := l.currentCoroutine()
	if co == nil {
		return 0, ErrNotInCoroutine
	}
	var written int
	for written < len(p) {
		n, err := unix.Write(fd, p[written:])
		if n > 0 {
			written += n
		}
		switch err {
		case nil:
		case unix.EINTR:
		case unix.EAGAIN:
			if err := l.await(co, fd, dirWrite); err != nil {
				return written, err
			}
		default:
			return written, err
		}
	}
	return written, nil
}

// Accept accepts a connection on the non-blocking listening socket fd,
// suspending the calling coroutine until a connection is pending. The
// accepted descriptor is non-blocking and close-on-exec.
func (l *EventLoop) Accept(fd int) (int, unix.Sockaddr, error) {
	co := l.currentCoroutine()
	if co == nil {
		return -1, nil, ErrNotInCoroutine
	}
	for {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			return nfd, sa, nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			if err := l.await(co, fd, dirRead); err != nil {
				return -1, nil, err
			}
		default:
			return -1, nil, err
		}
	}
}

// CloseFD removes the DescriptorEvent of fd, if any, and closes fd. It must
// be called from the loop thread.
func (l *EventLoop) CloseFD(fd int) error {
	if ev := l.events[fd]; ev != nil {
		if err := l.RemoveEvent(ev); err != nil {
			l.logger.Debug().Int("fd", fd).Err(err).Log("coloop: failed to remove event")
		}
	}
	return unix.Close(fd)
}
