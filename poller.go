package coloop

import (
	"time"
)

// IOEvents is a bitmask of readiness conditions on a file descriptor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// String returns the set flags joined by "|", e.g. "READ|HUP".
func (e IOEvents) String() string {
	if e == 0 {
		return "NONE"
	}
	var b []byte
	for _, f := range [...]struct {
		bit  IOEvents
		name string
	}{
		{EventRead, "READ"},
		{EventWrite, "WRITE"},
		{EventError, "ERR"},
		{EventHangup, "HUP"},
	} {
		if e&f.bit == 0 {
			continue
		}
		if len(b) != 0 {
			b = append(b, '|')
		}
		b = append(b, f.name...)
	}
	return string(b)
}

// Poller is the readiness multiplexer consumed by the loop.
//
// Interest is level-triggered: a direction stays reported until the
// descriptor's interest no longer includes it, which the loop does as soon as
// it dispatches the direction. Only the loop thread calls Poll, UpdateEvent
// and RemoveEvent. Wakeup may be called from any goroutine and must make a
// blocked Poll return promptly.
type Poller interface {
	// Poll waits up to timeoutMs milliseconds (-1 blocks indefinitely, 0
	// returns immediately) and appends every descriptor with activity to
	// active, after recording the observed conditions with SetActive.
	Poll(timeoutMs int, active []*DescriptorEvent) (time.Time, []*DescriptorEvent, error)

	// UpdateEvent synchronises the registration of ev with its interest.
	UpdateEvent(ev *DescriptorEvent) error

	// RemoveEvent drops ev from the poller.
	RemoveEvent(ev *DescriptorEvent) error

	// Wakeup interrupts a blocked Poll.
	Wakeup() error

	// Close releases the poller.
	Close() error
}
