package coloop

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-coloop/internal/execctx"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("coloop: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("coloop: loop has been terminated")

	// ErrLoopNotRunning is returned when an operation requires a running loop.
	ErrLoopNotRunning = errors.New("coloop: loop is not running")

	// ErrReentrantRun is returned when Run is called from within the loop itself.
	ErrReentrantRun = errors.New("coloop: cannot call Run from within the loop")

	// ErrNotLoopThread is returned by operations restricted to the goroutine
	// currently holding the loop, e.g. NotifyCoroutineReady.
	ErrNotLoopThread = errors.New("coloop: not called from the loop thread")

	// ErrNotInCoroutine is returned by hooks called outside a coroutine of the loop.
	ErrNotInCoroutine = errors.New("coloop: not called from a coroutine of this loop")

	// ErrWaiterBusy is returned by hooks when another coroutine already waits
	// on the same direction of a descriptor.
	ErrWaiterBusy = errors.New("coloop: descriptor direction already has a waiter")

	// ErrCoroutineBusy is returned when a coroutine that was already admitted
	// to a loop is submitted again.
	ErrCoroutineBusy = errors.New("coloop: coroutine already scheduled")

	// ErrForeignCoroutine is returned when a coroutine of one loop is handed to another.
	ErrForeignCoroutine = errors.New("coloop: coroutine belongs to another loop")

	// ErrForeignEvent is returned when a DescriptorEvent of one loop is handed to another.
	ErrForeignEvent = errors.New("coloop: descriptor event belongs to another loop")

	// ErrNilTask is returned when a nil task or coroutine is submitted.
	ErrNilTask = errors.New("coloop: nil task")

	// ErrFDOutOfRange is returned for negative or unsupported descriptors.
	ErrFDOutOfRange = errors.New("coloop: fd out of range")

	// ErrPollerClosed is returned by a poller after Close.
	ErrPollerClosed = errors.New("coloop: poller closed")

	// ErrInvalidStackSize is returned by New for a non-positive stack size.
	ErrInvalidStackSize = execctx.ErrInvalidStackSize

	// ErrPollerUnsupported is returned by New when no poller is configured
	// and the platform has no default one.
	ErrPollerUnsupported = errors.New("coloop: no default poller on this platform")
)

// PanicError wraps a value recovered from a panicking task, along with the
// stack of the coroutine at the point of the panic.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("coloop: task panicked: %v", e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// PollError is returned by Run when the poller fails. Poller failures are
// fatal to the loop.
type PollError struct {
	Err error
}

// Error implements the error interface.
func (e *PollError) Error() string {
	return "coloop: poll failed: " + e.Err.Error()
}

// Unwrap returns the underlying poller error.
func (e *PollError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with a message, preserving it for [errors.Is].
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
