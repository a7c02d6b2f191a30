// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coloop

import (
	"errors"

	"github.com/joeycumines/go-coloop/internal/execctx"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultMaxEvents is the initial size of the poller's event buffer.
	DefaultMaxEvents = 256

	// DefaultBufferSize is the slab size of the per-loop [BufferPool].
	DefaultBufferSize = 64 * 1024
)

// loopOptions holds configuration options for EventLoop creation.
type loopOptions struct {
	logger     *logiface.Logger[logiface.Event]
	poller     Poller
	timers     TimerManager
	observer   CoroutineObserver
	onPanic    func(co *Coroutine, err *PanicError)
	stackSize  int
	maxEvents  int
	bufferSize int
}

// --- Loop Options ---

// LoopOption configures an EventLoop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the structured logger used by the loop. A nil logger
// disables logging, which is also the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithStackSize sets the stack size of every coroutine's execution context.
func WithStackSize(size int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if size <= 0 {
			return ErrInvalidStackSize
		}
		opts.stackSize = size
		return nil
	}}
}

// WithPoller replaces the default (epoll) readiness multiplexer. The loop
// takes ownership, and closes it on termination.
func WithPoller(poller Poller) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.poller = poller
		return nil
	}}
}

// WithTimerManager replaces the default heap based timer storage.
func WithTimerManager(timers TimerManager) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.timers = timers
		return nil
	}}
}

// WithCoroutineObserver registers an observer notified of every coroutine
// state transition and destruction, on the loop thread.
func WithCoroutineObserver(observer CoroutineObserver) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.observer = observer
		return nil
	}}
}

// WithPanicHandler sets a callback invoked, on the loop thread, with the
// recovered panic of any task. The panicking coroutine terminates normally
// either way.
func WithPanicHandler(fn func(co *Coroutine, err *PanicError)) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.onPanic = fn
		return nil
	}}
}

// WithMaxEvents sets the initial event buffer size of the default poller.
// The buffer doubles whenever a poll fills it.
func WithMaxEvents(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("coloop: max events must be positive")
		}
		opts.maxEvents = n
		return nil
	}}
}

// WithBufferSize sets the size of buffers handed out by the loop's BufferPool.
func WithBufferSize(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("coloop: buffer size must be positive")
		}
		opts.bufferSize = n
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		stackSize:  execctx.DefaultStackSize,
		maxEvents:  DefaultMaxEvents,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
