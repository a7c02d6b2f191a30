// Package execctx implements the execution contexts that coroutines run on.
//
// A [Context] is one stack plus one saved resume point, with a two-argument
// [Switch] primitive that transfers the single logical thread of control from
// one context to another. Go exposes neither stacks nor registers, so every
// non-main Context is backed by a goroutine that stays parked whenever the
// Context is not running: the goroutine's stack is the context's stack, and
// its park point is the saved register set. Exactly one context of a group
// is runnable at any time.
//
// The switch path performs no heap allocation, it is a hand-off over
// unbuffered channels. The cost of a switch is two goroutine wake-ups, which
// is the price paid for not manipulating raw stacks.
package execctx

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

const (
	// DefaultStackSize is the stack size used when none is configured.
	DefaultStackSize = 4096 * 1024

	// stackAlign is the alignment applied to the top of every stack.
	stackAlign = 16
)

var (
	// ErrInvalidStackSize is returned by New for a non-positive stack size.
	ErrInvalidStackSize = errors.New("execctx: invalid stack size")

	// ErrNilEntry is returned by New when no entry function is given.
	ErrNilEntry = errors.New("execctx: nil entry function")

	// ErrContextDestroyed is the panic value raised when switching into a
	// destroyed context.
	ErrContextDestroyed = errors.New("execctx: switch into destroyed context")

	// ErrEntryReturned is the panic value raised when an entry function
	// returns without handing control away via Exit.
	ErrEntryReturned = errors.New("execctx: entry returned without Exit")
)

// Context is an execution context. The zero value is not usable, see New
// and Main.
type Context struct {
	_ [0]func() // no copy

	resume chan struct{}
	dead   chan struct{}
	entry  func(arg any)
	arg    any

	stackSize int

	destroyOnce sync.Once
	destroyed   atomic.Bool
	exited      atomic.Bool
	main        bool
}

// New creates a context that, when first switched into, calls entry(arg) on
// its own stack. The stack size is rounded up to a multiple of 16 bytes and
// fixed for the lifetime of the context.
//
// The entry function must finish by calling Exit, handing control to another
// context; returning without doing so is a programming error.
func New(stackSize int, entry func(arg any), arg any) (*Context, error) {
	if stackSize <= 0 {
		return nil, ErrInvalidStackSize
	}
	if entry == nil {
		return nil, ErrNilEntry
	}
	c := &Context{
		resume:    make(chan struct{}),
		dead:      make(chan struct{}),
		entry:     entry,
		arg:       arg,
		stackSize: alignStack(stackSize),
	}
	go c.trampoline()
	return c, nil
}

// Main returns a context representing the calling goroutine. It has no entry
// function: it only ever serves as the `from` of a Switch made by its own
// goroutine, and as the `to` of switches made by the contexts it started.
func Main() *Context {
	return &Context{
		resume: make(chan struct{}),
		dead:   make(chan struct{}),
		main:   true,
	}
}

// Switch saves the running context into from and resumes to. It returns, on
// from's stack, only when some other context switches back into from.
//
// If from is destroyed while parked, its goroutine unwinds via
// runtime.Goexit, running deferred calls, and Switch never returns.
func Switch(from, to *Context) {
	transfer(to)
	select {
	case <-from.resume:
	case <-from.dead:
		runtime.Goexit()
	}
}

// Exit resumes to without saving from. It is the final switch made by a
// context whose entry function is about to return.
func Exit(from, to *Context) {
	from.exited.Store(true)
	transfer(to)
}

func transfer(to *Context) {
	if to.destroyed.Load() {
		panic(ErrContextDestroyed)
	}
	select {
	case to.resume <- struct{}{}:
	case <-to.dead:
		panic(ErrContextDestroyed)
	}
}

// Destroy releases the context. It is safe to call more than once, only the
// first call has an effect. A parked, started context unwinds its goroutine
// (see Switch); a context that was never started simply drops its goroutine.
func (c *Context) Destroy() {
	c.destroyOnce.Do(func() {
		c.destroyed.Store(true)
		close(c.dead)
	})
}

// Destroyed reports whether Destroy has been called.
func (c *Context) Destroyed() bool { return c.destroyed.Load() }

// IsMain reports whether the context was created by Main.
func (c *Context) IsMain() bool { return c.main }

// StackSize returns the aligned stack size, zero for a main context.
func (c *Context) StackSize() int { return c.stackSize }

func (c *Context) trampoline() {
	select {
	case <-c.resume:
	case <-c.dead:
		return
	}
	c.entry(c.arg)
	if !c.exited.Load() {
		panic(ErrEntryReturned)
	}
}

func alignStack(n int) int {
	return (n + stackAlign - 1) &^ (stackAlign - 1)
}
