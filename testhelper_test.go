package coloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// waitLoopState waits for a loop to reach a specific state within a timeout.
func waitLoopState(t *testing.T, loop *EventLoop, expected LoopState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for loop.State() != expected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, expected, loop.State(), "loop failed to reach state")
}

// startLoop runs loop on a new goroutine. The returned function shuts the
// loop down and returns the result of Run, it is also registered as a
// cleanup.
func startLoop(t *testing.T, loop *EventLoop) (stop func() error) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(context.Background()) }()

	var (
		once   sync.Once
		runErr error
	)
	stop = func() error {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = loop.Shutdown(ctx)
			select {
			case runErr = <-errCh:
			case <-ctx.Done():
				t.Errorf("loop did not stop")
				runErr = ctx.Err()
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// waitClosed fails the test if ch is not closed within timeout.
func waitClosed(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out: %s", msg)
	}
}

// fakePoller is a Poller test double. Readiness is scripted with fire, and
// every interest update is recorded.
type fakePoller struct {
	wake    chan struct{}
	events  map[int]*DescriptorEvent
	updates map[int][]IOEvents
	pollErr error
	pending []fakeReadiness
	polls   int
	mu      sync.Mutex
	closed  bool
}

type fakeReadiness struct {
	fd     int
	events IOEvents
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		wake:    make(chan struct{}, 1),
		events:  make(map[int]*DescriptorEvent),
		updates: make(map[int][]IOEvents),
	}
}

// fire makes the next poll report events for fd. Safe for concurrent use.
func (p *fakePoller) fire(fd int, events IOEvents) {
	p.mu.Lock()
	p.pending = append(p.pending, fakeReadiness{fd: fd, events: events})
	p.mu.Unlock()
	_ = p.Wakeup()
}

func (p *fakePoller) failWith(err error) {
	p.mu.Lock()
	p.pollErr = err
	p.mu.Unlock()
	_ = p.Wakeup()
}

func (p *fakePoller) interestLog(fd int) []IOEvents {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]IOEvents(nil), p.updates[fd]...)
}

func (p *fakePoller) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePoller) take() ([]fakeReadiness, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	pending := p.pending
	p.pending = nil
	return pending, p.pollErr
}

func (p *fakePoller) Poll(timeoutMs int, active []*DescriptorEvent) (time.Time, []*DescriptorEvent, error) {
	pending, err := p.take()
	if err == nil && len(pending) == 0 && timeoutMs != 0 {
		var timer <-chan time.Time
		if timeoutMs > 0 {
			timer = time.After(time.Duration(timeoutMs) * time.Millisecond)
		}
		select {
		case <-p.wake:
		case <-timer:
		}
		pending, err = p.take()
	}
	now := time.Now()
	if err != nil {
		return now, active, err
	}
	for _, r := range pending {
		p.mu.Lock()
		ev := p.events[r.fd]
		p.mu.Unlock()
		if ev == nil {
			continue
		}
		ev.SetActive(r.events)
		active = append(active, ev)
	}
	return now, active, nil
}

func (p *fakePoller) UpdateEvent(ev *DescriptorEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPollerClosed
	}
	p.events[ev.Fd()] = ev
	p.updates[ev.Fd()] = append(p.updates[ev.Fd()], ev.Interest())
	return nil
}

func (p *fakePoller) RemoveEvent(ev *DescriptorEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPollerClosed
	}
	delete(p.events, ev.Fd())
	return nil
}

func (p *fakePoller) Wakeup() error {
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *fakePoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// transition is one recorded state change.
type transition struct {
	from, to CoroutineState
}

// recordingObserver records coroutine transitions and destructions.
type recordingObserver struct {
	transitions map[*Coroutine][]transition
	destroyed   map[*Coroutine]int
	onDestroy   func(co *Coroutine)
	mu          sync.Mutex
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		transitions: make(map[*Coroutine][]transition),
		destroyed:   make(map[*Coroutine]int),
	}
}

func (o *recordingObserver) OnTransition(co *Coroutine, from, to CoroutineState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions[co] = append(o.transitions[co], transition{from, to})
}

func (o *recordingObserver) OnDestroy(co *Coroutine) {
	o.mu.Lock()
	o.destroyed[co]++
	fn := o.onDestroy
	o.mu.Unlock()
	if fn != nil {
		fn(co)
	}
}

func (o *recordingObserver) transitionsOf(co *Coroutine) []transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]transition(nil), o.transitions[co]...)
}

func (o *recordingObserver) destroyCount(co *Coroutine) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.destroyed[co]
}

func (o *recordingObserver) totalDestroyed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int
	for _, c := range o.destroyed {
		n += c
	}
	return n
}

// recorder collects strings in order, from any goroutine.
type recorder struct {
	items []string
	mu    sync.Mutex
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.items = append(r.items, s)
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...)
}
