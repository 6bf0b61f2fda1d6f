// Package interrupt implements the coordinator that races a unit of
// cancellable work against a user interruption signal.
package interrupt

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInterrupted is returned when the interruption signal wins the race.
// It is a user-initiated cancellation, recovered locally by the session
// loop, never a failure.
var ErrInterrupted = errors.New("interrupted by user")

// HoldPollInterval is how often the watcher re-checks a set hold signal
// before firing.
const HoldPollInterval = 100 * time.Millisecond

// Signal is a boolean latch safe for concurrent use. Waiters block
// until the latch is set; Clear re-arms it.
type Signal struct {
	mu   sync.Mutex
	set  bool
	wait chan struct{}
}

// NewSignal creates a cleared signal.
func NewSignal() *Signal {
	return &Signal{wait: make(chan struct{})}
}

// Set latches the signal, waking all current and future waiters until
// Clear is called.
func (s *Signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.set = true
		close(s.wait)
	}
}

// Clear re-arms the signal.
func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.wait = make(chan struct{})
	}
}

// IsSet reports whether the signal is currently latched.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Done returns a channel closed while the signal is latched.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wait
}

// Run starts work and concurrently watches stop. If work finishes
// first, its result is returned and the watcher is cancelled. If stop
// fires first, stop is cleared (so it does not refire on the next
// command), work's context is cancelled, and ErrInterrupted is
// returned.
//
// While hold is set the watcher does not fire: it re-checks every
// HoldPollInterval instead, because interrupting mid-stream-teardown
// would corrupt partially-flushed output. hold may be nil.
func Run[T any](ctx context.Context, work func(ctx context.Context) (T, error), stop *Signal, hold *Signal) (T, error) {
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := work(workCtx)
		done <- result{value: v, err: err}
	}()

	watcherCtx, cancelWatcher := context.WithCancel(ctx)
	defer cancelWatcher()
	fired := make(chan struct{}, 1)
	go watch(watcherCtx, stop, hold, fired)

	var zero T
	select {
	case r := <-done:
		return r.value, r.err
	case <-fired:
		stop.Clear()
		cancelWork()
		<-done // wait for work to observe cancellation
		return zero, ErrInterrupted
	case <-ctx.Done():
		<-done
		return zero, ctx.Err()
	}
}

// watch waits for stop to latch, then spins on hold until it clears
// before reporting the interruption.
func watch(ctx context.Context, stop, hold *Signal, fired chan<- struct{}) {
	for {
		select {
		case <-stop.Done():
		case <-ctx.Done():
			return
		}
		if hold == nil || !hold.IsSet() {
			select {
			case fired <- struct{}{}:
			default:
			}
			return
		}
		select {
		case <-time.After(HoldPollInterval):
		case <-ctx.Done():
			return
		}
	}
}
