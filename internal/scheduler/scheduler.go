// Package scheduler arms per-runtime state deadlines and delivers the
// state's timeout event when one elapses.
//
// A runtime has at most one armed timer: the deadline of the state it is
// in. Arming again replaces the previous timer, which is how a self-loop
// re-entry restarts the clock. A timer is tagged with the state and entry
// version it was armed for; the receiver compares both with the runtime's
// current values and discards the fire if either moved on.
package scheduler

import (
	"sync"
	"time"

	"github.com/roach88/kioskfsm/internal/fsm"
)

// Timer is a pending callback.
type Timer interface {
	// Stop prevents the callback from running. It reports false if the
	// callback already ran or was stopped.
	Stop() bool
}

// Clock is the time source. Tests inject a fake.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock uses the runtime's wall and monotonic clocks.
type RealClock struct{}

// Now returns time.Now.
func (RealClock) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (RealClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Fire is one elapsed deadline. Attempt counts redeliveries made by Retry.
type Fire struct {
	RuntimeID string
	State     fsm.State
	Version   int64
	Event     fsm.Event
	Deadline  time.Time
	Attempt   int
}

// Sink receives fires. It is called from the timer's goroutine with no
// scheduler lock held.
type Sink func(Fire)

type armed struct {
	fire  Fire
	timer Timer
}

// Scheduler keeps one timer per runtime.
//
// Thread-safety: all methods are safe for concurrent use.
type Scheduler struct {
	clock Clock
	sink  Sink

	mu      sync.Mutex
	timers  map[string]*armed
	stopped bool
}

// New creates a scheduler delivering fires to sink.
func New(clock Clock, sink Sink) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{
		clock:  clock,
		sink:   sink,
		timers: make(map[string]*armed),
	}
}

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() Clock {
	return s.clock
}

// Arm schedules d.Event for runtimeID at enteredAt+d.After, replacing any
// timer already armed for the runtime. A deadline already in the past
// fires immediately.
func (s *Scheduler) Arm(runtimeID string, state fsm.State, version int64, enteredAt time.Time, d fsm.Deadline) {
	fire := Fire{
		RuntimeID: runtimeID,
		State:     state,
		Version:   version,
		Event:     d.Event,
		Deadline:  enteredAt.Add(d.After),
	}
	delay := fire.Deadline.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[runtimeID]; ok {
		old.timer.Stop()
	}
	a := &armed{fire: fire}
	s.timers[runtimeID] = a
	a.timer = s.clock.AfterFunc(delay, func() { s.deliver(a) })
}

// Retry re-arms a delivered fire to run again after delay, keeping its
// state and version tag. It does nothing and reports false if the runtime
// already has a timer armed or the scheduler is stopped.
func (s *Scheduler) Retry(f Fire, delay time.Duration) bool {
	if delay < 0 {
		delay = 0
	}
	f.Attempt++
	f.Deadline = s.clock.Now().Add(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.timers[f.RuntimeID]; ok {
		return false
	}
	a := &armed{fire: f}
	s.timers[f.RuntimeID] = a
	a.timer = s.clock.AfterFunc(delay, func() { s.deliver(a) })
	return true
}

func (s *Scheduler) deliver(a *armed) {
	s.mu.Lock()
	cur, ok := s.timers[a.fire.RuntimeID]
	if !ok || cur != a || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, a.fire.RuntimeID)
	s.mu.Unlock()

	if s.sink != nil {
		s.sink(a.fire)
	}
}

// Disarm cancels the runtime's timer. Safe to call when none is armed.
func (s *Scheduler) Disarm(runtimeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.timers[runtimeID]; ok {
		a.timer.Stop()
		delete(s.timers, runtimeID)
	}
}

// Armed returns the pending fire of a runtime.
func (s *Scheduler) Armed(runtimeID string) (Fire, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.timers[runtimeID]
	if !ok {
		return Fire{}, false
	}
	return a.fire, true
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every timer. Later Arm calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, id)
	}
}
