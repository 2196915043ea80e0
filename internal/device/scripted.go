package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/kioskfsm/internal/fsm"
)

// Step is one scripted device reply.
type Step struct {
	// Outcome selects the reply: success returns Response, terminal returns
	// a DeclineError, recoverable returns ErrUnavailable, timeout blocks
	// until the caller's context ends.
	Outcome  Outcome
	Response Response
	// Delay is waited (honouring ctx) before replying.
	Delay time.Duration
}

// Succeed is a success step with result code "OK".
func Succeed(ref string) Step {
	return Step{Outcome: OutcomeSuccess, Response: Response{ResultCode: "OK", ExternalRef: ref}}
}

// Decline is a terminal step.
func Decline(code, description string) Step {
	return Step{Outcome: OutcomeTerminal, Response: Response{ResultCode: code, ResultDescription: description}}
}

// Fail is a recoverable step.
func Fail() Step {
	return Step{Outcome: OutcomeRecoverable}
}

// Hang never replies.
func Hang() Step {
	return Step{Outcome: OutcomeTimeout}
}

// Call records one request the Scripted driver received.
type Call struct {
	Kind      fsm.Phase
	SessionID string
	Payload   map[string]any
}

// Scripted is an in-memory driver with programmable replies per device
// kind. Kinds with an empty script get the fallback step.
type Scripted struct {
	mu       sync.Mutex
	scripts  map[fsm.Phase][]Step
	fallback map[fsm.Phase]Step
	calls    []Call
	notify   chan Call
	hanging  int
}

// NewScripted creates a driver whose unscripted calls succeed.
func NewScripted() *Scripted {
	return &Scripted{
		scripts:  make(map[fsm.Phase][]Step),
		fallback: make(map[fsm.Phase]Step),
	}
}

// Push queues steps for kind, consumed in order.
func (s *Scripted) Push(kind fsm.Phase, steps ...Step) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[kind] = append(s.scripts[kind], steps...)
	return s
}

// SetFallback sets the step used when kind's script is empty.
func (s *Scripted) SetFallback(kind fsm.Phase, step Step) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback[kind] = step
	return s
}

// Notify returns a channel that receives every call as it arrives. The
// channel is buffered; calls are dropped if the reader falls behind.
func (s *Scripted) Notify(buffer int) <-chan Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = make(chan Call, buffer)
	return s.notify
}

// Calls returns a copy of every call received so far.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Hanging returns the number of calls currently blocked on a Hang step.
func (s *Scripted) Hanging() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hanging
}

// CallsFor returns the calls of one kind.
func (s *Scripted) CallsFor(kind fsm.Phase) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (s *Scripted) next(req Request) Step {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := Call{Kind: req.Kind, SessionID: req.SessionID, Payload: req.Payload}
	s.calls = append(s.calls, call)
	if s.notify != nil {
		select {
		case s.notify <- call:
		default:
		}
	}

	step := Succeed("")
	if q := s.scripts[req.Kind]; len(q) > 0 {
		s.scripts[req.Kind] = q[1:]
		step = q[0]
	} else if st, ok := s.fallback[req.Kind]; ok {
		step = st
	}
	if step.Outcome == OutcomeTimeout {
		s.hanging++
	}
	return step
}

// Send implements Driver.
func (s *Scripted) Send(ctx context.Context, req Request) (Response, error) {
	step := s.next(req)
	if step.Outcome == OutcomeTimeout {
		defer func() {
			s.mu.Lock()
			s.hanging--
			s.mu.Unlock()
		}()
	}

	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}

	switch step.Outcome {
	case OutcomeSuccess, "":
		return step.Response, nil
	case OutcomeTerminal:
		return step.Response, &DeclineError{Code: step.Response.ResultCode, Description: step.Response.ResultDescription}
	case OutcomeRecoverable:
		return step.Response, fmt.Errorf("%w: scripted failure", ErrUnavailable)
	case OutcomeTimeout:
		<-ctx.Done()
		return Response{}, ctx.Err()
	}
	return Response{}, errors.New("unknown scripted outcome " + string(step.Outcome))
}

// ParseOutcome converts a string to an Outcome.
func ParseOutcome(v string) (Outcome, error) {
	switch o := Outcome(v); o {
	case OutcomeSuccess, OutcomeRecoverable, OutcomeTerminal, OutcomeTimeout:
		return o, nil
	}
	return "", fmt.Errorf("unknown device outcome %q", v)
}
