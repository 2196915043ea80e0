package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/kioskfsm/internal/device"
	"github.com/roach88/kioskfsm/internal/fsm"
	"github.com/roach88/kioskfsm/internal/scheduler"
)

// devicePhases maps the states that talk to a device on entry.
var devicePhases = map[fsm.State]fsm.Phase{
	fsm.StateAwaitingPayment:               fsm.PhasePayment,
	fsm.StateAwaitingFiscalization:         fsm.PhaseFiscal,
	fsm.StateAwaitingPrinting:              fsm.PhasePrint,
	fsm.StateAwaitingExecutionConfirmation: fsm.PhaseKitchen,
}

var deviceActors = map[fsm.Phase]fsm.ActorType{
	fsm.PhasePayment: fsm.ActorPOSTerminal,
	fsm.PhaseFiscal:  fsm.ActorFiscal,
	fsm.PhasePrint:   fsm.ActorPrinter,
	fsm.PhaseKitchen: fsm.ActorKitchen,
}

// call is one in-flight device exchange. Stopping it cancels the request
// and its pending timers.
type call struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  []scheduler.Timer
	stopped bool
}

func (c *call) addTimer(t scheduler.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		t.Stop()
		return
	}
	c.timers = append(c.timers, t)
}

func (c *call) stop() {
	c.mu.Lock()
	c.stopped = true
	timers := c.timers
	c.timers = nil
	c.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	c.cancel()
}

// callJob is the immutable description of one exchange.
type callJob struct {
	runtimeID string
	state     fsm.State
	version   int64
	deadline  time.Time // zero when the state has none
	kind      fsm.Phase
	sessionID string
	payload   map[string]any
}

// cancelCall stops the runtime's in-flight device call, if any. A call
// cancelled this way still reports back, but its result is stale.
func (e *Engine) cancelCall(runtimeID string) {
	e.mu.Lock()
	c, ok := e.inflight[runtimeID]
	delete(e.inflight, runtimeID)
	e.mu.Unlock()
	if ok {
		c.stop()
	}
}

// dispatch starts the device call of the state rt just entered. After a
// retry the call waits RetryDelay first. The call is bounded by the
// state's deadline.
func (e *Engine) dispatch(rt *fsm.Runtime, entry fsm.TransitionEntry) {
	kind, ok := devicePhases[rt.State]
	if !ok || !e.gateway.Configured() {
		return
	}

	job := callJob{
		runtimeID: rt.ID,
		state:     rt.State,
		version:   rt.Version,
		kind:      kind,
		sessionID: e.ids.Generate(),
		payload:   payloadFor(rt, kind),
	}
	if d, ok := e.timeouts.For(rt.State); ok {
		job.deadline = rt.StateEnteredAt.Add(d.After)
	}

	var delay time.Duration
	if phase, _, isRetry := fsm.IsRetry(entry.Event); isRetry && phase == kind {
		delay = e.delay.For(rt.Attempts[phase])
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &call{cancel: cancel}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return
	}
	e.inflight[rt.ID] = c
	e.mu.Unlock()

	if delay > 0 {
		c.addTimer(e.clock.AfterFunc(delay, func() { e.startCall(ctx, c, job) }))
		return
	}
	e.startCall(ctx, c, job)
}

func (e *Engine) startCall(ctx context.Context, c *call, job callJob) {
	e.mu.Lock()
	if e.closed || ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.pending++
	e.wg.Add(1)
	e.mu.Unlock()

	if !job.deadline.IsZero() {
		remaining := job.deadline.Sub(e.clock.Now())
		if remaining < 0 {
			remaining = 0
		}
		c.addTimer(e.clock.AfterFunc(remaining, c.cancel))
	}
	go e.runCall(ctx, c, job)
}

func (e *Engine) runCall(ctx context.Context, c *call, job callJob) {
	defer e.wg.Done()

	e.logger.Debug("device call",
		"runtime_id", job.runtimeID,
		"kind", job.kind,
		"session_id", job.sessionID,
		"version", job.version)
	res := e.gateway.Send(ctx, job.kind, job.sessionID, job.payload, 0)

	e.mu.Lock()
	if e.inflight[job.runtimeID] == c {
		delete(e.inflight, job.runtimeID)
	}
	e.mu.Unlock()
	c.stop()

	m := newMessage(context.Background(), msgDevice, job.runtimeID)
	m.device = deviceResult{State: job.state, Version: job.version, Result: res}
	if err := e.enqueue(m); err != nil {
		e.logger.Debug("device result dropped", "runtime_id", job.runtimeID, "kind", job.kind, "error", err)
	}

	e.mu.Lock()
	e.pending--
	e.mu.Unlock()
}

// handleDevice turns a device result into the event it implies. Results
// for an entry the runtime already left are dropped.
func (e *Engine) handleDevice(ctx context.Context, m *message) (fsm.State, error) {
	dr := m.device
	rt, err := e.store.GetRuntime(ctx, m.runtimeID)
	if err != nil {
		return "", e.loadError(m.runtimeID, err)
	}
	if rt.State != dr.State || rt.Version != dr.Version {
		e.metrics.ObserveStale("device")
		e.logger.Debug("stale device result dropped",
			"runtime_id", rt.ID,
			"kind", dr.Result.Kind,
			"sent_version", dr.Version,
			"version", rt.Version)
		return rt.State, nil
	}

	res := dr.Result
	record := func(next *fsm.Runtime) {
		next.SetSession(res.Kind, res.Session())
	}

	event, ok := e.eventFor(rt.State, res.Kind, res.Outcome)
	if !ok {
		next := rt.Clone()
		record(next)
		next.UpdatedAt = e.clock.Now()
		if err := e.store.SaveRuntime(ctx, next); err != nil {
			return rt.State, &TransitionError{Code: CodeStoreFailure, RuntimeID: rt.ID, State: rt.State, Err: err}
		}
		e.logger.Info("device result recorded",
			"runtime_id", rt.ID,
			"kind", res.Kind,
			"outcome", res.Outcome)
		return rt.State, nil
	}

	actor := fsm.Actor{
		Type:    deviceActors[res.Kind],
		ID:      res.SessionID,
		Comment: outcomeComment(res),
	}
	state, err := e.apply(ctx, rt, event, actor, record)
	if redeliverable(err) {
		e.redeliver(m.runtimeID, dr)
	}
	return state, err
}

// redeliver queues dr again after a backoff. If the runtime has moved on
// by then, the result is dropped as stale.
func (e *Engine) redeliver(runtimeID string, dr deviceResult) {
	dr.Redelivery++
	delay := e.redeliveryDelay(dr.Redelivery)
	e.logger.Warn("device result rescheduled",
		"runtime_id", runtimeID,
		"kind", dr.Result.Kind,
		"attempt", dr.Redelivery,
		"delay", delay)
	e.clock.AfterFunc(delay, func() {
		m := newMessage(context.Background(), msgDevice, runtimeID)
		m.device = dr
		if err := e.enqueue(m); err != nil {
			e.logger.Debug("device result dropped", "runtime_id", runtimeID, "kind", dr.Result.Kind, "error", err)
		}
	})
}

// eventFor maps a device outcome to the event it triggers in state. The
// kitchen reports no event: completion is confirmed by staff.
func (e *Engine) eventFor(state fsm.State, kind fsm.Phase, outcome device.Outcome) (fsm.Event, bool) {
	if outcome == device.OutcomeTimeout {
		if d, ok := e.timeouts.For(state); ok {
			return d.Event, kind != fsm.PhaseKitchen
		}
	}
	switch kind {
	case fsm.PhasePayment:
		switch outcome {
		case device.OutcomeSuccess:
			return fsm.EventPaymentSucceeded, true
		case device.OutcomeRecoverable:
			return fsm.EventPaymentRetry, true
		case device.OutcomeTerminal:
			return fsm.EventPaymentFailed, true
		case device.OutcomeTimeout:
			return fsm.EventInactivityTimeout, true
		}
	case fsm.PhaseFiscal:
		switch outcome {
		case device.OutcomeSuccess:
			return fsm.EventFiscalizationSucceeded, true
		case device.OutcomeTerminal:
			return fsm.EventFiscalizationFailed, true
		default:
			return fsm.EventFiscalizationRetry, true
		}
	case fsm.PhasePrint:
		if outcome == device.OutcomeSuccess {
			return fsm.EventPrintSucceeded, true
		}
		return fsm.EventPrintingFailedOrTimeout, true
	}
	return "", false
}

func outcomeComment(res device.Result) string {
	if res.Response.ResultCode == "" {
		return string(res.Outcome)
	}
	return fmt.Sprintf("%s %s", res.Outcome, res.Response.ResultCode)
}

func payloadFor(rt *fsm.Runtime, kind fsm.Phase) map[string]any {
	p := map[string]any{"order_id": rt.OrderID}
	switch kind {
	case fsm.PhasePayment:
		p["amount"] = rt.Amount
		p["attempt"] = rt.Attempts[fsm.PhasePayment] + 1
	case fsm.PhaseFiscal:
		p["amount"] = rt.Amount
		if s, ok := rt.Session(fsm.PhasePayment); ok {
			p["payment_ref"] = s.ExternalRef
		}
	case fsm.PhasePrint:
		p["pickup_code"] = rt.PickupCode
		p["pin"] = rt.PINCode
		if s, ok := rt.Session(fsm.PhaseFiscal); ok {
			p["fiscal_ref"] = s.ExternalRef
		}
	case fsm.PhaseKitchen:
		p["pickup_code"] = rt.PickupCode
	}
	return p
}
