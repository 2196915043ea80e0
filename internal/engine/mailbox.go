package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/kioskfsm/internal/events"
	"github.com/roach88/kioskfsm/internal/fsm"
	"github.com/roach88/kioskfsm/internal/ledger"
	"github.com/roach88/kioskfsm/internal/scheduler"
	"github.com/roach88/kioskfsm/internal/store"
)

// enqueue appends m to its runtime's mailbox, starting the mailbox
// goroutine if the runtime has none.
func (e *Engine) enqueue(m *message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return &TransitionError{Code: CodeStopped, RuntimeID: m.runtimeID, Message: "engine is closed"}
	}
	q, ok := e.mailboxes[m.runtimeID]
	if !ok {
		q = newEventQueue()
		e.mailboxes[m.runtimeID] = q
		e.wg.Add(1)
		go e.drain(m.runtimeID, q)
	}
	q.Enqueue(m)
	e.pending++
	return nil
}

// drain processes one runtime's messages in FIFO order. The goroutine
// exits when the queue is empty; the emptiness check and the mailbox
// removal happen under e.mu, the same lock enqueue holds, so no message
// can be left behind.
func (e *Engine) drain(runtimeID string, q *eventQueue) {
	defer e.wg.Done()
	for {
		m, ok := q.TryDequeue()
		if !ok {
			e.mu.Lock()
			if q.Len() == 0 {
				q.Close()
				delete(e.mailboxes, runtimeID)
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			continue
		}

		state, err := e.handle(m)
		m.reply <- reply{state: state, err: err}

		e.mu.Lock()
		e.pending--
		e.mu.Unlock()
	}
}

// handle processes one message. Store and ledger calls run under a
// context detached from the submitter's cancellation: once a message is
// dequeued it is carried through so the log and the runtime row agree.
func (e *Engine) handle(m *message) (fsm.State, error) {
	ctx := context.WithoutCancel(m.ctx)

	switch m.kind {
	case msgEvent:
		return e.handleEvent(ctx, m.runtimeID, m.event, m.actor)
	case msgFire:
		return e.handleFire(ctx, m)
	case msgDevice:
		return e.handleDevice(ctx, m)
	}
	return "", fmt.Errorf("unknown message kind %d", m.kind)
}

func (e *Engine) handleEvent(ctx context.Context, runtimeID string, event fsm.Event, actor fsm.Actor) (fsm.State, error) {
	rt, err := e.store.GetRuntime(ctx, runtimeID)
	if err != nil {
		return "", e.loadError(runtimeID, err)
	}
	return e.apply(ctx, rt, event, actor, nil)
}

func (e *Engine) handleFire(ctx context.Context, m *message) (fsm.State, error) {
	fire := m.fire
	rt, err := e.store.GetRuntime(ctx, fire.RuntimeID)
	if err != nil {
		return "", e.loadError(fire.RuntimeID, err)
	}
	if rt.State != fire.State || rt.Version != fire.Version {
		e.metrics.ObserveStale("timer")
		e.logger.Debug("stale timer dropped",
			"runtime_id", rt.ID,
			"armed_state", fire.State,
			"armed_version", fire.Version,
			"state", rt.State,
			"version", rt.Version)
		return rt.State, &TransitionError{
			Code:      CodeStaleTimer,
			RuntimeID: rt.ID,
			State:     rt.State,
			Event:     fire.Event,
			Message:   fmt.Sprintf("armed for %s v%d", fire.State, fire.Version),
		}
	}
	actor := fsm.SystemActor("scheduler", fmt.Sprintf("%s deadline elapsed", fire.State))
	state, err := e.apply(ctx, rt, fire.Event, actor, nil)
	if redeliverable(err) {
		delay := e.redeliveryDelay(fire.Attempt + 1)
		if e.sched.Retry(fire, delay) {
			e.logger.Warn("deadline event rescheduled",
				"runtime_id", rt.ID,
				"event", fire.Event,
				"attempt", fire.Attempt+1,
				"delay", delay)
		}
	}
	return state, err
}

// apply runs one event against rt, which must be the current persisted
// row. mutate, if set, edits the next runtime before it is committed.
func (e *Engine) apply(ctx context.Context, rt *fsm.Runtime, event fsm.Event, actor fsm.Actor, mutate func(*fsm.Runtime)) (fsm.State, error) {
	ctx, span := e.tracer.Start(ctx, "engine.apply", trace.WithAttributes(
		attribute.String("runtime.id", rt.ID),
		attribute.String("order.id", rt.OrderID),
		attribute.String("fsm.state", string(rt.State)),
		attribute.String("fsm.event", string(event)),
	))
	defer span.End()

	state, err := e.applyTraced(ctx, rt, event, actor, mutate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("fsm.to", string(state)))
		span.SetStatus(codes.Ok, "")
	}
	return state, err
}

func (e *Engine) applyTraced(ctx context.Context, rt *fsm.Runtime, event fsm.Event, actor fsm.Actor, mutate func(*fsm.Runtime)) (fsm.State, error) {
	// A retry that would exceed its phase's ceiling becomes the failure.
	retryPhase, escalate, isRetry := fsm.IsRetry(event)
	if isRetry && fsm.CanTransition(rt.State, event) {
		if err := e.retries.Check(rt, retryPhase); err != nil {
			e.metrics.ObserveEscalation(retryPhase)
			e.logger.Info("retry ceiling reached",
				"runtime_id", rt.ID,
				"event", event,
				"escalated_to", escalate,
				"reason", err)
			event = escalate
			isRetry = false
		}
	}

	to, ok := fsm.Next(rt.State, event)
	if !ok {
		return rt.State, e.reject(ctx, rt, event, actor, &TransitionError{
			Code:      CodeInvalidTransition,
			RuntimeID: rt.ID,
			State:     rt.State,
			Event:     event,
			Message:   fmt.Sprintf("event not permitted in %s", rt.State),
		})
	}

	effect := fsm.EffectNone
	if rt.ReservationID != "" {
		effect = fsm.EffectOf(rt.State, to)
	}
	inTx := effect != fsm.EffectNone && e.settlesInStore()
	if !inTx {
		if err := e.runEffect(ctx, rt, effect); err != nil {
			return rt.State, e.reject(ctx, rt, event, actor, &TransitionError{
				Code:      CodeSideEffectFailed,
				RuntimeID: rt.ID,
				State:     rt.State,
				Event:     event,
				Err:       err,
			})
		}
	}

	now := e.clock.Now()
	next := rt.Clone()
	next.State = to
	next.StateEnteredAt = now
	next.Version = rt.Version + 1
	next.UpdatedAt = now
	if isRetry {
		if next.Attempts == nil {
			next.Attempts = make(map[fsm.Phase]int)
		}
		next.Attempts[retryPhase]++
	}
	if to == fsm.StatePrintFailed {
		next.FallbackQR = FallbackQR(next.OrderID, next.PickupCode, next.PINCode)
	}
	if mutate != nil {
		mutate(next)
	}

	entry := fsm.TransitionEntry{
		Seq:       e.seq.Next(),
		RuntimeID: rt.ID,
		OrderID:   rt.OrderID,
		From:      rt.State,
		To:        to,
		Event:     event,
		Actor:     actor,
		Outcome:   fsm.OutcomeApplied,
		At:        now,
	}
	if err := e.commit(ctx, next, rt.Version, entry, effect, inTx); err != nil {
		var se *store.SettleError
		if errors.As(err, &se) {
			return rt.State, e.reject(ctx, rt, event, actor, &TransitionError{
				Code:      CodeSideEffectFailed,
				RuntimeID: rt.ID,
				State:     rt.State,
				Event:     event,
				Err:       err,
			})
		}
		if effect != fsm.EffectNone && !inTx {
			e.logger.Error("reservation settled but transition not committed",
				"runtime_id", rt.ID,
				"reservation_id", rt.ReservationID,
				"effect", effect,
				"event", event,
				"error", err)
		} else {
			e.logger.Error("commit transition failed",
				"runtime_id", rt.ID, "event", event, "error", err)
		}
		return rt.State, &TransitionError{
			Code:      CodeStoreFailure,
			RuntimeID: rt.ID,
			State:     rt.State,
			Event:     event,
			Err:       err,
		}
	}

	e.afterCommit(ctx, next, entry)
	return to, nil
}

// settlesInStore reports whether the ledger is the store itself, in which
// case a reservation settles in the same SQL transaction as the commit.
func (e *Engine) settlesInStore() bool {
	l, ok := e.ledger.(*store.Store)
	return ok && l == e.store
}

// commit writes next and entry. With inTx set the reservation settle is
// part of the same SQL transaction. A reservation the store does not know
// is logged and the transition committed without it.
func (e *Engine) commit(ctx context.Context, next *fsm.Runtime, prevVersion int64, entry fsm.TransitionEntry, effect fsm.Effect, inTx bool) error {
	if !inTx {
		return e.store.CommitTransition(ctx, next, prevVersion, entry)
	}
	err := e.store.CommitTransitionSettling(ctx, next, prevVersion, entry, next.ReservationID, settleTarget(effect))
	if errors.Is(err, ledger.ErrUnknownReservation) {
		e.logger.Warn("reservation unknown to ledger, nothing to settle",
			"runtime_id", next.ID, "reservation_id", next.ReservationID, "effect", effect)
		return e.store.CommitTransition(ctx, next, prevVersion, entry)
	}
	return err
}

func settleTarget(effect fsm.Effect) ledger.Status {
	if effect == fsm.EffectCommit {
		return ledger.StatusCommitted
	}
	return ledger.StatusReleased
}

// runEffect settles the reservation through an external ledger. A
// reservation the ledger does not know, as after a restart of the memory
// ledger, has nothing left to settle.
func (e *Engine) runEffect(ctx context.Context, rt *fsm.Runtime, effect fsm.Effect) error {
	var err error
	switch effect {
	case fsm.EffectCommit:
		err = e.ledger.Commit(ctx, rt.ReservationID)
	case fsm.EffectRelease:
		err = e.ledger.Release(ctx, rt.ReservationID)
	default:
		return nil
	}
	if errors.Is(err, ledger.ErrUnknownReservation) {
		e.logger.Warn("reservation unknown to ledger, nothing to settle",
			"runtime_id", rt.ID, "reservation_id", rt.ReservationID, "effect", effect)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s reservation %s: %w", effect, rt.ReservationID, err)
	}
	return nil
}

// redeliverable reports whether a failed event may succeed if submitted
// again unchanged.
func redeliverable(err error) bool {
	code, ok := CodeOf(err)
	return ok && (code == CodeSideEffectFailed || code == CodeStoreFailure)
}

// redeliveryDelay is the wait before redelivery number attempt of a
// deadline or device result.
func (e *Engine) redeliveryDelay(attempt int) time.Duration {
	if d := e.delay.For(attempt); d > 0 {
		return d
	}
	return minRedeliveryDelay
}

const minRedeliveryDelay = time.Second

// reject logs a rejected entry for te and returns it.
func (e *Engine) reject(ctx context.Context, rt *fsm.Runtime, event fsm.Event, actor fsm.Actor, te *TransitionError) error {
	entry := fsm.TransitionEntry{
		Seq:       e.seq.Next(),
		RuntimeID: rt.ID,
		OrderID:   rt.OrderID,
		From:      rt.State,
		To:        rt.State,
		Event:     event,
		Actor:     actor,
		Outcome:   fsm.OutcomeRejected,
		ErrorCode: string(te.Code),
		At:        e.clock.Now(),
	}
	if err := e.store.AppendRejected(ctx, entry); err != nil {
		e.logger.Error("append rejected entry failed", "runtime_id", rt.ID, "error", err)
		te.Err = errors.Join(te.Err, err)
	}
	e.metrics.ObserveTransition(entry)
	e.logger.Warn("transition rejected",
		"runtime_id", rt.ID,
		"state", rt.State,
		"event", event,
		"actor", actor.Type,
		"code", te.Code)
	return te
}

// afterCommit runs the consequences of an applied transition: the old
// state's device call and deadline are dropped, the new state's are
// started, and the transition is announced.
func (e *Engine) afterCommit(ctx context.Context, rt *fsm.Runtime, entry fsm.TransitionEntry) {
	e.cancelCall(rt.ID)

	if d, ok := e.timeouts.For(rt.State); ok {
		e.sched.Arm(rt.ID, rt.State, rt.Version, rt.StateEnteredAt, d)
	} else {
		e.sched.Disarm(rt.ID)
	}

	e.dispatch(rt, entry)

	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, events.FromEntry(entry)); err != nil {
			e.logger.Warn("publish transition failed", "runtime_id", rt.ID, "seq", entry.Seq, "error", err)
		}
	}
	e.metrics.ObserveTransition(entry)
	e.logger.Info("transition applied",
		"runtime_id", rt.ID,
		"order_id", rt.OrderID,
		"seq", entry.Seq,
		"from", entry.From,
		"to", entry.To,
		"event", entry.Event,
		"actor", entry.Actor.Type,
		"version", rt.Version)
}

// onFire is the scheduler sink. It queues the fire on the runtime's
// mailbox and waits until it has been handled, so a fake clock's Advance
// returns only after the timeout transition is committed.
func (e *Engine) onFire(f scheduler.Fire) {
	m := newMessage(context.Background(), msgFire, f.RuntimeID)
	m.fire = f
	if err := e.enqueue(m); err != nil {
		return
	}
	r := <-m.reply
	if r.err != nil && !IsStaleTimer(r.err) {
		e.logger.Warn("deadline event failed", "runtime_id", f.RuntimeID, "event", f.Event, "error", r.err)
	}
}
