package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/kioskfsm/internal/device"
	"github.com/roach88/kioskfsm/internal/events"
	"github.com/roach88/kioskfsm/internal/fsm"
	"github.com/roach88/kioskfsm/internal/ledger"
	"github.com/roach88/kioskfsm/internal/scheduler"
	"github.com/roach88/kioskfsm/internal/store"
)

// Metrics receives engine observations. Implemented by metrics.Registry.
type Metrics interface {
	ObserveTransition(entry fsm.TransitionEntry)
	ObserveStale(kind string)
	ObserveEscalation(phase fsm.Phase)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTransition(fsm.TransitionEntry) {}
func (nopMetrics) ObserveStale(string)                   {}
func (nopMetrics) ObserveEscalation(fsm.Phase)           {}

// Engine drives order runtimes through the fulfillment table.
//
// Each runtime has its own mailbox drained by one goroutine, so events for
// one runtime are applied strictly one at a time while other runtimes
// progress in parallel. Apply, deadline fires and device results all go
// through the mailbox.
//
// Thread-safety model:
//   - Apply, Checkout, Status, History, Recover: safe from any goroutine
//   - Close: safe to call more than once
type Engine struct {
	store     *store.Store
	ledger    ledger.Ledger
	gateway   *device.Gateway
	sched     *scheduler.Scheduler
	clock     scheduler.Clock
	seq       *Clock
	timeouts  fsm.Timeouts
	retries   RetryPolicy
	delay     device.RetryDelay
	ids       IDGenerator
	codes     CodeGenerator
	publisher events.Publisher
	metrics   Metrics
	logger    *slog.Logger
	tracer    trace.Tracer

	mu        sync.Mutex
	mailboxes map[string]*eventQueue
	inflight  map[string]*call
	pending   int
	closed    bool
	wg        sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLedger sets the inventory ledger. Defaults to the store's own.
func WithLedger(l ledger.Ledger) Option {
	return func(e *Engine) { e.ledger = l }
}

// WithGateway attaches the device gateway. Without one (or with one that
// has no driver) no device calls are made and device events must be
// submitted through Apply.
func WithGateway(g *device.Gateway) Option {
	return func(e *Engine) { e.gateway = g }
}

// WithClock sets the wall clock used for timestamps, deadlines and retry
// delays.
func WithClock(c scheduler.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithTimeouts overrides the state deadlines.
func WithTimeouts(t fsm.Timeouts) Option {
	return func(e *Engine) { e.timeouts = t }
}

// WithRetryPolicy overrides the retry ceilings.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retries = p }
}

// WithRetryDelay sets the pause before re-dialing a device after a retry.
func WithRetryDelay(d device.RetryDelay) Option {
	return func(e *Engine) { e.delay = d }
}

// WithIDGenerator sets the runtime and session id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithCodeGenerator sets the pickup code and PIN source.
func WithCodeGenerator(g CodeGenerator) Option {
	return func(e *Engine) { e.codes = g }
}

// WithPublisher sets where applied transitions are announced.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine over s. The logical clock resumes from the
// store's highest log seq.
func New(ctx context.Context, s *store.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:     s,
		ledger:    s,
		clock:     scheduler.RealClock{},
		timeouts:  fsm.DefaultTimeouts(),
		retries:   DefaultRetryPolicy(),
		delay:     device.DefaultRetryDelay(),
		ids:       UUIDv7Generator{},
		codes:     RandomCodes{},
		metrics:   nopMetrics{},
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/roach88/kioskfsm/internal/engine"),
		mailboxes: make(map[string]*eventQueue),
		inflight:  make(map[string]*call),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.timeouts.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if err := e.retries.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	maxSeq, err := s.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: resume clock: %w", err)
	}
	e.seq = NewClockAt(maxSeq)
	e.sched = scheduler.New(e.clock, e.onFire)
	return e, nil
}

// Ledger returns the ledger the engine settles reservations against.
func (e *Engine) Ledger() ledger.Ledger {
	return e.ledger
}

// Scheduler returns the deadline scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.sched
}

// Timeouts returns the state deadlines in force.
func (e *Engine) Timeouts() fsm.Timeouts {
	return e.timeouts
}

// Apply submits event for runtimeID and waits for it to be applied or
// rejected. It returns the runtime's state afterwards.
//
// If ctx ends first Apply returns ctx.Err(), but the event stays queued
// and is still applied.
func (e *Engine) Apply(ctx context.Context, runtimeID string, event fsm.Event, actor fsm.Actor) (fsm.State, error) {
	m := newMessage(ctx, msgEvent, runtimeID)
	m.event = event
	m.actor = actor
	if err := e.enqueue(m); err != nil {
		return "", err
	}
	select {
	case r := <-m.reply:
		return r.state, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CheckoutRequest starts fulfillment of one order.
type CheckoutRequest struct {
	OrderID string        `json:"order_id"`
	Lines   []ledger.Line `json:"lines"`
	Amount  int64         `json:"amount"`
	Actor   fsm.Actor     `json:"actor"`
}

// Checkout holds stock for the order, creates its runtime and applies
// started. If the hold fails nothing is created.
func (e *Engine) Checkout(ctx context.Context, req CheckoutRequest) (*fsm.Runtime, error) {
	if req.OrderID == "" {
		return nil, errors.New("checkout: order id is required")
	}
	if req.Actor.Type == "" {
		req.Actor = fsm.Actor{Type: fsm.ActorCustomer, ID: req.OrderID}
	}

	existing, err := e.store.RuntimeForOrder(ctx, req.OrderID)
	switch {
	case err == nil && !existing.State.IsTerminal():
		return nil, &TransitionError{
			Code:      CodeOrderBusy,
			OrderID:   req.OrderID,
			RuntimeID: existing.ID,
			State:     existing.State,
			Message:   "order already has an active runtime",
		}
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, &TransitionError{Code: CodeStoreFailure, OrderID: req.OrderID, Err: err}
	}

	reservationID, err := e.ledger.Hold(ctx, req.OrderID, req.Lines)
	if err != nil {
		code := CodeSideEffectFailed
		if errors.Is(err, ledger.ErrInsufficientStock) {
			code = CodeInsufficientStock
		}
		return nil, &TransitionError{Code: code, OrderID: req.OrderID, Err: err}
	}

	now := e.clock.Now()
	rt := &fsm.Runtime{
		ID:             e.ids.Generate(),
		OrderID:        req.OrderID,
		State:          fsm.StateInit,
		StateEnteredAt: now,
		ReservationID:  reservationID,
		Amount:         req.Amount,
		PickupCode:     e.codes.PickupCode(),
		PINCode:        e.codes.PIN(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateRuntime(ctx, rt); err != nil {
		if relErr := e.ledger.Release(context.WithoutCancel(ctx), reservationID); relErr != nil {
			e.logger.Error("release after failed checkout",
				"order_id", req.OrderID, "reservation_id", reservationID, "error", relErr)
		}
		code := CodeStoreFailure
		if errors.Is(err, store.ErrOrderBusy) {
			code = CodeOrderBusy
		}
		return nil, &TransitionError{Code: code, OrderID: req.OrderID, Err: err}
	}
	e.logger.Info("checkout",
		"runtime_id", rt.ID,
		"order_id", rt.OrderID,
		"reservation_id", reservationID,
		"pickup_code", rt.PickupCode)

	if _, err := e.Apply(ctx, rt.ID, fsm.EventStarted, req.Actor); err != nil {
		return nil, err
	}
	return e.Status(ctx, rt.ID)
}

// Status returns a snapshot of a runtime.
func (e *Engine) Status(ctx context.Context, runtimeID string) (*fsm.Runtime, error) {
	rt, err := e.store.GetRuntime(ctx, runtimeID)
	if err != nil {
		return nil, e.loadError(runtimeID, err)
	}
	return rt, nil
}

// StatusForOrder returns the most recent runtime of an order.
func (e *Engine) StatusForOrder(ctx context.Context, orderID string) (*fsm.Runtime, error) {
	rt, err := e.store.RuntimeForOrder(ctx, orderID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, &TransitionError{Code: CodeUnknownRuntime, OrderID: orderID, Message: "no runtime for order", Err: err}
	case err != nil:
		return nil, &TransitionError{Code: CodeStoreFailure, OrderID: orderID, Err: err}
	}
	return rt, nil
}

// History returns the runtime's lifecycle log in seq order.
func (e *Engine) History(ctx context.Context, runtimeID string) ([]fsm.TransitionEntry, error) {
	if _, err := e.Status(ctx, runtimeID); err != nil {
		return nil, err
	}
	return e.store.ListTransitions(ctx, runtimeID)
}

// Recover re-arms deadlines for every non-terminal runtime from its
// persisted entry time and version. Deadlines that passed while the
// process was down fire immediately. Device calls are not re-sent: a
// payment may have gone through, so the deadline decides. Returns the
// number of timers armed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	rts, err := e.store.NonTerminalRuntimes(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	armed := 0
	for _, rt := range rts {
		d, ok := e.timeouts.For(rt.State)
		if !ok {
			continue
		}
		e.sched.Arm(rt.ID, rt.State, rt.Version, rt.StateEnteredAt, d)
		armed++
	}
	e.logger.Info("recovered runtimes", "non_terminal", len(rts), "timers_armed", armed)
	return armed, nil
}

// Health is the readiness snapshot served by the setup status endpoint.
type Health struct {
	Store             bool   `json:"store"`
	StoreError        string `json:"store_error,omitempty"`
	DevicesConfigured bool   `json:"devices_configured"`
	Pending           int    `json:"pending"`
	Armed             int    `json:"armed_timers"`
}

// Ready reports whether the engine can take orders. A runtime needs the
// store; devices are optional because collaborators may post events.
func (e *Engine) Ready(ctx context.Context) Health {
	h := Health{
		Store:             true,
		DevicesConfigured: e.gateway.Configured(),
		Pending:           e.Pending(),
		Armed:             e.sched.Len(),
	}
	if err := e.store.Ping(ctx); err != nil {
		h.Store = false
		h.StoreError = err.Error()
	}
	return h
}

// Pending returns the number of queued messages plus running device calls.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Close stops the scheduler, cancels in-flight device calls and waits for
// mailboxes to drain. Queued messages are still processed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	calls := make([]*call, 0, len(e.inflight))
	for id, c := range e.inflight {
		calls = append(calls, c)
		delete(e.inflight, id)
	}
	e.mu.Unlock()

	e.sched.Stop()
	for _, c := range calls {
		c.stop()
	}
	e.wg.Wait()
	return nil
}

func (e *Engine) loadError(runtimeID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &TransitionError{Code: CodeUnknownRuntime, RuntimeID: runtimeID, Message: "no such runtime", Err: err}
	}
	return &TransitionError{Code: CodeStoreFailure, RuntimeID: runtimeID, Err: err}
}
