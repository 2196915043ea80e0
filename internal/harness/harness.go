package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/kioskfsm/internal/device"
	"github.com/roach88/kioskfsm/internal/engine"
	"github.com/roach88/kioskfsm/internal/fsm"
	"github.com/roach88/kioskfsm/internal/ledger"
	"github.com/roach88/kioskfsm/internal/store"
	"github.com/roach88/kioskfsm/internal/testutil"
)

// Epoch is the fake clock's start. Trace offsets are relative to it.
var Epoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

// SettleTimeout bounds the wait for the engine to go idle after a step.
var SettleTimeout = 5 * time.Second

// Codes every scenario runtime gets.
const (
	PickupCode = "042"
	PIN        = "1234"
)

// DefaultActor submits flow events that name no actor.
var DefaultActor = fsm.Actor{Type: fsm.ActorOperator, ID: "staff"}

// Harness runs one scenario against a fresh engine.
type Harness struct {
	store   *store.Store
	engine  *engine.Engine
	clock   *testutil.FakeClock
	devices *device.Scripted // nil without a devices section
	logger  *slog.Logger

	runtimes []string          // in creation order
	orders   map[string]string // order id -> latest runtime id
	last     string            // order of the latest checkout
}

// Run executes a scenario and returns the result.
//
// Each scenario gets a fresh in-memory database, a fake clock at Epoch,
// sequential ids and fixed pickup codes, so its trace is reproducible.
// After every step Run waits until nothing is left to process except
// device calls scripted to hang.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	for item, qty := range scenario.Stock {
		if _, err := st.Replenish(ctx, item, qty); err != nil {
			return nil, fmt.Errorf("stock %s: %w", item, err)
		}
	}

	h := &Harness{
		store:  st,
		clock:  testutil.NewFakeClock(Epoch),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		orders: make(map[string]string),
	}

	opts := []engine.Option{
		engine.WithClock(h.clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs("rt")),
		engine.WithCodeGenerator(engine.FixedCodes{Pickup: PickupCode, Pin: PIN}),
		engine.WithRetryDelay(device.RetryDelay{}),
		engine.WithLogger(h.logger),
	}
	if scenario.Retries != nil {
		opts = append(opts, engine.WithRetryPolicy(*scenario.Retries))
	}
	if scenario.Devices != nil {
		h.devices = device.NewScripted()
		for kind, outcomes := range scenario.Devices.byKind() {
			for _, o := range outcomes {
				outcome, err := device.ParseOutcome(o)
				if err != nil {
					return nil, err
				}
				h.devices.Push(kind, stepFor(outcome))
			}
		}
		gw := device.NewGateway(h.devices, device.WithNow(h.clock.Now), device.WithLogger(h.logger))
		opts = append(opts, engine.WithGateway(gw))
	}

	eng, err := engine.New(ctx, st, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	defer eng.Close()
	h.engine = eng

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("flow step %d: %w", i, err)
		}
	}

	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}

	actx := &AssertionContext{Ctx: ctx, Engine: eng, Devices: h.devices}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func stepFor(o device.Outcome) device.Step {
	switch o {
	case device.OutcomeRecoverable:
		return device.Fail()
	case device.OutcomeTerminal:
		return device.Decline("DECLINED", "scripted decline")
	case device.OutcomeTimeout:
		return device.Hang()
	}
	return device.Succeed("")
}

// executeStep runs one step, waits for the engine to settle and checks
// the step's expectation. Expectation failures go into result; the
// returned error is for steps that cannot run at all.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	var (
		target  string
		stepErr error
	)

	switch {
	case step.Checkout != nil:
		c := step.Checkout
		target = c.Order
		rt, err := h.engine.Checkout(ctx, engine.CheckoutRequest{
			OrderID: c.Order,
			Lines:   append([]ledger.Line(nil), c.Lines...),
			Amount:  c.Amount,
		})
		stepErr = err
		if err == nil {
			h.runtimes = append(h.runtimes, rt.ID)
			h.orders[c.Order] = rt.ID
			h.last = c.Order
		}

	case step.Event != "":
		target = step.Order
		if target == "" {
			target = h.last
		}
		id, ok := h.orders[target]
		if !ok {
			return fmt.Errorf("no runtime for order %q", target)
		}
		event, err := fsm.ParseEvent(step.Event)
		if err != nil {
			return err
		}
		actor := DefaultActor
		if step.Actor != nil {
			actor = *step.Actor
		}
		_, stepErr = h.engine.Apply(ctx, id, event, actor)

	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		target = h.last
		h.clock.Advance(d)
	}

	if err := h.settle(); err != nil {
		return err
	}
	h.logger.Info("flow step completed", "step", i, "order", target, "error", stepErr)

	if step.Expect == nil {
		if stepErr != nil {
			result.AddError(fmt.Sprintf("flow[%d]: unexpected error: %v", i, stepErr))
		}
		return nil
	}
	h.checkExpect(ctx, i, target, step.Expect, stepErr, result)
	return nil
}

func (h *Harness) checkExpect(ctx context.Context, i int, order string, exp *Expect, stepErr error, result *Result) {
	code := ""
	if stepErr != nil {
		c, ok := engine.CodeOf(stepErr)
		if !ok {
			result.AddError(fmt.Sprintf("flow[%d]: unexpected error: %v", i, stepErr))
			return
		}
		code = string(c)
	}
	if code != exp.Error {
		result.AddError(fmt.Sprintf("flow[%d]: expected error %q, got %q", i, exp.Error, code))
	}

	if exp.State == "" {
		return
	}
	id, ok := h.orders[order]
	if !ok {
		result.AddError(fmt.Sprintf("flow[%d]: expected state %s but order %q has no runtime", i, exp.State, order))
		return
	}
	rt, err := h.engine.Status(ctx, id)
	if err != nil {
		result.AddError(fmt.Sprintf("flow[%d]: status: %v", i, err))
		return
	}
	if string(rt.State) != exp.State {
		result.AddError(fmt.Sprintf("flow[%d]: expected state %s, got %s", i, exp.State, rt.State))
	}
}

// settle waits until the engine has nothing queued and every running
// device call is one scripted to hang.
func (h *Harness) settle() error {
	deadline := time.Now().Add(SettleTimeout)
	for {
		hanging := 0
		if h.devices != nil {
			hanging = h.devices.Hanging()
		}
		if h.engine.Pending() == hanging {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("engine did not settle")
		}
		time.Sleep(time.Millisecond)
	}
}

// collect gathers the trace and final states and checks that every
// runtime's log replays to its stored state.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	var entries []fsm.TransitionEntry
	for _, id := range h.runtimes {
		es, err := h.store.ListTransitions(ctx, id)
		if err != nil {
			return fmt.Errorf("list transitions: %w", err)
		}
		entries = append(entries, es...)

		replay, err := h.store.ReplayRuntime(ctx, id)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		if !replay.Consistent {
			result.AddError(fmt.Sprintf("runtime %s does not replay: %v", id, replay.Problems))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	for _, e := range entries {
		result.Trace = append(result.Trace, traceEventFrom(e, Epoch))
	}

	for order, id := range h.orders {
		rt, err := h.engine.Status(ctx, id)
		if err != nil {
			return err
		}
		result.State[order] = string(rt.State)
	}
	return nil
}
