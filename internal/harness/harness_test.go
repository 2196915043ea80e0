package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kioskfsm/internal/engine"
	"github.com/roach88/kioskfsm/internal/fsm"
	"github.com/roach88/kioskfsm/internal/ledger"
)

func checkoutStep(order string, qty int, exp *Expect) Step {
	return Step{
		Checkout: &CheckoutStep{
			Order:  order,
			Lines:  []ledger.Line{{ItemID: "burger", Quantity: qty}},
			Amount: 500,
		},
		Expect: exp,
	}
}

func TestRun_ManualFlow(t *testing.T) {
	scenario := &Scenario{
		Name:        "manual",
		Description: "Device results submitted as events",
		Stock:       map[string]int{"burger": 3},
		Flow: []Step{
			checkoutStep("o-1", 1, &Expect{State: "AWAITING_PAYMENT"}),
			{Event: "payment_succeeded", Actor: &fsm.Actor{Type: fsm.ActorPOSTerminal, ID: "pos-1"}},
			{Event: "fiscalization_succeeded", Actor: &fsm.Actor{Type: fsm.ActorFiscal, ID: "fd-1"}},
			{Event: "print_succeeded", Actor: &fsm.Actor{Type: fsm.ActorPrinter, ID: "p-1"}},
			{Event: "execution_confirmed", Expect: &Expect{State: "COMPLETED"}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Event: "started", Count: 1},
			{Type: AssertStock, Item: "burger", Expect: map[string]any{"available": 2, "reserved": 0}},
			{Type: AssertDeviceCalls, Kind: "payment", Count: 0},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)

	require.Len(t, result.Trace, 5)
	assert.Equal(t, "pos-terminal:pos-1", result.Trace[1].Actor)
	assert.Equal(t, "operator:staff", result.Trace[4].Actor)
	assert.Equal(t, "0s", result.Trace[4].At)
	assert.Equal(t, map[string]string{"o-1": "COMPLETED"}, result.State)
}

func TestRun_ExpectationFailures(t *testing.T) {
	scenario := &Scenario{
		Name:        "failing",
		Description: "Expectations that do not hold",
		Stock:       map[string]int{"burger": 1},
		Flow: []Step{
			checkoutStep("o-1", 1, &Expect{State: "COMPLETED"}),
			{Event: "execution_confirmed"},
		},
		Assertions: []Assertion{
			{Type: AssertTraceContains, Event: "execution_confirmed", Outcome: "applied"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "flow[0]: expected state COMPLETED, got AWAITING_PAYMENT")
	assert.Contains(t, result.Errors[1], "flow[1]: unexpected error")
	assert.Contains(t, result.Errors[2], "trace_contains")
}

func TestRun_ExpectedErrorCode(t *testing.T) {
	scenario := &Scenario{
		Name:        "busy",
		Description: "Second checkout of an active order",
		Stock:       map[string]int{"burger": 5},
		Flow: []Step{
			checkoutStep("o-1", 1, nil),
			checkoutStep("o-1", 1, &Expect{Error: string(engine.CodeOrderBusy)}),
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Event: "started", Count: 1},
			{Type: AssertStock, Item: "burger", Expect: map[string]any{"available": 4, "reserved": 1}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_RetryPolicyOverride(t *testing.T) {
	scenario := &Scenario{
		Name:        "no_retries",
		Description: "A zero payment ceiling fails on the first recoverable error",
		Stock:       map[string]int{"burger": 1},
		Devices:     &DeviceScript{Payment: []string{"recoverable"}},
		Retries:     &engine.RetryPolicy{MaxPaymentRetries: 0, MaxFiscalRetries: 3},
		Flow: []Step{
			checkoutStep("o-1", 1, &Expect{State: "UNSUCCESSFUL_PAYMENT"}),
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Event: "payment_retry", Count: 0},
			{Type: AssertDeviceCalls, Kind: "payment", Count: 1},
			{Type: AssertFinalState, Order: "o-1", Expect: map[string]any{"attempts_payment": 0}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, "payment_failed", result.Trace[1].Event)
}

func TestRun_UnknownOrder(t *testing.T) {
	scenario := &Scenario{
		Name:        "unknown",
		Description: "Event for an order that never checked out",
		Flow:        []Step{{Event: "user_cancelled", Order: "ghost"}},
		Assertions:  []Assertion{{Type: AssertTraceCount, Event: "started", Count: 0}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no runtime for order "ghost"`)
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/payment_retries.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
}
