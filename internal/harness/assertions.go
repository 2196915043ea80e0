package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/kioskfsm/internal/device"
	"github.com/roach88/kioskfsm/internal/engine"
	"github.com/roach88/kioskfsm/internal/fsm"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent // included for context, may be nil
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s --%s--> %s (%s)\n", ev.Seq, ev.Order, ev.From, ev.Event, ev.To, ev.Outcome)
		}
	}
	return buf.String()
}

// matches reports whether ev passes the assertion's trace filters.
func matches(ev TraceEvent, a Assertion) bool {
	if a.Event != "" && ev.Event != a.Event {
		return false
	}
	if a.To != "" && ev.To != a.To {
		return false
	}
	if a.Outcome != "" && ev.Outcome != a.Outcome {
		return false
	}
	return true
}

func describeFilter(a Assertion) string {
	var parts []string
	if a.Event != "" {
		parts = append(parts, "event="+a.Event)
	}
	if a.To != "" {
		parts = append(parts, "to="+a.To)
	}
	if a.Outcome != "" {
		parts = append(parts, "outcome="+a.Outcome)
	}
	return strings.Join(parts, " ")
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: "entry with " + describeFilter(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the applied events appear in the given
// order. Other entries may sit in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Events) && ev.Outcome == string(fsm.OutcomeApplied) && ev.Event == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("applied events in order: %v", a.Events),
		Actual:   fmt.Sprintf("matched %v, missing %s", a.Events[:next], a.Events[next]),
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d entries with %s", a.Count, describeFilter(a)),
			Actual:   fmt.Sprintf("%d entries", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertFinalState(ctx context.Context, eng *engine.Engine, a Assertion) error {
	rt, err := eng.StatusForOrder(ctx, a.Order)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("runtime for order %s", a.Order),
			Actual:   err.Error(),
		}
	}
	actual := map[string]any{
		"state":            rt.State,
		"version":          rt.Version,
		"amount":           rt.Amount,
		"pickup_code":      rt.PickupCode,
		"pin_code":         rt.PINCode,
		"fallback_qr":      rt.FallbackQR,
		"attempts_payment": rt.Attempts[fsm.PhasePayment],
		"attempts_fiscal":  rt.Attempts[fsm.PhaseFiscal],
	}
	return compareFields(AssertFinalState, actual, a.Expect)
}

func assertStock(ctx context.Context, eng *engine.Engine, a Assertion) error {
	entry, err := eng.Ledger().Stock(ctx, a.Item)
	if err != nil {
		return err
	}
	actual := map[string]any{
		"available": entry.Available,
		"reserved":  entry.Reserved,
	}
	return compareFields(AssertStock, actual, a.Expect)
}

func assertDeviceCalls(drv *device.Scripted, a Assertion) error {
	count := 0
	if drv != nil {
		count = len(drv.CallsFor(fsm.Phase(a.Kind)))
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertDeviceCalls,
			Expected: fmt.Sprintf("%d %s calls", a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d calls", count),
		}
	}
	return nil
}

// compareFields checks each expected key against actual by printed value,
// so a YAML 6 matches an int64 6. Keys are checked in sorted order.
func compareFields(kind string, actual, expected map[string]any) error {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		got, ok := actual[key]
		if !ok {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("known fields: %s", strings.Join(fieldNames(actual), ", ")),
			}
		}
		if fmt.Sprint(got) != fmt.Sprint(expected[key]) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("field %q = %v", key, expected[key]),
				Actual:   fmt.Sprintf("field %q = %v", key, got),
			}
		}
	}
	return nil
}

func fieldNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// AssertionContext gives assertions access to the engine after the flow.
type AssertionContext struct {
	Ctx     context.Context
	Engine  *engine.Engine
	Devices *device.Scripted
}

// EvaluateAssertions evaluates every assertion and returns the failure
// messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertDeviceCalls:
			err = assertDeviceCalls(actx.deviceDriver(), a)
		case AssertFinalState, AssertStock:
			if actx == nil || actx.Engine == nil {
				err = fmt.Errorf("assertion[%d]: %s requires an engine", i, a.Type)
			} else if a.Type == AssertFinalState {
				err = assertFinalState(actx.Ctx, actx.Engine, a)
			} else {
				err = assertStock(actx.Ctx, actx.Engine, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func (a *AssertionContext) deviceDriver() *device.Scripted {
	if a == nil {
		return nil
	}
	return a.Devices
}
