package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/kioskfsm/internal/device"
	"github.com/roach88/kioskfsm/internal/engine"
	"github.com/roach88/kioskfsm/internal/fsm"
	"github.com/roach88/kioskfsm/internal/ledger"
)

// Scenario drives one engine through a scripted sequence of checkouts,
// events and clock advances, then checks the outcome.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Stock is the available quantity per item before the flow starts.
	Stock map[string]int `yaml:"stock,omitempty"`

	// Devices attaches a scripted device gateway. Without it no device is
	// called and the flow submits device events itself.
	Devices *DeviceScript `yaml:"devices,omitempty"`

	// Retries replaces the default retry ceilings. A ceiling left out is 0.
	Retries *engine.RetryPolicy `yaml:"retries,omitempty"`

	Flow       []Step      `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions"`
}

// DeviceScript lists replies per device kind, consumed in order. Each
// entry is an outcome: success, recoverable, terminal or timeout. Kinds
// that run out of replies succeed.
type DeviceScript struct {
	Payment []string `yaml:"payment,omitempty"`
	Fiscal  []string `yaml:"fiscal,omitempty"`
	Print   []string `yaml:"print,omitempty"`
	Kitchen []string `yaml:"kitchen,omitempty"`
}

func (d *DeviceScript) byKind() map[fsm.Phase][]string {
	return map[fsm.Phase][]string{
		fsm.PhasePayment: d.Payment,
		fsm.PhaseFiscal:  d.Fiscal,
		fsm.PhasePrint:   d.Print,
		fsm.PhaseKitchen: d.Kitchen,
	}
}

// Step is one flow action. Exactly one of Checkout, Event and Advance is
// set.
type Step struct {
	Checkout *CheckoutStep `yaml:"checkout,omitempty"`

	// Event is submitted to Order's runtime, or to the most recent
	// checkout's when Order is empty.
	Event string     `yaml:"event,omitempty"`
	Order string     `yaml:"order,omitempty"`
	Actor *fsm.Actor `yaml:"actor,omitempty"`

	// Advance moves the fake clock, e.g. "31s".
	Advance string `yaml:"advance,omitempty"`

	// Expect is checked once the engine has settled after the step.
	Expect *Expect `yaml:"expect,omitempty"`
}

// CheckoutStep starts an order.
type CheckoutStep struct {
	Order  string        `yaml:"order"`
	Lines  []ledger.Line `yaml:"lines"`
	Amount int64         `yaml:"amount"`
}

// Expect is a step expectation. Error is an engine error code; when it is
// empty the step must succeed.
type Expect struct {
	State string `yaml:"state,omitempty"`
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Event, To and Outcome filter trace entries (trace_contains,
	// trace_count). Empty filters match anything.
	Event   string `yaml:"event,omitempty"`
	To      string `yaml:"to,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Events is the expected order of applied events (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of matches (trace_count, device_calls).
	Count int `yaml:"count,omitempty"`

	Order string `yaml:"order,omitempty"` // final_state
	Item  string `yaml:"item,omitempty"`  // stock
	Kind  string `yaml:"kind,omitempty"`  // device_calls

	// Expect holds field values for final_state and stock. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertStock         = "stock"
	AssertDeviceCalls   = "device_calls"
)

// LoadScenario reads and validates a scenario file. Unknown keys are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for item, qty := range s.Stock {
		if qty < 0 {
			return fmt.Errorf("stock %s: quantity must be >= 0", item)
		}
	}
	if s.Devices != nil {
		for kind, outcomes := range s.Devices.byKind() {
			for i, o := range outcomes {
				if _, err := device.ParseOutcome(o); err != nil {
					return fmt.Errorf("devices.%s[%d]: %w", kind, i, err)
				}
			}
		}
	}
	if s.Retries != nil {
		if err := s.Retries.Validate(); err != nil {
			return err
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step) error {
	set := 0
	if step.Checkout != nil {
		set++
		if step.Checkout.Order == "" {
			return fmt.Errorf("flow[%d].checkout: order is required", i)
		}
	}
	if step.Event != "" {
		set++
		if _, err := fsm.ParseEvent(step.Event); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	if step.Advance != "" {
		set++
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("flow[%d].advance: %w", i, err)
		}
		if d < 0 {
			return fmt.Errorf("flow[%d].advance: must not be negative", i)
		}
	}
	if set != 1 {
		return fmt.Errorf("flow[%d]: exactly one of checkout, event, advance is required", i)
	}
	if step.Actor != nil && step.Event == "" {
		return fmt.Errorf("flow[%d]: actor is only valid with event", i)
	}
	if step.Actor != nil {
		if _, err := fsm.ParseActorType(string(step.Actor.Type)); err != nil {
			return fmt.Errorf("flow[%d].actor: %w", i, err)
		}
	}
	if step.Expect != nil && step.Expect.State != "" {
		if _, err := fsm.ParseState(step.Expect.State); err != nil {
			return fmt.Errorf("flow[%d].expect: %w", i, err)
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Event == "" && a.To == "" {
			return fmt.Errorf("assertions[%d]: event or to is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Order == "" {
			return fmt.Errorf("assertions[%d]: order is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertStock:
		if a.Item == "" {
			return fmt.Errorf("assertions[%d]: item is required for stock", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for stock", index)
		}
	case AssertDeviceCalls:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for device_calls", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
