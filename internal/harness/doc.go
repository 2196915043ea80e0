// Package harness runs kiosk order scenarios against a real engine and
// checks the resulting lifecycle logs.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: happy_path
//	description: "Order goes from checkout to completion"
//	stock:
//	  burger: 5
//	devices:
//	  payment: [success]
//	  print: [timeout]
//	retries:
//	  max_payment_retries: 1
//	  max_fiscal_retries: 3
//	flow:
//	  - checkout:
//	      order: o-1
//	      lines: [{item_id: burger, quantity: 2}]
//	      amount: 1500
//	    expect:
//	      state: AWAITING_PRINTING
//	  - advance: 20s
//	  - event: fallback_accepted
//	    actor: {type: customer, id: o-1}
//	assertions:
//	  - type: trace_order
//	    events: [started, payment_succeeded]
//	  - type: stock
//	    item: burger
//	    expect: {available: 3, reserved: 0}
//
// Without a devices section no device is called and the flow submits
// device results as events.
//
// # Assertion Types
//
//   - trace_contains: an entry matching event, to and outcome exists
//   - trace_order: applied events appear in the given order
//   - trace_count: exactly count entries match
//   - final_state: fields of an order's latest runtime
//   - stock: available and reserved counters of an item
//   - device_calls: number of scripted device calls of a kind
//
// # Deterministic Testing
//
// Every scenario runs on a fresh in-memory SQLite store with a fake clock
// at Epoch, sequential runtime and session ids and fixed pickup codes, so
// traces are identical across runs and can be compared to golden files.
// Device retry delays are zero.
package harness
