// Package device is the gateway between the engine and external devices:
// payment terminal, fiscal register, receipt printer and kitchen system.
//
// A Driver performs one request/response exchange. The Gateway wraps every
// call with its own deadline and classifies the result as success,
// recoverable failure, terminal failure or timeout. The Gateway never
// retries; the engine owns retry policy.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/kioskfsm/internal/fsm"
)

// Outcome classifies one device exchange.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRecoverable Outcome = "recoverable"
	OutcomeTerminal    Outcome = "terminal"
	OutcomeTimeout     Outcome = "timeout"
)

// Request is one message to a device.
type Request struct {
	Kind      fsm.Phase      `json:"kind"`
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Response is a device's answer.
type Response struct {
	ResultCode        string `json:"result_code"`
	ResultDescription string `json:"result_description,omitempty"`
	ExternalRef       string `json:"external_reference_id,omitempty"`
}

// Driver talks to one or more physical devices.
//
// A driver returns a nil error for success, a *DeclineError for an explicit
// refusal, and any other error for a failure that might succeed on retry.
// It must honour ctx cancellation.
type Driver interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// ErrDeclined matches every *DeclineError.
var ErrDeclined = errors.New("declined by device")

// ErrUnavailable is returned by drivers when a device cannot be reached.
var ErrUnavailable = errors.New("device unavailable")

// DeclineError is an explicit refusal: a declined card, a fiscal register
// error code, a printer reporting it is out of paper for good.
type DeclineError struct {
	Code        string
	Description string
}

func (e *DeclineError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("declined: %s", e.Code)
	}
	return fmt.Sprintf("declined: %s: %s", e.Code, e.Description)
}

// Is makes errors.Is(err, ErrDeclined) true.
func (e *DeclineError) Is(target error) bool {
	return target == ErrDeclined
}

// Result is the classified outcome of Gateway.Send.
type Result struct {
	Kind        fsm.Phase
	SessionID   string
	Outcome     Outcome
	Response    Response
	Err         error
	StartedAt   time.Time
	RespondedAt time.Time
}

// Latency is the time between request and response.
func (r Result) Latency() time.Duration {
	return r.RespondedAt.Sub(r.StartedAt)
}

// Session converts the result into the runtime's record of the exchange.
func (r Result) Session() fsm.DeviceSession {
	s := fsm.DeviceSession{
		SessionID:   r.SessionID,
		StartedAt:   r.StartedAt,
		RespondedAt: r.RespondedAt,
		ResultCode:  r.Response.ResultCode,
		ExternalRef: r.Response.ExternalRef,
	}
	switch {
	case r.Response.ResultDescription != "":
		s.ResultDetail = r.Response.ResultDescription
	case r.Err != nil:
		s.ResultDetail = r.Err.Error()
	}
	if s.ResultCode == "" && r.Outcome != OutcomeSuccess {
		s.ResultCode = string(r.Outcome)
	}
	return s
}

// Classify maps a driver return to an outcome. ctxErr is the error of the
// context the call ran under.
func Classify(err, ctxErr error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrDeclined):
		return OutcomeTerminal
	case ctxErr != nil,
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return OutcomeTimeout
	default:
		return OutcomeRecoverable
	}
}
