package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/kioskfsm/internal/fsm"
)

// Default retry ceilings.
const (
	DefaultMaxPaymentRetries = 2
	DefaultMaxFiscalRetries  = 3
)

// RetryPolicy bounds the self-loop retries of a runtime.
//
// A retry event counts against its phase only when it is applied. Once a
// phase has used its budget the next retry event is rewritten to the
// phase's failure event, so a flaky device cannot hold an order in a
// retry loop forever.
type RetryPolicy struct {
	MaxPaymentRetries int `json:"max_payment_retries" yaml:"max_payment_retries"`
	MaxFiscalRetries  int `json:"max_fiscal_retries" yaml:"max_fiscal_retries"`
}

// DefaultRetryPolicy returns the default ceilings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxPaymentRetries: DefaultMaxPaymentRetries,
		MaxFiscalRetries:  DefaultMaxFiscalRetries,
	}
}

// Max returns the ceiling of phase. Phases without retries return 0.
func (p RetryPolicy) Max(phase fsm.Phase) int {
	switch phase {
	case fsm.PhasePayment:
		return p.MaxPaymentRetries
	case fsm.PhaseFiscal:
		return p.MaxFiscalRetries
	}
	return 0
}

// Check returns RetriesExceededError if rt has no retries left in phase.
func (p RetryPolicy) Check(rt *fsm.Runtime, phase fsm.Phase) error {
	used := rt.Attempts[phase]
	if limit := p.Max(phase); used >= limit {
		return &RetriesExceededError{
			RuntimeID: rt.ID,
			Phase:     phase,
			Attempts:  used,
			Limit:     limit,
		}
	}
	return nil
}

// Validate rejects negative ceilings.
func (p RetryPolicy) Validate() error {
	if p.MaxPaymentRetries < 0 || p.MaxFiscalRetries < 0 {
		return fmt.Errorf("retry ceilings must be >= 0 (payment=%d, fiscal=%d)",
			p.MaxPaymentRetries, p.MaxFiscalRetries)
	}
	return nil
}

// RetriesExceededError reports a retry that was escalated to failure.
type RetriesExceededError struct {
	RuntimeID string
	Phase     fsm.Phase
	Attempts  int
	Limit     int
}

// Error implements the error interface.
func (e *RetriesExceededError) Error() string {
	return fmt.Sprintf("runtime %s exceeded %s retries: %d applied, limit %d",
		e.RuntimeID, e.Phase, e.Attempts, e.Limit)
}

// IsRetriesExceeded returns true if err is a RetriesExceededError.
func IsRetriesExceeded(err error) bool {
	var re *RetriesExceededError
	return errors.As(err, &re)
}
