package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kioskfsm/internal/fsm"
)

func TestRetryPolicy_Defaults(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 2, p.Max(fsm.PhasePayment))
	assert.Equal(t, 3, p.Max(fsm.PhaseFiscal))
	assert.Equal(t, 0, p.Max(fsm.PhasePrint))
	require.NoError(t, p.Validate())
}

func TestRetryPolicy_Check(t *testing.T) {
	p := DefaultRetryPolicy()
	rt := &fsm.Runtime{ID: "rt-1"}

	require.NoError(t, p.Check(rt, fsm.PhasePayment))

	rt.Attempts = map[fsm.Phase]int{fsm.PhasePayment: 1}
	require.NoError(t, p.Check(rt, fsm.PhasePayment))

	rt.Attempts[fsm.PhasePayment] = 2
	err := p.Check(rt, fsm.PhasePayment)
	require.Error(t, err)

	var re *RetriesExceededError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "rt-1", re.RuntimeID)
	assert.Equal(t, fsm.PhasePayment, re.Phase)
	assert.Equal(t, 2, re.Attempts)
	assert.Equal(t, 2, re.Limit)

	assert.True(t, IsRetriesExceeded(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsRetriesExceeded(fmt.Errorf("other")))
}

func TestRetryPolicy_ZeroCeilingEscalatesFirstRetry(t *testing.T) {
	p := RetryPolicy{}
	assert.Error(t, p.Check(&fsm.Runtime{ID: "rt-1"}, fsm.PhaseFiscal))
}

func TestRetryPolicy_ValidateRejectsNegative(t *testing.T) {
	assert.Error(t, RetryPolicy{MaxPaymentRetries: -1}.Validate())
	assert.Error(t, RetryPolicy{MaxFiscalRetries: -1}.Validate())
}
