package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kioskfsm/internal/fsm"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		ctxErr error
		want   Outcome
	}{
		{"nil", nil, nil, OutcomeSuccess},
		{"decline", &DeclineError{Code: "05"}, nil, OutcomeTerminal},
		{"wrapped decline", fmt.Errorf("pos: %w", &DeclineError{Code: "05"}), nil, OutcomeTerminal},
		{"unavailable", ErrUnavailable, nil, OutcomeRecoverable},
		{"unknown", errors.New("boom"), nil, OutcomeRecoverable},
		{"deadline", context.DeadlineExceeded, nil, OutcomeTimeout},
		{"cancelled", context.Canceled, nil, OutcomeTimeout},
		{"ctx done", errors.New("read: broken pipe"), context.DeadlineExceeded, OutcomeTimeout},
		{"decline beats ctx", &DeclineError{Code: "05"}, context.Canceled, OutcomeTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err, tt.ctxErr))
		})
	}
}

type mockDriver struct {
	mock.Mock
}

func (m *mockDriver) Send(ctx context.Context, req Request) (Response, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Response), args.Error(1)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (o *recordingObserver) ObserveDevice(kind fsm.Phase, outcome Outcome, latency time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func TestGateway_SendSuccess(t *testing.T) {
	drv := &mockDriver{}
	drv.On("Send", mock.Anything, Request{Kind: fsm.PhasePayment, SessionID: "s-1", Payload: map[string]any{"amount": 100}}).
		Return(Response{ResultCode: "00", ExternalRef: "rrn-1"}, nil).Once()

	obs := &recordingObserver{}
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { tick = tick.Add(time.Second); return tick }
	g := NewGateway(drv, WithObserver(obs), WithNow(now))

	res := g.Send(context.Background(), fsm.PhasePayment, "s-1", map[string]any{"amount": 100}, time.Second)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "rrn-1", res.Response.ExternalRef)
	assert.Equal(t, time.Second, res.Latency())
	assert.Equal(t, []Outcome{OutcomeSuccess}, obs.outcomes)

	sess := res.Session()
	assert.Equal(t, "s-1", sess.SessionID)
	assert.Equal(t, "00", sess.ResultCode)
	assert.Equal(t, "rrn-1", sess.ExternalRef)
	drv.AssertExpectations(t)
}

func TestGateway_SendTimeout(t *testing.T) {
	g := NewGateway(NewScripted().Push(fsm.PhasePrint, Hang()))

	start := time.Now()
	res := g.Send(context.Background(), fsm.PhasePrint, "p-1", nil, 20*time.Millisecond)
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "timeout", res.Session().ResultCode)
}

func TestGateway_CancelIsTimeout(t *testing.T) {
	g := NewGateway(NewScripted().Push(fsm.PhaseFiscal, Hang()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := g.Send(ctx, fsm.PhaseFiscal, "f-1", nil, 0)
	assert.Equal(t, OutcomeTimeout, res.Outcome)
}

func TestGateway_TerminalAndRecoverable(t *testing.T) {
	drv := NewScripted().Push(fsm.PhasePayment, Decline("51", "insufficient funds"), Fail())
	g := NewGateway(drv)

	res := g.Send(context.Background(), fsm.PhasePayment, "s-1", nil, time.Second)
	assert.Equal(t, OutcomeTerminal, res.Outcome)
	assert.Equal(t, "51", res.Session().ResultCode)
	assert.Equal(t, "insufficient funds", res.Session().ResultDetail)

	res = g.Send(context.Background(), fsm.PhasePayment, "s-2", nil, time.Second)
	assert.Equal(t, OutcomeRecoverable, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrUnavailable)
}

func TestGateway_NoDriver(t *testing.T) {
	g := NewGateway(nil)
	assert.False(t, g.Configured())

	res := g.Send(context.Background(), fsm.PhaseKitchen, "k-1", nil, time.Second)
	assert.Equal(t, OutcomeRecoverable, res.Outcome)
}

func TestScripted_FallbackAndCalls(t *testing.T) {
	drv := NewScripted().
		Push(fsm.PhasePayment, Fail()).
		SetFallback(fsm.PhasePayment, Decline("X", ""))
	ctx := context.Background()

	_, err := drv.Send(ctx, Request{Kind: fsm.PhasePayment, SessionID: "1"})
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = drv.Send(ctx, Request{Kind: fsm.PhasePayment, SessionID: "2"})
	assert.ErrorIs(t, err, ErrDeclined)
	_, err = drv.Send(ctx, Request{Kind: fsm.PhasePrint, SessionID: "3"})
	assert.NoError(t, err)

	assert.Len(t, drv.Calls(), 3)
	assert.Len(t, drv.CallsFor(fsm.PhasePayment), 2)
}

func TestScripted_Hanging(t *testing.T) {
	drv := NewScripted().Push(fsm.PhasePrint, Hang())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := drv.Send(ctx, Request{Kind: fsm.PhasePrint, SessionID: "p-1"})
		done <- err
	}()

	require.Eventually(t, func() bool { return drv.Hanging() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, drv.Hanging())
}

func TestRetryDelay(t *testing.T) {
	d := RetryDelay{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, time.Duration(0), d.For(0))
	assert.Equal(t, 100*time.Millisecond, d.For(1))
	assert.Equal(t, 200*time.Millisecond, d.For(2))
	assert.Equal(t, 300*time.Millisecond, d.For(3))
	assert.Equal(t, 300*time.Millisecond, d.For(6))

	assert.Equal(t, time.Duration(0), RetryDelay{}.For(3))
}

func TestParseOutcome(t *testing.T) {
	o, err := ParseOutcome("terminal")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminal, o)

	_, err = ParseOutcome("maybe")
	assert.Error(t, err)
}

func adapterServer(t *testing.T, status int, reply adapterReply) (*httptest.Server, *Request) {
	t.Helper()
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/pos/sessions/s-1", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestHTTPDriver(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reply  adapterReply
		want   Outcome
	}{
		{"success", http.StatusOK, adapterReply{Status: "success", ResultCode: "00", ExternalRef: "rrn"}, OutcomeSuccess},
		{"declined body", http.StatusOK, adapterReply{Status: "declined", ResultCode: "05"}, OutcomeTerminal},
		{"client error", http.StatusUnprocessableEntity, adapterReply{ResultCode: "BAD"}, OutcomeTerminal},
		{"server error", http.StatusBadGateway, adapterReply{}, OutcomeRecoverable},
		{"error body", http.StatusOK, adapterReply{Status: "error", ResultCode: "E1"}, OutcomeRecoverable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, got := adapterServer(t, tt.status, tt.reply)
			drv := NewHTTPDriver(map[string]string{"payment": srv.URL + "/pos/"}, time.Second)

			g := NewGateway(drv)
			res := g.Send(context.Background(), fsm.PhasePayment, "s-1", map[string]any{"order_id": "o-1"}, time.Second)
			assert.Equal(t, tt.want, res.Outcome, "err: %v", res.Err)
			assert.Equal(t, tt.reply.ResultCode, res.Response.ResultCode)
			assert.Equal(t, fsm.PhasePayment, got.Kind)
			assert.Equal(t, "o-1", got.Payload["order_id"])
		})
	}
}

func TestHTTPDriver_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	drv := NewHTTPDriver(map[string]string{"fiscal": url}, time.Second)
	res := NewGateway(drv).Send(context.Background(), fsm.PhaseFiscal, "f-1", nil, time.Second)
	assert.Equal(t, OutcomeRecoverable, res.Outcome)

	_, err := drv.Send(context.Background(), Request{Kind: fsm.PhaseKitchen, SessionID: "k"})
	assert.ErrorIs(t, err, ErrUnavailable)
}
