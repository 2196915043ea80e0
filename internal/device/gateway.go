package device

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/kioskfsm/internal/fsm"
)

// Observer receives one call per classified exchange.
type Observer interface {
	ObserveDevice(kind fsm.Phase, outcome Outcome, latency time.Duration)
}

// Gateway wraps a Driver with deadlines and outcome classification.
type Gateway struct {
	driver   Driver
	now      func() time.Time
	tracer   trace.Tracer
	observer Observer
	logger   *slog.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithNow overrides the timestamp source for session records.
func WithNow(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) GatewayOption {
	return func(g *Gateway) { g.observer = o }
}

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a gateway over driver.
func NewGateway(driver Driver, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		driver: driver,
		now:    time.Now,
		tracer: otel.Tracer("github.com/roach88/kioskfsm/internal/device"),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Configured reports whether a driver is attached.
func (g *Gateway) Configured() bool {
	return g != nil && g.driver != nil
}

// Send performs one exchange bounded by timeout (no bound if timeout <= 0)
// and classifies the result. Cancellation of ctx is reported as
// OutcomeTimeout.
func (g *Gateway) Send(ctx context.Context, kind fsm.Phase, sessionID string, payload map[string]any, timeout time.Duration) Result {
	ctx, span := g.tracer.Start(ctx, "device.send", trace.WithAttributes(
		attribute.String("device.kind", string(kind)),
		attribute.String("device.session_id", sessionID),
	))
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res := Result{Kind: kind, SessionID: sessionID, StartedAt: g.now()}
	if g.driver == nil {
		res.Err = ErrUnavailable
		res.Outcome = OutcomeRecoverable
		res.RespondedAt = g.now()
		span.SetStatus(codes.Error, "no driver configured")
		return res
	}

	resp, err := g.driver.Send(ctx, Request{Kind: kind, SessionID: sessionID, Payload: payload})
	res.RespondedAt = g.now()
	res.Response = resp
	res.Err = err
	res.Outcome = Classify(err, ctx.Err())

	span.SetAttributes(
		attribute.String("device.outcome", string(res.Outcome)),
		attribute.String("device.result_code", resp.ResultCode),
	)
	if res.Outcome == OutcomeSuccess {
		span.SetStatus(codes.Ok, "")
	} else {
		if err != nil {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, string(res.Outcome))
	}

	if g.observer != nil {
		g.observer.ObserveDevice(kind, res.Outcome, res.Latency())
	}
	g.logger.Debug("device exchange",
		"kind", kind,
		"session_id", sessionID,
		"outcome", res.Outcome,
		"result_code", resp.ResultCode,
		"latency", res.Latency())

	return res
}
