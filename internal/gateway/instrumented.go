package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/circuitbreaker"
	"github.com/mbd888/slicepay/internal/traces"
)

// Instrumented wraps a Gateway with a circuit breaker, metrics and tracing.
type Instrumented struct {
	inner   Gateway
	breaker *circuitbreaker.Breaker
}

// Instrument wraps g. A nil breaker gets the default thresholds.
func Instrument(g Gateway, breaker *circuitbreaker.Breaker) *Instrumented {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Instrumented{inner: g, breaker: breaker}
}

func (i *Instrumented) Name() string { return i.inner.Name() }

func (i *Instrumented) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	ctx, span := traces.StartSpan(ctx, "gateway.Authorize",
		traces.Gateway(i.Name()), traces.SliceID(req.SliceID), traces.Amount(req.Amount))
	var ref string
	err := i.call(apperr.OpAuthorize, func() error {
		var err error
		ref, err = i.inner.Authorize(ctx, req)
		return err
	})
	traces.End(span, err)
	return ref, err
}

func (i *Instrumented) Capture(ctx context.Context, ref string) (Result, error) {
	return i.settle(ctx, apperr.OpCapture, ref, i.inner.Capture)
}

func (i *Instrumented) Refund(ctx context.Context, ref string) (Result, error) {
	return i.settle(ctx, apperr.OpRefund, ref, i.inner.Refund)
}

func (i *Instrumented) settle(ctx context.Context, op, ref string, fn func(context.Context, string) (Result, error)) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "gateway."+op, traces.Gateway(i.Name()))
	var res Result
	err := i.call(op, func() error {
		var err error
		res, err = fn(ctx, ref)
		return err
	})
	if err == nil && (res.Outcome == OutcomeAlreadyCaptured || res.Outcome == OutcomeAlreadyRefunded) {
		gwIdempotentReplays.WithLabelValues(i.Name(), op).Inc()
	}
	traces.End(span, err)
	return res, err
}

func (i *Instrumented) call(op string, fn func() error) error {
	start := time.Now()
	err := i.breaker.Execute(i.Name(), fn, isOutage)
	gwLatency.WithLabelValues(i.Name(), op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		gwCalls.WithLabelValues(i.Name(), op, "ok").Inc()
	case errors.Is(err, circuitbreaker.ErrOpen):
		gwCalls.WithLabelValues(i.Name(), op, "circuit_open").Inc()
		return &apperr.GatewayError{Gateway: i.Name(), Op: op, Code: "circuit_open", Retryable: true, Err: err}
	case isOutage(err):
		gwCalls.WithLabelValues(i.Name(), op, "error").Inc()
	default:
		gwCalls.WithLabelValues(i.Name(), op, "declined").Inc()
	}
	return err
}

// isOutage reports whether err counts against the breaker. Declines are the
// processor working correctly and do not.
func isOutage(err error) bool {
	var ge *apperr.GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return err != nil
}
