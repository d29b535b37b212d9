package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// Stripe is gateway A: manual-capture PaymentIntents. Authorize confirms an
// intent that stops at requires_capture; Capture and Refund act on it.
type Stripe struct {
	name string
	api  *client.API
}

// NewStripe creates a Stripe gateway. backends may be nil to use the live
// Stripe API; tests point it at a local server.
func NewStripe(name, secretKey string, backends *stripe.Backends) *Stripe {
	return &Stripe{name: name, api: client.New(secretKey, backends)}
}

func (s *Stripe) Name() string { return s.name }

func (s *Stripe) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethod: stripe.String(req.PaymentToken),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("slice_id", req.SliceID)
	params.AddMetadata("client_id", req.ClientID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", s.classify(apperr.OpAuthorize, err)
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		return "", &apperr.GatewayError{
			Gateway: s.name,
			Op:      apperr.OpAuthorize,
			Code:    "unexpected_status_" + string(pi.Status),
		}
	}
	return pi.ID, nil
}

func (s *Stripe) Capture(ctx context.Context, ref string) (Result, error) {
	pi, err := s.get(ctx, apperr.OpCapture, ref)
	if err != nil {
		return Result{}, err
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return Result{Ref: ref, Outcome: OutcomeAlreadyCaptured}, nil
	case stripe.PaymentIntentStatusCanceled:
		return Result{}, &apperr.GatewayError{Gateway: s.name, Op: apperr.OpCapture, Code: CodeAlreadyRefunded}
	case stripe.PaymentIntentStatusRequiresCapture:
	default:
		return Result{}, &apperr.GatewayError{Gateway: s.name, Op: apperr.OpCapture, Code: "not_capturable_" + string(pi.Status)}
	}

	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("capture:" + ref)
	if _, err := s.api.PaymentIntents.Capture(ref, params); err != nil {
		return Result{}, s.classify(apperr.OpCapture, err)
	}
	return Result{Ref: ref, Outcome: OutcomeCaptured}, nil
}

// Refund cancels an uncaptured intent. A captured intent is never refunded
// here: it fails with CodeAlreadyCaptured.
func (s *Stripe) Refund(ctx context.Context, ref string) (Result, error) {
	pi, err := s.get(ctx, apperr.OpRefund, ref)
	if err != nil {
		return Result{}, err
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusCanceled:
		return Result{Ref: ref, Outcome: OutcomeAlreadyRefunded}, nil
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusProcessing:
		return Result{}, &apperr.GatewayError{Gateway: s.name, Op: apperr.OpRefund, Code: CodeAlreadyCaptured}
	case stripe.PaymentIntentStatusRequiresCapture:
	default:
		return Result{}, &apperr.GatewayError{Gateway: s.name, Op: apperr.OpRefund, Code: "not_voidable_" + string(pi.Status)}
	}

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey("cancel:" + ref)
	if _, err := s.api.PaymentIntents.Cancel(ref, params); err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			// Captured between our read and the cancel.
			return Result{}, &apperr.GatewayError{Gateway: s.name, Op: apperr.OpRefund, Code: CodeAlreadyCaptured, Err: err}
		}
		return Result{}, s.classify(apperr.OpRefund, err)
	}
	return Result{Ref: ref, Outcome: OutcomeRefunded}, nil
}

func (s *Stripe) get(ctx context.Context, op, ref string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(ref, params)
	if err != nil {
		return nil, s.classify(op, err)
	}
	return pi, nil
}

// classify converts a stripe-go error into a GatewayError. Card errors and
// other 4xx answers are final; rate limits, 5xx and network failures are
// retryable.
func (s *Stripe) classify(op string, err error) error {
	ge := &apperr.GatewayError{Gateway: s.name, Op: op, Retryable: true, Err: err}

	var se *stripe.Error
	if errors.As(err, &se) {
		ge.Code = string(se.Code)
		if se.DeclineCode != "" {
			ge.Code = string(se.DeclineCode)
		}
		ge.Retryable = se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError
		if se.Type == stripe.ErrorTypeCard {
			ge.Retryable = false
		}
	}
	return ge
}
