// Package gateway talks to the external payment processors that hold
// escrowed funds. Every gateway supports the same three calls:
//
//  1. Authorize places a hold on the client's payment instrument.
//  2. Capture collects a held amount (release).
//  3. Refund voids the hold or returns captured funds (refund).
//
// Capture and Refund are idempotent: repeating them for a reference that is
// already captured or refunded reports that outcome instead of failing, so a
// caller that crashed after the gateway call can safely retry.
package gateway

import (
	"context"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/ledger"
)

// Outcome reports what a Capture or Refund call did.
type Outcome string

const (
	OutcomeCaptured        Outcome = "captured"
	OutcomeAlreadyCaptured Outcome = "already_captured"
	OutcomeRefunded        Outcome = "refunded"
	OutcomeAlreadyRefunded Outcome = "already_refunded"
)

// AuthorizeRequest describes the hold placed for one slice.
type AuthorizeRequest struct {
	SliceID        string
	ClientID       string
	Amount         int64 // minor units
	Currency       string
	PaymentToken   string // processor-side payment method reference
	IdempotencyKey string
}

// Error codes a gateway returns when the hold was already settled the other
// way. Capture and Refund are mutually exclusive on one hold, so the gateway
// decides which of two racing settlements wins.
const (
	CodeAlreadyCaptured = "already_captured"
	CodeAlreadyRefunded = "already_refunded"
)

// Result is the answer to Capture or Refund.
type Result struct {
	Ref     string
	Outcome Outcome
}

// Gateway is an external payment processor.
// Failures are returned as *apperr.GatewayError.
//
// Refund only voids a hold that was never captured; a captured hold fails
// with CodeAlreadyCaptured and no money moves.
type Gateway interface {
	Name() string
	Authorize(ctx context.Context, req AuthorizeRequest) (ref string, err error)
	Capture(ctx context.Context, ref string) (Result, error)
	Refund(ctx context.Context, ref string) (Result, error)
}

// Registry maps payment methods onto gateways.
type Registry struct {
	gateways map[ledger.PaymentMethod]Gateway
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[ledger.PaymentMethod]Gateway)}
}

// Register binds method to g.
func (r *Registry) Register(method ledger.PaymentMethod, g Gateway) {
	r.gateways[method] = g
}

// Get returns the gateway for method.
func (r *Registry) Get(method ledger.PaymentMethod) (Gateway, error) {
	g, ok := r.gateways[method]
	if !ok {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "payment method %q is not available", method)
	}
	return g, nil
}

// Methods lists the registered payment methods.
func (r *Registry) Methods() []ledger.PaymentMethod {
	out := make([]ledger.PaymentMethod, 0, len(r.gateways))
	for m := range r.gateways {
		out = append(out, m)
	}
	return out
}
