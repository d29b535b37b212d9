package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/idgen"
)

// Tokens with this prefix are declined by Memory.Authorize.
const DeclineTokenPrefix = "tok_decline"

type memoryHold struct {
	amount   int64
	captured bool
	refunded bool
}

// Memory is an in-process gateway for development mode and tests.
type Memory struct {
	name string

	mu       sync.Mutex
	holds    map[string]*memoryHold
	byKey    map[string]string // idempotency key -> ref
	failNext map[string]error  // op -> error returned once

	captures int
	refunds  int
}

// NewMemory creates an in-memory gateway.
func NewMemory(name string) *Memory {
	return &Memory{
		name:     name,
		holds:    make(map[string]*memoryHold),
		byKey:    make(map[string]string),
		failNext: make(map[string]error),
	}
}

func (m *Memory) Name() string { return m.name }

// FailNext makes the next call to op return err.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = err
}

func (m *Memory) takeFailure(op string) error {
	err, ok := m.failNext[op]
	if ok {
		delete(m.failNext, op)
	}
	return err
}

func (m *Memory) Authorize(_ context.Context, req AuthorizeRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(apperr.OpAuthorize); err != nil {
		return "", err
	}
	if ref, ok := m.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return ref, nil
	}
	if strings.HasPrefix(req.PaymentToken, DeclineTokenPrefix) || req.Amount <= 0 {
		return "", &apperr.GatewayError{Gateway: m.name, Op: apperr.OpAuthorize, Code: "card_declined"}
	}

	ref := idgen.WithPrefix("auth_")
	m.holds[ref] = &memoryHold{amount: req.Amount}
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = ref
	}
	return ref, nil
}

func (m *Memory) Capture(_ context.Context, ref string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(apperr.OpCapture); err != nil {
		return Result{}, err
	}
	h, ok := m.holds[ref]
	if !ok {
		return Result{}, &apperr.GatewayError{Gateway: m.name, Op: apperr.OpCapture, Code: "unknown_reference"}
	}
	switch {
	case h.refunded:
		return Result{}, &apperr.GatewayError{Gateway: m.name, Op: apperr.OpCapture, Code: CodeAlreadyRefunded}
	case h.captured:
		return Result{Ref: ref, Outcome: OutcomeAlreadyCaptured}, nil
	}
	h.captured = true
	m.captures++
	return Result{Ref: ref, Outcome: OutcomeCaptured}, nil
}

func (m *Memory) Refund(_ context.Context, ref string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(apperr.OpRefund); err != nil {
		return Result{}, err
	}
	h, ok := m.holds[ref]
	if !ok {
		return Result{}, &apperr.GatewayError{Gateway: m.name, Op: apperr.OpRefund, Code: "unknown_reference"}
	}
	switch {
	case h.captured:
		return Result{}, &apperr.GatewayError{Gateway: m.name, Op: apperr.OpRefund, Code: CodeAlreadyCaptured}
	case h.refunded:
		return Result{Ref: ref, Outcome: OutcomeAlreadyRefunded}, nil
	}
	h.refunded = true
	m.refunds++
	return Result{Ref: ref, Outcome: OutcomeRefunded}, nil
}

// Counts returns the number of effective captures and refunds.
func (m *Memory) Counts() (captures, refunds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captures, m.refunds
}
