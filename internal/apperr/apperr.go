// Package apperr defines the error taxonomy shared by the money-moving
// services and its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/slicepay/internal/logging"
)

// Reason codes rendered in the "error" field of API responses.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeNotFound             = "not_found"
	CodeForbidden            = "forbidden"
	CodeInvalidState         = "invalid_state"
	CodeEvidenceRequired     = "evidence_required"
	CodeGatewayAuthorization = "gateway_authorization_failed"
	CodeGateway              = "gateway_error"
	CodeStaleState           = "stale_state"
	CodeConsensusIncomplete  = "consensus_incomplete"
	CodeRoundingInvariant    = "rounding_invariant_violation"
	CodeInternal             = "internal_error"
)

// ValidationError reports a precondition the caller can fix: bad input,
// missing permission, or an entity in the wrong state.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validation builds a ValidationError with the given reason code.
func Validation(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound is shorthand for Validation(CodeNotFound, ...).
func NotFound(format string, args ...any) *ValidationError {
	return Validation(CodeNotFound, format, args...)
}

// Forbidden is shorthand for Validation(CodeForbidden, ...).
func Forbidden(format string, args ...any) *ValidationError {
	return Validation(CodeForbidden, format, args...)
}

// InvalidState is shorthand for Validation(CodeInvalidState, ...).
func InvalidState(format string, args ...any) *ValidationError {
	return Validation(CodeInvalidState, format, args...)
}

// Gateway operations.
const (
	OpAuthorize = "authorize"
	OpCapture   = "capture"
	OpRefund    = "refund"
)

// GatewayError wraps a failure reported by (or while reaching) an external
// payment gateway. Local state is never changed when one is returned.
type GatewayError struct {
	Gateway   string
	Op        string
	Code      string // provider decline or error code, when known
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("gateway %s %s failed", e.Gateway, e.Op)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Authorization reports whether this is a GatewayAuthorizationError, i.e. the
// gateway declined or failed to place the initial hold.
func (e *GatewayError) Authorization() bool { return e.Op == OpAuthorize }

// StaleStateError is returned when an optimistic transition lost a race.
// Current and Winner describe the state the competing operation left behind.
type StaleStateError struct {
	Entity   string
	ID       string
	Expected string
	Current  string
	Winner   string
}

func (e *StaleStateError) Error() string {
	msg := fmt.Sprintf("%s %s changed concurrently: expected %s, now %s", e.Entity, e.ID, e.Expected, e.Current)
	if e.Winner != "" {
		msg += " (by " + e.Winner + ")"
	}
	return msg
}

// ConsensusIncompleteError means no advisory source answered; the case stays
// in deliberation and is retried.
type ConsensusIncompleteError struct {
	SliceID string
	Sources int
	Errored int
}

func (e *ConsensusIncompleteError) Error() string {
	return fmt.Sprintf("dispute %s: no advisory verdicts (%d of %d sources errored)", e.SliceID, e.Errored, e.Sources)
}

// RoundingInvariantViolation is raised when distributed amounts do not sum
// to the pool they were carved from. It always aborts the transaction.
type RoundingInvariantViolation struct {
	Context  string
	Expected int64
	Actual   int64
}

func (e *RoundingInvariantViolation) Error() string {
	return fmt.Sprintf("rounding invariant violated in %s: expected %d, got %d", e.Context, e.Expected, e.Actual)
}

// HTTPStatus maps an error onto an HTTP status and reason code.
func HTTPStatus(err error) (int, string) {
	var (
		ve *ValidationError
		ge *GatewayError
		se *StaleStateError
		ce *ConsensusIncompleteError
		re *RoundingInvariantViolation
	)
	switch {
	case errors.As(err, &ve):
		switch ve.Code {
		case CodeNotFound:
			return http.StatusNotFound, ve.Code
		case CodeForbidden:
			return http.StatusForbidden, ve.Code
		case CodeInvalidState:
			return http.StatusConflict, ve.Code
		default:
			return http.StatusBadRequest, ve.Code
		}
	case errors.As(err, &ge):
		if ge.Authorization() {
			return http.StatusPaymentRequired, CodeGatewayAuthorization
		}
		return http.StatusBadGateway, CodeGateway
	case errors.As(err, &se):
		return http.StatusConflict, CodeStaleState
	case errors.As(err, &ce):
		return http.StatusServiceUnavailable, CodeConsensusIncomplete
	case errors.As(err, &re):
		return http.StatusInternalServerError, CodeRoundingInvariant
	}
	return http.StatusInternalServerError, CodeInternal
}

// Render writes err as a JSON error body. Internal errors are logged and
// replaced by a generic message.
func Render(c *gin.Context, err error) {
	status, code := HTTPStatus(err)
	body := gin.H{"error": code, "message": err.Error()}

	var se *StaleStateError
	if errors.As(err, &se) {
		body["current"] = se.Current
		if se.Winner != "" {
			body["winner"] = se.Winner
		}
	}

	if status >= http.StatusInternalServerError && code != CodeConsensusIncomplete {
		logging.L(c.Request.Context()).Error("request failed", "error", err, "path", c.FullPath())
		if code == CodeInternal {
			body["message"] = "An unexpected error occurred"
		}
	}
	c.JSON(status, body)
}
