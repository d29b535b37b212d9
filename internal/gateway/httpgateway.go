package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/retry"
)

// HTTPConfig configures an HTTP gateway.
type HTTPConfig struct {
	Name    string
	BaseURL string // e.g. "https://api.gateway-b.example"
	APIKey  string
	Timeout time.Duration
	Retry   retry.Policy
}

// HTTP is gateway B: a JSON REST processor.
//
//	POST /v1/authorizations               -> {"id": "...", "status": "authorized"}
//	POST /v1/authorizations/{id}/capture  -> {"id": "...", "status": "captured" | "already_captured"}
//	POST /v1/authorizations/{id}/refund   -> {"id": "...", "status": "refunded" | "voided" | "already_refunded"}
//
// A capture answered with "voided" and a refund answered with "captured"
// mean the other settlement got there first.
//
// Every request carries an Idempotency-Key so retries are safe.
type HTTP struct {
	cfg        HTTPConfig
	httpClient *http.Client
}

// NewHTTP creates an HTTP gateway.
func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Name == "" {
		cfg.Name = "gateway_b"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.Default
	}
	return &HTTP{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (h *HTTP) Name() string { return h.cfg.Name }

type authorizeBody struct {
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Token     string            `json:"paymentToken"`
	Reference string            `json:"reference"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type gatewayResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type gatewayErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *HTTP) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	body := authorizeBody{
		Amount:    req.Amount,
		Currency:  req.Currency,
		Token:     req.PaymentToken,
		Reference: req.SliceID,
		Metadata:  map[string]string{"client_id": req.ClientID},
	}
	resp, err := h.do(ctx, apperr.OpAuthorize, "/v1/authorizations", req.IdempotencyKey, body)
	if err != nil {
		return "", err
	}
	if resp.ID == "" || resp.Status != "authorized" {
		return "", &apperr.GatewayError{Gateway: h.Name(), Op: apperr.OpAuthorize, Code: "unexpected_status_" + resp.Status}
	}
	return resp.ID, nil
}

func (h *HTTP) Capture(ctx context.Context, ref string) (Result, error) {
	resp, err := h.do(ctx, apperr.OpCapture, "/v1/authorizations/"+url.PathEscape(ref)+"/capture", "capture:"+ref, nil)
	if err != nil {
		return Result{}, err
	}
	switch resp.Status {
	case "captured":
		return Result{Ref: ref, Outcome: OutcomeCaptured}, nil
	case "already_captured":
		return Result{Ref: ref, Outcome: OutcomeAlreadyCaptured}, nil
	case "voided", "already_refunded":
		return Result{}, &apperr.GatewayError{Gateway: h.Name(), Op: apperr.OpCapture, Code: CodeAlreadyRefunded}
	}
	return Result{}, &apperr.GatewayError{Gateway: h.Name(), Op: apperr.OpCapture, Code: "unexpected_status_" + resp.Status}
}

func (h *HTTP) Refund(ctx context.Context, ref string) (Result, error) {
	resp, err := h.do(ctx, apperr.OpRefund, "/v1/authorizations/"+url.PathEscape(ref)+"/refund", "refund:"+ref, nil)
	if err != nil {
		return Result{}, err
	}
	switch resp.Status {
	case "refunded", "voided":
		return Result{Ref: ref, Outcome: OutcomeRefunded}, nil
	case "already_refunded":
		return Result{Ref: ref, Outcome: OutcomeAlreadyRefunded}, nil
	case "captured", "already_captured":
		return Result{}, &apperr.GatewayError{Gateway: h.Name(), Op: apperr.OpRefund, Code: CodeAlreadyCaptured}
	}
	return Result{}, &apperr.GatewayError{Gateway: h.Name(), Op: apperr.OpRefund, Code: "unexpected_status_" + resp.Status}
}

// do POSTs body to path, retrying transport failures and 5xx answers.
func (h *HTTP) do(ctx context.Context, op, path, idempotencyKey string, body any) (*gatewayResponse, error) {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var out *gatewayResponse
	err := retry.Do(ctx, h.cfg.Retry, func(int) error {
		resp, err := h.post(ctx, op, path, idempotencyKey, data)
		if err != nil {
			var ge *apperr.GatewayError
			if errors.As(err, &ge) && !ge.Retryable {
				return retry.Permanent(err)
			}
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

func (h *HTTP) post(ctx context.Context, op, path, idempotencyKey string, data []byte) (*gatewayResponse, error) {
	var reqBody io.Reader
	if data != nil {
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.BaseURL+path, reqBody)
	if err != nil {
		return nil, &apperr.GatewayError{Gateway: h.Name(), Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, &apperr.GatewayError{Gateway: h.Name(), Op: op, Retryable: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &apperr.GatewayError{Gateway: h.Name(), Op: op, Retryable: true, Err: err}
	}

	if resp.StatusCode >= 400 {
		var eb gatewayErrorBody
		_ = json.Unmarshal(respBody, &eb)
		return nil, &apperr.GatewayError{
			Gateway:   h.Name(),
			Op:        op,
			Code:      eb.Error,
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, eb.Message),
		}
	}

	var out gatewayResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &apperr.GatewayError{Gateway: h.Name(), Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &out, nil
}
