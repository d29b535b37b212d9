package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/slicepay/internal/authz"
)

// Config holds the configuration for connecting to the slicepay API.
type Config struct {
	APIURL         string     // Base URL, e.g. "http://localhost:8080"
	IdentitySecret string     // shared with the identity provider
	OperatorID     string     // user id the tools act as
	Role           authz.Role // defaults to system
	Currency       string     // used to render amounts
}

// Client is a pure HTTP client for the slicepay operator API. Requests are
// signed the way the identity provider signs them.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client.
func NewClient(cfg Config) *Client {
	if cfg.Role == "" {
		cfg.Role = authz.RoleSystem
	}
	if cfg.Currency == "" {
		cfg.Currency = "EUR"
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second, // deliberation may wait on slow advisors
		},
	}
}

// APIError is an error response from the platform.
type APIError struct {
	Status  int             `json:"-"`
	Code    string          `json:"error"`
	Message string          `json:"message"`
	Body    json.RawMessage `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, string(e.Body))
}

// doRequest makes a signed request and decodes a 2xx body into out.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set(authz.HeaderUserID, c.cfg.OperatorID)
	req.Header.Set(authz.HeaderUserRole, string(c.cfg.Role))
	req.Header.Set(authz.HeaderSignature, authz.Sign(c.cfg.IdentitySecret, c.cfg.OperatorID, c.cfg.Role))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Body: respBody}
		_ = json.Unmarshal(respBody, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ListDisputes returns cases in status.
func (c *Client) ListDisputes(ctx context.Context, status string, limit int) (*DisputeList, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out DisputeList
	if err := c.doRequest(ctx, http.MethodGet, "/v1/admin/disputes", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDispute returns one case.
func (c *Client) GetDispute(ctx context.Context, sliceID string) (*DisputeEnvelope, error) {
	var out DisputeEnvelope
	if err := c.doRequest(ctx, http.MethodGet, "/v1/disputes/"+url.PathEscape(sliceID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deliberate asks the advisory council. A 503 still carries the updated
// case, which is returned alongside the error.
func (c *Client) Deliberate(ctx context.Context, sliceID string) (*DisputeEnvelope, error) {
	var out DisputeEnvelope
	err := c.doRequest(ctx, http.MethodPost, "/v1/admin/disputes/"+url.PathEscape(sliceID)+"/deliberate", nil, struct{}{}, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		_ = json.Unmarshal(apiErr.Body, &out)
		return &out, err
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Finalize records the binding decision.
func (c *Client) Finalize(ctx context.Context, sliceID, decision, note string) (*SettlementEnvelope, error) {
	body := map[string]string{"decision": decision, "note": note}
	var out SettlementEnvelope
	if err := c.doRequest(ctx, http.MethodPost, "/v1/admin/disputes/"+url.PathEscape(sliceID)+"/finalize", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunDailyPayout triggers the payout for date ("" means yesterday).
func (c *Client) RunDailyPayout(ctx context.Context, date string) (*PayoutEnvelope, error) {
	body := map[string]string{}
	if date != "" {
		body["date"] = date
	}
	var out PayoutEnvelope
	if err := c.doRequest(ctx, http.MethodPost, "/v1/admin/payouts/daily", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPayout returns the run recorded for date.
func (c *Client) GetPayout(ctx context.Context, date string) (*PayoutRunEnvelope, error) {
	var out PayoutRunEnvelope
	if err := c.doRequest(ctx, http.MethodGet, "/v1/admin/payouts/"+url.PathEscape(date), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reconcile runs the payout consistency checks.
func (c *Client) Reconcile(ctx context.Context) (*reconciliationReport, error) {
	var out reconciliationReport
	if err := c.doRequest(ctx, http.MethodGet, "/v1/admin/reconciliation", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkHelpful flags a comment as helpful with a savings score.
func (c *Client) MarkHelpful(ctx context.Context, commentID string, savingsScore int64) (*CommentEnvelope, error) {
	body := map[string]int64{"savingsScore": savingsScore}
	var out CommentEnvelope
	if err := c.doRequest(ctx, http.MethodPost, "/v1/comments/"+url.PathEscape(commentID)+"/helpful", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
