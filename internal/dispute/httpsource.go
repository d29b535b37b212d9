package dispute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mbd888/slicepay/internal/retry"
)

// HTTPSource is an advisory source reached over HTTP.
//
//	POST {URL}  {"case": CaseContext}  ->  {"decision": "release"|"refund", "confidence": 0-100, "reasoning": "..."}
//
// The council's deadline bounds the whole call including retries.
type HTTPSource struct {
	name       string
	url        string
	apiKey     string
	policy     retry.Policy
	httpClient *http.Client
}

// NewHTTPSource creates an HTTP advisory source.
func NewHTTPSource(name, url, apiKey string) *HTTPSource {
	return &HTTPSource{
		name:       name,
		url:        url,
		apiKey:     apiKey,
		policy:     retry.Policy{Attempts: 2, BaseDelay: retry.Default.BaseDelay},
		httpClient: &http.Client{},
	}
}

func (h *HTTPSource) Name() string { return h.name }

type evaluateBody struct {
	Case CaseContext `json:"case"`
}

// statusError is a non-2xx answer.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("advisory source returned %d: %s", e.code, e.body)
}

// Evaluate posts the case and decodes the opinion. 5xx answers and
// transport errors are retried once.
func (h *HTTPSource) Evaluate(ctx context.Context, cc CaseContext) (Opinion, error) {
	data, err := json.Marshal(evaluateBody{Case: cc})
	if err != nil {
		return Opinion{}, fmt.Errorf("marshal case: %w", err)
	}

	var op Opinion
	err = retry.Do(ctx, h.policy, func(int) error {
		var err error
		op, err = h.post(ctx, data)
		if se, ok := err.(*statusError); ok && se.code < 500 {
			return retry.Permanent(err)
		}
		return err
	})
	return op, err
}

func (h *HTTPSource) post(ctx context.Context, data []byte) (Opinion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return Opinion{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return Opinion{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Opinion{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Opinion{}, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var op Opinion
	if err := json.Unmarshal(body, &op); err != nil {
		return Opinion{}, retry.Permanent(fmt.Errorf("decode opinion: %w", err))
	}
	return op, nil
}
