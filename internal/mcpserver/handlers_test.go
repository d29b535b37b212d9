package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbd888/slicepay/internal/authz"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

const testSecret = "s3cret"

func newTestSetup(t *testing.T, handler http.Handler) *Handlers {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHandlers(NewClient(Config{
		APIURL:         ts.URL,
		IdentitySecret: testSecret,
		OperatorID:     "ops_bot",
	}))
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sampleDispute() *ledger.DisputeCase {
	opened := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return &ledger.DisputeCase{
		SliceID: "slc_1", ClientID: "c1", ProviderID: "p1",
		Status:       ledger.DisputeResolvedRefund,
		RefundReason: "never delivered",
		EvidenceItems: []ledger.EvidenceItem{
			{AuthorID: "p1", Party: ledger.PartyProvider, Content: "tracking number", SubmittedAt: opened},
		},
		AdvisoryVerdicts: []ledger.Verdict{
			{Source: "alpha", Decision: ledger.DecisionRefund, Confidence: 80, Reasoning: "no proof", Attempt: 1},
			{Source: "beta", Decision: ledger.DecisionErrored, Error: "timeout", Attempt: 1},
		},
		Consensus: ledger.DecisionRefund,
		Attempts:  1,
		OpenedAt:  opened,
	}
}

// ============================================================
// Client tests
// ============================================================

func TestClient_SignsRequests(t *testing.T) {
	var got http.Header
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		writeJSON(w, http.StatusOK, map[string]any{"disputes": []any{}, "count": 0})
	}))

	_, err := h.client.ListDisputes(context.Background(), "open", 5)
	require.NoError(t, err)
	assert.Equal(t, "ops_bot", got.Get(authz.HeaderUserID))
	assert.Equal(t, string(authz.RoleSystem), got.Get(authz.HeaderUserRole))
	assert.Equal(t, authz.Sign(testSecret, "ops_bot", authz.RoleSystem), got.Get(authz.HeaderSignature))
}

func TestClient_APIError(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "stale_state", "message": "already finalized"})
	}))

	_, err := h.client.Finalize(context.Background(), "slc_1", "release", "")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "stale_state", apiErr.Code)
	assert.Contains(t, err.Error(), "already finalized")
}

// ============================================================
// Tool handler tests
// ============================================================

func TestHandleListDisputes(t *testing.T) {
	var query string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/disputes", r.URL.Path)
		query = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]any{"disputes": []*ledger.DisputeCase{sampleDispute()}, "count": 1})
	}))

	res, err := h.HandleListDisputes(context.Background(), makeRequest(map[string]any{"limit": float64(5)}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, query, "status=deliberating")
	assert.Contains(t, query, "limit=5")

	text := resultText(t, res)
	assert.Contains(t, text, "1 dispute(s)")
	assert.Contains(t, text, "slc_1")
	assert.Contains(t, text, "consensus=refund")
}

func TestHandleListDisputes_Empty(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"disputes": []any{}, "count": 0})
	}))

	res, err := h.HandleListDisputes(context.Background(), makeRequest(map[string]any{"status": "open"}))
	require.NoError(t, err)
	assert.Equal(t, "No disputes with status open.", resultText(t, res))
}

func TestHandleGetDispute(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/disputes/slc_1", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"dispute": sampleDispute()})
	}))

	res, err := h.HandleGetDispute(context.Background(), makeRequest(map[string]any{"slice_id": "slc_1"}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "Refund reason: never delivered")
	assert.Contains(t, text, "alpha: refund (confidence 80) - no proof")
	assert.Contains(t, text, "beta: errored (timeout)")
}

func TestHandleGetDispute_Validation(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	}))

	for _, args := range []map[string]any{nil, {"slice_id": "../etc"}} {
		res, err := h.HandleGetDispute(context.Background(), makeRequest(args))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	}
}

func TestHandleDeliberateDispute_Incomplete(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		d := sampleDispute()
		d.Status, d.Consensus = ledger.DisputeDeliberating, ""
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "consensus_incomplete", "message": "no advisory source answered", "dispute": d,
		})
	}))

	res, err := h.HandleDeliberateDispute(context.Background(), makeRequest(map[string]any{"slice_id": "slc_1"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, "can be retried")
	assert.Contains(t, text, "deliberating")
}

func TestHandleFinalizeDispute(t *testing.T) {
	var body map[string]string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/disputes/slc_1/finalize", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		d := sampleDispute()
		writeJSON(w, http.StatusOK, map[string]any{"settlement": map[string]any{
			"payment":        ledger.EscrowPayment{Status: ledger.PaymentReleased, TotalAmount: 11000},
			"dispute":        d,
			"providerCredit": 10000,
			"gatewayOutcome": "captured",
		}})
	}))

	res, err := h.HandleFinalizeDispute(context.Background(), makeRequest(map[string]any{
		"slice_id": "slc_1", "decision": "release", "note": "delivery confirmed",
	}))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"decision": "release", "note": "delivery confirmed"}, body)

	text := resultText(t, res)
	assert.Contains(t, text, "Payment: released (110.00 EUR)")
	assert.Contains(t, text, "Provider credited: 100.00 EUR")
	assert.Contains(t, text, "advisory consensus was refund and has been overruled")
}

func TestHandleFinalizeDispute_BadDecision(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	}))
	res, err := h.HandleFinalizeDispute(context.Background(), makeRequest(map[string]any{"slice_id": "slc_1", "decision": "split"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleRunDailyPayout(t *testing.T) {
	var body string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		writeJSON(w, http.StatusOK, map[string]any{"payout": map[string]any{
			"date": "2026-05-01", "pool": 200, "carriedIn": 50, "distributed": true,
			"totalDistributed": 250, "recipientCount": 2, "replayed": true,
		}})
	}))

	res, err := h.HandleRunDailyPayout(context.Background(), makeRequest(map[string]any{"date": "2026-05-01"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2026-05-01"}`, body)
	text := resultText(t, res)
	assert.Contains(t, text, "already run")
	assert.Contains(t, text, "Distributed: 2.50 EUR to 2 recipient(s)")

	res, err = h.HandleRunDailyPayout(context.Background(), makeRequest(map[string]any{"date": "May 1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleGetPayout(t *testing.T) {
	processed := time.Date(2026, 5, 2, 0, 10, 0, 0, time.UTC)
	consumed := time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/payouts/2026-05-01", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"run": ledger.PayoutRun{
			Date: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), PoolAmount: 300, CarriedForward: 300,
			Trigger: "scheduler", ProcessedAt: &processed, CarryConsumedBy: &consumed,
		}})
	}))

	res, err := h.HandleGetPayout(context.Background(), makeRequest(map[string]any{"date": "2026-05-01"}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "trigger scheduler")
	assert.Contains(t, text, "Carried forward: 3.00 EUR (absorbed by 2026-05-03)")
}

func TestHandleReconcilePayouts(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"checkedDays": 7,
			"mismatches":  []map[string]string{{"date": "2026-05-01", "check": "conservation", "detail": "off by 1"}},
			"missedDays":  []string{"2026-05-02"},
		})
	}))

	res, err := h.HandleReconcilePayouts(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "2026-05-01 conservation: off by 1")
	assert.Contains(t, text, "unpaid pool: 2026-05-02")
}

func TestHandleMarkCommentHelpful(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int64
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, int64(40), body["savingsScore"])
		writeJSON(w, http.StatusOK, map[string]any{"comment": ledger.Comment{
			ID: "cmt_1", RequestID: "req_1", Helpful: true, SavingsScore: 40, Hearts: 3,
		}})
	}))

	res, err := h.HandleMarkCommentHelpful(context.Background(), makeRequest(map[string]any{
		"comment_id": "cmt_1", "savings_score": float64(40),
	}))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resultText(t, res), "Comment cmt_1 on request req_1 marked helpful"))

	res, err = h.HandleMarkCommentHelpful(context.Background(), makeRequest(map[string]any{"comment_id": "cmt_1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", IdentitySecret: "x", OperatorID: "ops"})
	require.NotNil(t, s)
}
