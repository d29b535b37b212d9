package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/mbd888/slicepay/internal/money"
	"github.com/mbd888/slicepay/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

func (h *Handlers) amount(v int64) string {
	return money.Format(v, h.client.cfg.Currency)
}

func requireID(req mcp.CallToolRequest, key string) (string, *mcp.CallToolResult) {
	id := req.GetString(key, "")
	if id == "" {
		return "", mcp.NewToolResultError(key + " is required")
	}
	if !validation.IsValidID(id) {
		return "", mcp.NewToolResultError(key + " is not a valid id")
	}
	return id, nil
}

func requireDate(s string) *mcp.CallToolResult {
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return mcp.NewToolResultError("date must be YYYY-MM-DD")
	}
	return nil
}

// HandleListDisputes lists cases in one status.
func (h *Handlers) HandleListDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", string(ledger.DisputeDeliberating))
	limit := req.GetInt("limit", 20)

	list, err := h.client.ListDisputes(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}
	if len(list.Disputes) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No disputes with status %s.", status)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d dispute(s) with status %s:\n\n", len(list.Disputes), status)
	for i, d := range list.Disputes {
		fmt.Fprintf(&sb, "%d. %s  client=%s provider=%s  opened %s  evidence=%d attempts=%d",
			i+1, d.SliceID, d.ClientID, d.ProviderID, d.OpenedAt.Format(time.RFC3339), len(d.EvidenceItems), d.Attempts)
		if d.Consensus != "" {
			fmt.Fprintf(&sb, "  consensus=%s", d.Consensus)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetDispute shows one case in full.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sliceID, bad := requireID(req, "slice_id")
	if bad != nil {
		return bad, nil
	}

	env, err := h.client.GetDispute(ctx, sliceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}
	return mcp.NewToolResultText(formatDispute(env.Dispute)), nil
}

// HandleDeliberateDispute runs one advisory round.
func (h *Handlers) HandleDeliberateDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sliceID, bad := requireID(req, "slice_id")
	if bad != nil {
		return bad, nil
	}

	env, err := h.client.Deliberate(ctx, sliceID)
	if err != nil {
		if env != nil && env.Dispute != nil {
			return mcp.NewToolResultText(
				"No advisory source answered; the case is still deliberating and can be retried.\n\n" +
					formatDispute(env.Dispute)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Deliberation failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatDispute(env.Dispute)), nil
}

// HandleFinalizeDispute records the binding decision.
func (h *Handlers) HandleFinalizeDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sliceID, bad := requireID(req, "slice_id")
	if bad != nil {
		return bad, nil
	}
	decision := req.GetString("decision", "")
	if decision != string(ledger.DecisionRelease) && decision != string(ledger.DecisionRefund) {
		return mcp.NewToolResultError("decision must be 'release' or 'refund'"), nil
	}
	note := req.GetString("note", "")

	env, err := h.client.Finalize(ctx, sliceID, decision, note)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to finalize dispute: %v", err)), nil
	}

	st := env.Settlement
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s finalized: %s\n", sliceID, decision)
	if st.Payment != nil {
		fmt.Fprintf(&sb, "Payment: %s (%s)\n", st.Payment.Status, h.amount(st.Payment.TotalAmount))
	}
	if st.GatewayOutcome != "" {
		fmt.Fprintf(&sb, "Gateway: %s\n", st.GatewayOutcome)
	}
	if st.ProviderCredit > 0 {
		fmt.Fprintf(&sb, "Provider credited: %s\n", h.amount(st.ProviderCredit))
	}
	if n := len(st.Rewards); n > 0 {
		fmt.Fprintf(&sb, "Comment rewards paid: %d\n", n)
	}
	if st.Dispute != nil && st.Dispute.Consensus != "" && string(st.Dispute.Consensus) != decision {
		fmt.Fprintf(&sb, "Note: advisory consensus was %s and has been overruled.\n", st.Dispute.Consensus)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRunDailyPayout triggers a daily payout.
func (h *Handlers) HandleRunDailyPayout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	date := req.GetString("date", "")
	if date != "" {
		if bad := requireDate(date); bad != nil {
			return bad, nil
		}
	}

	env, err := h.client.RunDailyPayout(ctx, date)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Daily payout failed: %v", err)), nil
	}
	res := env.Payout

	var sb strings.Builder
	if res.Replayed {
		fmt.Fprintf(&sb, "Payout for %s had already run; nothing was paid again.\n", res.Date)
	} else {
		fmt.Fprintf(&sb, "Payout for %s processed.\n", res.Date)
	}
	fmt.Fprintf(&sb, "Pool: %s (carried in %s)\n", h.amount(res.Pool), h.amount(res.CarriedIn))
	fmt.Fprintf(&sb, "Distributed: %s to %d recipient(s)\n", h.amount(res.TotalDistributed), res.RecipientCount)
	if res.CarriedForward > 0 {
		fmt.Fprintf(&sb, "Carried forward: %s\n", h.amount(res.CarriedForward))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetPayout shows a stored run.
func (h *Handlers) HandleGetPayout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	date := req.GetString("date", "")
	if bad := requireDate(date); bad != nil {
		return bad, nil
	}

	env, err := h.client.GetPayout(ctx, date)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payout: %v", err)), nil
	}
	run := env.Run

	var sb strings.Builder
	fmt.Fprintf(&sb, "Payout run %s\n", run.Date.Format(time.DateOnly))
	if run.ProcessedAt == nil {
		sb.WriteString("Status: not processed\n")
		return mcp.NewToolResultText(sb.String()), nil
	}
	fmt.Fprintf(&sb, "Processed: %s (trigger %s)\n", run.ProcessedAt.Format(time.RFC3339), run.Trigger)
	fmt.Fprintf(&sb, "Pool: %s (carried in %s)\n", h.amount(run.PoolAmount), h.amount(run.CarriedIn))
	fmt.Fprintf(&sb, "Distributed: %s to %d recipient(s)\n", h.amount(run.TotalDistributed), run.RecipientCount)
	if run.CarriedForward > 0 {
		fmt.Fprintf(&sb, "Carried forward: %s", h.amount(run.CarriedForward))
		if run.CarryConsumedBy != nil {
			fmt.Fprintf(&sb, " (absorbed by %s)", run.CarryConsumedBy.Format(time.DateOnly))
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReconcilePayouts runs the payout consistency checks.
func (h *Handlers) HandleReconcilePayouts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rep, err := h.client.Reconcile(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconciliation failed: %v", err)), nil
	}
	if rep.Clean() {
		return mcp.NewToolResultText(fmt.Sprintf("All %d checked day(s) reconcile.", rep.CheckedDays)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Checked %d day(s).\n", rep.CheckedDays)
	for _, m := range rep.Mismatches {
		fmt.Fprintf(&sb, "- %s %s: %s\n", m.Date, m.Check, m.Detail)
	}
	if len(rep.MissedDays) > 0 {
		fmt.Fprintf(&sb, "Days with an unpaid pool: %s\n", strings.Join(rep.MissedDays, ", "))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleMarkCommentHelpful curates a comment.
func (h *Handlers) HandleMarkCommentHelpful(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	commentID, bad := requireID(req, "comment_id")
	if bad != nil {
		return bad, nil
	}
	score := req.GetInt("savings_score", -1)
	if score < 0 {
		return mcp.NewToolResultError("savings_score must be a non-negative number"), nil
	}

	env, err := h.client.MarkHelpful(ctx, commentID, int64(score))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to mark comment: %v", err)), nil
	}
	cm := env.Comment
	return mcp.NewToolResultText(fmt.Sprintf(
		"Comment %s on request %s marked helpful (savings score %d, %d heart(s)).",
		cm.ID, cm.RequestID, cm.SavingsScore, cm.Hearts)), nil
}

// --- formatting ---

func formatDispute(d *ledger.DisputeCase) string {
	if d == nil {
		return "No dispute data returned."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s: %s\n", d.SliceID, d.Status)
	fmt.Fprintf(&sb, "Client: %s  Provider: %s\n", d.ClientID, d.ProviderID)
	if d.RefundReason != "" {
		fmt.Fprintf(&sb, "Refund reason: %s\n", d.RefundReason)
	}

	if len(d.EvidenceItems) > 0 {
		sb.WriteString("\nEvidence:\n")
		for _, e := range d.EvidenceItems {
			fmt.Fprintf(&sb, "  [%s] %s: %s\n", e.SubmittedAt.Format(time.RFC3339), e.Party, e.Content)
		}
	}

	if len(d.AdvisoryVerdicts) > 0 {
		sb.WriteString("\nAdvisory verdicts:\n")
		for _, v := range d.AdvisoryVerdicts {
			if v.Decision == ledger.DecisionErrored {
				fmt.Fprintf(&sb, "  #%d %s: errored (%s)\n", v.Attempt, v.Source, v.Error)
				continue
			}
			fmt.Fprintf(&sb, "  #%d %s: %s (confidence %d)", v.Attempt, v.Source, v.Decision, v.Confidence)
			if v.Reasoning != "" {
				fmt.Fprintf(&sb, " - %s", v.Reasoning)
			}
			sb.WriteString("\n")
		}
	}
	if d.Consensus != "" {
		fmt.Fprintf(&sb, "\nConsensus: %s\n", d.Consensus)
	}
	if d.Finalized() {
		fmt.Fprintf(&sb, "Final decision: %s by %s", d.FinalDecision, d.FinalDecisionBy)
		if d.FinalNote != "" {
			fmt.Fprintf(&sb, " (%s)", d.FinalNote)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
