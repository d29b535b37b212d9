package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the slicepay operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListDisputes = mcp.NewTool("list_disputes",
	mcp.WithDescription(
		"List dispute cases by status, oldest first. "+
			"Use status 'deliberating' to find cases waiting for advisory consensus, "+
			"'resolved_release', 'resolved_refund' or 'split_decision' for cases waiting for a final decision."),
	mcp.WithString("status",
		mcp.Description("Case status (default 'deliberating')"),
		mcp.Enum("open", "deliberating", "resolved_release", "resolved_refund", "split_decision")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of cases to return (default 20)")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription(
		"Show one dispute case: refund reason, evidence from both parties, advisory verdicts and any final decision."),
	mcp.WithString("slice_id",
		mcp.Required(),
		mcp.Description("The disputed slice id (e.g. 'slc_...')")),
)

var ToolDeliberateDispute = mcp.NewTool("deliberate_dispute",
	mcp.WithDescription(
		"Ask every advisory source for an opinion on a deliberating case. "+
			"The consensus is advice only; money does not move until finalize_dispute is called. "+
			"If no source answers, the case stays deliberating and can be retried later."),
	mcp.WithString("slice_id",
		mcp.Required(),
		mcp.Description("The disputed slice id")),
)

var ToolFinalizeDispute = mcp.NewTool("finalize_dispute",
	mcp.WithDescription(
		"Record the binding decision for a dispute and move the money. "+
			"'release' pays the provider, 'refund' returns the escrow to the client. "+
			"May overrule the advisory consensus. This cannot be undone."),
	mcp.WithString("slice_id",
		mcp.Required(),
		mcp.Description("The disputed slice id")),
	mcp.WithString("decision",
		mcp.Required(),
		mcp.Description("Final decision"),
		mcp.Enum("release", "refund")),
	mcp.WithString("note",
		mcp.Description("Why this decision was taken; stored on the case")),
)

var ToolRunDailyPayout = mcp.NewTool("run_daily_payout",
	mcp.WithDescription(
		"Distribute a closed day's community pool to the most helpful commenters. "+
			"Running a day twice returns the stored result without paying again. "+
			"Today cannot be paid out until it has ended (UTC)."),
	mcp.WithString("date",
		mcp.Description("Day to pay out as YYYY-MM-DD (default yesterday, UTC)")),
)

var ToolGetPayout = mcp.NewTool("get_payout",
	mcp.WithDescription("Show the recorded daily payout run for a day."),
	mcp.WithString("date",
		mcp.Required(),
		mcp.Description("Day as YYYY-MM-DD")),
)

var ToolReconcilePayouts = mcp.NewTool("reconcile_payouts",
	mcp.WithDescription(
		"Re-check the last week of payout runs against released payments. "+
			"Reports runs that do not conserve money and days with a pool that were never paid out."),
)

var ToolMarkCommentHelpful = mcp.NewTool("mark_comment_helpful",
	mcp.WithDescription(
		"Mark a comment as helpful and set its savings score. Helpful comments share comment rewards "+
			"when the slice is released and compete for the daily community pool."),
	mcp.WithString("comment_id",
		mcp.Required(),
		mcp.Description("Comment id (e.g. 'cmt_...')")),
	mcp.WithNumber("savings_score",
		mcp.Required(),
		mcp.Description("Non-negative savings score; higher scores earn larger shares")),
)
