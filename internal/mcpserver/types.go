package mcpserver

import (
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/mbd888/slicepay/internal/payout"
	"github.com/mbd888/slicepay/internal/reconciliation"
)

// Response envelopes as rendered by the HTTP API.

type DisputeList struct {
	Disputes []*ledger.DisputeCase `json:"disputes"`
	Count    int                   `json:"count"`
}

type DisputeEnvelope struct {
	Dispute *ledger.DisputeCase `json:"dispute"`
}

type SettlementEnvelope struct {
	Settlement struct {
		Payment        *ledger.EscrowPayment     `json:"payment"`
		Dispute        *ledger.DisputeCase       `json:"dispute"`
		Rewards        []*ledger.CommunityReward `json:"rewards"`
		ProviderCredit int64                     `json:"providerCredit"`
		GatewayOutcome string                    `json:"gatewayOutcome"`
	} `json:"settlement"`
}

type PayoutEnvelope struct {
	Payout *payout.Result `json:"payout"`
}

type PayoutRunEnvelope struct {
	Run *ledger.PayoutRun `json:"run"`
}

type reconciliationReport = reconciliation.Report

type CommentEnvelope struct {
	Comment *ledger.Comment `json:"comment"`
}
