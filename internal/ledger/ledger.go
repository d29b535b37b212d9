// Package ledger is the system of record for escrow payments, slices,
// community rewards, wallets, payout runs and dispute cases.
//
// Every balance change is written together with the row that caused it
// (a reward, an earning, a withdrawal) inside one transaction opened with
// Store.InTx. Status changes are optimistic: writers name the status they
// expect and get ErrStaleState when another writer got there first.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/slicepay/internal/pagination"
)

var (
	ErrNotFound            = errors.New("ledger: record not found")
	ErrStaleState          = errors.New("ledger: record changed concurrently")
	ErrDuplicate           = errors.New("ledger: duplicate record")
	ErrInsufficientBalance = errors.New("ledger: insufficient wallet balance")
)

// PaymentMethod selects the external gateway holding the funds.
type PaymentMethod string

const (
	MethodGatewayA PaymentMethod = "gateway_a"
	MethodGatewayB PaymentMethod = "gateway_b"
)

// Valid reports whether m is a supported method.
func (m PaymentMethod) Valid() bool {
	return m == MethodGatewayA || m == MethodGatewayB
}

// PaymentStatus is the escrow payment lifecycle.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentInEscrow PaymentStatus = "in_escrow"
	PaymentReleased PaymentStatus = "released"
	PaymentRefunded PaymentStatus = "refunded"
)

// Terminal reports whether the payment can no longer change.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentReleased || s == PaymentRefunded
}

// EscrowPayment is a client's authorized charge for one slice.
// TotalAmount == SliceAmount + PlatformFee and PlatformFee >= CommunityRewardPool.
type EscrowPayment struct {
	ID                  string        `json:"id"`
	ClientID            string        `json:"clientId"`
	ProviderID          string        `json:"providerId"`
	SliceID             string        `json:"sliceId"`
	SliceAmount         int64         `json:"sliceAmount"`
	PlatformFee         int64         `json:"platformFee"`
	CommunityRewardPool int64         `json:"communityRewardPool"`
	CommentRewardPool   int64         `json:"commentRewardPool"`
	TotalAmount         int64         `json:"totalAmount"`
	Currency            string        `json:"currency"`
	PaymentMethod       PaymentMethod `json:"paymentMethod"`
	ExternalPaymentRef  string        `json:"externalPaymentRef"`
	Status              PaymentStatus `json:"status"`
	ResolvedBy          string        `json:"resolvedBy,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
	ReleasedAt          *time.Time    `json:"releasedAt,omitempty"`
	RefundedAt          *time.Time    `json:"refundedAt,omitempty"`
}

// PaymentTransition moves a payment from one status to the next.
type PaymentTransition struct {
	PaymentID         string
	From              PaymentStatus
	To                PaymentStatus
	ResolvedBy        string
	At                time.Time
	CommentRewardPool int64
}

// SliceStatus is the work lifecycle of a slice.
type SliceStatus string

const (
	SliceProposed         SliceStatus = "proposed"
	SliceAccepted         SliceStatus = "accepted"
	SliceCompleted        SliceStatus = "completed"
	SliceApprovedByClient SliceStatus = "approved_by_client"
	SliceDisputed         SliceStatus = "disputed"
)

// RefundStatus tracks a client's refund request.
type RefundStatus string

const (
	RefundNone      RefundStatus = "none"
	RefundRequested RefundStatus = "requested"
	RefundApproved  RefundStatus = "approved"
	RefundDisputed  RefundStatus = "disputed"
)

// Party is a side of a slice.
type Party string

const (
	PartyClient   Party = "client"
	PartyProvider Party = "provider"
)

// EvidenceItem is a statement submitted by one party.
type EvidenceItem struct {
	AuthorID    string    `json:"authorId"`
	Party       Party     `json:"party"`
	Content     string    `json:"content"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Slice is a unit of work a provider performs for a client's request.
type Slice struct {
	ID                 string         `json:"id"`
	RequestID          string         `json:"requestId"`
	ClientID           string         `json:"clientId"`
	AssignedProviderID string         `json:"assignedProviderId"`
	Status             SliceStatus    `json:"status"`
	RefundStatus       RefundStatus   `json:"refundStatus"`
	RefundReason       string         `json:"refundReason,omitempty"`
	DisputeEvidence    []EvidenceItem `json:"disputeEvidence,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// PartyOf returns the side userID is on, if any.
func (s *Slice) PartyOf(userID string) (Party, bool) {
	switch userID {
	case s.ClientID:
		return PartyClient, true
	case s.AssignedProviderID:
		return PartyProvider, true
	}
	return "", false
}

// RewardReason explains why a community reward was paid.
type RewardReason string

const (
	RewardComment      RewardReason = "comment_contribution"
	RewardDailySavings RewardReason = "daily_savings"
	RewardReversal     RewardReason = "reversal"
)

// RewardPaymentMethod is the only payout channel for rewards today.
const RewardPaymentMethod = "wallet_credit"

// CommunityReward is an immutable payout to a contributor. A reversal is a
// new row with a negative amount pointing at the original via ReversesID.
type CommunityReward struct {
	ID            string       `json:"id"`
	UserID        string       `json:"userId"`
	SliceID       string       `json:"sliceId,omitempty"`
	CommentID     string       `json:"commentId,omitempty"`
	PayoutDate    *time.Time   `json:"payoutDate,omitempty"`
	Amount        int64        `json:"amount"`
	Reason        RewardReason `json:"reason"`
	PaidAt        time.Time    `json:"paidAt"`
	PaymentMethod string       `json:"paymentMethod"`
	ReversesID    string       `json:"reversesId,omitempty"`
}

// Wallet is a user's internal balance.
// Balance == TotalEarned - TotalWithdrawn - PendingWithdrawals and Balance >= 0.
type Wallet struct {
	UserID             string    `json:"userId"`
	Balance            int64     `json:"balance"`
	TotalEarned        int64     `json:"totalEarned"`
	TotalWithdrawn     int64     `json:"totalWithdrawn"`
	PendingWithdrawals int64     `json:"pendingWithdrawals"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Consistent checks the wallet invariant.
func (w *Wallet) Consistent() bool {
	return w.Balance >= 0 && w.Balance == w.TotalEarned-w.TotalWithdrawn-w.PendingWithdrawals
}

// EntryKind classifies a wallet ledger entry.
type EntryKind string

const (
	EntryReward            EntryKind = "reward"
	EntryEarning           EntryKind = "earning"
	EntryReversal          EntryKind = "reversal"
	EntryWithdrawalHold    EntryKind = "withdrawal_hold"
	EntryWithdrawalRelease EntryKind = "withdrawal_release"
	EntryWithdrawalCleared EntryKind = "withdrawal_cleared"
)

// Deltas returns how an entry of this kind moves each wallet column.
// amount is positive except for reversals, which carry a negative amount.
func (k EntryKind) Deltas(amount int64) (balance, earned, withdrawn, pending int64) {
	switch k {
	case EntryReward, EntryEarning, EntryReversal:
		return amount, amount, 0, 0
	case EntryWithdrawalHold:
		return -amount, 0, 0, amount
	case EntryWithdrawalRelease:
		return amount, 0, 0, -amount
	case EntryWithdrawalCleared:
		return 0, 0, amount, -amount
	}
	return 0, 0, 0, 0
}

// WalletEntry records one balance change and what caused it.
type WalletEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Kind      EntryKind `json:"kind"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference"`
	CreatedAt time.Time `json:"createdAt"`
}

// WithdrawalStatus is the withdrawal lifecycle.
type WithdrawalStatus string

const (
	WithdrawalPending WithdrawalStatus = "pending"
	WithdrawalCleared WithdrawalStatus = "cleared"
	WithdrawalFailed  WithdrawalStatus = "failed"
)

// Withdrawal moves wallet balance out of the platform.
type Withdrawal struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Amount    int64            `json:"amount"`
	Status    WithdrawalStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	SettledAt *time.Time       `json:"settledAt,omitempty"`
	SettledBy string           `json:"settledBy,omitempty"`
}

// PayoutRun is the single row per UTC day recording the daily community
// reward distribution. CarriedForward holds a pool nobody qualified for;
// CarryConsumedBy names the later run that absorbed it.
type PayoutRun struct {
	Date             time.Time  `json:"date"`
	PoolAmount       int64      `json:"poolAmount"`
	CarriedIn        int64      `json:"carriedIn"`
	CarriedForward   int64      `json:"carriedForward"`
	TotalDistributed int64      `json:"totalDistributed"`
	RecipientCount   int        `json:"recipientCount"`
	Distributed      bool       `json:"distributed"`
	Trigger          string     `json:"trigger,omitempty"`
	CarryConsumedBy  *time.Time `json:"carryConsumedBy,omitempty"`
	ProcessedAt      *time.Time `json:"processedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DisputeStatus is the dispute workflow state.
type DisputeStatus string

const (
	DisputeOpen            DisputeStatus = "open"
	DisputeDeliberating    DisputeStatus = "deliberating"
	DisputeResolvedRelease DisputeStatus = "resolved_release"
	DisputeResolvedRefund  DisputeStatus = "resolved_refund"
	DisputeSplitDecision   DisputeStatus = "split_decision"
)

// Decision is an outcome proposed by an advisory source or taken by an admin.
type Decision string

const (
	DecisionRelease Decision = "release"
	DecisionRefund  Decision = "refund"
	DecisionErrored Decision = "errored" // source failed or timed out
	DecisionSplit   Decision = "split"   // consensus only: sources disagreed
)

// Verdict is one advisory source's answer for one deliberation attempt.
type Verdict struct {
	Source     string    `json:"source"`
	Decision   Decision  `json:"decision"`
	Confidence int       `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempt    int       `json:"attempt"`
	At         time.Time `json:"at"`
}

// DisputeCase is opened when a provider rejects a refund request.
// Verdicts are advisory; only FinalDecision moves money.
type DisputeCase struct {
	SliceID           string         `json:"sliceId"`
	PaymentID         string         `json:"paymentId"`
	ClientID          string         `json:"clientId"`
	ProviderID        string         `json:"providerId"`
	Status            DisputeStatus  `json:"status"`
	RefundReason      string         `json:"refundReason,omitempty"`
	EvidenceItems     []EvidenceItem `json:"evidenceItems"`
	AdvisoryVerdicts  []Verdict      `json:"advisoryVerdicts"`
	Consensus         Decision       `json:"consensus,omitempty"`
	Attempts          int            `json:"attempts"`
	OpenedAt          time.Time      `json:"openedAt"`
	DeliberatingSince *time.Time     `json:"deliberatingSince,omitempty"`
	FinalDecision     Decision       `json:"finalDecision,omitempty"`
	FinalDecisionBy   string         `json:"finalDecisionBy,omitempty"`
	FinalDecisionAt   *time.Time     `json:"finalDecisionAt,omitempty"`
	FinalNote         string         `json:"finalNote,omitempty"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// Finalized reports whether an admin has taken the final decision.
func (d *DisputeCase) Finalized() bool { return d.FinalDecision != "" }

// HasEvidenceFrom reports whether party p has submitted evidence.
func (d *DisputeCase) HasEvidenceFrom(p Party) bool {
	for _, e := range d.EvidenceItems {
		if e.Party == p {
			return true
		}
	}
	return false
}

// Comment is the read model of a marketplace comment on a request.
// Hearts weight per-transaction rewards; SavingsScore weights daily ones.
type Comment struct {
	ID              string     `json:"id"`
	RequestID       string     `json:"requestId"`
	AuthorID        string     `json:"authorId"`
	Hearts          int64      `json:"hearts"`
	Helpful         bool       `json:"helpful"`
	HelpfulMarkedAt *time.Time `json:"helpfulMarkedAt,omitempty"`
	SavingsScore    int64      `json:"savingsScore"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Reader is the read side shared by stores and transactions.
type Reader interface {
	GetSlice(ctx context.Context, id string) (*Slice, error)
	GetPaymentBySlice(ctx context.Context, sliceID string) (*EscrowPayment, error)
	GetDispute(ctx context.Context, sliceID string) (*DisputeCase, error)
	ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*DisputeCase, error)

	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	ListEntries(ctx context.Context, userID string, limit int) ([]*WalletEntry, error)
	// ListEntriesBefore pages through a wallet's history, newest first,
	// starting strictly after the cursor position (nil starts at the top).
	ListEntriesBefore(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*WalletEntry, error)
	GetReward(ctx context.Context, id string) (*CommunityReward, error)
	ListRewardsByUser(ctx context.Context, userID string, limit int) ([]*CommunityReward, error)
	ListRewardsBySlice(ctx context.Context, sliceID string) ([]*CommunityReward, error)
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)

	GetPayoutRun(ctx context.Context, date time.Time) (*PayoutRun, error)
	// SumReleasedCommunityPool totals CommunityRewardPool over payments
	// released in [from, to).
	SumReleasedCommunityPool(ctx context.Context, from, to time.Time) (int64, error)
	// UnconsumedCarry lists runs before date whose carried-forward pool has
	// not been absorbed by a later run.
	UnconsumedCarry(ctx context.Context, before time.Time) ([]*PayoutRun, error)

	GetComment(ctx context.Context, id string) (*Comment, error)
	HelpfulCommentsForRequest(ctx context.Context, requestID string) ([]*Comment, error)
	// HelpfulCommentsBetween lists comments marked helpful in [from, to).
	HelpfulCommentsBetween(ctx context.Context, from, to time.Time) ([]*Comment, error)
}

// Tx is a unit of work. All writes in one Tx commit or roll back together.
type Tx interface {
	Reader

	CreateSlice(ctx context.Context, s *Slice) error
	// UpdateSlice writes s if the stored status still equals expected.
	UpdateSlice(ctx context.Context, s *Slice, expected SliceStatus) error

	// CreatePayment returns ErrDuplicate if the slice already has a payment.
	CreatePayment(ctx context.Context, p *EscrowPayment) error
	TransitionPayment(ctx context.Context, t PaymentTransition) error

	CreateDispute(ctx context.Context, d *DisputeCase) error
	// UpdateDispute writes d if the stored status still equals expected.
	UpdateDispute(ctx context.Context, d *DisputeCase, expected DisputeStatus) error

	InsertReward(ctx context.Context, r *CommunityReward) error
	// ApplyWalletEntry records e and applies it to the user's wallet,
	// creating the wallet on first use. Returns ErrInsufficientBalance if
	// the balance would go negative.
	ApplyWalletEntry(ctx context.Context, e *WalletEntry) (*Wallet, error)

	CreateWithdrawal(ctx context.Context, w *Withdrawal) error
	TransitionWithdrawal(ctx context.Context, id string, from, to WithdrawalStatus, by string, at time.Time) error

	// LockPayoutRun claims the run row for date, creating it if needed, and
	// holds it until the transaction ends.
	LockPayoutRun(ctx context.Context, date time.Time) (*PayoutRun, error)
	SavePayoutRun(ctx context.Context, r *PayoutRun) error
	MarkCarryConsumed(ctx context.Context, dates []time.Time, by time.Time) error

	UpsertComment(ctx context.Context, c *Comment) error
}

// Store is the ledger. Reads outside InTx see committed state only.
type Store interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
