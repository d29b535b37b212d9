// Package escrow owns the slice and escrow payment state machines.
//
// Flow:
//  1. Client creates a slice for a provider; the provider accepts it.
//  2. Client funds it: the gateway places a hold, the payment is in_escrow.
//  3. Provider completes the slice.
//  4. Client approves: the hold is captured, the provider and helpful
//     commenters are credited in one transaction.
//  5. Or the client asks for a refund. The provider accepts (the hold is
//     voided) or rejects with evidence, which opens a dispute that an
//     admin settles through SettleDispute.
//
// Gateway calls never run inside a database transaction. The confirmed
// gateway result is written afterwards with optimistic status checks, so a
// second writer fails with a StaleStateError instead of double-paying.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/gateway"
	"github.com/mbd888/slicepay/internal/idgen"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/mbd888/slicepay/internal/logging"
	"github.com/mbd888/slicepay/internal/metrics"
	"github.com/mbd888/slicepay/internal/money"
	"github.com/mbd888/slicepay/internal/notify"
	"github.com/mbd888/slicepay/internal/rewards"
	"github.com/mbd888/slicepay/internal/syncutil"
	"github.com/mbd888/slicepay/internal/traces"
)

// Rates are the platform's cut of a slice, in basis points of SliceAmount.
type Rates struct {
	FeeBps           int64 // platform fee charged on top of the slice amount
	CommunityBps     int64 // part of the fee set aside for the daily pool
	CommentRewardBps int64 // part of the slice amount paid to helpful commenters
}

// DefaultRates: 10% fee, 2% community pool, 5% comment rewards.
var DefaultRates = Rates{FeeBps: 1000, CommunityBps: 200, CommentRewardBps: 500}

// Validate enforces 0 <= community <= fee <= 10000 and a comment rate in range.
func (r Rates) Validate() error {
	if r.CommunityBps < 0 || r.CommunityBps > r.FeeBps || r.FeeBps > money.BasisPoints {
		return fmt.Errorf("escrow: rates must satisfy 0 <= community (%d) <= fee (%d) <= %d", r.CommunityBps, r.FeeBps, money.BasisPoints)
	}
	if r.CommentRewardBps < 0 || r.CommentRewardBps > money.BasisPoints {
		return fmt.Errorf("escrow: comment reward rate %d out of range", r.CommentRewardBps)
	}
	return nil
}

// Split computes the fee and community pool for a slice amount.
func (r Rates) Split(sliceAmount int64) (platformFee, communityPool int64) {
	platformFee = money.ApplyRate(sliceAmount, r.FeeBps)
	communityPool = money.ApplyRate(sliceAmount, r.CommunityBps)
	if communityPool > platformFee {
		// Unreachable with validated rates: ApplyRate is monotonic in bps.
		panic(fmt.Sprintf("escrow: community pool %d exceeds platform fee %d", communityPool, platformFee))
	}
	return platformFee, communityPool
}

// RefundAction is the provider's answer to a refund request.
type RefundAction string

const (
	RefundAccept RefundAction = "accept"
	RefundReject RefundAction = "reject"
)

// CreateSliceRequest proposes a unit of work to a provider.
type CreateSliceRequest struct {
	RequestID  string `json:"requestId" binding:"required"`
	ClientID   string `json:"-"`
	ProviderID string `json:"providerId" binding:"required"`
}

// CreateEscrowRequest funds a slice.
type CreateEscrowRequest struct {
	SliceID       string               `json:"sliceId" binding:"required"`
	ClientID      string               `json:"-"`
	ProviderID    string               `json:"providerId" binding:"required"`
	SliceAmount   int64                `json:"sliceAmount" binding:"required"`
	PaymentMethod ledger.PaymentMethod `json:"paymentMethod" binding:"required"`
	PaymentToken  string               `json:"paymentToken" binding:"required"`
}

// Resolution is an admin's final call on a dispute.
type Resolution struct {
	AdminID  string
	Decision ledger.Decision
	Note     string
}

// Settlement describes a release or refund that was committed.
type Settlement struct {
	Payment        *ledger.EscrowPayment     `json:"payment"`
	Slice          *ledger.Slice             `json:"slice"`
	Dispute        *ledger.DisputeCase       `json:"dispute,omitempty"`
	Rewards        []*ledger.CommunityReward `json:"rewards,omitempty"`
	ProviderCredit int64                     `json:"providerCredit"`
	GatewayOutcome gateway.Outcome           `json:"gatewayOutcome"`
}

// View is the read model returned to the slice's parties.
type View struct {
	Slice   *ledger.Slice             `json:"slice"`
	Payment *ledger.EscrowPayment     `json:"payment,omitempty"`
	Dispute *ledger.DisputeCase       `json:"dispute,omitempty"`
	Rewards []*ledger.CommunityReward `json:"rewards,omitempty"`
}

// Service implements the escrow lifecycle.
type Service struct {
	store    ledger.Store
	gateways *gateway.Registry
	engine   *rewards.Engine
	rates    Rates
	currency string
	notifier *notify.Emitter
	locks    *syncutil.KeyedMutex // per-slice, in-process only
	now      func() time.Time
}

// NewService creates an escrow service. Invalid rates are a programming
// error: config.Validate rejects them at startup.
func NewService(store ledger.Store, gateways *gateway.Registry, engine *rewards.Engine, rates Rates, currency string) *Service {
	if err := rates.Validate(); err != nil {
		panic(err)
	}
	return &Service{
		store:    store,
		gateways: gateways,
		engine:   engine,
		rates:    rates,
		currency: currency,
		locks:    syncutil.NewKeyedMutex(),
		now:      time.Now,
	}
}

// WithNotifier sets the emitter used for best-effort notifications.
func (s *Service) WithNotifier(e *notify.Emitter) *Service {
	s.notifier = e
	return s
}

// Rates returns the configured rates.
func (s *Service) Rates() Rates { return s.rates }

// CreateSlice records a proposed slice of work for a provider.
func (s *Service) CreateSlice(ctx context.Context, req CreateSliceRequest) (*ledger.Slice, error) {
	if req.ClientID == req.ProviderID {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "client and provider must differ")
	}
	now := s.now().UTC()
	sl := &ledger.Slice{
		ID:                 idgen.WithPrefix(idgen.PrefixSlice),
		RequestID:          req.RequestID,
		ClientID:           req.ClientID,
		AssignedProviderID: req.ProviderID,
		Status:             ledger.SliceProposed,
		RefundStatus:       ledger.RefundNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		return tx.CreateSlice(ctx, sl)
	}); err != nil {
		return nil, fmt.Errorf("failed to create slice: %w", err)
	}
	return sl, nil
}

// AcceptSlice moves a proposed slice to accepted. Provider only.
func (s *Service) AcceptSlice(ctx context.Context, sliceID, actorID string) (*ledger.Slice, error) {
	return s.advanceSlice(ctx, sliceID, actorID, ledger.SliceProposed, ledger.SliceAccepted)
}

// CompleteSlice moves an accepted slice to completed. Provider only.
func (s *Service) CompleteSlice(ctx context.Context, sliceID, actorID string) (*ledger.Slice, error) {
	return s.advanceSlice(ctx, sliceID, actorID, ledger.SliceAccepted, ledger.SliceCompleted)
}

func (s *Service) advanceSlice(ctx context.Context, sliceID, actorID string, from, to ledger.SliceStatus) (*ledger.Slice, error) {
	var out *ledger.Slice
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		sl, err := s.loadSlice(ctx, tx, sliceID)
		if err != nil {
			return err
		}
		if sl.AssignedProviderID != actorID {
			return apperr.Forbidden("only the assigned provider can mark slice %s %s", sliceID, to)
		}
		if sl.Status != from {
			return apperr.InvalidState("slice %s is %s, must be %s", sliceID, sl.Status, from)
		}
		sl.Status = to
		sl.UpdatedAt = s.now().UTC()
		if err := tx.UpdateSlice(ctx, sl, from); err != nil {
			return s.staleSlice(ctx, tx, sliceID, from, err)
		}
		out = sl
		return nil
	})
	if err != nil {
		return nil, err
	}
	if to == ledger.SliceCompleted {
		s.notifier.Emit(out.ClientID, notify.KindSliceCompleted, map[string]any{"sliceId": out.ID})
	}
	return out, nil
}

// CreateEscrow authorizes sliceAmount + platformFee on the client's payment
// method and records the payment as in_escrow. Nothing is written when the
// gateway declines.
func (s *Service) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (_ *ledger.EscrowPayment, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create", traces.SliceID(req.SliceID), traces.Amount(req.SliceAmount))
	defer func() { traces.End(span, err); observe("create", err) }()

	if req.SliceAmount <= 0 {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "sliceAmount must be positive")
	}
	if !req.PaymentMethod.Valid() {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "unsupported payment method %q", req.PaymentMethod)
	}
	gw, err := s.gateways.Get(req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, req.SliceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sl, err := s.loadSlice(ctx, s.store, req.SliceID)
	if err != nil {
		return nil, err
	}
	if sl.ClientID != req.ClientID {
		return nil, apperr.Forbidden("only the slice's client can fund it")
	}
	if sl.AssignedProviderID != req.ProviderID {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "provider %s is not assigned to slice %s", req.ProviderID, sl.ID)
	}
	if sl.Status != ledger.SliceProposed && sl.Status != ledger.SliceAccepted {
		return nil, apperr.InvalidState("slice %s is %s and can no longer be funded", sl.ID, sl.Status)
	}
	if _, err := s.store.GetPaymentBySlice(ctx, sl.ID); err == nil {
		return nil, apperr.InvalidState("slice %s already has an escrow payment", sl.ID)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	fee, pool := s.rates.Split(req.SliceAmount)
	total := req.SliceAmount + fee

	ref, err := gw.Authorize(ctx, gateway.AuthorizeRequest{
		SliceID:        sl.ID,
		ClientID:       sl.ClientID,
		Amount:         total,
		Currency:       s.currency,
		PaymentToken:   req.PaymentToken,
		IdempotencyKey: "authorize:" + sl.ID,
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	pay := &ledger.EscrowPayment{
		ID:                  idgen.WithPrefix(idgen.PrefixPayment),
		ClientID:            sl.ClientID,
		ProviderID:          sl.AssignedProviderID,
		SliceID:             sl.ID,
		SliceAmount:         req.SliceAmount,
		PlatformFee:         fee,
		CommunityRewardPool: pool,
		TotalAmount:         total,
		Currency:            s.currency,
		PaymentMethod:       req.PaymentMethod,
		ExternalPaymentRef:  ref,
		Status:              ledger.PaymentInEscrow,
		CreatedAt:           now,
	}
	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		return tx.CreatePayment(ctx, pay)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			// Another process funded the slice with the same idempotency key,
			// so the hold is shared and must stay.
			return nil, apperr.InvalidState("slice %s already has an escrow payment", sl.ID)
		}
		s.voidOrphanHold(ctx, gw, sl.ID, ref, err)
		return nil, fmt.Errorf("failed to record escrow payment: %w", err)
	}

	logging.L(ctx).Info("escrow created",
		"slice_id", sl.ID, "payment_id", pay.ID, "gateway", gw.Name(),
		"slice_amount", pay.SliceAmount, "platform_fee", fee, "community_pool", pool)
	s.notifier.Emit(pay.ProviderID, notify.KindEscrowCreated, map[string]any{
		"sliceId": sl.ID, "sliceAmount": pay.SliceAmount, "currency": pay.Currency,
	})
	return pay, nil
}

// voidOrphanHold releases an authorization whose ledger row could not be
// written. Failing that, an operator must void it by hand.
func (s *Service) voidOrphanHold(ctx context.Context, gw gateway.Gateway, sliceID, ref string, cause error) {
	if _, err := gw.Refund(ctx, ref); err != nil {
		logging.Critical(ctx, "authorization hold left without escrow row",
			"slice_id", sliceID, "gateway", gw.Name(), "ref", ref, "error", cause, "void_error", err)
		return
	}
	logging.L(ctx).Warn("voided authorization after ledger write failed",
		"slice_id", sliceID, "gateway", gw.Name(), "ref", ref, "error", cause)
}

// Approve releases the escrow to the provider. The client must approve a
// completed slice whose payment is still in escrow.
func (s *Service) Approve(ctx context.Context, sliceID, actorID string) (_ *Settlement, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.approve", traces.SliceID(sliceID), traces.UserID(actorID))
	defer func() { traces.End(span, err); observe("approve", err) }()

	unlock, err := s.locks.Lock(ctx, sliceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sl, pay, err := s.loadPair(ctx, sliceID)
	if err != nil {
		return nil, err
	}
	if sl.ClientID != actorID {
		return nil, apperr.Forbidden("only the slice's client can approve it")
	}
	if sl.Status != ledger.SliceCompleted {
		return nil, apperr.InvalidState("slice %s is %s, must be completed", sliceID, sl.Status)
	}
	if err := paymentHeld(pay); err != nil {
		return nil, err
	}

	return s.release(ctx, pay, actorID, ledger.SliceCompleted, nil)
}

// RequestRefund records the client's request. No money moves.
func (s *Service) RequestRefund(ctx context.Context, sliceID, actorID, reason string) (*ledger.Slice, error) {
	var out *ledger.Slice
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		sl, err := s.loadSlice(ctx, tx, sliceID)
		if err != nil {
			return err
		}
		if sl.ClientID != actorID {
			return apperr.Forbidden("only the slice's client can request a refund")
		}
		if sl.Status != ledger.SliceCompleted {
			return apperr.InvalidState("slice %s is %s, must be completed", sliceID, sl.Status)
		}
		if sl.RefundStatus != ledger.RefundNone {
			return apperr.InvalidState("refund already %s for slice %s", sl.RefundStatus, sliceID)
		}
		pay, err := tx.GetPaymentBySlice(ctx, sliceID)
		if errors.Is(err, ledger.ErrNotFound) {
			return apperr.InvalidState("slice %s has no escrow payment", sliceID)
		}
		if err != nil {
			return err
		}
		if err := paymentHeld(pay); err != nil {
			return err
		}

		sl.RefundStatus = ledger.RefundRequested
		sl.RefundReason = reason
		sl.UpdatedAt = s.now().UTC()
		if err := tx.UpdateSlice(ctx, sl, ledger.SliceCompleted); err != nil {
			return s.staleSlice(ctx, tx, sliceID, ledger.SliceCompleted, err)
		}
		out = sl
		return nil
	})
	if err != nil {
		observe("refund_request", err)
		return nil, err
	}
	observe("refund_request", nil)

	logging.L(ctx).Info("refund requested", "slice_id", sliceID)
	s.notifier.Emit(out.AssignedProviderID, notify.KindRefundRequested, map[string]any{
		"sliceId": sliceID, "reason": reason,
	})
	return out, nil
}

// RefundResponse is what RespondToRefund did.
type RefundResponse struct {
	Settlement *Settlement         `json:"settlement,omitempty"`
	Slice      *ledger.Slice       `json:"slice"`
	Dispute    *ledger.DisputeCase `json:"dispute,omitempty"`
}

// RespondToRefund lets the provider accept (refund now) or reject (open a
// dispute, evidence required) a pending refund request.
func (s *Service) RespondToRefund(ctx context.Context, sliceID, actorID string, action RefundAction, evidence string) (_ *RefundResponse, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.refund_response", traces.SliceID(sliceID), traces.UserID(actorID))
	defer func() { traces.End(span, err); observe("refund_response", err) }()

	if action != RefundAccept && action != RefundReject {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "action must be accept or reject")
	}
	if action == RefundReject && evidence == "" {
		return nil, apperr.Validation(apperr.CodeEvidenceRequired, "evidence is required to reject a refund")
	}

	unlock, err := s.locks.Lock(ctx, sliceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sl, pay, err := s.loadPair(ctx, sliceID)
	if err != nil {
		return nil, err
	}
	if sl.AssignedProviderID != actorID {
		return nil, apperr.Forbidden("only the assigned provider can respond to a refund")
	}
	if sl.RefundStatus != ledger.RefundRequested {
		return nil, apperr.InvalidState("no pending refund request for slice %s", sliceID)
	}
	if err := paymentHeld(pay); err != nil {
		return nil, err
	}

	if action == RefundAccept {
		st, err := s.refund(ctx, pay, actorID, ledger.SliceCompleted, nil)
		if err != nil {
			return nil, err
		}
		return &RefundResponse{Settlement: st, Slice: st.Slice}, nil
	}
	return s.openDispute(ctx, sl, pay, actorID, evidence)
}

func (s *Service) openDispute(ctx context.Context, sl *ledger.Slice, pay *ledger.EscrowPayment, providerID, evidence string) (*RefundResponse, error) {
	now := s.now().UTC()
	item := ledger.EvidenceItem{AuthorID: providerID, Party: ledger.PartyProvider, Content: evidence, SubmittedAt: now}

	var out RefundResponse
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		cur, err := s.loadSlice(ctx, tx, sl.ID)
		if err != nil {
			return err
		}
		if cur.RefundStatus != ledger.RefundRequested {
			return &apperr.StaleStateError{Entity: "slice", ID: sl.ID, Expected: string(ledger.RefundRequested), Current: string(cur.RefundStatus)}
		}
		cur.Status = ledger.SliceDisputed
		cur.RefundStatus = ledger.RefundDisputed
		cur.DisputeEvidence = append(cur.DisputeEvidence, item)
		cur.UpdatedAt = now
		if err := tx.UpdateSlice(ctx, cur, ledger.SliceCompleted); err != nil {
			return s.staleSlice(ctx, tx, sl.ID, ledger.SliceCompleted, err)
		}

		d := &ledger.DisputeCase{
			SliceID:       cur.ID,
			PaymentID:     pay.ID,
			ClientID:      cur.ClientID,
			ProviderID:    cur.AssignedProviderID,
			Status:        ledger.DisputeOpen,
			RefundReason:  cur.RefundReason,
			EvidenceItems: []ledger.EvidenceItem{item},
			OpenedAt:      now,
			UpdatedAt:     now,
		}
		if err := tx.CreateDispute(ctx, d); err != nil {
			if errors.Is(err, ledger.ErrDuplicate) {
				return apperr.InvalidState("slice %s already has a dispute", sl.ID)
			}
			return err
		}
		out.Slice, out.Dispute = cur, d
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(ledger.DisputeOpen)).Inc()
	logging.L(ctx).Info("refund rejected, dispute opened", "slice_id", sl.ID, "payment_id", pay.ID)
	for _, uid := range []string{sl.ClientID, sl.AssignedProviderID} {
		s.notifier.Emit(uid, notify.KindDisputeOpened, map[string]any{"sliceId": sl.ID})
	}
	return &out, nil
}

// SettleDispute executes an admin's final decision: release or refund
// through the same gateway calls as the undisputed path, with the dispute
// closed in the same transaction as the money movement.
func (s *Service) SettleDispute(ctx context.Context, sliceID string, res Resolution) (_ *Settlement, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle_dispute", traces.SliceID(sliceID), traces.UserID(res.AdminID))
	defer func() { traces.End(span, err); observe("settle_dispute", err) }()

	if res.Decision != ledger.DecisionRelease && res.Decision != ledger.DecisionRefund {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "decision must be release or refund")
	}

	unlock, err := s.locks.Lock(ctx, sliceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, sliceID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, apperr.NotFound("no dispute for slice %s", sliceID)
	}
	if err != nil {
		return nil, err
	}
	if d.Finalized() {
		return nil, apperr.InvalidState("dispute for slice %s was already finalized by %s", sliceID, d.FinalDecisionBy)
	}
	_, pay, err := s.loadPair(ctx, sliceID)
	if err != nil {
		return nil, err
	}
	if err := paymentHeld(pay); err != nil {
		return nil, err
	}

	finalize := func(tx ledger.Tx, at time.Time) (*ledger.DisputeCase, error) {
		cur, err := tx.GetDispute(ctx, sliceID)
		if err != nil {
			return nil, err
		}
		if cur.Finalized() {
			return nil, &apperr.StaleStateError{Entity: "dispute", ID: sliceID, Expected: "unfinalized", Current: string(cur.Status), Winner: cur.FinalDecisionBy}
		}
		expected := cur.Status
		cur.FinalDecision = res.Decision
		cur.FinalDecisionBy = res.AdminID
		cur.FinalDecisionAt = &at
		cur.FinalNote = res.Note
		if res.Decision == ledger.DecisionRelease {
			cur.Status = ledger.DisputeResolvedRelease
		} else {
			cur.Status = ledger.DisputeResolvedRefund
		}
		cur.UpdatedAt = at
		if err := tx.UpdateDispute(ctx, cur, expected); err != nil {
			if errors.Is(err, ledger.ErrStaleState) {
				return nil, &apperr.StaleStateError{Entity: "dispute", ID: sliceID, Expected: string(expected), Current: "changed"}
			}
			return nil, err
		}
		return cur, nil
	}

	var st *Settlement
	if res.Decision == ledger.DecisionRelease {
		st, err = s.release(ctx, pay, res.AdminID, ledger.SliceDisputed, finalize)
	} else {
		st, err = s.refund(ctx, pay, res.AdminID, ledger.SliceDisputed, finalize)
	}
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(st.Dispute.Status)).Inc()
	for _, uid := range []string{st.Slice.ClientID, st.Slice.AssignedProviderID} {
		s.notifier.Emit(uid, notify.KindDisputeResolved, map[string]any{
			"sliceId": sliceID, "decision": string(res.Decision),
		})
	}
	return st, nil
}

type finalizeFunc func(tx ledger.Tx, at time.Time) (*ledger.DisputeCase, error)

// release captures the hold and, in one transaction, marks the payment
// released, approves the slice, pays helpful commenters from the comment
// pool and credits the provider with the rest of the slice amount.
func (s *Service) release(ctx context.Context, pay *ledger.EscrowPayment, actorID string, sliceFrom ledger.SliceStatus, finalize finalizeFunc) (*Settlement, error) {
	gw, err := s.gateways.Get(pay.PaymentMethod)
	if err != nil {
		return nil, err
	}
	res, err := gw.Capture(ctx, pay.ExternalPaymentRef)
	if err != nil {
		return nil, settledAtGateway(pay, err)
	}

	now := s.now().UTC()
	st := &Settlement{GatewayOutcome: res.Outcome}
	var alloc rewards.Allocation

	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		sl, err := s.loadSlice(ctx, tx, pay.SliceID)
		if err != nil {
			return err
		}
		comments, err := tx.HelpfulCommentsForRequest(ctx, sl.RequestID)
		if err != nil {
			return fmt.Errorf("failed to load helpful comments: %w", err)
		}
		contributions := rewards.CommentContributions(comments, sl.ClientID, sl.AssignedProviderID)

		var commentPool int64
		if len(contributions) > 0 {
			commentPool = money.ApplyRate(pay.SliceAmount, s.rates.CommentRewardBps)
		}
		alloc, err = rewards.Apportion(commentPool, contributions)
		if err != nil {
			return err
		}

		if err := tx.TransitionPayment(ctx, ledger.PaymentTransition{
			PaymentID:         pay.ID,
			From:              ledger.PaymentInEscrow,
			To:                ledger.PaymentReleased,
			ResolvedBy:        actorID,
			At:                now,
			CommentRewardPool: commentPool,
		}); err != nil {
			return s.stalePayment(ctx, tx, pay.SliceID, err)
		}

		sl.Status = ledger.SliceApprovedByClient
		if sl.RefundStatus == ledger.RefundRequested {
			// Approving withdraws a pending refund request.
			sl.RefundStatus = ledger.RefundNone
		}
		sl.UpdatedAt = now
		if err := tx.UpdateSlice(ctx, sl, sliceFrom); err != nil {
			return s.staleSlice(ctx, tx, sl.ID, sliceFrom, err)
		}

		written, err := s.engine.Persist(ctx, tx, alloc, rewards.Grant{
			SliceID: sl.ID,
			Reason:  ledger.RewardComment,
			At:      now,
		})
		if err != nil {
			return err
		}

		providerCredit := pay.SliceAmount - alloc.Total()
		if providerCredit > 0 {
			if _, err := tx.ApplyWalletEntry(ctx, &ledger.WalletEntry{
				ID:        idgen.WithPrefix(idgen.PrefixEntry),
				UserID:    pay.ProviderID,
				Kind:      ledger.EntryEarning,
				Amount:    providerCredit,
				Reference: pay.ID,
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("failed to credit provider: %w", err)
			}
		}
		var rewarded int64
		for _, r := range written {
			rewarded += r.Amount
		}
		if providerCredit+rewarded != pay.SliceAmount {
			return &apperr.RoundingInvariantViolation{Context: "release " + pay.ID, Expected: pay.SliceAmount, Actual: providerCredit + rewarded}
		}

		if finalize != nil {
			if st.Dispute, err = finalize(tx, now); err != nil {
				return err
			}
		}
		if st.Payment, err = tx.GetPaymentBySlice(ctx, pay.SliceID); err != nil {
			return err
		}
		st.Slice, st.Rewards, st.ProviderCredit = sl, written, providerCredit
		return nil
	})
	if err != nil {
		s.afterSideEffect(ctx, apperr.OpCapture, pay, err)
		return nil, err
	}

	rewards.Observe(st.Rewards)
	metrics.EscrowAmountTotal.WithLabelValues(string(ledger.PaymentReleased)).Add(float64(pay.SliceAmount))
	metrics.EscrowDuration.Observe(now.Sub(pay.CreatedAt).Seconds())
	logging.L(ctx).Info("escrow released",
		"slice_id", pay.SliceID, "payment_id", pay.ID, "gateway_outcome", res.Outcome,
		"provider_credit", st.ProviderCredit, "comment_pool", alloc.Pool, "recipients", len(st.Rewards))

	s.notifier.Emit(pay.ProviderID, notify.KindEscrowReleased, map[string]any{
		"sliceId": pay.SliceID, "credit": st.ProviderCredit, "currency": pay.Currency,
	})
	for _, r := range st.Rewards {
		s.notifier.Emit(r.UserID, notify.KindRewardCredited, map[string]any{
			"rewardId": r.ID, "sliceId": r.SliceID, "amount": r.Amount,
		})
	}
	return st, nil
}

// refund voids the hold and marks the payment refunded. A hold that another
// instance already captured is left alone.
func (s *Service) refund(ctx context.Context, pay *ledger.EscrowPayment, actorID string, sliceFrom ledger.SliceStatus, finalize finalizeFunc) (*Settlement, error) {
	gw, err := s.gateways.Get(pay.PaymentMethod)
	if err != nil {
		return nil, err
	}
	res, err := gw.Refund(ctx, pay.ExternalPaymentRef)
	if err != nil {
		return nil, settledAtGateway(pay, err)
	}

	now := s.now().UTC()
	st := &Settlement{GatewayOutcome: res.Outcome}
	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.TransitionPayment(ctx, ledger.PaymentTransition{
			PaymentID:  pay.ID,
			From:       ledger.PaymentInEscrow,
			To:         ledger.PaymentRefunded,
			ResolvedBy: actorID,
			At:         now,
		}); err != nil {
			return s.stalePayment(ctx, tx, pay.SliceID, err)
		}

		sl, err := s.loadSlice(ctx, tx, pay.SliceID)
		if err != nil {
			return err
		}
		sl.RefundStatus = ledger.RefundApproved
		sl.UpdatedAt = now
		if err := tx.UpdateSlice(ctx, sl, sliceFrom); err != nil {
			return s.staleSlice(ctx, tx, sl.ID, sliceFrom, err)
		}

		if finalize != nil {
			if st.Dispute, err = finalize(tx, now); err != nil {
				return err
			}
		}
		if st.Payment, err = tx.GetPaymentBySlice(ctx, pay.SliceID); err != nil {
			return err
		}
		st.Slice = sl
		return nil
	})
	if err != nil {
		s.afterSideEffect(ctx, apperr.OpRefund, pay, err)
		return nil, err
	}

	metrics.EscrowAmountTotal.WithLabelValues(string(ledger.PaymentRefunded)).Add(float64(pay.SliceAmount))
	metrics.EscrowDuration.Observe(now.Sub(pay.CreatedAt).Seconds())
	logging.L(ctx).Info("escrow refunded",
		"slice_id", pay.SliceID, "payment_id", pay.ID, "gateway_outcome", res.Outcome, "by", actorID)
	s.notifier.Emit(pay.ClientID, notify.KindEscrowRefunded, map[string]any{
		"sliceId": pay.SliceID, "amount": pay.TotalAmount, "currency": pay.Currency,
	})
	return st, nil
}

// settledAtGateway reports a hold the gateway already settled the other way
// as a lost race. The competing instance may not have committed yet, so the
// current status is taken from the gateway's answer.
func settledAtGateway(pay *ledger.EscrowPayment, err error) error {
	var ge *apperr.GatewayError
	if !errors.As(err, &ge) {
		return err
	}
	var current ledger.PaymentStatus
	switch ge.Code {
	case gateway.CodeAlreadyCaptured:
		current = ledger.PaymentReleased
	case gateway.CodeAlreadyRefunded:
		current = ledger.PaymentRefunded
	default:
		return err
	}
	return &apperr.StaleStateError{
		Entity: "payment", ID: pay.ID,
		Expected: string(ledger.PaymentInEscrow), Current: string(current),
	}
}

// afterSideEffect logs a ledger write that failed after the gateway moved
// money. Losing to the same transition is harmless because the gateway calls
// are idempotent. Losing to the opposite one means money moved both ways.
func (s *Service) afterSideEffect(ctx context.Context, op string, pay *ledger.EscrowPayment, err error) {
	want := ledger.PaymentReleased
	if op == apperr.OpRefund {
		want = ledger.PaymentRefunded
	}
	var se *apperr.StaleStateError
	if errors.As(err, &se) && se.Entity == "payment" && se.Current == string(want) {
		logging.L(ctx).Warn("lost escrow race after gateway "+op,
			"slice_id", pay.SliceID, "current", se.Current, "winner", se.Winner)
		return
	}
	if se != nil {
		logging.Critical(ctx, "gateway "+op+" succeeded but "+se.Entity+" is now "+se.Current,
			"slice_id", pay.SliceID, "payment_id", pay.ID, "ref", pay.ExternalPaymentRef, "winner", se.Winner)
		return
	}
	logging.Critical(ctx, "gateway "+op+" succeeded but ledger write failed",
		"slice_id", pay.SliceID, "payment_id", pay.ID, "ref", pay.ExternalPaymentRef, "error", err)
}

// Get returns the slice with its payment, dispute and rewards.
func (s *Service) Get(ctx context.Context, sliceID string) (*View, error) {
	sl, err := s.loadSlice(ctx, s.store, sliceID)
	if err != nil {
		return nil, err
	}
	v := &View{Slice: sl}
	if v.Payment, err = s.store.GetPaymentBySlice(ctx, sliceID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}
	if v.Dispute, err = s.store.GetDispute(ctx, sliceID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}
	if v.Rewards, err = s.store.ListRewardsBySlice(ctx, sliceID); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Service) loadSlice(ctx context.Context, r ledger.Reader, sliceID string) (*ledger.Slice, error) {
	sl, err := r.GetSlice(ctx, sliceID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, apperr.NotFound("slice %s not found", sliceID)
	}
	return sl, err
}

func (s *Service) loadPair(ctx context.Context, sliceID string) (*ledger.Slice, *ledger.EscrowPayment, error) {
	sl, err := s.loadSlice(ctx, s.store, sliceID)
	if err != nil {
		return nil, nil, err
	}
	pay, err := s.store.GetPaymentBySlice(ctx, sliceID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil, apperr.InvalidState("slice %s has no escrow payment", sliceID)
	}
	if err != nil {
		return nil, nil, err
	}
	return sl, pay, nil
}

// paymentHeld rejects payments that are no longer in escrow. A payment
// already resolved by someone else is reported as a lost race.
func paymentHeld(pay *ledger.EscrowPayment) error {
	switch pay.Status {
	case ledger.PaymentInEscrow:
		return nil
	case ledger.PaymentReleased, ledger.PaymentRefunded:
		return &apperr.StaleStateError{
			Entity: "payment", ID: pay.ID,
			Expected: string(ledger.PaymentInEscrow), Current: string(pay.Status), Winner: pay.ResolvedBy,
		}
	}
	return apperr.InvalidState("payment %s is %s", pay.ID, pay.Status)
}

func (s *Service) stalePayment(ctx context.Context, tx ledger.Tx, sliceID string, err error) error {
	if !errors.Is(err, ledger.ErrStaleState) {
		return err
	}
	cur, gerr := tx.GetPaymentBySlice(ctx, sliceID)
	if gerr != nil {
		return &apperr.StaleStateError{Entity: "payment", ID: sliceID, Expected: string(ledger.PaymentInEscrow), Current: "unknown"}
	}
	return &apperr.StaleStateError{
		Entity: "payment", ID: cur.ID,
		Expected: string(ledger.PaymentInEscrow), Current: string(cur.Status), Winner: cur.ResolvedBy,
	}
}

func (s *Service) staleSlice(ctx context.Context, tx ledger.Tx, sliceID string, expected ledger.SliceStatus, err error) error {
	if !errors.Is(err, ledger.ErrStaleState) {
		return err
	}
	current := "unknown"
	if cur, gerr := tx.GetSlice(ctx, sliceID); gerr == nil {
		current = string(cur.Status)
	}
	return &apperr.StaleStateError{Entity: "slice", ID: sliceID, Expected: string(expected), Current: current}
}

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		_, result = apperr.HTTPStatus(err)
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(op, result).Inc()
}
