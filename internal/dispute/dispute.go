// Package dispute runs contested refunds to a final decision.
//
// A case opens when a provider rejects a refund request. It deliberates
// once both parties have submitted evidence (or the evidence window lapses).
// Deliberation asks every advisory source in parallel; the result is only
// advice. Money moves when an admin finalizes, through the escrow service's
// release and refund paths.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/escrow"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/mbd888/slicepay/internal/logging"
	"github.com/mbd888/slicepay/internal/metrics"
	"github.com/mbd888/slicepay/internal/notify"
)

// DefaultEvidenceTimeout is how long an open case waits for both parties.
const DefaultEvidenceTimeout = 72 * time.Hour

// Settler executes the final decision. *escrow.Service implements it.
type Settler interface {
	SettleDispute(ctx context.Context, sliceID string, res escrow.Resolution) (*escrow.Settlement, error)
}

// Service implements the dispute workflow.
type Service struct {
	store           ledger.Store
	council         *Council
	settler         Settler
	notifier        *notify.Emitter
	evidenceTimeout time.Duration
	now             func() time.Time
}

// NewService creates a dispute service.
func NewService(store ledger.Store, council *Council, settler Settler, evidenceTimeout time.Duration) *Service {
	if evidenceTimeout <= 0 {
		evidenceTimeout = DefaultEvidenceTimeout
	}
	return &Service{
		store:           store,
		council:         council,
		settler:         settler,
		evidenceTimeout: evidenceTimeout,
		now:             time.Now,
	}
}

// WithNotifier sets the emitter used for best-effort notifications.
func (s *Service) WithNotifier(e *notify.Emitter) *Service {
	s.notifier = e
	return s
}

// Get returns the case for a slice.
func (s *Service) Get(ctx context.Context, sliceID string) (*ledger.DisputeCase, error) {
	return s.load(ctx, s.store, sliceID)
}

// List returns cases in status, oldest first.
func (s *Service) List(ctx context.Context, status ledger.DisputeStatus, limit int) ([]*ledger.DisputeCase, error) {
	return s.store.ListDisputes(ctx, status, limit)
}

// SubmitEvidence appends a statement from the client or provider. An open
// case starts deliberating once both sides have spoken.
func (s *Service) SubmitEvidence(ctx context.Context, sliceID, actorID, content string) (*ledger.DisputeCase, error) {
	if content == "" {
		return nil, apperr.Validation(apperr.CodeEvidenceRequired, "evidence content is required")
	}

	var (
		out     *ledger.DisputeCase
		started bool
	)
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		d, err := s.load(ctx, tx, sliceID)
		if err != nil {
			return err
		}
		var party ledger.Party
		switch actorID {
		case d.ClientID:
			party = ledger.PartyClient
		case d.ProviderID:
			party = ledger.PartyProvider
		default:
			return apperr.Forbidden("only the parties of slice %s can submit evidence", sliceID)
		}
		if d.Finalized() {
			return apperr.InvalidState("dispute for slice %s is closed", sliceID)
		}
		if d.Status != ledger.DisputeOpen && d.Status != ledger.DisputeDeliberating {
			return apperr.InvalidState("dispute for slice %s is %s and no longer takes evidence", sliceID, d.Status)
		}

		now := s.now().UTC()
		item := ledger.EvidenceItem{AuthorID: actorID, Party: party, Content: content, SubmittedAt: now}

		sl, err := tx.GetSlice(ctx, sliceID)
		if err != nil {
			return fmt.Errorf("failed to load slice: %w", err)
		}
		sl.DisputeEvidence = append(sl.DisputeEvidence, item)
		sl.UpdatedAt = now
		if err := tx.UpdateSlice(ctx, sl, ledger.SliceDisputed); err != nil {
			return staleDispute(sliceID, string(ledger.SliceDisputed), err)
		}

		expected := d.Status
		d.EvidenceItems = append(d.EvidenceItems, item)
		if d.Status == ledger.DisputeOpen && d.HasEvidenceFrom(ledger.PartyClient) && d.HasEvidenceFrom(ledger.PartyProvider) {
			startDeliberation(d, now)
			started = true
		}
		d.UpdatedAt = now
		if err := tx.UpdateDispute(ctx, d, expected); err != nil {
			return staleDispute(sliceID, string(expected), err)
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("dispute evidence submitted", "slice_id", sliceID, "items", len(out.EvidenceItems))
	if started {
		metrics.DisputesTotal.WithLabelValues(string(ledger.DisputeDeliberating)).Inc()
	}
	return out, nil
}

func startDeliberation(d *ledger.DisputeCase, at time.Time) {
	d.Status = ledger.DisputeDeliberating
	d.DeliberatingSince = &at
}

// Deliberate consults the advisory council. Verdicts are recorded even when
// no source answered; in that case the case stays deliberating and a
// ConsensusIncompleteError is returned so the caller retries later.
func (s *Service) Deliberate(ctx context.Context, sliceID string) (*ledger.DisputeCase, error) {
	d, err := s.Get(ctx, sliceID)
	if err != nil {
		return nil, err
	}
	if d.Finalized() {
		return nil, apperr.InvalidState("dispute for slice %s is closed", sliceID)
	}
	if d.Status != ledger.DisputeDeliberating {
		return nil, apperr.InvalidState("dispute for slice %s is %s, must be deliberating", sliceID, d.Status)
	}

	cc := CaseContext{
		SliceID:      d.SliceID,
		RefundReason: d.RefundReason,
		Evidence:     d.EvidenceItems,
		OpenedAt:     d.OpenedAt,
		Attempt:      d.Attempts + 1,
	}
	if pay, err := s.store.GetPaymentBySlice(ctx, sliceID); err == nil {
		cc.SliceAmount, cc.Currency = pay.SliceAmount, pay.Currency
	}

	verdicts, consensus, evalErr := s.council.Evaluate(ctx, cc)
	var incomplete *apperr.ConsensusIncompleteError
	if evalErr != nil && !errors.As(evalErr, &incomplete) {
		return nil, evalErr
	}

	var out *ledger.DisputeCase
	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		cur, err := s.load(ctx, tx, sliceID)
		if err != nil {
			return err
		}
		if cur.Finalized() || cur.Status != ledger.DisputeDeliberating || cur.Attempts != d.Attempts {
			return &apperr.StaleStateError{
				Entity: "dispute", ID: sliceID,
				Expected: string(ledger.DisputeDeliberating), Current: string(cur.Status), Winner: cur.FinalDecisionBy,
			}
		}
		cur.AdvisoryVerdicts = append(cur.AdvisoryVerdicts, verdicts...)
		cur.Attempts++
		if incomplete == nil {
			cur.Consensus = consensus
			cur.Status = statusFor(consensus)
		}
		cur.UpdatedAt = s.now().UTC()
		if err := tx.UpdateDispute(ctx, cur, ledger.DisputeDeliberating); err != nil {
			return staleDispute(sliceID, string(ledger.DisputeDeliberating), err)
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	if incomplete != nil {
		logging.L(ctx).Warn("advisory consensus incomplete", "slice_id", sliceID, "attempt", out.Attempts)
		return out, incomplete
	}

	metrics.DisputesTotal.WithLabelValues(string(out.Status)).Inc()
	logging.L(ctx).Info("advisory consensus reached",
		"slice_id", sliceID, "consensus", out.Consensus, "status", out.Status, "attempt", out.Attempts)
	for _, uid := range []string{out.ClientID, out.ProviderID} {
		s.notifier.Emit(uid, notify.KindDisputeConsensus, map[string]any{
			"sliceId": sliceID, "status": string(out.Status),
		})
	}
	return out, nil
}

// statusFor maps an advisory consensus onto a case status. Disagreement is
// never resolved automatically.
func statusFor(consensus ledger.Decision) ledger.DisputeStatus {
	switch consensus {
	case ledger.DecisionRelease:
		return ledger.DisputeResolvedRelease
	case ledger.DecisionRefund:
		return ledger.DisputeResolvedRefund
	default:
		return ledger.DisputeSplitDecision
	}
}

// Finalize records an admin's binding decision and moves the money. Admins
// may overrule the advisory consensus at any point before finalization.
func (s *Service) Finalize(ctx context.Context, sliceID, adminID string, decision ledger.Decision, note string) (*escrow.Settlement, error) {
	if decision != ledger.DecisionRelease && decision != ledger.DecisionRefund {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "decision must be release or refund")
	}
	d, err := s.Get(ctx, sliceID)
	if err != nil {
		return nil, err
	}

	st, err := s.settler.SettleDispute(ctx, sliceID, escrow.Resolution{AdminID: adminID, Decision: decision, Note: note})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("dispute finalized",
		"slice_id", sliceID, "decision", decision, "admin_id", adminID,
		"advisory_consensus", d.Consensus, "overruled", d.Consensus != "" && d.Consensus != decision)
	return st, nil
}

// ExpireEvidenceWindows moves open cases older than the evidence timeout to
// deliberating. Returns the slices that moved.
func (s *Service) ExpireEvidenceWindows(ctx context.Context, limit int) ([]string, error) {
	open, err := s.store.ListDisputes(ctx, ledger.DisputeOpen, limit)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	var moved []string
	for _, d := range open {
		if now.Sub(d.OpenedAt) < s.evidenceTimeout {
			continue
		}
		err := s.store.InTx(ctx, func(tx ledger.Tx) error {
			cur, err := s.load(ctx, tx, d.SliceID)
			if err != nil {
				return err
			}
			if cur.Status != ledger.DisputeOpen || cur.Finalized() {
				return nil
			}
			startDeliberation(cur, now)
			cur.UpdatedAt = now
			return tx.UpdateDispute(ctx, cur, ledger.DisputeOpen)
		})
		if err != nil {
			logging.L(ctx).Warn("failed to close evidence window", "slice_id", d.SliceID, "error", err)
			continue
		}
		metrics.DisputesTotal.WithLabelValues(string(ledger.DisputeDeliberating)).Inc()
		moved = append(moved, d.SliceID)
	}
	return moved, nil
}

func (s *Service) load(ctx context.Context, r ledger.Reader, sliceID string) (*ledger.DisputeCase, error) {
	d, err := r.GetDispute(ctx, sliceID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, apperr.NotFound("no dispute for slice %s", sliceID)
	}
	return d, err
}

func staleDispute(sliceID, expected string, err error) error {
	if errors.Is(err, ledger.ErrStaleState) {
		return &apperr.StaleStateError{Entity: "dispute", ID: sliceID, Expected: expected, Current: "changed"}
	}
	return err
}
