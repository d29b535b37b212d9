package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/idgen"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/mbd888/slicepay/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultTopN caps the number of daily payout recipients.
const DefaultTopN = 50

var (
	rewardsCredited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slicepay",
		Subsystem: "rewards",
		Name:      "credited_total",
		Help:      "Community rewards written, by reason.",
	}, []string{"reason"})

	rewardsAmount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slicepay",
		Subsystem: "rewards",
		Name:      "credited_minor_units_total",
		Help:      "Sum of community reward amounts in minor units, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(rewardsCredited, rewardsAmount)
}

// Grant describes where an allocation came from.
type Grant struct {
	SliceID    string
	PayoutDate *time.Time
	Reason     ledger.RewardReason
	At         time.Time
}

// Engine persists allocations and gathers contributions.
type Engine struct {
	store ledger.Store
	topN  int
	now   func() time.Time
}

// NewEngine creates a reward engine. topN <= 0 uses DefaultTopN.
func NewEngine(store ledger.Store, topN int) *Engine {
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Engine{store: store, topN: topN, now: time.Now}
}

// TopN returns the daily recipient cap.
func (e *Engine) TopN() int { return e.topN }

// Persist writes one CommunityReward and one wallet credit per positive
// share inside tx. Metrics are only updated by the caller after commit via
// Observe, since tx may still roll back.
func (e *Engine) Persist(ctx context.Context, tx ledger.Tx, alloc Allocation, g Grant) ([]*ledger.CommunityReward, error) {
	var (
		out     []*ledger.CommunityReward
		written int64
	)
	for _, s := range alloc.Shares {
		if s.Amount <= 0 {
			continue
		}
		r := &ledger.CommunityReward{
			ID:            idgen.WithPrefix(idgen.PrefixReward),
			UserID:        s.ContributorID,
			SliceID:       g.SliceID,
			CommentID:     s.CommentID,
			PayoutDate:    g.PayoutDate,
			Amount:        s.Amount,
			Reason:        g.Reason,
			PaidAt:        g.At,
			PaymentMethod: ledger.RewardPaymentMethod,
		}
		if err := tx.InsertReward(ctx, r); err != nil {
			return nil, fmt.Errorf("failed to insert reward for %s: %w", s.ContributorID, err)
		}
		if _, err := tx.ApplyWalletEntry(ctx, &ledger.WalletEntry{
			ID:        idgen.WithPrefix(idgen.PrefixEntry),
			UserID:    s.ContributorID,
			Kind:      ledger.EntryReward,
			Amount:    s.Amount,
			Reference: r.ID,
			CreatedAt: g.At,
		}); err != nil {
			return nil, fmt.Errorf("failed to credit wallet of %s: %w", s.ContributorID, err)
		}
		written += s.Amount
		out = append(out, r)
	}

	if want := alloc.Total(); written != want {
		return nil, &apperr.RoundingInvariantViolation{Context: "persist " + string(g.Reason), Expected: want, Actual: written}
	}
	return out, nil
}

// Observe records committed rewards in metrics.
func Observe(rewards []*ledger.CommunityReward) {
	for _, r := range rewards {
		rewardsCredited.WithLabelValues(string(r.Reason)).Inc()
		amount := r.Amount
		if amount < 0 {
			amount = -amount
		}
		rewardsAmount.WithLabelValues(string(r.Reason)).Add(float64(amount))
	}
}

// CommentContributions weights each helpful comment by its hearts. Comments
// authored by any of exclude (the slice's own parties) earn nothing.
func CommentContributions(comments []*ledger.Comment, exclude ...string) []Contribution {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var out []Contribution
	for _, c := range comments {
		if !c.Helpful || skip[c.AuthorID] || c.Hearts <= 0 {
			continue
		}
		out = append(out, Contribution{ContributorID: c.AuthorID, CommentID: c.ID, Weight: c.Hearts})
	}
	return out
}

// DailyContributions sums savings scores per author and keeps the topN
// heaviest contributors.
func DailyContributions(comments []*ledger.Comment, topN int) []Contribution {
	byUser := make(map[string]int64)
	for _, c := range comments {
		if c.Helpful && c.SavingsScore > 0 {
			byUser[c.AuthorID] += c.SavingsScore
		}
	}

	out := make([]Contribution, 0, len(byUser))
	for user, w := range byUser {
		out = append(out, Contribution{ContributorID: user, Weight: w})
	}
	sortByPriority(out)
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// Reverse claws back a reward with a negative compensating entry. The
// original row is never edited. Fails with an invalid_state error when the
// reward is itself a reversal, was already reversed, or the recipient's
// balance no longer covers it.
func (e *Engine) Reverse(ctx context.Context, rewardID, adminID, reason string) (*ledger.CommunityReward, error) {
	var reversal *ledger.CommunityReward
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		orig, err := tx.GetReward(ctx, rewardID)
		if errors.Is(err, ledger.ErrNotFound) {
			return apperr.NotFound("reward %s not found", rewardID)
		}
		if err != nil {
			return err
		}
		if orig.Reason == ledger.RewardReversal {
			return apperr.InvalidState("reward %s is a reversal", rewardID)
		}

		now := e.now().UTC()
		reversal = &ledger.CommunityReward{
			ID:            idgen.WithPrefix(idgen.PrefixReward),
			UserID:        orig.UserID,
			SliceID:       orig.SliceID,
			CommentID:     orig.CommentID,
			PayoutDate:    orig.PayoutDate,
			Amount:        -orig.Amount,
			Reason:        ledger.RewardReversal,
			PaidAt:        now,
			PaymentMethod: orig.PaymentMethod,
			ReversesID:    orig.ID,
		}
		if err := tx.InsertReward(ctx, reversal); err != nil {
			if errors.Is(err, ledger.ErrDuplicate) {
				return apperr.InvalidState("reward %s was already reversed", rewardID)
			}
			return err
		}
		_, err = tx.ApplyWalletEntry(ctx, &ledger.WalletEntry{
			ID:        idgen.WithPrefix(idgen.PrefixEntry),
			UserID:    orig.UserID,
			Kind:      ledger.EntryReversal,
			Amount:    -orig.Amount,
			Reference: reversal.ID,
			CreatedAt: now,
		})
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return apperr.InvalidState("wallet of %s no longer covers reward %s", orig.UserID, rewardID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	Observe([]*ledger.CommunityReward{reversal})
	logging.L(ctx).Info("reward reversed",
		"reward_id", rewardID,
		"reversal_id", reversal.ID,
		"user_id", reversal.UserID,
		"amount", reversal.Amount,
		"admin_id", adminID,
		"reason", reason,
	)
	return reversal, nil
}
