// Package wallet exposes user wallets: balances built from rewards and
// earnings, withdrawals out of the platform, and admin reward reversals.
//
// Every balance change goes through ledger.Tx.ApplyWalletEntry in the same
// transaction as the row that caused it.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/idgen"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/mbd888/slicepay/internal/logging"
	"github.com/mbd888/slicepay/internal/metrics"
	"github.com/mbd888/slicepay/internal/notify"
	"github.com/mbd888/slicepay/internal/pagination"
	"github.com/mbd888/slicepay/internal/rewards"
)

// Summary is a wallet with its most recent entries.
type Summary struct {
	Wallet  *ledger.Wallet        `json:"wallet"`
	Entries []*ledger.WalletEntry `json:"entries"`
}

// EntryPage is one page of wallet history.
type EntryPage struct {
	Entries    []*ledger.WalletEntry `json:"entries"`
	NextCursor string                `json:"nextCursor,omitempty"`
	HasMore    bool                  `json:"hasMore"`
}

// Service implements wallet operations.
type Service struct {
	store    ledger.Store
	engine   *rewards.Engine
	notifier *notify.Emitter
	now      func() time.Time
}

// NewService creates a wallet service.
func NewService(store ledger.Store, engine *rewards.Engine) *Service {
	return &Service{store: store, engine: engine, now: time.Now}
}

// WithNotifier sets the emitter used for best-effort notifications.
func (s *Service) WithNotifier(e *notify.Emitter) *Service {
	s.notifier = e
	return s
}

// Get returns the user's wallet and up to limit recent entries.
func (s *Service) Get(ctx context.Context, userID string, limit int) (*Summary, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListEntries(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	return &Summary{Wallet: w, Entries: entries}, nil
}

// Entries pages through the user's wallet history, newest first. cursor is
// the NextCursor of the previous page, or empty for the first.
func (s *Service) Entries(ctx context.Context, userID, cursor string, limit int) (*EntryPage, error) {
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "invalid cursor")
	}
	if limit <= 0 {
		limit = 50
	}

	entries, err := s.store.ListEntriesBefore(ctx, userID, cur, limit+1)
	if err != nil {
		return nil, err
	}
	page, next, more := pagination.ComputePage(entries, limit, func(e *ledger.WalletEntry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return &EntryPage{Entries: page, NextCursor: next, HasMore: more}, nil
}

// Rewards returns the user's community rewards, newest first.
func (s *Service) Rewards(ctx context.Context, userID string, limit int) ([]*ledger.CommunityReward, error) {
	return s.store.ListRewardsByUser(ctx, userID, limit)
}

// RequestWithdrawal holds amount from the balance until an admin settles it.
func (s *Service) RequestWithdrawal(ctx context.Context, userID string, amount int64) (*ledger.Withdrawal, error) {
	if amount <= 0 {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "amount must be positive")
	}

	now := s.now().UTC()
	wd := &ledger.Withdrawal{
		ID:        idgen.WithPrefix(idgen.PrefixWithdrawal),
		UserID:    userID,
		Amount:    amount,
		Status:    ledger.WithdrawalPending,
		CreatedAt: now,
	}
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateWithdrawal(ctx, wd); err != nil {
			return fmt.Errorf("failed to create withdrawal: %w", err)
		}
		_, err := tx.ApplyWalletEntry(ctx, &ledger.WalletEntry{
			ID:        idgen.WithPrefix(idgen.PrefixEntry),
			UserID:    userID,
			Kind:      ledger.EntryWithdrawalHold,
			Amount:    amount,
			Reference: wd.ID,
			CreatedAt: now,
		})
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return apperr.InvalidState("balance does not cover a withdrawal of %d", amount)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(ledger.WithdrawalPending)).Inc()
	logging.L(ctx).Info("withdrawal requested", "withdrawal_id", wd.ID, "user_id", userID, "amount", amount)
	s.emit(wd)
	return wd, nil
}

// Clear records that a pending withdrawal left the platform.
func (s *Service) Clear(ctx context.Context, id, adminID string) (*ledger.Withdrawal, error) {
	return s.settle(ctx, id, adminID, ledger.WithdrawalCleared, ledger.EntryWithdrawalCleared)
}

// Fail returns a pending withdrawal's hold to the balance.
func (s *Service) Fail(ctx context.Context, id, adminID string) (*ledger.Withdrawal, error) {
	return s.settle(ctx, id, adminID, ledger.WithdrawalFailed, ledger.EntryWithdrawalRelease)
}

func (s *Service) settle(ctx context.Context, id, adminID string, to ledger.WithdrawalStatus, kind ledger.EntryKind) (*ledger.Withdrawal, error) {
	var out *ledger.Withdrawal
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		wd, err := tx.GetWithdrawal(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			return apperr.NotFound("withdrawal %s not found", id)
		}
		if err != nil {
			return err
		}
		if wd.Status != ledger.WithdrawalPending {
			return &apperr.StaleStateError{
				Entity: "withdrawal", ID: id,
				Expected: string(ledger.WithdrawalPending), Current: string(wd.Status), Winner: wd.SettledBy,
			}
		}

		now := s.now().UTC()
		if err := tx.TransitionWithdrawal(ctx, id, ledger.WithdrawalPending, to, adminID, now); err != nil {
			if errors.Is(err, ledger.ErrStaleState) {
				return &apperr.StaleStateError{Entity: "withdrawal", ID: id, Expected: string(ledger.WithdrawalPending), Current: "changed"}
			}
			return err
		}
		if _, err := tx.ApplyWalletEntry(ctx, &ledger.WalletEntry{
			ID:        idgen.WithPrefix(idgen.PrefixEntry),
			UserID:    wd.UserID,
			Kind:      kind,
			Amount:    wd.Amount,
			Reference: wd.ID,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("failed to apply %s entry: %w", kind, err)
		}

		wd.Status, wd.SettledAt, wd.SettledBy = to, &now, adminID
		out = wd
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(to)).Inc()
	logging.L(ctx).Info("withdrawal settled", "withdrawal_id", id, "status", to, "admin_id", adminID)
	s.emit(out)
	return out, nil
}

// ReverseReward claws back a community reward on an admin's behalf.
func (s *Service) ReverseReward(ctx context.Context, rewardID, adminID, reason string) (*ledger.CommunityReward, error) {
	if reason == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "reason is required")
	}
	rev, err := s.engine.Reverse(ctx, rewardID, adminID, reason)
	if err != nil {
		return nil, err
	}
	s.notifier.Emit(rev.UserID, notify.KindRewardReversed, map[string]any{
		"rewardId": rewardID, "reversalId": rev.ID, "amount": rev.Amount, "reason": reason,
	})
	return rev, nil
}

func (s *Service) emit(wd *ledger.Withdrawal) {
	s.notifier.Emit(wd.UserID, notify.KindWithdrawalUpdated, map[string]any{
		"withdrawalId": wd.ID, "status": string(wd.Status), "amount": wd.Amount,
	})
}
