package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/slicepay/internal/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeSuite runs the same behavioural checks against every Store.
func storeSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SliceOptimisticUpdate", func(t *testing.T) { testSliceOptimisticUpdate(t, newStore(t)) })
	t.Run("PaymentUniquePerSlice", func(t *testing.T) { testPaymentUniquePerSlice(t, newStore(t)) })
	t.Run("PaymentTransitionStale", func(t *testing.T) { testPaymentTransitionStale(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollbackOnError(t, newStore(t)) })
	t.Run("WalletInvariant", func(t *testing.T) { testWalletInvariant(t, newStore(t)) })
	t.Run("EntryPaging", func(t *testing.T) { testEntryPaging(t, newStore(t)) })
	t.Run("WithdrawalTransition", func(t *testing.T) { testWithdrawalTransition(t, newStore(t)) })
	t.Run("RewardReversalUnique", func(t *testing.T) { testRewardReversalUnique(t, newStore(t)) })
	t.Run("PayoutRunCarry", func(t *testing.T) { testPayoutRunCarry(t, newStore(t)) })
	t.Run("ReleasedPoolWindow", func(t *testing.T) { testReleasedPoolWindow(t, newStore(t)) })
	t.Run("HelpfulCommentWindow", func(t *testing.T) { testHelpfulCommentWindow(t, newStore(t)) })
	t.Run("DisputeFinalizedIsImmutable", func(t *testing.T) { testDisputeFinalizedIsImmutable(t, newStore(t)) })
}

var t0 = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func seedSlice(t *testing.T, s Store, id string) *Slice {
	t.Helper()
	sl := &Slice{
		ID:                 id,
		RequestID:          "req_" + id,
		ClientID:           "client_1",
		AssignedProviderID: "provider_1",
		Status:             SliceCompleted,
		RefundStatus:       RefundNone,
		CreatedAt:          t0,
		UpdatedAt:          t0,
	}
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		return tx.CreateSlice(context.Background(), sl)
	}))
	return sl
}

func seedPayment(t *testing.T, s Store, sliceID, paymentID string, amount int64) *EscrowPayment {
	t.Helper()
	p := &EscrowPayment{
		ID:                  paymentID,
		ClientID:            "client_1",
		ProviderID:          "provider_1",
		SliceID:             sliceID,
		SliceAmount:         amount,
		PlatformFee:         amount / 10,
		CommunityRewardPool: amount / 50,
		TotalAmount:         amount + amount/10,
		Currency:            "EUR",
		PaymentMethod:       MethodGatewayA,
		ExternalPaymentRef:  "pi_" + paymentID,
		Status:              PaymentInEscrow,
		CreatedAt:           t0,
	}
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		return tx.CreatePayment(context.Background(), p)
	}))
	return p
}

func testSliceOptimisticUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	sl := seedSlice(t, s, "slc_a")

	sl.Status = SliceApprovedByClient
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.UpdateSlice(ctx, sl, SliceCompleted)
	}))

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.UpdateSlice(ctx, sl, SliceCompleted)
	})
	assert.ErrorIs(t, err, ErrStaleState)

	missing := *sl
	missing.ID = "slc_missing"
	err = s.InTx(ctx, func(tx Tx) error {
		return tx.UpdateSlice(ctx, &missing, SliceCompleted)
	})
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetSlice(ctx, "slc_a")
	require.NoError(t, err)
	assert.Equal(t, SliceApprovedByClient, got.Status)
}

func testPaymentUniquePerSlice(t *testing.T, s Store) {
	ctx := context.Background()
	seedSlice(t, s, "slc_a")
	seedPayment(t, s, "slc_a", "pay_1", 10000)

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.CreatePayment(ctx, &EscrowPayment{
			ID: "pay_2", ClientID: "client_1", ProviderID: "provider_1", SliceID: "slc_a",
			SliceAmount: 100, PlatformFee: 10, TotalAmount: 110, Currency: "EUR",
			PaymentMethod: MethodGatewayB, ExternalPaymentRef: "b_1", Status: PaymentInEscrow, CreatedAt: t0,
		})
	})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func testPaymentTransitionStale(t *testing.T, s Store) {
	ctx := context.Background()
	seedSlice(t, s, "slc_a")
	p := seedPayment(t, s, "slc_a", "pay_1", 10000)
	at := t0.Add(time.Hour)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.TransitionPayment(ctx, PaymentTransition{
			PaymentID: p.ID, From: PaymentInEscrow, To: PaymentReleased, ResolvedBy: "client_1", At: at, CommentRewardPool: 500,
		})
	}))

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.TransitionPayment(ctx, PaymentTransition{
			PaymentID: p.ID, From: PaymentInEscrow, To: PaymentRefunded, ResolvedBy: "admin_1", At: at,
		})
	})
	assert.ErrorIs(t, err, ErrStaleState)

	got, err := s.GetPaymentBySlice(ctx, "slc_a")
	require.NoError(t, err)
	assert.Equal(t, PaymentReleased, got.Status)
	assert.Equal(t, "client_1", got.ResolvedBy)
	assert.Equal(t, int64(500), got.CommentRewardPool)
	require.NotNil(t, got.ReleasedAt)
	assert.True(t, got.ReleasedAt.Equal(at))
	assert.Nil(t, got.RefundedAt)
}

func testRollbackOnError(t *testing.T, s Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.ApplyWalletEntry(ctx, &WalletEntry{
			ID: "ent_1", UserID: "u1", Kind: EntryReward, Amount: 700, Reference: "rwd_1", CreatedAt: t0,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, err := s.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Balance)

	entries, err := s.ListEntries(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testWalletInvariant(t *testing.T, s Store) {
	ctx := context.Background()
	apply := func(id string, kind EntryKind, amount int64) (*Wallet, error) {
		var w *Wallet
		err := s.InTx(ctx, func(tx Tx) error {
			var err error
			w, err = tx.ApplyWalletEntry(ctx, &WalletEntry{
				ID: id, UserID: "u1", Kind: kind, Amount: amount, Reference: "ref_" + id, CreatedAt: t0,
			})
			return err
		})
		return w, err
	}

	w, err := apply("ent_1", EntryReward, 1000)
	require.NoError(t, err)
	assert.True(t, w.Consistent())

	w, err = apply("ent_2", EntryWithdrawalHold, 400)
	require.NoError(t, err)
	assert.Equal(t, int64(600), w.Balance)
	assert.Equal(t, int64(400), w.PendingWithdrawals)
	assert.True(t, w.Consistent())

	w, err = apply("ent_3", EntryWithdrawalCleared, 400)
	require.NoError(t, err)
	assert.Equal(t, int64(400), w.TotalWithdrawn)
	assert.Equal(t, int64(0), w.PendingWithdrawals)
	assert.True(t, w.Consistent())

	_, err = apply("ent_4", EntryWithdrawalHold, 601)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	got, err := s.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(600), got.Balance)
	assert.True(t, got.Consistent())

	entries, err := s.ListEntries(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func testEntryPaging(t *testing.T, s Store) {
	ctx := context.Background()
	for i, id := range []string{"ent_a", "ent_b", "ent_c", "ent_d"} {
		at := t0.Add(time.Duration(i/2) * time.Minute) // two entries share each timestamp
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			_, err := tx.ApplyWalletEntry(ctx, &WalletEntry{
				ID: id, UserID: "u1", Kind: EntryReward, Amount: 10, Reference: "ref_" + id, CreatedAt: at,
			})
			return err
		}))
	}

	first, err := s.ListEntriesBefore(ctx, "u1", nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "ent_d", first[0].ID)
	assert.Equal(t, "ent_c", first[1].ID)

	last := first[len(first)-1]
	rest, err := s.ListEntriesBefore(ctx, "u1", &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "ent_b", rest[0].ID)
	assert.Equal(t, "ent_a", rest[1].ID)
}

func testWithdrawalTransition(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.CreateWithdrawal(ctx, &Withdrawal{ID: "wdr_1", UserID: "u1", Amount: 300, Status: WithdrawalPending, CreatedAt: t0})
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.TransitionWithdrawal(ctx, "wdr_1", WithdrawalPending, WithdrawalFailed, "admin_1", t0)
	}))
	err := s.InTx(ctx, func(tx Tx) error {
		return tx.TransitionWithdrawal(ctx, "wdr_1", WithdrawalPending, WithdrawalCleared, "admin_2", t0)
	})
	assert.ErrorIs(t, err, ErrStaleState)

	w, err := s.GetWithdrawal(ctx, "wdr_1")
	require.NoError(t, err)
	assert.Equal(t, WithdrawalFailed, w.Status)
	assert.Equal(t, "admin_1", w.SettledBy)

	_, err = s.GetWithdrawal(ctx, "wdr_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testRewardReversalUnique(t *testing.T, s Store) {
	ctx := context.Background()
	orig := &CommunityReward{
		ID: "rwd_1", UserID: "u1", SliceID: "slc_a", CommentID: "cmt_1", Amount: 250,
		Reason: RewardComment, PaidAt: t0, PaymentMethod: RewardPaymentMethod,
	}
	require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.InsertReward(ctx, orig) }))

	reversal := func(id string) *CommunityReward {
		return &CommunityReward{
			ID: id, UserID: "u1", SliceID: "slc_a", Amount: -250, Reason: RewardReversal,
			PaidAt: t0.Add(time.Hour), PaymentMethod: RewardPaymentMethod, ReversesID: "rwd_1",
		}
	}
	require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.InsertReward(ctx, reversal("rwd_2")) }))

	err := s.InTx(ctx, func(tx Tx) error { return tx.InsertReward(ctx, reversal("rwd_3")) })
	assert.ErrorIs(t, err, ErrDuplicate)

	bySlice, err := s.ListRewardsBySlice(ctx, "slc_a")
	require.NoError(t, err)
	assert.Len(t, bySlice, 2)

	byUser, err := s.ListRewardsByUser(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, "rwd_2", byUser[0].ID, "newest first")
}

func testPayoutRunCarry(t *testing.T, s Store) {
	ctx := context.Background()
	day1 := Day(t0)
	day2 := day1.AddDate(0, 0, 1)
	day3 := day1.AddDate(0, 0, 2)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		run, err := tx.LockPayoutRun(ctx, day1)
		if err != nil {
			return err
		}
		run.PoolAmount = 900
		run.CarriedForward = 900
		run.Trigger = "scheduler"
		return tx.SavePayoutRun(ctx, run)
	}))

	carry, err := s.UnconsumedCarry(ctx, day2)
	require.NoError(t, err)
	require.Len(t, carry, 1)
	assert.Equal(t, int64(900), carry[0].CarriedForward)

	carry, err = s.UnconsumedCarry(ctx, day1)
	require.NoError(t, err)
	assert.Empty(t, carry, "a run never carries into itself")

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.MarkCarryConsumed(ctx, []time.Time{day1}, day3)
	}))
	err = s.InTx(ctx, func(tx Tx) error {
		return tx.MarkCarryConsumed(ctx, []time.Time{day1}, day3)
	})
	assert.ErrorIs(t, err, ErrStaleState)

	carry, err = s.UnconsumedCarry(ctx, day3)
	require.NoError(t, err)
	assert.Empty(t, carry)

	run, err := s.GetPayoutRun(ctx, day1.Add(13*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, run.CarryConsumedBy)
	assert.True(t, run.CarryConsumedBy.Equal(day3))

	_, err = s.GetPayoutRun(ctx, day2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testReleasedPoolWindow(t *testing.T, s Store) {
	ctx := context.Background()
	day := Day(t0)
	for i, at := range []time.Time{day.Add(-time.Second), day, day.Add(23 * time.Hour), day.Add(24 * time.Hour)} {
		sliceID := "slc_" + string(rune('a'+i))
		paymentID := "pay_" + string(rune('a'+i))
		seedSlice(t, s, sliceID)
		seedPayment(t, s, sliceID, paymentID, 10000) // pool 200 each
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			return tx.TransitionPayment(ctx, PaymentTransition{PaymentID: paymentID, From: PaymentInEscrow, To: PaymentReleased, At: at})
		}))
	}

	total, err := s.SumReleasedCommunityPool(ctx, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(400), total)
}

func testHelpfulCommentWindow(t *testing.T, s Store) {
	ctx := context.Background()
	day := Day(t0)
	marked := day.Add(2 * time.Hour)
	before := day.Add(-time.Minute)

	comments := []*Comment{
		{ID: "cmt_1", RequestID: "req_1", AuthorID: "u1", Hearts: 3, Helpful: true, HelpfulMarkedAt: &marked, SavingsScore: 10, CreatedAt: before},
		{ID: "cmt_2", RequestID: "req_1", AuthorID: "u2", Hearts: 1, Helpful: true, HelpfulMarkedAt: &before, CreatedAt: before},
		{ID: "cmt_3", RequestID: "req_1", AuthorID: "u3", Hearts: 9, CreatedAt: before},
		{ID: "cmt_4", RequestID: "req_2", AuthorID: "u1", Hearts: 2, Helpful: true, HelpfulMarkedAt: &marked, CreatedAt: before},
	}
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for _, c := range comments {
			if err := tx.UpsertComment(ctx, c); err != nil {
				return err
			}
		}
		return nil
	}))

	forReq, err := s.HelpfulCommentsForRequest(ctx, "req_1")
	require.NoError(t, err)
	require.Len(t, forReq, 2)
	assert.Equal(t, "cmt_1", forReq[0].ID)
	assert.Equal(t, "cmt_2", forReq[1].ID)

	inDay, err := s.HelpfulCommentsBetween(ctx, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, inDay, 2)
	assert.Equal(t, "cmt_1", inDay[0].ID)
	assert.Equal(t, "cmt_4", inDay[1].ID)
}

func testDisputeFinalizedIsImmutable(t *testing.T, s Store) {
	ctx := context.Background()
	seedSlice(t, s, "slc_a")
	seedPayment(t, s, "slc_a", "pay_1", 10000)

	d := &DisputeCase{
		SliceID: "slc_a", PaymentID: "pay_1", ClientID: "client_1", ProviderID: "provider_1",
		Status: DisputeOpen, RefundReason: "never delivered", OpenedAt: t0, UpdatedAt: t0,
		EvidenceItems: []EvidenceItem{{AuthorID: "client_1", Party: PartyClient, Content: "nothing arrived", SubmittedAt: t0}},
	}
	require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.CreateDispute(ctx, d) }))

	open, err := s.ListDisputes(ctx, DisputeOpen, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Len(t, open[0].EvidenceItems, 1)

	at := t0.Add(time.Hour)
	d.Status = DisputeResolvedRefund
	d.FinalDecision = DecisionRefund
	d.FinalDecisionBy = "admin_1"
	d.FinalDecisionAt = &at
	require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.UpdateDispute(ctx, d, DisputeOpen) }))

	err = s.InTx(ctx, func(tx Tx) error { return tx.UpdateDispute(ctx, d, DisputeResolvedRefund) })
	assert.ErrorIs(t, err, ErrStaleState)

	got, err := s.GetDispute(ctx, "slc_a")
	require.NoError(t, err)
	assert.True(t, got.Finalized())
	assert.True(t, got.HasEvidenceFrom(PartyClient))
	assert.False(t, got.HasEvidenceFrom(PartyProvider))
}
